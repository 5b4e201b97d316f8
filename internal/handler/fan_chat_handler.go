package handler

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bandroom-chat/internal/apperror"
	"github.com/noah-isme/bandroom-chat/internal/dto"
	"github.com/noah-isme/bandroom-chat/internal/service"
	"github.com/noah-isme/bandroom-chat/internal/utils"
)

// FanChatHandler exposes fan community chats and their moderation workflow.
type FanChatHandler struct {
	service       service.FanChatService
	validator     *validator.Validate
	maxImageBytes int64
	logger        zerolog.Logger
}

// NewFanChatHandler creates a fan chat handler instance.
func NewFanChatHandler(service service.FanChatService, validator *validator.Validate, maxImageBytes int64, logger zerolog.Logger) *FanChatHandler {
	return &FanChatHandler{
		service:       service,
		validator:     validator,
		maxImageBytes: maxImageBytes,
		logger:        logger.With().Str("component", "fan_chat_handler").Logger(),
	}
}

// Register binds fan chat routes under the provided router group.
func (h *FanChatHandler) Register(router fiber.Router) {
	router.Post("/", h.create)
	router.Get("/", h.list)

	router.Delete("/messages/:messageID", h.deleteMessage)
	router.Post("/messages/:messageID/reactions", h.react)
	router.Post("/messages/:messageID/reports", h.report)
	router.Post("/messages/:messageID/moderation", h.moderate)
	router.Put("/reports/:reportID", h.review)

	router.Get("/:chatID", h.get)
	router.Delete("/:chatID", h.delete)
	router.Post("/:chatID/rules", h.acceptRules)
	router.Put("/:chatID/active", h.setActive)
	router.Put("/:chatID/moderators", h.updateModerators)
	router.Get("/:chatID/messages", h.messages)
	router.Post("/:chatID/messages", h.send)
	router.Get("/:chatID/messages/search", h.search)
	router.Get("/:chatID/reports", h.reports)
	router.Get("/:chatID/moderation-logs", h.logs)
	router.Post("/:chatID/typing", h.startTyping)
	router.Delete("/:chatID/typing", h.stopTyping)

	router.Get("/:chatID/ws", requireUpgrade, streamHandler(h.logger, h.service.ServeConnection))
}

func (h *FanChatHandler) create(c *fiber.Ctx) error {
	var req dto.CreateFanChatRequest
	if err := bindAndValidate(c, h.validator, &req); err != nil {
		return respondError(c, h.logger, err)
	}

	chat, err := h.service.CreateFanChat(requestContext(c), userIDFromContext(c), req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "fan chat created", chat)
}

func (h *FanChatHandler) list(c *fiber.Ctx) error {
	chats, err := h.service.ListFanChats(requestContext(c), strings.TrimSpace(c.Query("band_id")), userIDFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "fan chats", chats)
}

func (h *FanChatHandler) get(c *fiber.Ctx) error {
	chat, err := h.service.GetFanChat(requestContext(c), c.Params("chatID"), userIDFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "fan chat", chat)
}

func (h *FanChatHandler) delete(c *fiber.Ctx) error {
	if err := h.service.DeleteFanChat(requestContext(c), c.Params("chatID"), userIDFromContext(c)); err != nil {
		return respondError(c, h.logger, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *FanChatHandler) acceptRules(c *fiber.Ctx) error {
	chat, err := h.service.AcceptFanChatRules(requestContext(c), c.Params("chatID"), userIDFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "rules accepted", chat)
}

func (h *FanChatHandler) setActive(c *fiber.Ctx) error {
	var req dto.SetActiveRequest
	if err := bindAndValidate(c, h.validator, &req); err != nil {
		return respondError(c, h.logger, err)
	}

	chat, err := h.service.SetFanChatActive(requestContext(c), c.Params("chatID"), userIDFromContext(c), *req.Active)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "fan chat updated", chat)
}

func (h *FanChatHandler) updateModerators(c *fiber.Ctx) error {
	var req dto.UpdateModeratorsRequest
	if err := bindAndValidate(c, h.validator, &req); err != nil {
		return respondError(c, h.logger, err)
	}

	chat, err := h.service.UpdateFanChatModerators(requestContext(c), c.Params("chatID"), userIDFromContext(c), req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "moderators updated", chat)
}

func (h *FanChatHandler) messages(c *fiber.Ctx) error {
	var query dto.MessagePageQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query")
	}
	if err := validateStruct(h.validator, query); err != nil {
		return respondError(c, h.logger, err)
	}

	page, err := h.service.FetchFanMessages(requestContext(c), c.Params("chatID"), userIDFromContext(c), query)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.OK(c, page, "messages", pageMeta(page))
}

func (h *FanChatHandler) send(c *fiber.Ctx) error {
	var req dto.SendMessageRequest
	if err := bindAndValidate(c, h.validator, &req); err != nil {
		return respondError(c, h.logger, err)
	}

	var image *service.ImageUpload
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		upload, err := imageFromForm(c, h.maxImageBytes)
		if err != nil {
			return respondError(c, h.logger, err)
		}
		image = upload
	}

	message, err := h.service.SendFanMessage(requestContext(c), c.Params("chatID"), userIDFromContext(c), req, image)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", message)
}

func (h *FanChatHandler) search(c *fiber.Ctx) error {
	var query dto.SearchQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query")
	}
	if err := validateStruct(h.validator, query); err != nil {
		return respondError(c, h.logger, err)
	}

	results, err := h.service.SearchFanMessages(requestContext(c), c.Params("chatID"), userIDFromContext(c), query)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "search results", results)
}

func (h *FanChatHandler) react(c *fiber.Ctx) error {
	var req dto.ReactRequest
	if err := bindAndValidate(c, h.validator, &req); err != nil {
		return respondError(c, h.logger, err)
	}

	message, err := h.service.ReactFanMessage(requestContext(c), c.Params("messageID"), userIDFromContext(c), req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "reaction toggled", message)
}

func (h *FanChatHandler) deleteMessage(c *fiber.Ctx) error {
	message, err := h.service.DeleteFanMessage(requestContext(c), c.Params("messageID"), userIDFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "message deleted", message)
}

func (h *FanChatHandler) report(c *fiber.Ctx) error {
	var req dto.ReportMessageRequest
	if len(c.Body()) > 0 {
		if err := bindAndValidate(c, h.validator, &req); err != nil {
			return respondError(c, h.logger, err)
		}
	}

	report, err := h.service.ReportMessage(requestContext(c), c.Params("messageID"), userIDFromContext(c), req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message reported", report)
}

func (h *FanChatHandler) moderate(c *fiber.Ctx) error {
	var req dto.ModerateMessageRequest
	if err := bindAndValidate(c, h.validator, &req); err != nil {
		return respondError(c, h.logger, err)
	}

	outcome, err := h.service.ModerateMessage(requestContext(c), c.Params("messageID"), userIDFromContext(c), req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "message moderated", outcome)
}

func (h *FanChatHandler) review(c *fiber.Ctx) error {
	var req dto.ReviewReportRequest
	if err := bindAndValidate(c, h.validator, &req); err != nil {
		return respondError(c, h.logger, err)
	}

	report, err := h.service.ReviewReport(requestContext(c), c.Params("reportID"), userIDFromContext(c), req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "report updated", report)
}

func (h *FanChatHandler) reports(c *fiber.Ctx) error {
	status := strings.TrimSpace(c.Query("status"))
	switch status {
	case "", "pending", "reviewed", "resolved", "dismissed":
	default:
		return respondError(c, h.logger, apperror.Validation("request", "unknown report status"))
	}

	reports, err := h.service.ListReports(requestContext(c), c.Params("chatID"), userIDFromContext(c), status)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "reports", reports)
}

func (h *FanChatHandler) logs(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return respondError(c, h.logger, apperror.Validation("request", "invalid limit"))
	}

	entries, err := h.service.ModerationLogs(requestContext(c), c.Params("chatID"), userIDFromContext(c), limit)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "moderation logs", entries)
}

func (h *FanChatHandler) startTyping(c *fiber.Ctx) error {
	if err := h.service.StartTyping(requestContext(c), c.Params("chatID"), userIDFromContext(c)); err != nil {
		return respondError(c, h.logger, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *FanChatHandler) stopTyping(c *fiber.Ctx) error {
	if err := h.service.StopTyping(requestContext(c), c.Params("chatID"), userIDFromContext(c)); err != nil {
		return respondError(c, h.logger, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
