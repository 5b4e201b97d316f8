package handler

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bandroom-chat/internal/dto"
	"github.com/noah-isme/bandroom-chat/internal/service"
	"github.com/noah-isme/bandroom-chat/internal/utils"
)

// ChatHandler exposes band chats over REST plus the per-chat websocket stream.
type ChatHandler struct {
	service       service.ChatService
	validator     *validator.Validate
	maxImageBytes int64
	logger        zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(service service.ChatService, validator *validator.Validate, maxImageBytes int64, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		service:       service,
		validator:     validator,
		maxImageBytes: maxImageBytes,
		logger:        logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the provided router group.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Post("/", h.create)
	router.Get("/", h.list)
	router.Get("/badge", h.badge)

	router.Patch("/messages/:messageID", h.editMessage)
	router.Delete("/messages/:messageID", h.deleteMessage)
	router.Post("/messages/:messageID/reactions", h.react)
	router.Post("/messages/:messageID/read", h.markMessageRead)

	router.Get("/:chatID", h.get)
	router.Delete("/:chatID", h.delete)
	router.Put("/:chatID/admins", h.updateAdmins)
	router.Get("/:chatID/messages", h.messages)
	router.Post("/:chatID/messages", h.send)
	router.Get("/:chatID/messages/search", h.search)
	router.Post("/:chatID/read", h.markChatRead)
	router.Get("/:chatID/unread", h.unread)
	router.Get("/:chatID/typing", h.typingUsers)
	router.Post("/:chatID/typing", h.startTyping)
	router.Delete("/:chatID/typing", h.stopTyping)

	router.Get("/:chatID/ws", requireUpgrade, streamHandler(h.logger, h.service.ServeConnection))
}

func (h *ChatHandler) create(c *fiber.Ctx) error {
	var req dto.CreateChatRequest
	if err := bindAndValidate(c, h.validator, &req); err != nil {
		return respondError(c, h.logger, err)
	}

	chat, err := h.service.CreateChat(requestContext(c), userIDFromContext(c), req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "chat created", chat)
}

func (h *ChatHandler) list(c *fiber.Ctx) error {
	chats, err := h.service.ListChats(requestContext(c), userIDFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "chats", chats)
}

func (h *ChatHandler) badge(c *fiber.Ctx) error {
	badge, err := h.service.Badge(requestContext(c), userIDFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "badge", badge)
}

func (h *ChatHandler) get(c *fiber.Ctx) error {
	chat, err := h.service.GetChat(requestContext(c), c.Params("chatID"), userIDFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "chat", chat)
}

func (h *ChatHandler) delete(c *fiber.Ctx) error {
	if err := h.service.DeleteChat(requestContext(c), c.Params("chatID"), userIDFromContext(c)); err != nil {
		return respondError(c, h.logger, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ChatHandler) updateAdmins(c *fiber.Ctx) error {
	var req dto.UpdateAdminsRequest
	if err := bindAndValidate(c, h.validator, &req); err != nil {
		return respondError(c, h.logger, err)
	}

	chat, err := h.service.UpdateChatAdmins(requestContext(c), c.Params("chatID"), userIDFromContext(c), req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "admins updated", chat)
}

func (h *ChatHandler) messages(c *fiber.Ctx) error {
	var query dto.MessagePageQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query")
	}
	if err := validateStruct(h.validator, query); err != nil {
		return respondError(c, h.logger, err)
	}

	ctx := requestContext(c)
	chatID := c.Params("chatID")
	userID := userIDFromContext(c)

	var (
		page []dto.MessageResponse
		err  error
	)
	if query.BeforeID == "" {
		page, err = h.service.FetchLatest(ctx, chatID, userID, query.Limit)
	} else {
		page, err = h.service.LoadOlder(ctx, chatID, userID, query.BeforeID, query.Limit)
	}
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.OK(c, page, "messages", pageMeta(page))
}

// send accepts JSON for text messages and multipart for image messages.
func (h *ChatHandler) send(c *fiber.Ctx) error {
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

	message, err := h.service.SendMessage(requestContext(c), c.Params("chatID"), userIDFromContext(c), req, image)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", message)
}

func (h *ChatHandler) search(c *fiber.Ctx) error {
	var query dto.SearchQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query")
	}
	if err := validateStruct(h.validator, query); err != nil {
		return respondError(c, h.logger, err)
	}

	results, err := h.service.Search(requestContext(c), c.Params("chatID"), userIDFromContext(c), query)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "search results", results)
}

func (h *ChatHandler) editMessage(c *fiber.Ctx) error {
	var req dto.EditMessageRequest
	if err := bindAndValidate(c, h.validator, &req); err != nil {
		return respondError(c, h.logger, err)
	}

	message, err := h.service.EditMessage(requestContext(c), c.Params("messageID"), userIDFromContext(c), req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "message updated", message)
}

func (h *ChatHandler) deleteMessage(c *fiber.Ctx) error {
	message, err := h.service.DeleteMessage(requestContext(c), c.Params("messageID"), userIDFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "message deleted", message)
}

func (h *ChatHandler) react(c *fiber.Ctx) error {
	var req dto.ReactRequest
	if err := bindAndValidate(c, h.validator, &req); err != nil {
		return respondError(c, h.logger, err)
	}

	message, err := h.service.React(requestContext(c), c.Params("messageID"), userIDFromContext(c), req)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "reaction toggled", message)
}

func (h *ChatHandler) markMessageRead(c *fiber.Ctx) error {
	message, err := h.service.MarkMessageRead(requestContext(c), c.Params("messageID"), userIDFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "message read", message)
}

func (h *ChatHandler) markChatRead(c *fiber.Ctx) error {
	unread, err := h.service.MarkChatRead(requestContext(c), c.Params("chatID"), userIDFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "chat read", unread)
}

func (h *ChatHandler) unread(c *fiber.Ctx) error {
	unread, err := h.service.UnreadCount(requestContext(c), c.Params("chatID"), userIDFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "unread", unread)
}

func (h *ChatHandler) typingUsers(c *fiber.Ctx) error {
	typing, err := h.service.TypingUsers(requestContext(c), c.Params("chatID"), userIDFromContext(c))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "typing", typing)
}

func (h *ChatHandler) startTyping(c *fiber.Ctx) error {
	if err := h.service.StartTyping(requestContext(c), c.Params("chatID"), userIDFromContext(c)); err != nil {
		return respondError(c, h.logger, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ChatHandler) stopTyping(c *fiber.Ctx) error {
	if err := h.service.StopTyping(requestContext(c), c.Params("chatID"), userIDFromContext(c)); err != nil {
		return respondError(c, h.logger, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// pageMeta hands back the cursor for the next older page.
func pageMeta(page []dto.MessageResponse) fiber.Map {
	meta := fiber.Map{"count": len(page)}
	if len(page) > 0 {
		meta["next_before_id"] = page[0].ID
	}
	return meta
}
