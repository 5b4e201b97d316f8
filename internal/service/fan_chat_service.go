package service

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bandroom-chat/internal/apperror"
	"github.com/noah-isme/bandroom-chat/internal/dto"
	"github.com/noah-isme/bandroom-chat/internal/models"
)

// FanChatService is the fan-community chat API, including moderation.
type FanChatService interface {
	CreateFanChat(ctx context.Context, userID string, req dto.CreateFanChatRequest) (dto.FanChatResponse, error)
	ListFanChats(ctx context.Context, bandID, userID string) ([]dto.FanChatResponse, error)
	GetFanChat(ctx context.Context, chatID, userID string) (dto.FanChatResponse, error)
	AcceptFanChatRules(ctx context.Context, chatID, userID string) (dto.FanChatResponse, error)
	SetFanChatActive(ctx context.Context, chatID, userID string, active bool) (dto.FanChatResponse, error)
	UpdateFanChatModerators(ctx context.Context, chatID, userID string, req dto.UpdateModeratorsRequest) (dto.FanChatResponse, error)
	DeleteFanChat(ctx context.Context, chatID, userID string) error

	SendFanMessage(ctx context.Context, chatID, userID string, req dto.SendMessageRequest, image *ImageUpload) (dto.MessageResponse, error)
	FetchFanMessages(ctx context.Context, chatID, userID string, query dto.MessagePageQuery) ([]dto.MessageResponse, error)
	SearchFanMessages(ctx context.Context, chatID, userID string, query dto.SearchQuery) ([]dto.MessageResponse, error)
	ReactFanMessage(ctx context.Context, messageID, userID string, req dto.ReactRequest) (dto.MessageResponse, error)
	DeleteFanMessage(ctx context.Context, messageID, userID string) (dto.MessageResponse, error)

	ReportMessage(ctx context.Context, messageID, userID string, req dto.ReportMessageRequest) (dto.ReportResponse, error)
	ModerateMessage(ctx context.Context, messageID, userID string, req dto.ModerateMessageRequest) (dto.ModerationResponse, error)
	ReviewReport(ctx context.Context, reportID, userID string, req dto.ReviewReportRequest) (dto.ReportResponse, error)
	ListReports(ctx context.Context, chatID, userID, status string) ([]dto.ReportResponse, error)
	ModerationLogs(ctx context.Context, chatID, userID string, limit int) ([]dto.ModerationLogResponse, error)

	StartTyping(ctx context.Context, chatID, userID string) error
	StopTyping(ctx context.Context, chatID, userID string) error
	Subscribe(ctx context.Context, chatID, userID, subscriberID string) (<-chan ChatEvent, func(), error)
	ServeConnection(conn *websocket.Conn, opts ChatConnectionOptions)
}

type fanChatService struct {
	chats       FanChatDirectory
	messages    MessageStore
	moderation  ModerationEngine
	permissions *PermissionCache
	bus         EventBus
	push        PushNotifier
	users       UserDirectory
	validator   *validator.Validate
	typing      *typingRegistry
	logger      zerolog.Logger
}

// NewFanChatService composes the fan chat orchestrator.
func NewFanChatService(deps ChatDependencies) FanChatService {
	logger := deps.Logger.With().Str("component", "fan_chat_service").Logger()
	return &fanChatService{
		chats:       deps.FanChats,
		messages:    deps.FanMessages,
		moderation:  deps.Moderation,
		permissions: deps.Permissions,
		bus:         deps.Bus,
		push:        deps.Push,
		users:       deps.Users,
		validator:   deps.Validator,
		typing:      newTypingRegistry(deps.Presence, deps.Bus, models.NamespaceFan, deps.TypingIdle, deps.TypingTTL, logger),
		logger:      logger,
	}
}

func (s *fanChatService) CreateFanChat(ctx context.Context, userID string, req dto.CreateFanChatRequest) (dto.FanChatResponse, error) {
	chat, err := s.chats.Create(ctx, userID, CreateFanChatInput{
		BandID:       req.BandID,
		Type:         models.FanChatType(req.Type),
		Name:         req.Name,
		ModeratorIDs: req.ModeratorIDs,
	})
	if err != nil {
		return dto.FanChatResponse{}, err
	}
	return dto.NewFanChatResponse(chat, userID), nil
}

func (s *fanChatService) ListFanChats(ctx context.Context, bandID, userID string) ([]dto.FanChatResponse, error) {
	if strings.TrimSpace(bandID) == "" {
		return nil, apperror.Validation("fan_chat.list", "band is required")
	}
	chats, err := s.chats.ListForBand(ctx, bandID)
	if err != nil {
		return nil, err
	}
	responses := make([]dto.FanChatResponse, 0, len(chats))
	for _, chat := range chats {
		responses = append(responses, dto.NewFanChatResponse(chat, userID))
	}
	return responses, nil
}

func (s *fanChatService) GetFanChat(ctx context.Context, chatID, userID string) (dto.FanChatResponse, error) {
	chat, err := s.chats.Get(ctx, chatID)
	if err != nil {
		return dto.FanChatResponse{}, err
	}
	return dto.NewFanChatResponse(chat, userID), nil
}

func (s *fanChatService) AcceptFanChatRules(ctx context.Context, chatID, userID string) (dto.FanChatResponse, error) {
	chat, err := s.chats.AcceptRules(ctx, chatID, userID)
	if err != nil {
		return dto.FanChatResponse{}, err
	}
	return dto.NewFanChatResponse(chat, userID), nil
}

func (s *fanChatService) SetFanChatActive(ctx context.Context, chatID, userID string, active bool) (dto.FanChatResponse, error) {
	chat, err := s.chats.SetActive(ctx, chatID, userID, active)
	if err != nil {
		return dto.FanChatResponse{}, err
	}
	return dto.NewFanChatResponse(chat, userID), nil
}

func (s *fanChatService) UpdateFanChatModerators(ctx context.Context, chatID, userID string, req dto.UpdateModeratorsRequest) (dto.FanChatResponse, error) {
	chat, err := s.chats.UpdateModerators(ctx, chatID, userID, req.ModeratorIDs)
	if err != nil {
		return dto.FanChatResponse{}, err
	}
	return dto.NewFanChatResponse(chat, userID), nil
}

func (s *fanChatService) DeleteFanChat(ctx context.Context, chatID, userID string) error {
	if err := s.chats.Delete(ctx, chatID, userID); err != nil {
		return err
	}
	s.publish(ctx, ChatEvent{Type: EventChatDeleted, ChatID: chatID, Namespace: models.NamespaceFan})
	return nil
}

// canPost checks, in order, that the chat is open, the rules were accepted and
// the sender is not banned. Moderators skip the last two checks.
func (s *fanChatService) canPost(ctx context.Context, chat models.FanChat, userID string) error {
	const op = "fan_message.send"

	if !chat.IsActive {
		return apperror.Validation(op, "fan chat is closed")
	}
	moderator := s.permissions.CanUserModerate(chat, userID)
	if chat.Type == models.FanChatTypeAnnouncement && !moderator {
		return apperror.Authorization(op, "only moderators can post announcements")
	}
	if moderator {
		return nil
	}
	if !chat.HasAcceptedRules(userID) {
		return apperror.Authorization(op, "chat rules must be accepted before posting")
	}

	ban, banned, err := s.moderation.ActiveBan(ctx, chat.ID, userID)
	if err != nil {
		return err
	}
	if banned {
		message := "banned from this chat"
		if ban.Until != nil {
			message += " until " + ban.Until.UTC().Format("2006-01-02T15:04:05Z")
		}
		return apperror.ModerationPolicy(op, message)
	}
	return nil
}

func (s *fanChatService) SendFanMessage(ctx context.Context, chatID, userID string, req dto.SendMessageRequest, image *ImageUpload) (dto.MessageResponse, error) {
	chat, err := s.chats.Get(ctx, chatID)
	if err != nil {
		return dto.MessageResponse{}, err
	}
	if err := s.canPost(ctx, chat, userID); err != nil {
		return dto.MessageResponse{}, err
	}

	message, err := s.messages.Send(ctx, SendInput{
		ChatID:    chatID,
		SenderID:  userID,
		Content:   req.Content,
		ReplyToID: req.ReplyToID,
		Image:     image,
	})
	if err != nil {
		if event, ok := failedSendEvent(models.NamespaceFan, chatID, userID, req.ClientID, err); ok {
			s.publish(ctx, event)
		}
		return dto.MessageResponse{}, err
	}

	if err := s.typing.Stop(ctx, chatID, userID); err != nil {
		s.logger.Debug().Err(err).Str("chat_id", chatID).Msg("failed to clear typing after send")
	}

	response := dto.NewMessageResponse(message, models.StatusSent)
	s.publish(ctx, ChatEvent{Type: EventMessageCreated, ChatID: chatID, Namespace: models.NamespaceFan, ClientID: req.ClientID, Message: &response})

	// Fan chats have no roster; only mentioned users are pushed.
	mentioned := make([]string, 0, len(message.Mentions))
	for _, handle := range message.Mentions {
		if handle != userID {
			mentioned = append(mentioned, handle)
		}
	}
	notifyRecipients(ctx, s.push, s.users, s.logger, models.NamespaceFan, message, mentioned)

	return response, nil
}

// FetchFanMessages pages the visible timeline; hidden and deleted messages never appear.
func (s *fanChatService) FetchFanMessages(ctx context.Context, chatID, userID string, query dto.MessagePageQuery) ([]dto.MessageResponse, error) {
	if _, err := s.chats.Get(ctx, chatID); err != nil {
		return nil, err
	}

	var (
		messages []models.Message
		err      error
	)
	if query.BeforeID == "" {
		messages, err = s.messages.LoadLatest(ctx, chatID, query.Limit)
	} else {
		anchor, getErr := s.messages.Get(ctx, query.BeforeID)
		if getErr != nil {
			return nil, getErr
		}
		if anchor.ChatID != chatID {
			return nil, apperror.Validation("fan_message.load_older", "cursor message belongs to another chat")
		}
		messages, err = s.messages.LoadOlder(ctx, chatID, anchor.Cursor(), query.Limit)
	}
	if err != nil {
		return nil, err
	}
	return fanResponses(messages, userID), nil
}

func (s *fanChatService) SearchFanMessages(ctx context.Context, chatID, userID string, query dto.SearchQuery) ([]dto.MessageResponse, error) {
	if _, err := s.chats.Get(ctx, chatID); err != nil {
		return nil, err
	}
	messages, err := s.messages.Search(ctx, chatID, query.Query)
	if err != nil {
		return nil, err
	}
	return fanResponses(messages, userID), nil
}

func (s *fanChatService) ReactFanMessage(ctx context.Context, messageID, userID string, req dto.ReactRequest) (dto.MessageResponse, error) {
	current, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return dto.MessageResponse{}, err
	}
	chat, err := s.chats.Get(ctx, current.ChatID)
	if err != nil {
		return dto.MessageResponse{}, err
	}
	if !chat.HasAcceptedRules(userID) && !s.permissions.CanUserModerate(chat, userID) {
		return dto.MessageResponse{}, apperror.Authorization("fan_message.react", "chat rules must be accepted before reacting")
	}

	message, _, err := s.messages.React(ctx, messageID, req.Emoji, userID)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	response := dto.NewMessageResponse(message, models.StatusSent)
	s.publish(ctx, ChatEvent{Type: EventMessageUpdated, ChatID: chat.ID, Namespace: models.NamespaceFan, Message: &response})
	return response, nil
}

// DeleteFanMessage is allowed to the sender and to the chat's moderators.
func (s *fanChatService) DeleteFanMessage(ctx context.Context, messageID, userID string) (dto.MessageResponse, error) {
	current, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return dto.MessageResponse{}, err
	}
	chat, err := s.chats.Get(ctx, current.ChatID)
	if err != nil {
		return dto.MessageResponse{}, err
	}
	if current.SenderID != userID && !s.permissions.CanUserModerate(chat, userID) {
		return dto.MessageResponse{}, apperror.Authorization("fan_message.delete", "only the sender or a moderator can delete this message")
	}

	deleted, err := s.messages.Delete(ctx, messageID)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	response := dto.NewMessageResponse(redact(deleted), models.StatusSent)
	s.publish(ctx, ChatEvent{Type: EventMessageDeleted, ChatID: chat.ID, Namespace: models.NamespaceFan, Message: &response})
	return response, nil
}

func (s *fanChatService) ReportMessage(ctx context.Context, messageID, userID string, req dto.ReportMessageRequest) (dto.ReportResponse, error) {
	report, err := s.moderation.Report(ctx, messageID, userID, req.Reason)
	if err != nil {
		return dto.ReportResponse{}, err
	}
	return dto.NewReportResponse(report), nil
}

func (s *fanChatService) ModerateMessage(ctx context.Context, messageID, userID string, req dto.ModerateMessageRequest) (dto.ModerationResponse, error) {
	outcome, err := s.moderation.Moderate(ctx, messageID, userID, models.ModerationAction(req.Action), req.Reason)
	if err != nil {
		return dto.ModerationResponse{}, err
	}

	if outcome.Message.Moderation.IsModerated {
		hidden := dto.NewMessageResponse(redact(outcome.Message), models.StatusSent)
		s.publish(ctx, ChatEvent{Type: EventMessageModerated, ChatID: outcome.Message.ChatID, Namespace: models.NamespaceFan, Message: &hidden})
	}

	response := dto.ModerationResponse{
		Log:             dto.NewModerationLogResponse(outcome.Log),
		MessageHidden:   outcome.Message.Moderation.IsModerated,
		ResolvedReports: outcome.ResolvedReports,
	}
	if outcome.Ban != nil {
		response.Banned = true
		response.BanUntil = outcome.Ban.Until
	}
	return response, nil
}

func (s *fanChatService) ReviewReport(ctx context.Context, reportID, userID string, req dto.ReviewReportRequest) (dto.ReportResponse, error) {
	report, err := s.moderation.Review(ctx, reportID, userID, models.ReportStatus(req.Status))
	if err != nil {
		return dto.ReportResponse{}, err
	}
	return dto.NewReportResponse(report), nil
}

func (s *fanChatService) ListReports(ctx context.Context, chatID, userID, status string) ([]dto.ReportResponse, error) {
	reports, err := s.moderation.Reports(ctx, chatID, userID, models.ReportStatus(status))
	if err != nil {
		return nil, err
	}
	return dto.NewReportResponseSlice(reports), nil
}

func (s *fanChatService) ModerationLogs(ctx context.Context, chatID, userID string, limit int) ([]dto.ModerationLogResponse, error) {
	entries, err := s.moderation.Logs(ctx, chatID, userID, limit)
	if err != nil {
		return nil, err
	}
	return dto.NewModerationLogResponseSlice(entries), nil
}

func (s *fanChatService) StartTyping(ctx context.Context, chatID, userID string) error {
	chat, err := s.chats.Get(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.IsActive {
		return apperror.Validation("typing.start", "fan chat is closed")
	}
	return s.typing.Keystroke(ctx, chatID, userID)
}

func (s *fanChatService) StopTyping(ctx context.Context, chatID, userID string) error {
	return s.typing.Stop(ctx, chatID, userID)
}

func (s *fanChatService) Subscribe(ctx context.Context, chatID, userID, subscriberID string) (<-chan ChatEvent, func(), error) {
	if _, err := s.chats.Get(ctx, chatID); err != nil {
		return nil, nil, err
	}
	if subscriberID == "" {
		subscriberID = userID
	}
	return s.bus.Subscribe(ctx, subscriberID, chatID)
}

func (s *fanChatService) ServeConnection(conn *websocket.Conn, opts ChatConnectionOptions) {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.SubscriberID == "" {
		opts.SubscriberID = opts.UserID
	}

	events, cancel, err := s.Subscribe(ctx, opts.ChatID, opts.UserID, opts.SubscriberID)
	if err != nil {
		rejectStream(conn, err)
		return
	}
	serveStream(conn, opts, events, cancel, s.handleFrame, s.logger)
}

func (s *fanChatService) handleFrame(ctx context.Context, opts ChatConnectionOptions, frame dto.StreamFrame) (dto.StreamReply, bool) {
	if err := validateFrame(s.validator, frame); err != nil {
		return errorReply(frame.ClientID, err), true
	}

	switch frame.Type {
	case "send":
		response, err := s.SendFanMessage(ctx, opts.ChatID, opts.UserID, dto.SendMessageRequest{
			ClientID:  frame.ClientID,
			Content:   frame.Content,
			ReplyToID: frame.ReplyToID,
		}, nil)
		if err != nil {
			return errorReply(frame.ClientID, err), true
		}
		return messageReply(frame.ClientID, response), true
	case "typing":
		if err := s.typing.Keystroke(ctx, opts.ChatID, opts.UserID); err != nil {
			return errorReply(frame.ClientID, err), true
		}
		return dto.StreamReply{}, false
	case "typing.stop":
		if err := s.typing.Stop(ctx, opts.ChatID, opts.UserID); err != nil {
			return errorReply(frame.ClientID, err), true
		}
		return dto.StreamReply{}, false
	default:
		return errorReply(frame.ClientID, apperror.Validation("stream.frame", "frame type not supported in fan chats")), true
	}
}

func (s *fanChatService) publish(ctx context.Context, event ChatEvent) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("chat_id", event.ChatID).Str("type", string(event.Type)).Msg("failed to publish fan chat event")
	}
}

func fanResponses(messages []models.Message, viewerID string) []dto.MessageResponse {
	responses := make([]dto.MessageResponse, 0, len(messages))
	for _, message := range messages {
		responses = append(responses, dto.NewMessageResponse(message, message.StatusFor(viewerID)))
	}
	return responses
}
