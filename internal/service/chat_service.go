package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bandroom-chat/internal/apperror"
	"github.com/noah-isme/bandroom-chat/internal/dto"
	"github.com/noah-isme/bandroom-chat/internal/models"
)

// ChatDependencies is everything the chat orchestrators are composed from.
type ChatDependencies struct {
	Chats       ChatDirectory
	FanChats    FanChatDirectory
	Messages    MessageStore
	FanMessages MessageStore
	Unread      UnreadTracker
	Presence    PresenceTracker
	Moderation  ModerationEngine
	Permissions *PermissionCache
	Bus         EventBus
	Push        PushNotifier
	Users       UserDirectory
	Validator   *validator.Validate
	TypingIdle  time.Duration
	TypingTTL   time.Duration
	Logger      zerolog.Logger
}

// ChatService is the band chat API consumed by the transport layer.
type ChatService interface {
	CreateChat(ctx context.Context, userID string, req dto.CreateChatRequest) (dto.ChatResponse, error)
	ListChats(ctx context.Context, userID string) ([]dto.ChatResponse, error)
	GetChat(ctx context.Context, chatID, userID string) (dto.ChatResponse, error)
	DeleteChat(ctx context.Context, chatID, userID string) error
	UpdateChatAdmins(ctx context.Context, chatID, userID string, req dto.UpdateAdminsRequest) (dto.ChatResponse, error)

	SendMessage(ctx context.Context, chatID, userID string, req dto.SendMessageRequest, image *ImageUpload) (dto.MessageResponse, error)
	EditMessage(ctx context.Context, messageID, userID string, req dto.EditMessageRequest) (dto.MessageResponse, error)
	DeleteMessage(ctx context.Context, messageID, userID string) (dto.MessageResponse, error)
	React(ctx context.Context, messageID, userID string, req dto.ReactRequest) (dto.MessageResponse, error)
	MarkMessageRead(ctx context.Context, messageID, userID string) (dto.MessageResponse, error)
	MarkChatRead(ctx context.Context, chatID, userID string) (dto.UnreadResponse, error)
	FetchLatest(ctx context.Context, chatID, userID string, limit int) ([]dto.MessageResponse, error)
	LoadOlder(ctx context.Context, chatID, userID, beforeID string, limit int) ([]dto.MessageResponse, error)
	Search(ctx context.Context, chatID, userID string, query dto.SearchQuery) ([]dto.MessageResponse, error)

	StartTyping(ctx context.Context, chatID, userID string) error
	StopTyping(ctx context.Context, chatID, userID string) error
	TypingUsers(ctx context.Context, chatID, userID string) (dto.TypingResponse, error)
	UnreadCount(ctx context.Context, chatID, userID string) (dto.UnreadResponse, error)
	Badge(ctx context.Context, userID string) (dto.BadgeResponse, error)

	Subscribe(ctx context.Context, chatID, userID, subscriberID string) (<-chan ChatEvent, func(), error)
	Unsubscribe(chatID, subscriberID string)
	ServeConnection(conn *websocket.Conn, opts ChatConnectionOptions)
}

type chatService struct {
	chats       ChatDirectory
	messages    MessageStore
	permissions *PermissionCache
	unread      UnreadTracker
	presence    PresenceTracker
	bus         EventBus
	push        PushNotifier
	users       UserDirectory
	validator   *validator.Validate
	typing      *typingRegistry
	logger      zerolog.Logger
}

// NewChatService composes the band chat orchestrator.
func NewChatService(deps ChatDependencies) ChatService {
	logger := deps.Logger.With().Str("component", "chat_service").Logger()
	return &chatService{
		chats:       deps.Chats,
		messages:    deps.Messages,
		permissions: deps.Permissions,
		unread:      deps.Unread,
		presence:    deps.Presence,
		bus:         deps.Bus,
		push:        deps.Push,
		users:       deps.Users,
		validator:   deps.Validator,
		typing:      newTypingRegistry(deps.Presence, deps.Bus, models.NamespaceBand, deps.TypingIdle, deps.TypingTTL, logger),
		logger:      logger,
	}
}

// participantChat loads a chat and requires userID to be one of its participants.
func (s *chatService) participantChat(ctx context.Context, op, chatID, userID string) (models.Chat, error) {
	chat, err := s.chats.Get(ctx, chatID)
	if err != nil {
		return models.Chat{}, err
	}
	if !chat.HasParticipant(userID) {
		return models.Chat{}, apperror.Authorization(op, "not a participant of this chat")
	}
	return chat, nil
}

// messageInChat loads a message together with its chat, requiring participation.
func (s *chatService) messageInChat(ctx context.Context, op, messageID, userID string) (models.Message, models.Chat, error) {
	message, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, models.Chat{}, err
	}
	chat, err := s.participantChat(ctx, op, message.ChatID, userID)
	if err != nil {
		return models.Message{}, models.Chat{}, err
	}
	return message, chat, nil
}

func (s *chatService) CreateChat(ctx context.Context, userID string, req dto.CreateChatRequest) (dto.ChatResponse, error) {
	chat, err := s.chats.Create(ctx, userID, CreateChatInput{
		BandID:       req.BandID,
		Type:         models.ChatType(req.Type),
		Name:         req.Name,
		Participants: req.Participants,
	})
	if err != nil {
		return dto.ChatResponse{}, err
	}
	return dto.NewChatResponse(chat, 0), nil
}

func (s *chatService) ListChats(ctx context.Context, userID string) ([]dto.ChatResponse, error) {
	chats, err := s.chats.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	responses := make([]dto.ChatResponse, 0, len(chats))
	for _, chat := range chats {
		unread, err := s.unread.ComputeUnread(ctx, chat.ID, userID)
		if err != nil {
			s.logger.Warn().Err(err).Str("chat_id", chat.ID).Msg("failed to compute unread count")
		}
		responses = append(responses, dto.NewChatResponse(chat, unread))
	}
	return responses, nil
}

func (s *chatService) GetChat(ctx context.Context, chatID, userID string) (dto.ChatResponse, error) {
	chat, err := s.participantChat(ctx, "chat.get", chatID, userID)
	if err != nil {
		return dto.ChatResponse{}, err
	}
	unread, err := s.unread.ComputeUnread(ctx, chatID, userID)
	if err != nil {
		return dto.ChatResponse{}, err
	}
	return dto.NewChatResponse(chat, unread), nil
}

func (s *chatService) DeleteChat(ctx context.Context, chatID, userID string) error {
	if err := s.chats.Delete(ctx, chatID, userID); err != nil {
		return err
	}
	s.publish(ctx, ChatEvent{Type: EventChatDeleted, ChatID: chatID, Namespace: models.NamespaceBand})
	return nil
}

func (s *chatService) UpdateChatAdmins(ctx context.Context, chatID, userID string, req dto.UpdateAdminsRequest) (dto.ChatResponse, error) {
	chat, err := s.chats.UpdateAdmins(ctx, chatID, userID, req.AdminIDs)
	if err != nil {
		return dto.ChatResponse{}, err
	}
	return dto.NewChatResponse(chat, 0), nil
}

// SendMessage persists the message, then publishes it, bumps unread counts and
// pushes to the other participants. A send that fails after validation is
// echoed to the sender's own streams as message.failed.
func (s *chatService) SendMessage(ctx context.Context, chatID, userID string, req dto.SendMessageRequest, image *ImageUpload) (dto.MessageResponse, error) {
	chat, err := s.participantChat(ctx, "message.send", chatID, userID)
	if err != nil {
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
		s.echoFailure(ctx, chatID, userID, req.ClientID, err)
		return dto.MessageResponse{}, err
	}

	if err := s.typing.Stop(ctx, chatID, userID); err != nil {
		s.logger.Debug().Err(err).Str("chat_id", chatID).Msg("failed to clear typing after send")
	}

	response := dto.NewMessageResponse(message, message.AggregateStatus(chat.Participants))
	s.publish(ctx, ChatEvent{Type: EventMessageCreated, ChatID: chatID, Namespace: models.NamespaceBand, ClientID: req.ClientID, Message: &response})

	recipients := make([]string, 0, len(chat.Participants))
	for _, participant := range chat.Participants {
		if participant == userID {
			continue
		}
		s.unread.Observe(chatID, participant, 1)
		recipients = append(recipients, participant)
	}
	s.notify(ctx, models.NamespaceBand, message, recipients)

	return response, nil
}

func (s *chatService) echoFailure(ctx context.Context, chatID, userID, clientID string, err error) {
	if event, ok := failedSendEvent(models.NamespaceBand, chatID, userID, clientID, err); ok {
		s.publish(ctx, event)
	}
}

// failedSendEvent builds the sender-only echo for sends that failed after validation.
func failedSendEvent(ns models.Namespace, chatID, userID, clientID string, err error) (ChatEvent, bool) {
	var sendErr *apperror.SendError
	if !errors.As(err, &sendErr) && apperror.KindOf(err) != apperror.KindTransient {
		return ChatEvent{}, false
	}
	return ChatEvent{
		Type:      EventMessageFailed,
		ChatID:    chatID,
		Namespace: ns,
		Audience:  userID,
		ClientID:  clientID,
		Error:     err.Error(),
	}, true
}

func (s *chatService) EditMessage(ctx context.Context, messageID, userID string, req dto.EditMessageRequest) (dto.MessageResponse, error) {
	_, chat, err := s.messageInChat(ctx, "message.edit", messageID, userID)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	message, err := s.messages.Edit(ctx, messageID, userID, req.Content)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	response := dto.NewMessageResponse(message, message.AggregateStatus(chat.Participants))
	s.publish(ctx, ChatEvent{Type: EventMessageUpdated, ChatID: chat.ID, Namespace: models.NamespaceBand, Message: &response})
	return response, nil
}

// DeleteMessage is allowed to the sender and to anyone who may delete the chat.
func (s *chatService) DeleteMessage(ctx context.Context, messageID, userID string) (dto.MessageResponse, error) {
	const op = "message.delete"

	message, chat, err := s.messageInChat(ctx, op, messageID, userID)
	if err != nil {
		return dto.MessageResponse{}, err
	}
	if message.SenderID != userID {
		allowed, err := s.chatPermission(ctx, chat, userID)
		if err != nil {
			return dto.MessageResponse{}, apperror.Transient(op, err)
		}
		if !allowed {
			return dto.MessageResponse{}, apperror.Authorization(op, "only the sender or a chat admin can delete this message")
		}
	}

	deleted, err := s.messages.Delete(ctx, messageID)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	response := dto.NewMessageResponse(redact(deleted), deleted.AggregateStatus(chat.Participants))
	s.publish(ctx, ChatEvent{Type: EventMessageDeleted, ChatID: chat.ID, Namespace: models.NamespaceBand, Message: &response})
	return response, nil
}

func (s *chatService) chatPermission(ctx context.Context, chat models.Chat, userID string) (bool, error) {
	if s.permissions == nil {
		return chat.CreatedBy == userID || chat.IsAdmin(userID), nil
	}
	return s.permissions.CanUserDelete(ctx, chat, userID)
}

func (s *chatService) React(ctx context.Context, messageID, userID string, req dto.ReactRequest) (dto.MessageResponse, error) {
	_, chat, err := s.messageInChat(ctx, "message.react", messageID, userID)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	message, _, err := s.messages.React(ctx, messageID, req.Emoji, userID)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	response := s.viewerResponse(message, chat, userID)
	s.publish(ctx, ChatEvent{Type: EventMessageUpdated, ChatID: chat.ID, Namespace: models.NamespaceBand, Message: &response})
	return response, nil
}

// MarkMessageRead stamps the reader and tells the chat how the sender now sees the message.
func (s *chatService) MarkMessageRead(ctx context.Context, messageID, userID string) (dto.MessageResponse, error) {
	_, chat, err := s.messageInChat(ctx, "message.mark_read", messageID, userID)
	if err != nil {
		return dto.MessageResponse{}, err
	}

	message, changed, err := s.messages.MarkRead(ctx, messageID, userID)
	if err != nil {
		return dto.MessageResponse{}, err
	}
	if changed {
		s.publishReceipt(ctx, chat, message, userID, message.ReadBy[userID])
	}
	return s.viewerResponse(message, chat, userID), nil
}

func (s *chatService) publishReceipt(ctx context.Context, chat models.Chat, message models.Message, userID string, at time.Time) {
	s.publish(ctx, ChatEvent{
		Type:      EventReceiptUpdated,
		ChatID:    chat.ID,
		Namespace: models.NamespaceBand,
		Receipt: &dto.ReceiptResponse{
			MessageID: message.ID,
			UserID:    userID,
			Status:    string(message.AggregateStatus(chat.Participants)),
			At:        at,
		},
	})
}

func (s *chatService) MarkChatRead(ctx context.Context, chatID, userID string) (dto.UnreadResponse, error) {
	if _, err := s.participantChat(ctx, "chat.mark_read", chatID, userID); err != nil {
		return dto.UnreadResponse{}, err
	}
	result, err := s.unread.MarkChatRead(ctx, chatID, userID)
	if err != nil {
		return dto.UnreadResponse{}, err
	}
	return dto.UnreadResponse{ChatID: chatID, Unread: result.Unread, Badge: result.Badge}, nil
}

func (s *chatService) FetchLatest(ctx context.Context, chatID, userID string, limit int) ([]dto.MessageResponse, error) {
	chat, err := s.participantChat(ctx, "message.load_latest", chatID, userID)
	if err != nil {
		return nil, err
	}
	messages, err := s.messages.LoadLatest(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}
	return s.deliverPage(ctx, chat, messages, userID), nil
}

func (s *chatService) LoadOlder(ctx context.Context, chatID, userID, beforeID string, limit int) ([]dto.MessageResponse, error) {
	const op = "message.load_older"

	chat, err := s.participantChat(ctx, op, chatID, userID)
	if err != nil {
		return nil, err
	}
	anchor, err := s.messages.Get(ctx, beforeID)
	if err != nil {
		return nil, err
	}
	if anchor.ChatID != chatID {
		return nil, apperror.Validation(op, "cursor message belongs to another chat")
	}

	messages, err := s.messages.LoadOlder(ctx, chatID, anchor.Cursor(), limit)
	if err != nil {
		return nil, err
	}
	return s.deliverPage(ctx, chat, messages, userID), nil
}

// deliverPage stamps the viewer as a recipient of every fetched message.
func (s *chatService) deliverPage(ctx context.Context, chat models.Chat, messages []models.Message, userID string) []dto.MessageResponse {
	pending := make([]string, 0, len(messages))
	for _, message := range messages {
		if message.SenderID != userID && !message.IsDeleted && message.StatusFor(userID) == models.StatusSent {
			pending = append(pending, message.ID)
		}
	}

	if len(pending) > 0 {
		changed, err := s.messages.MarkDelivered(ctx, pending, userID)
		if err != nil {
			s.logger.Warn().Err(err).Str("chat_id", chat.ID).Msg("failed to stamp delivery")
		}
		stamped := make(map[string]models.Message, len(changed))
		for _, message := range changed {
			stamped[message.ID] = message
			s.publishReceipt(ctx, chat, message, userID, message.DeliveredTo[userID])
		}
		for i := range messages {
			if message, ok := stamped[messages[i].ID]; ok {
				messages[i] = message
			}
		}
	}

	responses := make([]dto.MessageResponse, 0, len(messages))
	for _, message := range messages {
		responses = append(responses, s.viewerResponse(message, chat, userID))
	}
	return responses
}

func (s *chatService) viewerResponse(message models.Message, chat models.Chat, userID string) dto.MessageResponse {
	if message.SenderID == userID {
		return dto.NewMessageResponse(message, message.AggregateStatus(chat.Participants))
	}
	return dto.NewMessageResponse(message, message.StatusFor(userID))
}

func (s *chatService) Search(ctx context.Context, chatID, userID string, query dto.SearchQuery) ([]dto.MessageResponse, error) {
	chat, err := s.participantChat(ctx, "message.search", chatID, userID)
	if err != nil {
		return nil, err
	}
	messages, err := s.messages.Search(ctx, chatID, query.Query)
	if err != nil {
		return nil, err
	}

	responses := make([]dto.MessageResponse, 0, len(messages))
	for _, message := range messages {
		responses = append(responses, s.viewerResponse(message, chat, userID))
	}
	return responses, nil
}

// StartTyping registers a keystroke; the session stops itself after the idle period.
func (s *chatService) StartTyping(ctx context.Context, chatID, userID string) error {
	if _, err := s.participantChat(ctx, "typing.start", chatID, userID); err != nil {
		return err
	}
	return s.typing.Keystroke(ctx, chatID, userID)
}

func (s *chatService) StopTyping(ctx context.Context, chatID, userID string) error {
	if _, err := s.participantChat(ctx, "typing.stop", chatID, userID); err != nil {
		return err
	}
	return s.typing.Stop(ctx, chatID, userID)
}

func (s *chatService) TypingUsers(ctx context.Context, chatID, userID string) (dto.TypingResponse, error) {
	if _, err := s.participantChat(ctx, "typing.active", chatID, userID); err != nil {
		return dto.TypingResponse{}, err
	}
	statuses, err := s.presence.Active(ctx, chatID)
	if err != nil {
		return dto.TypingResponse{}, err
	}

	others := make([]models.TypingStatus, 0, len(statuses))
	for _, status := range statuses {
		if status.UserID != userID {
			others = append(others, status)
		}
	}
	return dto.TypingResponse{ChatID: chatID, Users: others}, nil
}

func (s *chatService) UnreadCount(ctx context.Context, chatID, userID string) (dto.UnreadResponse, error) {
	if _, err := s.participantChat(ctx, "unread.count", chatID, userID); err != nil {
		return dto.UnreadResponse{}, err
	}
	unread, err := s.unread.ComputeUnread(ctx, chatID, userID)
	if err != nil {
		return dto.UnreadResponse{}, err
	}
	badge, err := s.Badge(ctx, userID)
	if err != nil {
		return dto.UnreadResponse{}, err
	}
	return dto.UnreadResponse{ChatID: chatID, Unread: unread, Badge: badge.Badge}, nil
}

func (s *chatService) Badge(ctx context.Context, userID string) (dto.BadgeResponse, error) {
	chats, err := s.chats.ListForUser(ctx, userID)
	if err != nil {
		return dto.BadgeResponse{}, err
	}
	chatIDs := make([]string, 0, len(chats))
	for _, chat := range chats {
		chatIDs = append(chatIDs, chat.ID)
	}

	badge, err := s.unread.Badge(ctx, userID, chatIDs)
	if err != nil {
		return dto.BadgeResponse{}, err
	}
	return dto.BadgeResponse{Badge: badge}, nil
}

func (s *chatService) Subscribe(ctx context.Context, chatID, userID, subscriberID string) (<-chan ChatEvent, func(), error) {
	if _, err := s.participantChat(ctx, "chat.subscribe", chatID, userID); err != nil {
		return nil, nil, err
	}
	if subscriberID == "" {
		subscriberID = userID
	}
	return s.bus.Subscribe(ctx, subscriberID, chatID)
}

func (s *chatService) Unsubscribe(chatID, subscriberID string) {
	s.bus.Unsubscribe(subscriberID, chatID)
}

func (s *chatService) ServeConnection(conn *websocket.Conn, opts ChatConnectionOptions) {
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

func (s *chatService) handleFrame(ctx context.Context, opts ChatConnectionOptions, frame dto.StreamFrame) (dto.StreamReply, bool) {
	if err := validateFrame(s.validator, frame); err != nil {
		return errorReply(frame.ClientID, err), true
	}

	switch frame.Type {
	case "send":
		response, err := s.SendMessage(ctx, opts.ChatID, opts.UserID, dto.SendMessageRequest{
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
	case "read":
		if strings.TrimSpace(frame.MessageID) == "" {
			return errorReply(frame.ClientID, apperror.Validation("stream.read", "message_id is required")), true
		}
		response, err := s.MarkMessageRead(ctx, frame.MessageID, opts.UserID)
		if err != nil {
			return errorReply(frame.ClientID, err), true
		}
		return messageReply(frame.ClientID, response), true
	case "read.chat":
		unread, err := s.MarkChatRead(ctx, opts.ChatID, opts.UserID)
		if err != nil {
			return errorReply(frame.ClientID, err), true
		}
		return dto.StreamReply{Type: "unread", ClientID: frame.ClientID, Unread: &unread}, true
	default:
		return errorReply(frame.ClientID, apperror.Validation("stream.frame", "unknown frame type")), true
	}
}

func (s *chatService) publish(ctx context.Context, event ChatEvent) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("chat_id", event.ChatID).Str("type", string(event.Type)).Msg("failed to publish chat event")
	}
}

// notify pushes synchronously; failures are logged and never fail the send.
func (s *chatService) notify(ctx context.Context, ns models.Namespace, message models.Message, recipients []string) {
	notifyRecipients(ctx, s.push, s.users, s.logger, ns, message, recipients)
}

func notifyRecipients(ctx context.Context, push PushNotifier, users UserDirectory, logger zerolog.Logger, ns models.Namespace, message models.Message, recipients []string) {
	if push == nil || len(recipients) == 0 {
		return
	}

	title := message.SenderID
	if users != nil {
		if profile, err := users.Resolve(ctx, message.SenderID); err == nil && profile.DisplayName != "" {
			title = profile.DisplayName
		}
	}
	preview := previewOf(message)

	for _, recipient := range recipients {
		payload := PushPayload{
			ChatID:    message.ChatID,
			MessageID: message.ID,
			SenderID:  message.SenderID,
			Namespace: ns,
			Title:     title,
			Body:      preview.Preview,
			Mentioned: containsID(message.Mentions, recipient),
		}
		if err := push.Notify(ctx, recipient, payload); err != nil {
			logger.Warn().Err(err).Str("user_id", recipient).Str("message_id", message.ID).Msg("push notification failed")
		}
	}
}

func containsID(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}
