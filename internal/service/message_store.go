package service

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/bandroom-chat/internal/apperror"
	"github.com/noah-isme/bandroom-chat/internal/models"
	"github.com/noah-isme/bandroom-chat/internal/observability"
	"github.com/noah-isme/bandroom-chat/internal/repository"
)

const (
	maxContentLength   = 4000
	maxEmojiRunes      = 16
	defaultImageMaxMB  = 10
	defaultMessagePage = 20
)

var mentionPattern = regexp.MustCompile(`(?:^|\s)@([A-Za-z0-9][A-Za-z0-9_.\-]{0,63})`)

// ImageUpload is a raw image attachment awaiting upload.
type ImageUpload struct {
	Filename string
	Data     []byte
}

// SendInput is a message as submitted by its sender.
type SendInput struct {
	ChatID    string
	SenderID  string
	Content   string
	ReplyToID string
	System    bool
	Image     *ImageUpload
}

// MessageStore is one namespace's message timeline.
type MessageStore interface {
	Namespace() models.Namespace
	Send(ctx context.Context, input SendInput) (models.Message, error)
	Get(ctx context.Context, messageID string) (models.Message, error)
	Edit(ctx context.Context, messageID, editorID, content string) (models.Message, error)
	Delete(ctx context.Context, messageID string) (models.Message, error)
	MarkRead(ctx context.Context, messageID, userID string) (models.Message, bool, error)
	MarkDelivered(ctx context.Context, messageIDs []string, userID string) ([]models.Message, error)
	React(ctx context.Context, messageID, emoji, userID string) (models.Message, bool, error)
	LoadLatest(ctx context.Context, chatID string, pageSize int) ([]models.Message, error)
	LoadOlder(ctx context.Context, chatID string, before models.MessageCursor, pageSize int) ([]models.Message, error)
	Search(ctx context.Context, chatID, query string) ([]models.Message, error)
	Hide(ctx context.Context, messageID, moderatorID, reason string) (models.Message, error)
	AddReporter(ctx context.Context, messageID, reporterID string) (models.Message, bool, error)
}

// MessageStoreOptions tunes limits; zero values fall back to defaults.
type MessageStoreOptions struct {
	PageSize       int
	ImageMaxSizeMB int
}

type messageStore struct {
	repo      repository.MessageRepository
	chats     LastMessageRecorder
	users     UserDirectory
	blobs     BlobStorage
	sanitizer *bluemonday.Policy
	locks     *keyedMutex
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	pageSize  int
	maxImage  int64
}

// NewMessageStore constructs a store over repo's namespace. blobs may be nil
// when image messages are not supported by the deployment.
func NewMessageStore(repo repository.MessageRepository, chats LastMessageRecorder, users UserDirectory, blobs BlobStorage, opts MessageStoreOptions, logger zerolog.Logger) MessageStore {
	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultMessagePage
	}
	imageMB := opts.ImageMaxSizeMB
	if imageMB <= 0 {
		imageMB = defaultImageMaxMB
	}

	return &messageStore{
		repo:      repo,
		chats:     chats,
		users:     users,
		blobs:     blobs,
		sanitizer: sanitizer,
		locks:     newKeyedMutex(),
		logger:    logger.With().Str("component", "message_store").Str("namespace", string(repo.Namespace())).Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/bandroom-chat/internal/service/messages"),
		now:       func() time.Time { return time.Now().UTC() },
		pageSize:  pageSize,
		maxImage:  int64(imageMB) << 20,
	}
}

func (s *messageStore) Namespace() models.Namespace {
	return s.repo.Namespace()
}

func (s *messageStore) Send(ctx context.Context, input SendInput) (models.Message, error) {
	const op = "message.send"

	content := strings.TrimSpace(input.Content)
	hasImage := input.Image != nil && len(input.Image.Data) > 0
	if strings.TrimSpace(input.ChatID) == "" || strings.TrimSpace(input.SenderID) == "" {
		return models.Message{}, apperror.Validation(op, "chat and sender are required")
	}
	if (content == "") == !hasImage {
		return models.Message{}, apperror.Validation(op, "a message needs either text or an image")
	}

	attrs := []attribute.KeyValue{
		attribute.String("chat.namespace", string(s.Namespace())),
		attribute.String("chat.chat_id", input.ChatID),
		attribute.String("chat.sender_id", input.SenderID),
	}
	spanCtx, span := s.tracer.Start(ctx, "chat.message.send", trace.WithAttributes(attrs...))
	defer span.End()

	message := models.Message{
		ID:       uuid.NewString(),
		ChatID:   input.ChatID,
		SenderID: input.SenderID,
		Type:     models.MessageTypeText,
	}

	if content != "" {
		clean, err := s.sanitize(op, content)
		if err != nil {
			return models.Message{}, err
		}
		message.Content = clean
		message.Mentions = extractMentions(clean, input.SenderID)
	}
	if input.System {
		message.Type = models.MessageTypeSystem
	}

	if input.ReplyToID != "" {
		reply, err := s.replySnapshot(spanCtx, input.ChatID, input.ReplyToID)
		if err != nil {
			return models.Message{}, err
		}
		message.ReplyTo = reply
		message.Type = models.MessageTypeReply
	}

	if hasImage {
		contentType, err := s.checkImage(op, input.Image)
		if err != nil {
			return models.Message{}, err
		}
		url, err := s.upload(spanCtx, message.ID, input.Image)
		if err != nil {
			span.RecordError(err)
			observability.ChatSendFailures().WithLabelValues(string(s.Namespace()), string(apperror.ReasonImageUploadFailed)).Inc()
			return models.Message{}, &apperror.SendError{Reason: apperror.ReasonImageUploadFailed, Err: err}
		}
		message.Image = models.ImageMetadata{URL: url, MimeType: contentType, SizeBytes: int64(len(input.Image.Data))}
		if message.Type == models.MessageTypeText {
			message.Type = models.MessageTypeImage
		}
	}

	message.Timestamp = s.now()
	if err := s.repo.Create(spanCtx, &message); err != nil {
		span.RecordError(err)
		observability.ChatSendFailures().WithLabelValues(string(s.Namespace()), string(apperror.ReasonPersistFailed)).Inc()
		return models.Message{}, &apperror.SendError{Reason: apperror.ReasonPersistFailed, Err: apperror.FromStore(op, "message", err)}
	}

	if s.chats != nil {
		if err := s.chats.RecordLastMessage(spanCtx, message.ChatID, message); err != nil {
			s.logger.Warn().Err(err).Str("chat_id", message.ChatID).Msg("failed to update last message snapshot")
		}
	}

	observability.ChatMessagesSent().WithLabelValues(string(s.Namespace()), string(message.Type)).Inc()
	return message, nil
}

func (s *messageStore) sanitize(op, content string) (string, error) {
	if utf8.RuneCountInString(content) > maxContentLength {
		return "", apperror.Validation(op, fmt.Sprintf("message exceeds %d characters", maxContentLength))
	}
	clean := strings.TrimSpace(s.sanitizer.Sanitize(content))
	if clean == "" {
		return "", apperror.Validation(op, "message content empty after sanitization")
	}
	return clean, nil
}

func (s *messageStore) replySnapshot(ctx context.Context, chatID, replyToID string) (models.ReplySnapshot, error) {
	const op = "message.send"

	original, err := s.repo.Get(ctx, replyToID)
	if err != nil {
		return models.ReplySnapshot{}, apperror.FromStore(op, "replied message", err)
	}
	if original.ChatID != chatID {
		return models.ReplySnapshot{}, apperror.Validation(op, "replies must stay in the same chat")
	}
	if !original.Visible() {
		return models.ReplySnapshot{}, apperror.Validation(op, "cannot reply to a removed message")
	}

	senderName := original.SenderID
	if s.users != nil {
		if profile, err := s.users.Resolve(ctx, original.SenderID); err == nil && profile.DisplayName != "" {
			senderName = profile.DisplayName
		} else if err != nil {
			s.logger.Debug().Err(err).Str("user_id", original.SenderID).Msg("falling back to user id for reply snapshot")
		}
	}

	return models.ReplySnapshot{
		MessageID:  original.ID,
		Content:    truncateRunes(original.Content, previewLength),
		SenderName: senderName,
	}, nil
}

func (s *messageStore) checkImage(op string, image *ImageUpload) (string, error) {
	if int64(len(image.Data)) > s.maxImage {
		return "", apperror.Validation(op, "image exceeds the size limit")
	}
	detected := mimetype.Detect(image.Data)
	if !strings.HasPrefix(detected.String(), "image/") {
		return "", apperror.Validation(op, "attachment is not an image")
	}
	return detected.String(), nil
}

func (s *messageStore) upload(ctx context.Context, messageID string, image *ImageUpload) (string, error) {
	if s.blobs == nil {
		return "", fmt.Errorf("image storage not configured")
	}
	name := image.Filename
	if name == "" {
		name = messageID
	}
	return s.blobs.Upload(ctx, name, bytes.NewReader(image.Data))
}

func (s *messageStore) Get(ctx context.Context, messageID string) (models.Message, error) {
	message, err := s.repo.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, apperror.FromStore("message.get", "message", err)
	}
	return message, nil
}

func (s *messageStore) Edit(ctx context.Context, messageID, editorID, content string) (models.Message, error) {
	const op = "message.edit"

	unlock := s.locks.Lock(messageID)
	defer unlock()

	message, err := s.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if message.SenderID != editorID {
		return models.Message{}, apperror.Authorization(op, "only the sender can edit a message")
	}
	if message.IsDeleted {
		return models.Message{}, apperror.Validation(op, "deleted messages cannot be edited")
	}
	if message.Type == models.MessageTypeSystem {
		return models.Message{}, apperror.Validation(op, "system messages cannot be edited")
	}

	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return models.Message{}, apperror.Validation(op, "message content is required")
	}
	clean, err := s.sanitize(op, trimmed)
	if err != nil {
		return models.Message{}, err
	}

	editedAt := s.now()
	message.Content = clean
	message.Mentions = extractMentions(clean, message.SenderID)
	message.IsEdited = true
	message.EditedAt = &editedAt

	if err := s.repo.Save(ctx, &message); err != nil {
		return models.Message{}, apperror.FromStore(op, "message", err)
	}
	return message, nil
}

// Delete soft-deletes the message; repeating it returns the stored tombstone.
func (s *messageStore) Delete(ctx context.Context, messageID string) (models.Message, error) {
	unlock := s.locks.Lock(messageID)
	defer unlock()

	message, err := s.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if message.IsDeleted {
		return message, nil
	}

	deletedAt := s.now()
	message.IsDeleted = true
	message.DeletedAt = &deletedAt
	if err := s.repo.Save(ctx, &message); err != nil {
		return models.Message{}, apperror.FromStore("message.delete", "message", err)
	}
	return message, nil
}

// MarkRead stamps the reader once. The sender's own messages are never stamped.
func (s *messageStore) MarkRead(ctx context.Context, messageID, userID string) (models.Message, bool, error) {
	unlock := s.locks.Lock(messageID)
	defer unlock()

	message, err := s.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, false, err
	}
	if message.SenderID == userID || !message.MarkRead(userID, s.now()) {
		return message, false, nil
	}

	if err := s.repo.Save(ctx, &message); err != nil {
		return models.Message{}, false, apperror.FromStore("message.mark_read", "message", err)
	}
	return message, true, nil
}

// MarkDelivered returns only the messages whose receipts changed.
func (s *messageStore) MarkDelivered(ctx context.Context, messageIDs []string, userID string) ([]models.Message, error) {
	changed := make([]models.Message, 0, len(messageIDs))
	for _, messageID := range messageIDs {
		message, ok, err := s.markDelivered(ctx, messageID, userID)
		if err != nil {
			return changed, err
		}
		if ok {
			changed = append(changed, message)
		}
	}
	return changed, nil
}

func (s *messageStore) markDelivered(ctx context.Context, messageID, userID string) (models.Message, bool, error) {
	unlock := s.locks.Lock(messageID)
	defer unlock()

	message, err := s.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, false, err
	}
	if message.SenderID == userID || !message.MarkDelivered(userID, s.now()) {
		return message, false, nil
	}

	if err := s.repo.Save(ctx, &message); err != nil {
		return models.Message{}, false, apperror.FromStore("message.mark_delivered", "message", err)
	}
	return message, true, nil
}

// React toggles emoji for userID and reports whether the reaction is now present.
func (s *messageStore) React(ctx context.Context, messageID, emoji, userID string) (models.Message, bool, error) {
	const op = "message.react"

	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiRunes {
		return models.Message{}, false, apperror.Validation(op, "invalid reaction")
	}

	unlock := s.locks.Lock(messageID)
	defer unlock()

	message, err := s.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, false, err
	}
	if !message.Visible() {
		return models.Message{}, false, apperror.Validation(op, "cannot react to a removed message")
	}

	present := message.ToggleReaction(emoji, userID)
	if err := s.repo.Save(ctx, &message); err != nil {
		return models.Message{}, false, apperror.FromStore(op, "message", err)
	}
	return message, present, nil
}

func (s *messageStore) LoadLatest(ctx context.Context, chatID string, pageSize int) ([]models.Message, error) {
	messages, err := s.repo.ListBefore(ctx, chatID, nil, s.page(pageSize))
	if err != nil {
		return nil, apperror.FromStore("message.load_latest", "message", err)
	}
	return redactAll(messages), nil
}

func (s *messageStore) LoadOlder(ctx context.Context, chatID string, before models.MessageCursor, pageSize int) ([]models.Message, error) {
	if before.ID == "" || before.Timestamp.IsZero() {
		return nil, apperror.Validation("message.load_older", "a cursor message is required")
	}
	messages, err := s.repo.ListBefore(ctx, chatID, &before, s.page(pageSize))
	if err != nil {
		return nil, apperror.FromStore("message.load_older", "message", err)
	}
	return redactAll(messages), nil
}

func (s *messageStore) Search(ctx context.Context, chatID, query string) ([]models.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperror.Validation("message.search", "search query is required")
	}
	// stored content is sanitized, so the needle has to be escaped the same way
	needle := strings.TrimSpace(s.sanitizer.Sanitize(query))
	if needle == "" {
		return []models.Message{}, nil
	}
	messages, err := s.repo.Search(ctx, chatID, needle, 0)
	if err != nil {
		return nil, apperror.FromStore("message.search", "message", err)
	}
	return messages, nil
}

// Hide takes a fan message out of normal read paths. Hiding twice keeps the first stamp.
func (s *messageStore) Hide(ctx context.Context, messageID, moderatorID, reason string) (models.Message, error) {
	if s.Namespace() != models.NamespaceFan {
		return models.Message{}, apperror.Validation("message.hide", "only fan messages can be moderated")
	}

	unlock := s.locks.Lock(messageID)
	defer unlock()

	message, err := s.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if message.Moderation.IsModerated {
		return message, nil
	}

	moderatedAt := s.now()
	message.Moderation.IsModerated = true
	message.Moderation.ModeratedBy = moderatorID
	message.Moderation.ModeratedAt = &moderatedAt
	message.Moderation.ModerationReason = reason

	if err := s.repo.Save(ctx, &message); err != nil {
		return models.Message{}, apperror.FromStore("message.hide", "message", err)
	}
	return message, nil
}

// AddReporter records reporterID once and reports whether the list changed.
func (s *messageStore) AddReporter(ctx context.Context, messageID, reporterID string) (models.Message, bool, error) {
	unlock := s.locks.Lock(messageID)
	defer unlock()

	message, err := s.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, false, err
	}
	for _, existing := range message.Moderation.ReportedBy {
		if existing == reporterID {
			return message, false, nil
		}
	}

	message.Moderation.ReportedBy = append(append([]string(nil), message.Moderation.ReportedBy...), reporterID)
	if err := s.repo.Save(ctx, &message); err != nil {
		return models.Message{}, false, apperror.FromStore("message.report", "message", err)
	}
	return message, true, nil
}

func (s *messageStore) page(size int) int {
	if size <= 0 {
		return s.pageSize
	}
	return size
}

// redactAll withholds the body of soft-deleted messages; metadata stays.
func redactAll(messages []models.Message) []models.Message {
	for i := range messages {
		if messages[i].IsDeleted {
			messages[i] = redact(messages[i])
		}
	}
	return messages
}

func redact(message models.Message) models.Message {
	message.Content = ""
	message.Image = models.ImageMetadata{}
	message.ReplyTo = models.ReplySnapshot{}
	message.Reactions = nil
	message.Mentions = nil
	return message
}

func extractMentions(content, senderID string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	mentions := make([]string, 0, len(matches))
	for _, match := range matches {
		handle := strings.TrimRight(match[1], ".-")
		if handle != "" && handle != senderID {
			mentions = append(mentions, handle)
		}
	}
	return uniqueIDs(mentions)
}
