package repository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/bandroom-chat/internal/models"
)

const (
	defaultMessagePageSize = 20
	maxMessagePageSize     = 100
	defaultSearchLimit     = 50
)

// MessageRepository persists one namespace's message timeline.
type MessageRepository interface {
	Namespace() models.Namespace
	Create(ctx context.Context, message *models.Message) error
	Get(ctx context.Context, id string) (models.Message, error)
	Save(ctx context.Context, message *models.Message) error
	ListBefore(ctx context.Context, chatID string, before *models.MessageCursor, limit int) ([]models.Message, error)
	Search(ctx context.Context, chatID, query string, limit int) ([]models.Message, error)
	CountSince(ctx context.Context, chatID, readerID string, since time.Time) (int64, error)
}

type messageRepository struct {
	db *gorm.DB
	ns models.Namespace
}

// NewMessageRepository constructs a repository over the namespace's message table.
func NewMessageRepository(db *gorm.DB, ns models.Namespace) MessageRepository {
	return &messageRepository{db: db, ns: ns}
}

func (r *messageRepository) Namespace() models.Namespace {
	return r.ns
}

func (r *messageRepository) table(ctx context.Context) *gorm.DB {
	return conn(ctx, r.db).Table(r.ns.MessageTable())
}

// readable restricts a query to rows normal read paths may return. Band
// timelines keep soft-deleted rows as tombstones; fan timelines drop them
// together with moderated rows.
func (r *messageRepository) readable(query *gorm.DB) *gorm.DB {
	if r.ns == models.NamespaceFan {
		return query.Where("is_deleted = ? AND is_moderated = ?", false, false)
	}
	return query
}

func (r *messageRepository) Create(ctx context.Context, message *models.Message) error {
	return r.table(ctx).Create(message).Error
}

func (r *messageRepository) Get(ctx context.Context, id string) (models.Message, error) {
	var message models.Message
	if err := r.table(ctx).Where("id = ?", id).First(&message).Error; err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func (r *messageRepository) Save(ctx context.Context, message *models.Message) error {
	return r.table(ctx).Save(message).Error
}

// ListBefore returns up to limit messages strictly before the cursor, oldest first.
// A nil cursor returns the latest page.
func (r *messageRepository) ListBefore(ctx context.Context, chatID string, before *models.MessageCursor, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = defaultMessagePageSize
	}
	if limit > maxMessagePageSize {
		limit = maxMessagePageSize
	}

	query := r.readable(r.table(ctx).Where("chat_id = ?", chatID))
	if before != nil {
		query = query.Where("(timestamp < ? OR (timestamp = ? AND id < ?))", before.Timestamp, before.Timestamp, before.ID)
	}

	var messages []models.Message
	if err := query.Order("timestamp DESC").Order("id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// Search matches content case-insensitively, newest first. Deleted and
// moderated rows never match.
func (r *messageRepository) Search(ctx context.Context, chatID, query string, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > maxMessagePageSize {
		limit = defaultSearchLimit
	}

	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"

	var messages []models.Message
	err := r.table(ctx).
		Where("chat_id = ? AND is_deleted = ? AND is_moderated = ?", chatID, false, false).
		Where("LOWER(content) LIKE ? ESCAPE '\\'", pattern).
		Order("timestamp DESC").
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// CountSince counts messages after since that the reader did not send.
func (r *messageRepository) CountSince(ctx context.Context, chatID, readerID string, since time.Time) (int64, error) {
	var count int64
	err := r.table(ctx).
		Where("chat_id = ? AND timestamp > ?", chatID, since).
		Where("sender_id <> ? AND is_deleted = ? AND is_moderated = ?", readerID, false, false).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
