package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/bandroom-chat/internal/models"
)

// ChatRepository persists band-internal chats and their membership index.
type ChatRepository interface {
	Create(ctx context.Context, chat *models.Chat) error
	Get(ctx context.Context, id string) (models.Chat, error)
	ListForUser(ctx context.Context, userID string) ([]models.Chat, error)
	UpdateAdmins(ctx context.Context, id string, adminIDs []string) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
	UpdateLastMessage(ctx context.Context, id string, preview models.MessagePreview) error
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository constructs a chat repository backed by GORM.
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

func (r *chatRepository) Create(ctx context.Context, chat *models.Chat) error {
	chat.Members = make([]models.ChatMember, 0, len(chat.Participants))
	for _, userID := range chat.Participants {
		chat.Members = append(chat.Members, models.ChatMember{ChatID: chat.ID, UserID: userID})
	}
	return conn(ctx, r.db).Create(chat).Error
}

func (r *chatRepository) Get(ctx context.Context, id string) (models.Chat, error) {
	var chat models.Chat
	if err := conn(ctx, r.db).Where("id = ?", id).First(&chat).Error; err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// ListForUser orders by last activity; chats that never had a message go last.
func (r *chatRepository) ListForUser(ctx context.Context, userID string) ([]models.Chat, error) {
	var chats []models.Chat
	err := conn(ctx, r.db).
		Joins("JOIN chat_members ON chat_members.chat_id = chats.id").
		Where("chat_members.user_id = ? AND chats.is_deleted = ?", userID, false).
		Order("CASE WHEN chats.last_message_timestamp IS NULL THEN 1 ELSE 0 END").
		Order("chats.last_message_timestamp DESC").
		Order("chats.created_at DESC").
		Find(&chats).Error
	if err != nil {
		return nil, err
	}
	return chats, nil
}

func (r *chatRepository) UpdateAdmins(ctx context.Context, id string, adminIDs []string) error {
	chat := models.Chat{ID: id, AdminIDs: adminIDs}
	result := conn(ctx, r.db).Model(&chat).Select("AdminIDs", "UpdatedAt").Updates(&chat)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *chatRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	result := conn(ctx, r.db).Model(&models.Chat{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Updates(map[string]interface{}{"is_deleted": true, "deleted_at": at})
	return result.Error
}

// UpdateLastMessage never moves the snapshot backwards in time.
func (r *chatRepository) UpdateLastMessage(ctx context.Context, id string, preview models.MessagePreview) error {
	return updateLastMessage(ctx, r.db, &models.Chat{}, id, preview)
}

func updateLastMessage(ctx context.Context, db *gorm.DB, model interface{}, id string, preview models.MessagePreview) error {
	return conn(ctx, db).Model(model).
		Where("id = ?", id).
		Where("(last_message_timestamp IS NULL OR last_message_timestamp <= ?)", preview.Timestamp).
		Updates(map[string]interface{}{
			"last_message_message_id": preview.MessageID,
			"last_message_sender_id":  preview.SenderID,
			"last_message_preview":    preview.Preview,
			"last_message_type":       preview.Type,
			"last_message_timestamp":  preview.Timestamp,
		}).Error
}
