package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/bandroom-chat/internal/models"
)

// FanChatRepository persists fan-community chats.
type FanChatRepository interface {
	Create(ctx context.Context, chat *models.FanChat) error
	Get(ctx context.Context, id string) (models.FanChat, error)
	ListForBand(ctx context.Context, bandID string) ([]models.FanChat, error)
	Save(ctx context.Context, chat *models.FanChat) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
	UpdateLastMessage(ctx context.Context, id string, preview models.MessagePreview) error
}

type fanChatRepository struct {
	db *gorm.DB
}

// NewFanChatRepository constructs a fan chat repository backed by GORM.
func NewFanChatRepository(db *gorm.DB) FanChatRepository {
	return &fanChatRepository{db: db}
}

func (r *fanChatRepository) Create(ctx context.Context, chat *models.FanChat) error {
	return conn(ctx, r.db).Create(chat).Error
}

func (r *fanChatRepository) Get(ctx context.Context, id string) (models.FanChat, error) {
	var chat models.FanChat
	if err := conn(ctx, r.db).Where("id = ?", id).First(&chat).Error; err != nil {
		return models.FanChat{}, err
	}
	return chat, nil
}

func (r *fanChatRepository) ListForBand(ctx context.Context, bandID string) ([]models.FanChat, error) {
	var chats []models.FanChat
	err := conn(ctx, r.db).
		Where("band_id = ? AND is_deleted = ?", bandID, false).
		Order("CASE WHEN last_message_timestamp IS NULL THEN 1 ELSE 0 END").
		Order("last_message_timestamp DESC").
		Order("name ASC").
		Find(&chats).Error
	if err != nil {
		return nil, err
	}
	return chats, nil
}

func (r *fanChatRepository) Save(ctx context.Context, chat *models.FanChat) error {
	return conn(ctx, r.db).Save(chat).Error
}

func (r *fanChatRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	return conn(ctx, r.db).Model(&models.FanChat{}).
		Where("id = ? AND is_deleted = ?", id, false).
		Updates(map[string]interface{}{"is_deleted": true, "deleted_at": at, "is_active": false}).Error
}

func (r *fanChatRepository) UpdateLastMessage(ctx context.Context, id string, preview models.MessagePreview) error {
	return updateLastMessage(ctx, r.db, &models.FanChat{}, id, preview)
}
