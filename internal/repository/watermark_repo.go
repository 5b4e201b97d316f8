package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/bandroom-chat/internal/models"
)

// WatermarkRepository stores the last-read boundary per (user, chat).
type WatermarkRepository interface {
	Get(ctx context.Context, chatID, userID string) (time.Time, bool, error)
	Upsert(ctx context.Context, chatID, userID string, readAt time.Time) error
}

type watermarkRepository struct {
	db *gorm.DB
}

// NewWatermarkRepository constructs a watermark repository backed by GORM.
func NewWatermarkRepository(db *gorm.DB) WatermarkRepository {
	return &watermarkRepository{db: db}
}

func (r *watermarkRepository) Get(ctx context.Context, chatID, userID string) (time.Time, bool, error) {
	var mark models.ReadWatermark
	err := conn(ctx, r.db).Where("user_id = ? AND chat_id = ?", userID, chatID).First(&mark).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return mark.ReadAt, true, nil
}

func (r *watermarkRepository) Upsert(ctx context.Context, chatID, userID string, readAt time.Time) error {
	mark := models.ReadWatermark{UserID: userID, ChatID: chatID, ReadAt: readAt}
	return conn(ctx, r.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "chat_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"read_at", "updated_at"}),
	}).Create(&mark).Error
}
