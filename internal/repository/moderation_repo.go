package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/bandroom-chat/internal/models"
)

// ReportRepository persists fan message reports.
type ReportRepository interface {
	Create(ctx context.Context, report *models.MessageReport) error
	Get(ctx context.Context, id string) (models.MessageReport, error)
	FindByReporter(ctx context.Context, messageID, reporterID string) (models.MessageReport, bool, error)
	ListOpenForMessage(ctx context.Context, messageID string) ([]models.MessageReport, error)
	ListForChat(ctx context.Context, chatID string, status models.ReportStatus) ([]models.MessageReport, error)
	Save(ctx context.Context, report *models.MessageReport) error
}

type reportRepository struct {
	db *gorm.DB
}

// NewReportRepository constructs a report repository backed by GORM.
func NewReportRepository(db *gorm.DB) ReportRepository {
	return &reportRepository{db: db}
}

func (r *reportRepository) Create(ctx context.Context, report *models.MessageReport) error {
	return conn(ctx, r.db).Create(report).Error
}

func (r *reportRepository) Get(ctx context.Context, id string) (models.MessageReport, error) {
	var report models.MessageReport
	if err := conn(ctx, r.db).Where("id = ?", id).First(&report).Error; err != nil {
		return models.MessageReport{}, err
	}
	return report, nil
}

func (r *reportRepository) FindByReporter(ctx context.Context, messageID, reporterID string) (models.MessageReport, bool, error) {
	var report models.MessageReport
	err := conn(ctx, r.db).Where("message_id = ? AND reporter_id = ?", messageID, reporterID).First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.MessageReport{}, false, nil
	}
	if err != nil {
		return models.MessageReport{}, false, err
	}
	return report, true, nil
}

func (r *reportRepository) ListOpenForMessage(ctx context.Context, messageID string) ([]models.MessageReport, error) {
	var reports []models.MessageReport
	err := conn(ctx, r.db).
		Where("message_id = ? AND status IN ?", messageID, []models.ReportStatus{models.ReportStatusPending, models.ReportStatusReviewed}).
		Order("created_at ASC").
		Find(&reports).Error
	if err != nil {
		return nil, err
	}
	return reports, nil
}

func (r *reportRepository) ListForChat(ctx context.Context, chatID string, status models.ReportStatus) ([]models.MessageReport, error) {
	query := conn(ctx, r.db).Where("chat_id = ?", chatID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var reports []models.MessageReport
	if err := query.Order("created_at DESC").Find(&reports).Error; err != nil {
		return nil, err
	}
	return reports, nil
}

func (r *reportRepository) Save(ctx context.Context, report *models.MessageReport) error {
	return conn(ctx, r.db).Save(report).Error
}

// ModerationLogRepository is append-only: entries can be created and listed, never changed.
type ModerationLogRepository interface {
	Create(ctx context.Context, entry *models.ModerationLog) error
	List(ctx context.Context, chatID string, limit int) ([]models.ModerationLog, error)
}

type moderationLogRepository struct {
	db *gorm.DB
}

// NewModerationLogRepository constructs the moderation log repository.
func NewModerationLogRepository(db *gorm.DB) ModerationLogRepository {
	return &moderationLogRepository{db: db}
}

func (r *moderationLogRepository) Create(ctx context.Context, entry *models.ModerationLog) error {
	return conn(ctx, r.db).Create(entry).Error
}

func (r *moderationLogRepository) List(ctx context.Context, chatID string, limit int) ([]models.ModerationLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var entries []models.ModerationLog
	err := conn(ctx, r.db).
		Where("chat_id = ?", chatID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// BanRepository persists fan chat bans.
type BanRepository interface {
	Upsert(ctx context.Context, ban *models.FanChatBan) error
	Active(ctx context.Context, chatID, userID string, now time.Time) (models.FanChatBan, bool, error)
}

type banRepository struct {
	db *gorm.DB
}

// NewBanRepository constructs a ban repository backed by GORM.
func NewBanRepository(db *gorm.DB) BanRepository {
	return &banRepository{db: db}
}

func (r *banRepository) Upsert(ctx context.Context, ban *models.FanChatBan) error {
	return conn(ctx, r.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"banned_by", "reason", "until", "updated_at"}),
	}).Create(ban).Error
}

func (r *banRepository) Active(ctx context.Context, chatID, userID string, now time.Time) (models.FanChatBan, bool, error) {
	var ban models.FanChatBan
	err := conn(ctx, r.db).Where("chat_id = ? AND user_id = ?", chatID, userID).First(&ban).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.FanChatBan{}, false, nil
	}
	if err != nil {
		return models.FanChatBan{}, false, err
	}
	if !ban.ActiveAt(now) {
		return models.FanChatBan{}, false, nil
	}
	return ban, true, nil
}
