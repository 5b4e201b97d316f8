package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/bandroom-chat/internal/apperror"
	"github.com/noah-isme/bandroom-chat/internal/models"
	"github.com/noah-isme/bandroom-chat/internal/observability"
	"github.com/noah-isme/bandroom-chat/internal/repository"
)

// DefaultTemporaryBan is the length of a temporaryBan action.
const DefaultTemporaryBan = 24 * time.Hour

// ModerationOutcome is what a Moderate call changed.
type ModerationOutcome struct {
	Log             models.ModerationLog
	Message         models.Message
	Ban             *models.FanChatBan
	ResolvedReports int
}

// ModerationEngine runs the fan-chat report workflow and its audit trail.
type ModerationEngine interface {
	Report(ctx context.Context, messageID, reporterID, reason string) (models.MessageReport, error)
	Review(ctx context.Context, reportID, moderatorID string, status models.ReportStatus) (models.MessageReport, error)
	Moderate(ctx context.Context, messageID, moderatorID string, action models.ModerationAction, reason string) (ModerationOutcome, error)
	Reports(ctx context.Context, chatID, moderatorID string, status models.ReportStatus) ([]models.MessageReport, error)
	Logs(ctx context.Context, chatID, moderatorID string, limit int) ([]models.ModerationLog, error)
	ActiveBan(ctx context.Context, chatID, userID string) (models.FanChatBan, bool, error)
}

type moderationEngine struct {
	messages    MessageStore
	chats       FanChatDirectory
	permissions *PermissionCache
	reports     repository.ReportRepository
	logs        repository.ModerationLogRepository
	bans        repository.BanRepository
	tx          repository.Transactor
	tempBan     time.Duration
	locks       *keyedMutex
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewModerationEngine constructs the engine over the fan message store.
func NewModerationEngine(messages MessageStore, chats FanChatDirectory, permissions *PermissionCache, reports repository.ReportRepository, logs repository.ModerationLogRepository, bans repository.BanRepository, tx repository.Transactor, tempBan time.Duration, logger zerolog.Logger) ModerationEngine {
	if tempBan <= 0 {
		tempBan = DefaultTemporaryBan
	}
	return &moderationEngine{
		messages:    messages,
		chats:       chats,
		permissions: permissions,
		reports:     reports,
		logs:        logs,
		bans:        bans,
		tx:          tx,
		tempBan:     tempBan,
		locks:       newKeyedMutex(),
		logger:      logger.With().Str("component", "moderation_engine").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/bandroom-chat/internal/service/moderation"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Report files a report once per reporter; repeating it returns the existing report.
func (m *moderationEngine) Report(ctx context.Context, messageID, reporterID, reason string) (models.MessageReport, error) {
	const op = "moderation.report"

	if strings.TrimSpace(reporterID) == "" {
		return models.MessageReport{}, apperror.Validation(op, "reporter is required")
	}

	message, err := m.messages.Get(ctx, messageID)
	if err != nil {
		return models.MessageReport{}, err
	}
	if message.IsDeleted {
		return models.MessageReport{}, apperror.NotFound(op, "message not found")
	}
	if message.Type == models.MessageTypeSystem {
		observability.MessageReports().WithLabelValues("rejected").Inc()
		return models.MessageReport{}, apperror.ModerationPolicy(op, "system messages cannot be reported")
	}
	if message.SenderID == reporterID {
		observability.MessageReports().WithLabelValues("rejected").Inc()
		return models.MessageReport{}, apperror.ModerationPolicy(op, "users cannot report their own messages")
	}

	unlock := m.locks.Lock(messageID + "/" + reporterID)
	defer unlock()

	existing, found, err := m.reports.FindByReporter(ctx, messageID, reporterID)
	if err != nil {
		return models.MessageReport{}, apperror.FromStore(op, "report", err)
	}
	if found {
		observability.MessageReports().WithLabelValues("duplicate").Inc()
		return existing, nil
	}

	report := models.MessageReport{
		ID:         uuid.NewString(),
		ChatID:     message.ChatID,
		MessageID:  messageID,
		ReporterID: reporterID,
		Reason:     strings.TrimSpace(reason),
		Status:     models.ReportStatusPending,
	}
	if err := m.reports.Create(ctx, &report); err != nil {
		if existing, found, findErr := m.reports.FindByReporter(ctx, messageID, reporterID); findErr == nil && found {
			return existing, nil
		}
		return models.MessageReport{}, apperror.FromStore(op, "report", err)
	}

	if _, _, err := m.messages.AddReporter(ctx, messageID, reporterID); err != nil {
		m.logger.Warn().Err(err).Str("message_id", messageID).Msg("failed to record reporter on message")
	}

	observability.MessageReports().WithLabelValues("filed").Inc()
	m.logger.Info().Str("report_id", report.ID).Str("message_id", messageID).Str("chat_id", report.ChatID).Msg("message reported")
	return report, nil
}

func (m *moderationEngine) Review(ctx context.Context, reportID, moderatorID string, status models.ReportStatus) (models.MessageReport, error) {
	const op = "moderation.review"

	unlock := m.locks.Lock("report/" + reportID)
	defer unlock()

	report, err := m.reports.Get(ctx, reportID)
	if err != nil {
		return models.MessageReport{}, apperror.FromStore(op, "report", err)
	}
	if err := m.requireModerator(ctx, op, report.ChatID, moderatorID); err != nil {
		return models.MessageReport{}, err
	}
	if !report.Status.CanTransition(status) {
		return models.MessageReport{}, apperror.Validation(op, "report cannot move from "+string(report.Status)+" to "+string(status))
	}

	reviewedAt := m.now()
	report.Status = status
	report.ReviewedBy = moderatorID
	report.ReviewedAt = &reviewedAt
	if err := m.reports.Save(ctx, &report); err != nil {
		return models.MessageReport{}, apperror.FromStore(op, "report", err)
	}
	return report, nil
}

// Moderate applies action to a fan message and appends exactly one log entry.
func (m *moderationEngine) Moderate(ctx context.Context, messageID, moderatorID string, action models.ModerationAction, reason string) (ModerationOutcome, error) {
	const op = "moderation.moderate"

	if !action.Valid() {
		return ModerationOutcome{}, apperror.Validation(op, "unknown moderation action")
	}

	attrs := []attribute.KeyValue{
		attribute.String("chat.message_id", messageID),
		attribute.String("chat.moderator_id", moderatorID),
		attribute.String("chat.moderation_action", string(action)),
	}
	spanCtx, span := m.tracer.Start(ctx, "chat.moderation.moderate", trace.WithAttributes(attrs...))
	defer span.End()

	message, err := m.messages.Get(spanCtx, messageID)
	if err != nil {
		return ModerationOutcome{}, err
	}
	if err := m.requireModerator(spanCtx, op, message.ChatID, moderatorID); err != nil {
		return ModerationOutcome{}, err
	}

	reason = strings.TrimSpace(reason)
	outcome := ModerationOutcome{Message: message}
	metadata := datatypes.JSONMap{"message_sender": message.SenderID}

	if action.IsBan() {
		unlock := m.locks.Lock("ban:" + message.ChatID + ":" + message.SenderID)
		defer unlock()
	}

	err = m.tx.WithinTransaction(spanCtx, func(txCtx context.Context) error {
		if action.HidesMessage() {
			hidden, err := m.messages.Hide(txCtx, messageID, moderatorID, reason)
			if err != nil {
				return err
			}
			outcome.Message = hidden
		}

		if action.IsBan() {
			ban, err := m.applyBan(txCtx, message, moderatorID, action, reason)
			if err != nil {
				return err
			}
			if ban.Until != nil {
				metadata["ban_until"] = ban.Until.Format(time.RFC3339)
			}
			outcome.Ban = &ban
		}

		resolved, err := m.closeReports(txCtx, messageID, moderatorID, action)
		if err != nil {
			return err
		}
		outcome.ResolvedReports = resolved
		metadata["reports_closed"] = resolved

		entry := models.ModerationLog{
			ID:           uuid.NewString(),
			ChatID:       message.ChatID,
			MessageID:    messageID,
			TargetUserID: message.SenderID,
			ModeratorID:  moderatorID,
			Action:       action,
			Reason:       reason,
			Metadata:     metadata,
			CreatedAt:    m.now(),
		}
		if err := m.logs.Create(txCtx, &entry); err != nil {
			return apperror.FromStore(op, "moderation log", err)
		}
		outcome.Log = entry
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return ModerationOutcome{}, apperror.FromStore(op, "moderation", err)
	}

	observability.ModerationActions().WithLabelValues(string(action)).Inc()
	m.logger.Info().
		Str("chat_id", message.ChatID).
		Str("message_id", messageID).
		Str("moderator_id", moderatorID).
		Str("action", string(action)).
		Int("reports_closed", outcome.ResolvedReports).
		Msg("message moderated")

	return outcome, nil
}

// applyBan writes the ban for message's sender. An existing ban that outlasts
// the new one stays in place, so a temporary ban never shortens a permanent one.
func (m *moderationEngine) applyBan(ctx context.Context, message models.Message, moderatorID string, action models.ModerationAction, reason string) (models.FanChatBan, error) {
	now := m.now()
	ban := models.FanChatBan{
		ChatID:   message.ChatID,
		UserID:   message.SenderID,
		BannedBy: moderatorID,
		Reason:   reason,
	}
	if action == models.ActionTemporaryBan {
		until := now.Add(m.tempBan)
		ban.Until = &until
	}

	current, ok, err := m.bans.Active(ctx, message.ChatID, message.SenderID, now)
	if err != nil {
		return models.FanChatBan{}, apperror.FromStore("moderation.moderate", "ban", err)
	}
	if ok && current.Outlasts(ban) {
		return current, nil
	}

	if err := m.bans.Upsert(ctx, &ban); err != nil {
		return models.FanChatBan{}, apperror.FromStore("moderation.moderate", "ban", err)
	}
	return ban, nil
}

// closeReports resolves open reports on the message; noAction dismisses them instead.
func (m *moderationEngine) closeReports(ctx context.Context, messageID, moderatorID string, action models.ModerationAction) (int, error) {
	open, err := m.reports.ListOpenForMessage(ctx, messageID)
	if err != nil {
		return 0, apperror.FromStore("moderation.moderate", "report", err)
	}

	status := models.ReportStatusResolved
	if action == models.ActionNoAction {
		status = models.ReportStatusDismissed
	}

	reviewedAt := m.now()
	for i := range open {
		report := open[i]
		if !report.Status.CanTransition(status) {
			continue
		}
		report.Status = status
		report.ReviewedBy = moderatorID
		report.ReviewedAt = &reviewedAt
		if err := m.reports.Save(ctx, &report); err != nil {
			return i, apperror.FromStore("moderation.moderate", "report", err)
		}
	}
	return len(open), nil
}

func (m *moderationEngine) Reports(ctx context.Context, chatID, moderatorID string, status models.ReportStatus) ([]models.MessageReport, error) {
	const op = "moderation.reports"

	if err := m.requireModerator(ctx, op, chatID, moderatorID); err != nil {
		return nil, err
	}
	reports, err := m.reports.ListForChat(ctx, chatID, status)
	if err != nil {
		return nil, apperror.FromStore(op, "report", err)
	}
	return reports, nil
}

func (m *moderationEngine) Logs(ctx context.Context, chatID, moderatorID string, limit int) ([]models.ModerationLog, error) {
	const op = "moderation.logs"

	if err := m.requireModerator(ctx, op, chatID, moderatorID); err != nil {
		return nil, err
	}
	entries, err := m.logs.List(ctx, chatID, limit)
	if err != nil {
		return nil, apperror.FromStore(op, "moderation log", err)
	}
	return entries, nil
}

func (m *moderationEngine) ActiveBan(ctx context.Context, chatID, userID string) (models.FanChatBan, bool, error) {
	ban, active, err := m.bans.Active(ctx, chatID, userID, m.now())
	if err != nil {
		return models.FanChatBan{}, false, apperror.FromStore("moderation.active_ban", "ban", err)
	}
	return ban, active, nil
}

func (m *moderationEngine) requireModerator(ctx context.Context, op, chatID, userID string) error {
	chat, err := m.chats.Get(ctx, chatID)
	if err != nil {
		return err
	}
	if !m.permissions.CanUserModerate(chat, userID) {
		return apperror.Authorization(op, "only moderators can do this")
	}
	return nil
}
