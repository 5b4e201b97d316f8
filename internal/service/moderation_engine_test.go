package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bandroom-chat/internal/apperror"
	"github.com/noah-isme/bandroom-chat/internal/dto"
	"github.com/noah-isme/bandroom-chat/internal/models"
	"github.com/noah-isme/bandroom-chat/internal/repository"
)

type failingLogRepo struct{}

func (failingLogRepo) Create(ctx context.Context, entry *models.ModerationLog) error {
	return errors.New("log table unavailable")
}

func (failingLogRepo) List(ctx context.Context, chatID string, limit int) ([]models.ModerationLog, error) {
	return nil, nil
}

func TestModerationEngineRejectsSelfReports(t *testing.T) {
	f := newChatFixture(t)
	chat := f.fanChat(t, "band-1", "owner", models.FanChatTypeGeneral, "mod")
	ctx := context.Background()

	message, err := f.fanMessages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "fan", Content: "first!"})
	require.NoError(t, err)

	_, err = f.moderation.Report(ctx, message.ID, "fan", "oops")
	require.ErrorIs(t, err, apperror.ErrModerationPolicy)
}

func TestModerationEngineDuplicateReportIsNoop(t *testing.T) {
	f := newChatFixture(t)
	chat := f.fanChat(t, "band-1", "owner", models.FanChatTypeGeneral, "mod")
	ctx := context.Background()

	message, err := f.fanMessages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "troll", Content: "spam spam"})
	require.NoError(t, err)

	first, err := f.moderation.Report(ctx, message.ID, "fan", "spam")
	require.NoError(t, err)
	require.Equal(t, models.ReportStatusPending, first.Status)

	second, err := f.moderation.Report(ctx, message.ID, "fan", "spam again")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	stored, err := f.fanMessages.Get(ctx, message.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"fan"}, stored.Moderation.ReportedBy)

	reports, err := f.moderation.Reports(ctx, chat.ID, "mod", "")
	require.NoError(t, err)
	require.Len(t, reports, 1)

	_, err = f.moderation.Reports(ctx, chat.ID, "fan", "")
	require.ErrorIs(t, err, apperror.ErrAuthorization)
}

func TestModerationEngineHideScenario(t *testing.T) {
	f := newChatFixture(t)
	chat := f.fanChat(t, "band-1", "owner", models.FanChatTypeGeneral, "mod")
	ctx := context.Background()

	kept, err := f.fanMessages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "fan", Content: "great show"})
	require.NoError(t, err)
	offending, err := f.fanMessages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "troll", Content: "rude words"})
	require.NoError(t, err)

	_, err = f.moderation.Report(ctx, offending.ID, "fan", "rude")
	require.NoError(t, err)

	_, err = f.moderation.Moderate(ctx, offending.ID, "fan", models.ActionMessageHidden, "rude")
	require.ErrorIs(t, err, apperror.ErrAuthorization)

	outcome, err := f.moderation.Moderate(ctx, offending.ID, "mod", models.ActionMessageHidden, "rude")
	require.NoError(t, err)
	require.True(t, outcome.Message.Moderation.IsModerated)
	require.Equal(t, "mod", outcome.Message.Moderation.ModeratedBy)
	require.Equal(t, 1, outcome.ResolvedReports)
	require.Nil(t, outcome.Ban)

	page, err := f.fanService.FetchFanMessages(ctx, chat.ID, "fan", dto.MessagePageQuery{})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, kept.ID, page[0].ID)

	logs, err := f.moderation.Logs(ctx, chat.ID, "mod", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, models.ActionMessageHidden, logs[0].Action)
	require.Equal(t, "troll", logs[0].TargetUserID)

	reports, err := f.moderation.Reports(ctx, chat.ID, "mod", models.ReportStatusResolved)
	require.NoError(t, err)
	require.Len(t, reports, 1)
}

func TestModerationEngineBanBlocksFanSend(t *testing.T) {
	f := newChatFixture(t)
	chat := f.fanChat(t, "band-1", "owner", models.FanChatTypeGeneral, "mod")
	ctx := context.Background()

	_, err := f.fanChats.AcceptRules(ctx, chat.ID, "troll")
	require.NoError(t, err)

	sent, err := f.fanService.SendFanMessage(ctx, chat.ID, "troll", dto.SendMessageRequest{Content: "buy followers"}, nil)
	require.NoError(t, err)

	response, err := f.fanService.ModerateMessage(ctx, sent.ID, "mod", dto.ModerateMessageRequest{Action: string(models.ActionTemporaryBan), Reason: "spam"})
	require.NoError(t, err)
	require.True(t, response.Banned)
	require.True(t, response.MessageHidden)
	require.NotNil(t, response.BanUntil)

	_, err = f.fanService.SendFanMessage(ctx, chat.ID, "troll", dto.SendMessageRequest{Content: "still here"}, nil)
	require.ErrorIs(t, err, apperror.ErrModerationPolicy)

	ban, active, err := f.moderation.ActiveBan(ctx, chat.ID, "troll")
	require.NoError(t, err)
	require.True(t, active)
	require.Equal(t, "mod", ban.BannedBy)
}

func TestModerationEngineTemporaryBanKeepsPermanentBan(t *testing.T) {
	f := newChatFixture(t)
	chat := f.fanChat(t, "band-1", "owner", models.FanChatTypeGeneral, "mod")
	ctx := context.Background()

	first, err := f.fanMessages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "troll", Content: "spam"})
	require.NoError(t, err)
	second, err := f.fanMessages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "troll", Content: "more spam"})
	require.NoError(t, err)

	outcome, err := f.moderation.Moderate(ctx, first.ID, "mod", models.ActionPermanentBan, "repeat offender")
	require.NoError(t, err)
	require.NotNil(t, outcome.Ban)
	require.Nil(t, outcome.Ban.Until)

	outcome, err = f.moderation.Moderate(ctx, second.ID, "mod", models.ActionTemporaryBan, "spam")
	require.NoError(t, err)
	require.NotNil(t, outcome.Ban)
	require.Nil(t, outcome.Ban.Until)

	ban, active, err := f.moderation.ActiveBan(ctx, chat.ID, "troll")
	require.NoError(t, err)
	require.True(t, active)
	require.Nil(t, ban.Until)
	require.Equal(t, "repeat offender", ban.Reason)

	logs, err := f.moderation.Logs(ctx, chat.ID, "mod", 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
}

func TestModerationEngineRollsBackWhenLogFails(t *testing.T) {
	f := newChatFixture(t)
	chat := f.fanChat(t, "band-1", "owner", models.FanChatTypeGeneral, "mod")
	ctx := context.Background()

	message, err := f.fanMessages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "troll", Content: "rude words"})
	require.NoError(t, err)
	_, err = f.moderation.Report(ctx, message.ID, "fan", "rude")
	require.NoError(t, err)

	engine := NewModerationEngine(f.fanMessages, f.fanChats, f.permissions,
		repository.NewReportRepository(f.db), failingLogRepo{}, repository.NewBanRepository(f.db), repository.NewTransactor(f.db),
		DefaultTemporaryBan, testLogger())

	_, err = engine.Moderate(ctx, message.ID, "mod", models.ActionPermanentBan, "rude")
	require.ErrorIs(t, err, apperror.ErrTransient)

	stored, err := f.fanMessages.Get(ctx, message.ID)
	require.NoError(t, err)
	require.False(t, stored.Moderation.IsModerated)

	_, active, err := f.moderation.ActiveBan(ctx, chat.ID, "troll")
	require.NoError(t, err)
	require.False(t, active)

	reports, err := f.moderation.Reports(ctx, chat.ID, "mod", models.ReportStatusPending)
	require.NoError(t, err)
	require.Len(t, reports, 1)

	logs, err := f.moderation.Logs(ctx, chat.ID, "mod", 0)
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestModerationEngineReviewTransitions(t *testing.T) {
	f := newChatFixture(t)
	chat := f.fanChat(t, "band-1", "owner", models.FanChatTypeGeneral, "mod")
	ctx := context.Background()

	message, err := f.fanMessages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "troll", Content: "hmm"})
	require.NoError(t, err)
	report, err := f.moderation.Report(ctx, message.ID, "fan", "")
	require.NoError(t, err)

	_, err = f.moderation.Review(ctx, report.ID, "fan", models.ReportStatusReviewed)
	require.ErrorIs(t, err, apperror.ErrAuthorization)

	reviewed, err := f.moderation.Review(ctx, report.ID, "mod", models.ReportStatusReviewed)
	require.NoError(t, err)
	require.Equal(t, models.ReportStatusReviewed, reviewed.Status)
	require.NotNil(t, reviewed.ReviewedAt)

	dismissed, err := f.moderation.Review(ctx, report.ID, "mod", models.ReportStatusDismissed)
	require.NoError(t, err)
	require.Equal(t, models.ReportStatusDismissed, dismissed.Status)

	_, err = f.moderation.Review(ctx, report.ID, "mod", models.ReportStatusResolved)
	require.ErrorIs(t, err, apperror.ErrValidation, "terminal reports stay put")

	outcome, err := f.moderation.Moderate(ctx, message.ID, "mod", models.ActionNoAction, "")
	require.NoError(t, err)
	require.False(t, outcome.Message.Moderation.IsModerated)
	require.Zero(t, outcome.ResolvedReports)
}
