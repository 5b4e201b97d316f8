package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bandroom-chat/internal/apperror"
	"github.com/noah-isme/bandroom-chat/internal/dto"
	"github.com/noah-isme/bandroom-chat/internal/models"
)

func TestChatServiceReadReceiptScenario(t *testing.T) {
	f := newChatFixture(t)
	chat := f.directChat(t, "a", "b")
	ctx := context.Background()

	senderStream, cancel, err := f.service.Subscribe(ctx, chat.ID, "a", "")
	require.NoError(t, err)
	defer cancel()

	sent, err := f.service.SendMessage(ctx, chat.ID, "a", dto.SendMessageRequest{ClientID: "tmp-1", Content: "soundcheck at 6?"}, nil)
	require.NoError(t, err)
	require.Equal(t, string(models.StatusSent), sent.Status)

	created := receiveEvent(t, senderStream, EventMessageCreated)
	require.Equal(t, "tmp-1", created.ClientID)
	require.Equal(t, sent.ID, created.Message.ID)

	page, err := f.service.FetchLatest(ctx, chat.ID, "b", 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, string(models.StatusDelivered), page[0].Status)

	delivered := receiveEvent(t, senderStream, EventReceiptUpdated)
	require.Equal(t, string(models.StatusDelivered), delivered.Receipt.Status)

	_, err = f.service.MarkMessageRead(ctx, sent.ID, "b")
	require.NoError(t, err)

	read := receiveEvent(t, senderStream, EventReceiptUpdated)
	require.Equal(t, sent.ID, read.Receipt.MessageID)
	require.Equal(t, "b", read.Receipt.UserID)
	require.Equal(t, string(models.StatusRead), read.Receipt.Status)

	senderView, err := f.service.FetchLatest(ctx, chat.ID, "a", 0)
	require.NoError(t, err)
	require.Len(t, senderView, 1)
	require.Equal(t, string(models.StatusRead), senderView[0].Status)

	_, err = f.service.MarkMessageRead(ctx, sent.ID, "b")
	require.NoError(t, err)
	requireNoEvent(t, senderStream, 50*time.Millisecond)
}

func TestChatServiceSendNotifiesRecipients(t *testing.T) {
	f := newChatFixture(t)
	chat, err := f.chats.Create(context.Background(), "a", CreateChatInput{Type: models.ChatTypeGroup, Name: "Rhythm", Participants: []string{"b", "c"}})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = f.service.SendMessage(ctx, chat.ID, "a", dto.SendMessageRequest{Content: "new riff @c"}, nil)
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"b", "c"}, f.push.recipients())
	for _, record := range f.push.records {
		require.Equal(t, "User a", record.payload.Title)
		require.Equal(t, record.userID == "c", record.payload.Mentioned)
	}

	unread, err := f.service.UnreadCount(ctx, chat.ID, "b")
	require.NoError(t, err)
	require.Equal(t, int64(1), unread.Unread)
	require.Equal(t, int64(1), unread.Badge)

	own, err := f.service.UnreadCount(ctx, chat.ID, "a")
	require.NoError(t, err)
	require.Zero(t, own.Unread)

	cleared, err := f.service.MarkChatRead(ctx, chat.ID, "b")
	require.NoError(t, err)
	require.Zero(t, cleared.Unread)
	require.Zero(t, cleared.Badge)
}

func TestChatServiceFailedSendEchoesOnlyToSender(t *testing.T) {
	f := newChatFixture(t)
	chat := f.directChat(t, "a", "b")
	ctx := context.Background()

	senderStream, cancelSender, err := f.service.Subscribe(ctx, chat.ID, "a", "")
	require.NoError(t, err)
	defer cancelSender()
	otherStream, cancelOther, err := f.service.Subscribe(ctx, chat.ID, "b", "")
	require.NoError(t, err)
	defer cancelOther()

	f.blobs.err = errUploadDown
	_, err = f.service.SendMessage(ctx, chat.ID, "a", dto.SendMessageRequest{ClientID: "tmp-9"}, &ImageUpload{Filename: "flyer.png", Data: pngBytes})
	require.Error(t, err)

	failed := receiveEvent(t, senderStream, EventMessageFailed)
	require.Equal(t, "tmp-9", failed.ClientID)
	require.NotEmpty(t, failed.Error)
	requireNoEvent(t, otherStream, 100*time.Millisecond)
	require.Empty(t, f.push.recipients())

	// validation failures are answered inline, not echoed
	_, err = f.service.SendMessage(ctx, chat.ID, "a", dto.SendMessageRequest{ClientID: "tmp-10", Content: " "}, nil)
	require.ErrorIs(t, err, apperror.ErrValidation)
	requireNoEvent(t, senderStream, 50*time.Millisecond)
}

func TestChatServiceRequiresParticipants(t *testing.T) {
	f := newChatFixture(t)
	chat := f.directChat(t, "a", "b")
	ctx := context.Background()

	_, err := f.service.SendMessage(ctx, chat.ID, "mallory", dto.SendMessageRequest{Content: "hi"}, nil)
	require.ErrorIs(t, err, apperror.ErrAuthorization)

	_, err = f.service.FetchLatest(ctx, chat.ID, "mallory", 0)
	require.ErrorIs(t, err, apperror.ErrAuthorization)

	_, _, err = f.service.Subscribe(ctx, chat.ID, "mallory", "")
	require.ErrorIs(t, err, apperror.ErrAuthorization)

	_, err = f.service.GetChat(ctx, "missing", "a")
	require.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestChatServiceDeleteMessagePermissions(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	chat, err := f.chats.Create(ctx, "owner", CreateChatInput{Type: models.ChatTypeGroup, Participants: []string{"b", "c"}})
	require.NoError(t, err)

	message, err := f.service.SendMessage(ctx, chat.ID, "c", dto.SendMessageRequest{Content: "delete me"}, nil)
	require.NoError(t, err)

	_, err = f.service.DeleteMessage(ctx, message.ID, "b")
	require.ErrorIs(t, err, apperror.ErrAuthorization)

	deleted, err := f.service.DeleteMessage(ctx, message.ID, "owner")
	require.NoError(t, err)
	require.True(t, deleted.IsDeleted)
	require.Empty(t, deleted.Content)

	page, err := f.service.FetchLatest(ctx, chat.ID, "b", 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.True(t, page[0].IsDeleted)
}

func TestChatServiceTypingLifecycle(t *testing.T) {
	f := newChatFixture(t)
	chat := f.directChat(t, "a", "b")
	ctx := context.Background()

	stream, cancel, err := f.service.Subscribe(ctx, chat.ID, "b", "")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, f.service.StartTyping(ctx, chat.ID, "a"))
	started := receiveEvent(t, stream, EventTypingStarted)
	require.Equal(t, "a", started.Typing.UserID)

	seen, err := f.service.TypingUsers(ctx, chat.ID, "b")
	require.NoError(t, err)
	require.Len(t, seen.Users, 1)

	self, err := f.service.TypingUsers(ctx, chat.ID, "a")
	require.NoError(t, err)
	require.Empty(t, self.Users)

	_, err = f.service.SendMessage(ctx, chat.ID, "a", dto.SendMessageRequest{Content: "done typing"}, nil)
	require.NoError(t, err)
	receiveEvent(t, stream, EventTypingStopped)

	seen, err = f.service.TypingUsers(ctx, chat.ID, "b")
	require.NoError(t, err)
	require.Empty(t, seen.Users)
}

func TestChatServiceDeleteChatNotifiesSubscribers(t *testing.T) {
	f := newChatFixture(t)
	chat := f.directChat(t, "a", "b")
	ctx := context.Background()

	stream, cancel, err := f.service.Subscribe(ctx, chat.ID, "b", "")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, f.service.DeleteChat(ctx, chat.ID, "a"))
	receiveEvent(t, stream, EventChatDeleted)

	chats, err := f.service.ListChats(ctx, "b")
	require.NoError(t, err)
	require.Empty(t, chats)
}

func TestFanChatServiceSendChecks(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	general := f.fanChat(t, "band-1", "owner", models.FanChatTypeGeneral, "mod")
	news := f.fanChat(t, "band-1", "owner", models.FanChatTypeAnnouncement, "mod")

	_, err := f.fanService.SendFanMessage(ctx, general.ID, "fan", dto.SendMessageRequest{Content: "hello"}, nil)
	require.ErrorIs(t, err, apperror.ErrAuthorization, "rules must be accepted first")

	_, err = f.fanService.AcceptFanChatRules(ctx, general.ID, "fan")
	require.NoError(t, err)

	sent, err := f.fanService.SendFanMessage(ctx, general.ID, "fan", dto.SendMessageRequest{Content: "hello @mod and @other"}, nil)
	require.NoError(t, err)
	require.Equal(t, "fan", sent.SenderID)
	require.ElementsMatch(t, []string{"mod", "other"}, f.push.recipients(), "fan chats push mentions only")

	_, err = f.fanService.AcceptFanChatRules(ctx, news.ID, "fan")
	require.NoError(t, err)
	_, err = f.fanService.SendFanMessage(ctx, news.ID, "fan", dto.SendMessageRequest{Content: "can I post?"}, nil)
	require.ErrorIs(t, err, apperror.ErrAuthorization)

	_, err = f.fanService.SendFanMessage(ctx, news.ID, "mod", dto.SendMessageRequest{Content: "tour dates are out"}, nil)
	require.NoError(t, err, "moderators post without accepting rules")

	_, err = f.fanService.SetFanChatActive(ctx, general.ID, "mod", false)
	require.NoError(t, err)
	_, err = f.fanService.SendFanMessage(ctx, general.ID, "mod", dto.SendMessageRequest{Content: "closed"}, nil)
	require.ErrorIs(t, err, apperror.ErrValidation)
	require.ErrorIs(t, f.fanService.StartTyping(ctx, general.ID, "fan"), apperror.ErrValidation)
}

func TestFanChatServiceModerationEvent(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	chat := f.fanChat(t, "band-1", "owner", models.FanChatTypeGeneral, "mod")

	stream, cancel, err := f.fanService.Subscribe(ctx, chat.ID, "watcher", "")
	require.NoError(t, err)
	defer cancel()

	_, err = f.fanService.AcceptFanChatRules(ctx, chat.ID, "troll")
	require.NoError(t, err)
	sent, err := f.fanService.SendFanMessage(ctx, chat.ID, "troll", dto.SendMessageRequest{Content: "rude"}, nil)
	require.NoError(t, err)

	report, err := f.fanService.ReportMessage(ctx, sent.ID, "watcher", dto.ReportMessageRequest{Reason: "rude"})
	require.NoError(t, err)
	require.Equal(t, string(models.ReportStatusPending), report.Status)

	response, err := f.fanService.ModerateMessage(ctx, sent.ID, "mod", dto.ModerateMessageRequest{Action: string(models.ActionMessageHidden)})
	require.NoError(t, err)
	require.True(t, response.MessageHidden)
	require.False(t, response.Banned)

	hidden := receiveEvent(t, stream, EventMessageModerated)
	require.Equal(t, sent.ID, hidden.Message.ID)
	require.Empty(t, hidden.Message.Content)

	logs, err := f.fanService.ModerationLogs(ctx, chat.ID, "mod", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
}
