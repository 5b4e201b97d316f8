package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bandroom-chat/internal/apperror"
	"github.com/noah-isme/bandroom-chat/internal/models"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)

func TestMessageStoreSendRequiresTextXorImage(t *testing.T) {
	f := newChatFixture(t)
	chat := f.directChat(t, "a", "b")
	ctx := context.Background()

	_, err := f.messages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "a", Content: "   "})
	require.ErrorIs(t, err, apperror.ErrValidation)

	_, err = f.messages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "a", Content: "hi", Image: &ImageUpload{Data: pngBytes}})
	require.ErrorIs(t, err, apperror.ErrValidation)

	message, err := f.messages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "a", Content: "hello @b"})
	require.NoError(t, err)
	require.Equal(t, models.MessageTypeText, message.Type)
	require.Equal(t, []string{"b"}, message.Mentions)
	require.False(t, message.Timestamp.IsZero())

	stored, err := f.chats.Get(ctx, chat.ID)
	require.NoError(t, err)
	require.Equal(t, message.ID, stored.LastMessage.MessageID)
	require.Equal(t, "hello @b", stored.LastMessage.Preview)
}

func TestMessageStoreSanitisesContent(t *testing.T) {
	f := newChatFixture(t)
	chat := f.directChat(t, "a", "b")

	message, err := f.messages.Send(context.Background(), SendInput{ChatID: chat.ID, SenderID: "a", Content: "<script>alert(1)</script><b>loud</b>"})
	require.NoError(t, err)
	require.Equal(t, "<b>loud</b>", message.Content)

	_, err = f.messages.Send(context.Background(), SendInput{ChatID: chat.ID, SenderID: "a", Content: "<script>alert(1)</script>"})
	require.ErrorIs(t, err, apperror.ErrValidation)
}

func TestMessageStoreImageMessages(t *testing.T) {
	f := newChatFixture(t)
	chat := f.directChat(t, "a", "b")
	ctx := context.Background()

	_, err := f.messages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "a", Image: &ImageUpload{Filename: "notes.txt", Data: []byte("plain text, not an image")}})
	require.ErrorIs(t, err, apperror.ErrValidation)

	message, err := f.messages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "a", Image: &ImageUpload{Filename: "cover.png", Data: pngBytes}})
	require.NoError(t, err)
	require.Equal(t, models.MessageTypeImage, message.Type)
	require.Equal(t, "image/png", message.Image.MimeType)
	require.Equal(t, "https://cdn.test/cover.png", message.Image.URL)

	f.blobs.err = errUploadDown
	_, err = f.messages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "a", Image: &ImageUpload{Filename: "again.png", Data: pngBytes}})
	var sendErr *apperror.SendError
	require.True(t, errors.As(err, &sendErr))
	require.Equal(t, apperror.ReasonImageUploadFailed, sendErr.Reason)
}

func TestMessageStoreEditRules(t *testing.T) {
	f := newChatFixture(t)
	chat := f.directChat(t, "a", "b")
	ctx := context.Background()

	message, err := f.messages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "a", Content: "first"})
	require.NoError(t, err)

	_, err = f.messages.Edit(ctx, message.ID, "b", "hijacked")
	require.ErrorIs(t, err, apperror.ErrAuthorization)

	edited, err := f.messages.Edit(ctx, message.ID, "a", "second")
	require.NoError(t, err)
	require.True(t, edited.IsEdited)
	require.NotNil(t, edited.EditedAt)
	require.Equal(t, "second", edited.Content)
	require.True(t, message.Timestamp.Equal(edited.Timestamp), "edit keeps timeline position")

	_, err = f.messages.Delete(ctx, message.ID)
	require.NoError(t, err)
	_, err = f.messages.Edit(ctx, message.ID, "a", "third")
	require.ErrorIs(t, err, apperror.ErrValidation)
}

func TestMessageStoreDeleteIsIdempotentAndRedacted(t *testing.T) {
	f := newChatFixture(t)
	chat := f.directChat(t, "a", "b")
	ctx := context.Background()

	message, err := f.messages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "a", Content: "secret"})
	require.NoError(t, err)

	first, err := f.messages.Delete(ctx, message.ID)
	require.NoError(t, err)
	second, err := f.messages.Delete(ctx, message.ID)
	require.NoError(t, err)
	require.True(t, first.DeletedAt.Equal(*second.DeletedAt))

	page, err := f.messages.LoadLatest(ctx, chat.ID, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.True(t, page[0].IsDeleted)
	require.Empty(t, page[0].Content)
}

func TestMessageStoreReactionToggleIsSelfInverse(t *testing.T) {
	f := newChatFixture(t)
	chat := f.directChat(t, "a", "b")
	ctx := context.Background()

	message, err := f.messages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "a", Content: "gig tonight"})
	require.NoError(t, err)

	_, present, err := f.messages.React(ctx, message.ID, "🔥", "a")
	require.NoError(t, err)
	require.True(t, present)

	withBoth, present, err := f.messages.React(ctx, message.ID, "🎸", "b")
	require.NoError(t, err)
	require.True(t, present)
	require.Len(t, withBoth.Reactions, 2)

	toggled, present, err := f.messages.React(ctx, message.ID, "🔥", "a")
	require.NoError(t, err)
	require.False(t, present)
	require.False(t, toggled.HasReacted("🔥", "a"))
	require.True(t, toggled.HasReacted("🎸", "b"))

	restored, _, err := f.messages.React(ctx, message.ID, "🎸", "b")
	require.NoError(t, err)
	require.Empty(t, restored.Reactions)

	_, _, err = f.messages.React(ctx, message.ID, "  ", "b")
	require.ErrorIs(t, err, apperror.ErrValidation)
}

func TestMessageStoreMarkReadIsIdempotent(t *testing.T) {
	f := newChatFixture(t)
	chat := f.directChat(t, "a", "b")
	ctx := context.Background()

	message, err := f.messages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "a", Content: "hi"})
	require.NoError(t, err)

	once, changed, err := f.messages.MarkRead(ctx, message.ID, "b")
	require.NoError(t, err)
	require.True(t, changed)

	for i := 0; i < 3; i++ {
		again, changed, err := f.messages.MarkRead(ctx, message.ID, "b")
		require.NoError(t, err)
		require.False(t, changed)
		require.Len(t, again.ReadBy, 1)
		require.True(t, once.ReadBy["b"].Equal(again.ReadBy["b"]))
	}

	own, changed, err := f.messages.MarkRead(ctx, message.ID, "a")
	require.NoError(t, err)
	require.False(t, changed, "senders never stamp their own messages")
	require.NotContains(t, own.ReadBy, "a")

	require.Equal(t, models.StatusRead, own.StatusFor("b"))
	require.Equal(t, models.StatusRead, own.AggregateStatus(chat.Participants))
}

func TestMessageStorePaginationIsOrderedWithoutDuplicates(t *testing.T) {
	f := newChatFixture(t)
	chat := f.directChat(t, "a", "b")
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 45; i++ {
		// pairs share a timestamp so the id tie-break is exercised
		f.seedAt(t, chat.ID, "a", fmt.Sprintf("message %02d", i), base.Add(time.Duration(i/2)*time.Second))
	}

	seen := make(map[string]struct{})
	var timeline []models.Message

	page, err := f.messages.LoadLatest(ctx, chat.ID, 10)
	require.NoError(t, err)
	for len(page) > 0 {
		for i := 1; i < len(page); i++ {
			require.False(t, page[i].Timestamp.Before(page[i-1].Timestamp), "page ascending")
		}
		timeline = append(append([]models.Message(nil), page...), timeline...)
		for _, message := range page {
			_, dup := seen[message.ID]
			require.False(t, dup, "duplicate %s", message.ID)
			seen[message.ID] = struct{}{}
		}
		page, err = f.messages.LoadOlder(ctx, chat.ID, page[0].Cursor(), 10)
		require.NoError(t, err)
	}

	require.Len(t, timeline, 45)
	for i := 1; i < len(timeline); i++ {
		require.False(t, timeline[i].Timestamp.Before(timeline[i-1].Timestamp))
	}

	_, err = f.messages.LoadOlder(ctx, chat.ID, models.MessageCursor{}, 10)
	require.ErrorIs(t, err, apperror.ErrValidation)
}

func TestMessageStoreSearch(t *testing.T) {
	f := newChatFixture(t)
	chat := f.directChat(t, "a", "b")
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	older := f.seedAt(t, chat.ID, "a", "Soundcheck at 5", base)
	newer := f.seedAt(t, chat.ID, "b", "soundcheck moved", base.Add(time.Minute))
	gone := f.seedAt(t, chat.ID, "b", "SOUNDCHECK cancelled", base.Add(2*time.Minute))
	f.seedAt(t, chat.ID, "a", "unrelated", base.Add(3*time.Minute))
	f.seedAt(t, chat.ID, "a", "100% sure", base.Add(4*time.Minute))

	_, err := f.messages.Delete(ctx, gone.ID)
	require.NoError(t, err)

	results, err := f.messages.Search(ctx, chat.ID, "SoundCheck")
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, newer.ID, results[0].ID)
	require.Equal(t, older.ID, results[1].ID)

	literal, err := f.messages.Search(ctx, chat.ID, "0%")
	require.NoError(t, err)
	require.Len(t, literal, 1)

	_, err = f.messages.Search(ctx, chat.ID, " ")
	require.ErrorIs(t, err, apperror.ErrValidation)
}

func TestMessageStoreSearchMatchesEscapedCharacters(t *testing.T) {
	f := newChatFixture(t)
	chat := f.directChat(t, "a", "b")
	ctx := context.Background()

	sent, err := f.messages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "a", Content: "Tom & Jerry don't stop"})
	require.NoError(t, err)
	require.NotEqual(t, "Tom & Jerry don't stop", sent.Content)

	results, err := f.messages.Search(ctx, chat.ID, "Tom & J")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, sent.ID, results[0].ID)

	results, err = f.messages.Search(ctx, chat.ID, "don't")
	require.NoError(t, err)
	require.Len(t, results, 1)

	results, err = f.messages.Search(ctx, chat.ID, "<script></script>")
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestMessageStoreReplySnapshot(t *testing.T) {
	f := newChatFixture(t)
	chat := f.directChat(t, "a", "b")
	other := f.directChat(t, "a", "c")
	ctx := context.Background()

	original, err := f.messages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "b", Content: "which key?"})
	require.NoError(t, err)

	reply, err := f.messages.Send(ctx, SendInput{ChatID: chat.ID, SenderID: "a", Content: "E minor", ReplyToID: original.ID})
	require.NoError(t, err)
	require.Equal(t, models.MessageTypeReply, reply.Type)
	require.Equal(t, original.ID, reply.ReplyTo.MessageID)
	require.Equal(t, "User b", reply.ReplyTo.SenderName)

	_, err = f.messages.Send(ctx, SendInput{ChatID: other.ID, SenderID: "a", Content: "wrong room", ReplyToID: original.ID})
	require.ErrorIs(t, err, apperror.ErrValidation)
}
