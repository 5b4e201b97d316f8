package service

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bandroom-chat/internal/models"
)

func newTestPresence(t *testing.T) (*presenceTracker, *time.Time) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tracker := NewPresenceTracker(client, "test", &userStub{roles: map[string]string{}}, DefaultTypingTTL, testLogger()).(*presenceTracker)
	current := time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return current }
	return tracker, &current
}

func TestPresenceTrackerValidityWindow(t *testing.T) {
	tracker, current := newTestPresence(t)
	ctx := context.Background()

	status, err := tracker.StartTyping(ctx, "chat-1", "a")
	require.NoError(t, err)
	require.Equal(t, "User a", status.UserName)

	active, err := tracker.Active(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "a", active[0].UserID)

	*current = current.Add(DefaultTypingTTL - time.Millisecond)
	active, err = tracker.Active(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, active, 1, "still valid just inside the window")

	*current = current.Add(2 * time.Millisecond)
	active, err = tracker.Active(ctx, "chat-1")
	require.NoError(t, err)
	require.Empty(t, active, "one publish is valid for at most the TTL")
}

func TestPresenceTrackerStopIsImmediate(t *testing.T) {
	tracker, _ := newTestPresence(t)
	ctx := context.Background()

	_, err := tracker.StartTyping(ctx, "chat-1", "a")
	require.NoError(t, err)
	_, err = tracker.StartTyping(ctx, "chat-1", "b")
	require.NoError(t, err)

	require.NoError(t, tracker.StopTyping(ctx, "chat-1", "a"))
	require.NoError(t, tracker.StopTyping(ctx, "chat-1", "a"))

	active, err := tracker.Active(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "b", active[0].UserID)

	other, err := tracker.Active(ctx, "chat-2")
	require.NoError(t, err)
	require.Empty(t, other)
}

type typingTransitions struct {
	mu      sync.Mutex
	changes []bool
}

func (r *typingTransitions) record(_ models.TypingStatus, typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, typing)
}

func (r *typingTransitions) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.changes...)
}

func TestTypingSessionStopsAfterIdle(t *testing.T) {
	tracker, _ := newTestPresence(t)
	transitions := &typingTransitions{}
	session := NewTypingSession(tracker, "chat-1", "a", 80*time.Millisecond, DefaultTypingTTL, transitions.record, testLogger())
	ctx := context.Background()

	require.NoError(t, session.Keystroke(ctx))
	require.True(t, session.Active())

	// keystrokes inside the idle period keep the session alive
	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, session.Keystroke(ctx))
		require.True(t, session.Active())
	}
	require.Equal(t, []bool{true}, transitions.snapshot(), "refreshes inside a session are silent")

	require.Eventually(t, func() bool { return !session.Active() }, time.Second, 10*time.Millisecond)
	require.Equal(t, []bool{true, false}, transitions.snapshot())

	active, err := tracker.Active(ctx, "chat-1")
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestTypingSessionExplicitStop(t *testing.T) {
	tracker, _ := newTestPresence(t)
	transitions := &typingTransitions{}
	session := NewTypingSession(tracker, "chat-1", "a", time.Minute, DefaultTypingTTL, transitions.record, testLogger())
	ctx := context.Background()

	require.NoError(t, session.Stop(ctx), "stopping an idle session is a no-op")
	require.Empty(t, transitions.snapshot())

	require.NoError(t, session.Keystroke(ctx))
	require.NoError(t, session.Stop(ctx))
	require.False(t, session.Active())
	require.Equal(t, []bool{true, false}, transitions.snapshot())
}
