package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/noah-isme/bandroom-chat/internal/apperror"
	"github.com/noah-isme/bandroom-chat/internal/observability"
	"github.com/noah-isme/bandroom-chat/internal/repository"
)

const (
	// DefaultUnreadBacklog bounds how far back an unset watermark reaches.
	DefaultUnreadBacklog = 7 * 24 * time.Hour
	// DefaultUnreadSuppression is how long a mark-read keeps stale recomputes from raising a count.
	DefaultUnreadSuppression = 5 * time.Second
	// DefaultBadgeRecompute is the minimum spacing of badge recomputes per user.
	DefaultBadgeRecompute = time.Second
)

// ReadResult is returned by MarkChatRead so the caller can update the badge directly.
type ReadResult struct {
	ChatID string    `json:"chat_id"`
	Unread int64     `json:"unread"`
	Badge  int64     `json:"badge"`
	ReadAt time.Time `json:"read_at"`
}

// UnreadTracker owns read watermarks and the in-memory unread projection.
type UnreadTracker interface {
	MarkChatRead(ctx context.Context, chatID, userID string) (ReadResult, error)
	ComputeUnread(ctx context.Context, chatID, userID string) (int64, error)
	Badge(ctx context.Context, userID string, chatIDs []string) (int64, error)
	Observe(chatID, userID string, delta int64)
}

// UnreadOptions tunes the tracker; zero values fall back to defaults.
type UnreadOptions struct {
	Backlog     time.Duration
	Suppression time.Duration
	Recompute   time.Duration
}

type unreadTracker struct {
	watermarks repository.WatermarkRepository
	messages   repository.MessageRepository
	backlog    time.Duration
	suppress   time.Duration
	recompute  time.Duration
	logger     zerolog.Logger
	now        func() time.Time

	mu    sync.Mutex
	users map[string]*unreadProjection
}

type unreadProjection struct {
	counts          map[string]int64
	suppressedUntil map[string]time.Time
	limiter         *rate.Limiter
}

// NewUnreadTracker constructs a tracker over one namespace's messages.
func NewUnreadTracker(watermarks repository.WatermarkRepository, messages repository.MessageRepository, opts UnreadOptions, logger zerolog.Logger) UnreadTracker {
	if opts.Backlog <= 0 {
		opts.Backlog = DefaultUnreadBacklog
	}
	if opts.Suppression <= 0 {
		opts.Suppression = DefaultUnreadSuppression
	}
	if opts.Recompute <= 0 {
		opts.Recompute = DefaultBadgeRecompute
	}

	return &unreadTracker{
		watermarks: watermarks,
		messages:   messages,
		backlog:    opts.Backlog,
		suppress:   opts.Suppression,
		recompute:  opts.Recompute,
		logger:     logger.With().Str("component", "unread_tracker").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
		users:      make(map[string]*unreadProjection),
	}
}

func (t *unreadTracker) projectionLocked(userID string) *unreadProjection {
	projection, ok := t.users[userID]
	if !ok {
		projection = &unreadProjection{
			counts:          make(map[string]int64),
			suppressedUntil: make(map[string]time.Time),
			limiter:         rate.NewLimiter(rate.Every(t.recompute), 1),
		}
		t.users[userID] = projection
	}
	return projection
}

// MarkChatRead moves the watermark to now and zeroes the projected count at once.
func (t *unreadTracker) MarkChatRead(ctx context.Context, chatID, userID string) (ReadResult, error) {
	readAt := t.now()
	if err := t.watermarks.Upsert(ctx, chatID, userID, readAt); err != nil {
		return ReadResult{}, apperror.FromStore("unread.mark_chat_read", "watermark", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	projection := t.projectionLocked(userID)
	projection.counts[chatID] = 0
	projection.suppressedUntil[chatID] = readAt.Add(t.suppress)

	return ReadResult{ChatID: chatID, Unread: 0, Badge: sumCounts(projection.counts), ReadAt: readAt}, nil
}

// ComputeUnread counts messages after the watermark that the reader did not send.
// Inside the suppression window the projected count wins when it is lower.
func (t *unreadTracker) ComputeUnread(ctx context.Context, chatID, userID string) (int64, error) {
	const op = "unread.compute"

	since, ok, err := t.watermarks.Get(ctx, chatID, userID)
	if err != nil {
		return 0, apperror.FromStore(op, "watermark", err)
	}
	if !ok {
		since = t.now().Add(-t.backlog)
	}

	computed, err := t.messages.CountSince(ctx, chatID, userID, since)
	if err != nil {
		return 0, apperror.FromStore(op, "message", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	projection := t.projectionLocked(userID)
	if until, suppressed := projection.suppressedUntil[chatID]; suppressed {
		if t.now().Before(until) {
			if projected := projection.counts[chatID]; projected < computed {
				computed = projected
			}
		} else {
			delete(projection.suppressedUntil, chatID)
		}
	}
	projection.counts[chatID] = computed
	return computed, nil
}

// Badge sums per-chat counts. Recomputes are coalesced per user; in between the
// projection is served as is.
func (t *unreadTracker) Badge(ctx context.Context, userID string, chatIDs []string) (int64, error) {
	t.mu.Lock()
	projection := t.projectionLocked(userID)
	allowed := projection.limiter.AllowN(t.now(), 1)
	if !allowed {
		var total int64
		for _, chatID := range chatIDs {
			total += projection.counts[chatID]
		}
		t.mu.Unlock()
		observability.UnreadRecomputes().WithLabelValues("coalesced").Inc()
		return total, nil
	}
	t.mu.Unlock()

	var total int64
	for _, chatID := range chatIDs {
		count, err := t.ComputeUnread(ctx, chatID, userID)
		if err != nil {
			return 0, err
		}
		total += count
	}
	observability.UnreadRecomputes().WithLabelValues("computed").Inc()
	return total, nil
}

// Observe bumps the projection when a message arrives, without a recompute.
func (t *unreadTracker) Observe(chatID, userID string, delta int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	projection := t.projectionLocked(userID)
	next := projection.counts[chatID] + delta
	if next < 0 {
		next = 0
	}
	projection.counts[chatID] = next
}

func sumCounts(counts map[string]int64) int64 {
	var total int64
	for _, count := range counts {
		total += count
	}
	return total
}
