package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bandroom-chat/internal/apperror"
	"github.com/noah-isme/bandroom-chat/internal/models"
	"github.com/noah-isme/bandroom-chat/internal/observability"
)

const (
	// DefaultTypingTTL bounds how long one publish keeps a user marked as typing.
	DefaultTypingTTL = 5 * time.Second
	// DefaultTypingIdle is the keystroke inactivity after which a session stops itself.
	DefaultTypingIdle = 3 * time.Second
)

// PresenceTracker publishes ephemeral typing indicators.
type PresenceTracker interface {
	StartTyping(ctx context.Context, chatID, userID string) (models.TypingStatus, error)
	StopTyping(ctx context.Context, chatID, userID string) error
	Active(ctx context.Context, chatID string) ([]models.TypingStatus, error)
}

type presenceTracker struct {
	redis     *redis.Client
	keyPrefix string
	users     UserDirectory
	ttl       time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewPresenceTracker stores typing state in a Redis sorted set per chat, scored
// by publish time in milliseconds, with display data in a companion hash.
func NewPresenceTracker(client *redis.Client, channelBase string, users UserDirectory, ttl time.Duration, logger zerolog.Logger) PresenceTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	prefix := "typing"
	if channelBase != "" {
		prefix = channelBase + ":typing"
	}

	return &presenceTracker{
		redis:     client,
		keyPrefix: prefix,
		users:     users,
		ttl:       ttl,
		logger:    logger.With().Str("component", "presence_tracker").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (p *presenceTracker) setKey(chatID string) string {
	return fmt.Sprintf("%s:%s", p.keyPrefix, chatID)
}

func (p *presenceTracker) metaKey(chatID string) string {
	return fmt.Sprintf("%s:%s:meta", p.keyPrefix, chatID)
}

func (p *presenceTracker) StartTyping(ctx context.Context, chatID, userID string) (models.TypingStatus, error) {
	const op = "typing.start"

	if chatID == "" || userID == "" {
		return models.TypingStatus{}, apperror.Validation(op, "chat and user are required")
	}

	userName := userID
	if p.users != nil {
		if profile, err := p.users.Resolve(ctx, userID); err == nil && profile.DisplayName != "" {
			userName = profile.DisplayName
		}
	}

	status := models.TypingStatus{
		ID:        uuid.NewString(),
		UserID:    userID,
		UserName:  userName,
		ChatID:    chatID,
		Timestamp: p.now(),
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return models.TypingStatus{}, err
	}

	// Keys outlive the validity window so late readers still prune; they never decide validity.
	expiry := 4 * p.ttl
	pipe := p.redis.TxPipeline()
	pipe.ZAdd(ctx, p.setKey(chatID), redis.Z{Score: float64(status.Timestamp.UnixMilli()), Member: userID})
	pipe.HSet(ctx, p.metaKey(chatID), userID, payload)
	pipe.Expire(ctx, p.setKey(chatID), expiry)
	pipe.Expire(ctx, p.metaKey(chatID), expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.TypingStatus{}, apperror.Transient(op, err)
	}

	observability.TypingEvents().WithLabelValues("started").Inc()
	return status, nil
}

func (p *presenceTracker) StopTyping(ctx context.Context, chatID, userID string) error {
	pipe := p.redis.TxPipeline()
	pipe.ZRem(ctx, p.setKey(chatID), userID)
	pipe.HDel(ctx, p.metaKey(chatID), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperror.Transient("typing.stop", err)
	}

	observability.TypingEvents().WithLabelValues("stopped").Inc()
	return nil
}

// Active returns statuses still inside the validity window, pruning expired ones.
func (p *presenceTracker) Active(ctx context.Context, chatID string) ([]models.TypingStatus, error) {
	const op = "typing.active"

	cutoff := p.now().Add(-p.ttl).UnixMilli()
	key := p.setKey(chatID)

	expired, err := p.redis.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(cutoff, 10)}).Result()
	if err != nil {
		return nil, apperror.Transient(op, err)
	}
	if len(expired) > 0 {
		pipe := p.redis.TxPipeline()
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.HDel(ctx, p.metaKey(chatID), expired...)
		if _, err := pipe.Exec(ctx); err != nil {
			p.logger.Debug().Err(err).Str("chat_id", chatID).Msg("failed to prune expired typing entries")
		}
	}

	userIDs, err := p.redis.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "(" + strconv.FormatInt(cutoff, 10), Max: "+inf"}).Result()
	if err != nil {
		return nil, apperror.Transient(op, err)
	}
	if len(userIDs) == 0 {
		return []models.TypingStatus{}, nil
	}

	raw, err := p.redis.HMGet(ctx, p.metaKey(chatID), userIDs...).Result()
	if err != nil {
		return nil, apperror.Transient(op, err)
	}

	statuses := make([]models.TypingStatus, 0, len(userIDs))
	for i, value := range raw {
		var status models.TypingStatus
		if encoded, ok := value.(string); ok && json.Unmarshal([]byte(encoded), &status) == nil {
			statuses = append(statuses, status)
			continue
		}
		statuses = append(statuses, models.TypingStatus{UserID: userIDs[i], UserName: userIDs[i], ChatID: chatID})
	}
	return statuses, nil
}

// TypingSession is the client-side policy layered over the tracker: keystrokes
// start or refresh typing and the session stops itself after an idle period.
type TypingSession struct {
	mu          sync.Mutex
	tracker     PresenceTracker
	chatID      string
	userID      string
	idle        time.Duration
	refresh     time.Duration
	timer       *time.Timer
	generation  uint64
	lastPublish time.Time
	active      bool
	onChange    func(status models.TypingStatus, typing bool)
	logger      zerolog.Logger
	now         func() time.Time
}

// NewTypingSession builds a session. Publishes are refreshed often enough that
// the status never lapses before the idle timer fires.
func NewTypingSession(tracker PresenceTracker, chatID, userID string, idle, ttl time.Duration, onChange func(models.TypingStatus, bool), logger zerolog.Logger) *TypingSession {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	refresh := ttl - idle
	if refresh <= 0 {
		refresh = ttl / 2
	}

	return &TypingSession{
		tracker:  tracker,
		chatID:   chatID,
		userID:   userID,
		idle:     idle,
		refresh:  refresh,
		onChange: onChange,
		logger:   logger.With().Str("component", "typing_session").Str("chat_id", chatID).Str("user_id", userID).Logger(),
		now:      time.Now,
	}
}

// Keystroke starts typing if needed and resets the idle timer.
func (s *TypingSession) Keystroke(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.active || now.Sub(s.lastPublish) >= s.refresh {
		status, err := s.tracker.StartTyping(ctx, s.chatID, s.userID)
		if err != nil {
			return err
		}
		wasActive := s.active
		s.active = true
		s.lastPublish = now
		if !wasActive && s.onChange != nil {
			s.onChange(status, true)
		}
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.generation++
	generation := s.generation
	s.timer = time.AfterFunc(s.idle, func() { s.expire(generation) })
	return nil
}

// Stop ends the session immediately. Calling it on an idle session is a no-op.
func (s *TypingSession) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

// Active reports whether the session currently advertises typing.
func (s *TypingSession) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// expire ignores timers superseded by a later keystroke.
func (s *TypingSession) expire(generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if generation != s.generation {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.stopLocked(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to stop idle typing session")
	}
}

func (s *TypingSession) stopLocked(ctx context.Context) error {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.active {
		return nil
	}
	s.active = false

	if err := s.tracker.StopTyping(ctx, s.chatID, s.userID); err != nil {
		return err
	}
	if s.onChange != nil {
		s.onChange(models.TypingStatus{UserID: s.userID, ChatID: s.chatID, Timestamp: s.now().UTC()}, false)
	}
	return nil
}
