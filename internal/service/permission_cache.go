package service

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bandroom-chat/internal/models"
	"github.com/noah-isme/bandroom-chat/internal/observability"
)

// DefaultPermissionTTL is how long cached decisions survive before the whole cache is swept.
const DefaultPermissionTTL = 300 * time.Second

type permissionKind string

const (
	permissionDelete        permissionKind = "delete"
	permissionModerate      permissionKind = "moderate"
	permissionDeleteFanChat permissionKind = "delete_fan_chat"
)

type permissionKey struct {
	kind   permissionKind
	chatID string
	userID string
}

// PermissionCache memoises delete and moderate decisions per (chat, user).
// The sweep is lazy: it runs on access once the TTL has elapsed since the previous sweep.
type PermissionCache struct {
	mu         sync.Mutex
	entries    map[permissionKey]bool
	lastSweep  time.Time
	generation uint64
	ttl        time.Duration
	membership GroupMembership
	logger     zerolog.Logger
	now        func() time.Time
}

// NewPermissionCache constructs an empty cache.
func NewPermissionCache(membership GroupMembership, ttl time.Duration, logger zerolog.Logger) *PermissionCache {
	if ttl <= 0 {
		ttl = DefaultPermissionTTL
	}
	return &PermissionCache{
		entries:    make(map[permissionKey]bool),
		ttl:        ttl,
		membership: membership,
		logger:     logger.With().Str("component", "permission_cache").Logger(),
		now:        time.Now,
	}
}

// CanUserDelete decides whether userID may delete the band chat.
func (c *PermissionCache) CanUserDelete(ctx context.Context, chat models.Chat, userID string) (bool, error) {
	key := permissionKey{kind: permissionDelete, chatID: chat.ID, userID: userID}
	allowed, ok, generation := c.lookup(key)
	if ok {
		return allowed, nil
	}

	allowed = false
	switch chat.Type {
	case models.ChatTypeDirect:
		allowed = chat.HasParticipant(userID)
	case models.ChatTypeGroup:
		allowed = chat.CreatedBy == userID || chat.IsAdmin(userID)
	case models.ChatTypeBandWide:
		allowed = chat.CreatedBy == userID || chat.IsAdmin(userID)
		if !allowed && c.membership != nil {
			external, err := c.membership.IsAdminOrManager(ctx, userID, chat.BandID)
			if err != nil {
				c.logger.Warn().Err(err).Str("chat_id", chat.ID).Str("user_id", userID).Msg("role lookup failed")
				return false, err
			}
			allowed = external
		}
	}

	c.store(key, allowed, generation)
	return allowed, nil
}

// CanUserModerate decides whether userID may moderate the fan chat.
func (c *PermissionCache) CanUserModerate(chat models.FanChat, userID string) bool {
	key := permissionKey{kind: permissionModerate, chatID: chat.ID, userID: userID}
	allowed, ok, generation := c.lookup(key)
	if ok {
		return allowed
	}

	allowed = chat.CreatedBy == userID || chat.IsModerator(userID)
	c.store(key, allowed, generation)
	return allowed
}

// CanUserDeleteFanChat never allows deleting general or announcement chats,
// whatever is cached.
func (c *PermissionCache) CanUserDeleteFanChat(chat models.FanChat, userID string) bool {
	if !chat.Type.Deletable() {
		return false
	}

	key := permissionKey{kind: permissionDeleteFanChat, chatID: chat.ID, userID: userID}
	allowed, ok, generation := c.lookup(key)
	if ok {
		return allowed
	}

	allowed = chat.CreatedBy == userID || chat.IsModerator(userID)
	c.store(key, allowed, generation)
	return allowed
}

// Invalidate drops every cached decision.
func (c *PermissionCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[permissionKey]bool)
	c.lastSweep = c.now()
	c.generation++
}

// InvalidateChat drops the decisions cached for one chat.
func (c *PermissionCache) InvalidateChat(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if key.chatID == chatID {
			delete(c.entries, key)
		}
	}
	c.generation++
}

// RosterChannel is the Redis channel band roster changes are announced on.
func RosterChannel(base string) string {
	return base + ":roster:changed"
}

// WatchRoster drops every cached decision whenever a roster change is
// announced on channel, and returns once ctx is cancelled.
func (c *PermissionCache) WatchRoster(ctx context.Context, client *redis.Client, channel string) {
	if client == nil {
		return
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	for {
		pubsub := client.Subscribe(ctx, channel)
		err := c.readRoster(ctx, pubsub)
		_ = pubsub.Close()
		if ctx.Err() != nil {
			return
		}

		wait := policy.NextBackOff()
		c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("roster listener disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *PermissionCache) readRoster(ctx context.Context, pubsub *redis.PubSub) error {
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		c.logger.Debug().Str("band_id", msg.Payload).Msg("roster changed, dropping cached permissions")
		c.Invalidate()
	}
}

// Len reports the number of cached decisions.
func (c *PermissionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// lookup also returns the generation a miss was observed at; store drops
// decisions computed across an invalidation.
func (c *PermissionCache) lookup(key permissionKey) (bool, bool, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked()
	allowed, ok := c.entries[key]
	result := "miss"
	if ok {
		result = "hit"
	}
	observability.PermissionCacheLookups().WithLabelValues(string(key.kind), result).Inc()
	return allowed, ok, c.generation
}

func (c *PermissionCache) store(key permissionKey, allowed bool, generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.generation {
		return
	}
	c.sweepLocked()
	c.entries[key] = allowed
}

func (c *PermissionCache) sweepLocked() {
	now := c.now()
	if c.lastSweep.IsZero() {
		c.lastSweep = now
		return
	}
	if now.Sub(c.lastSweep) < c.ttl {
		return
	}
	if len(c.entries) > 0 {
		c.logger.Debug().Int("entries", len(c.entries)).Msg("sweeping permission cache")
	}
	c.entries = make(map[permissionKey]bool)
	c.lastSweep = now
}
