package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bandroom-chat/internal/dto"
	"github.com/noah-isme/bandroom-chat/internal/models"
	"github.com/noah-isme/bandroom-chat/internal/observability"
)

const (
	eventBufferSize = 64
	recentEventIDs  = 1024
)

// EventType names a chat stream event.
type EventType string

const (
	EventMessageCreated   EventType = "message.created"
	EventMessageUpdated   EventType = "message.updated"
	EventMessageDeleted   EventType = "message.deleted"
	EventMessageModerated EventType = "message.moderated"
	EventMessageFailed    EventType = "message.failed"
	EventReceiptUpdated   EventType = "receipt.updated"
	EventTypingStarted    EventType = "typing.started"
	EventTypingStopped    EventType = "typing.stopped"
	EventChatDeleted      EventType = "chat.deleted"
	EventStreamDegraded   EventType = "stream.degraded"
)

// ChatEvent is delivered to every subscription of a chat. Events with an
// Audience reach only that subscriber.
type ChatEvent struct {
	ID         string               `json:"id"`
	Type       EventType            `json:"type"`
	ChatID     string               `json:"chat_id"`
	Namespace  models.Namespace     `json:"namespace"`
	Audience   string               `json:"audience,omitempty"`
	ClientID   string               `json:"client_id,omitempty"`
	Message    *dto.MessageResponse `json:"message,omitempty"`
	Receipt    *dto.ReceiptResponse `json:"receipt,omitempty"`
	Typing     *models.TypingStatus `json:"typing,omitempty"`
	Error      string               `json:"error,omitempty"`
	OccurredAt time.Time            `json:"occurred_at"`
}

// EventBus fans chat events out to per-subscription streams on this node and,
// through Redis and NATS, to the other nodes.
type EventBus interface {
	Publish(ctx context.Context, event ChatEvent) error
	Subscribe(ctx context.Context, subscriberID, chatID string) (<-chan ChatEvent, func(), error)
	Unsubscribe(subscriberID, chatID string)
	Start(ctx context.Context)
	Close() error
}

// EventBusOptions tunes listener reattachment.
type EventBusOptions struct {
	ChannelBase  string
	MaxRetries   uint64
	InitialDelay time.Duration
}

type subscriptionKey struct {
	subscriberID string
	chatID       string
}

type subscription struct {
	key    subscriptionKey
	out    chan ChatEvent
	cancel context.CancelFunc
	once   sync.Once
}

type remoteEvent struct {
	Source string    `json:"source"`
	Event  ChatEvent `json:"event"`
	SentAt time.Time `json:"sent_at"`
}

type eventBus struct {
	local        *gochannel.GoChannel
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	maxRetries   uint64
	initialDelay time.Duration
	logger       zerolog.Logger
	nodeID       string

	mu   sync.Mutex
	subs map[subscriptionKey]*subscription
	seen *recentSet
}

// NewEventBus constructs the bus. redisClient and natsConn may be nil for a single node.
func NewEventBus(redisClient *redis.Client, natsConn *nats.Conn, opts EventBusOptions, logger zerolog.Logger) EventBus {
	redisChannel := ""
	natsSubject := ""
	if opts.ChannelBase != "" {
		redisChannel = opts.ChannelBase + ":chat:events"
		natsSubject = strings.ReplaceAll(opts.ChannelBase, ":", ".") + ".chat.events"
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 5
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 500 * time.Millisecond
	}

	local := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            eventBufferSize,
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NopLogger{})

	return &eventBus{
		local:        local,
		redis:        redisClient,
		redisChannel: redisChannel,
		nats:         natsConn,
		natsSubject:  natsSubject,
		maxRetries:   opts.MaxRetries,
		initialDelay: opts.InitialDelay,
		logger:       logger.With().Str("component", "event_bus").Logger(),
		nodeID:       uuid.NewString(),
		subs:         make(map[subscriptionKey]*subscription),
		seen:         newRecentSet(recentEventIDs),
	}
}

func chatTopic(chatID string) string {
	return "chat." + chatID
}

func (b *eventBus) Start(ctx context.Context) {
	if b.redis != nil && b.redisChannel != "" {
		go b.consumeRedis(ctx)
	}
	if b.nats != nil && b.natsSubject != "" {
		go b.consumeNATS(ctx)
	}
}

// Publish delivers locally first; cross-node failures are logged and do not fail the call.
func (b *eventBus) Publish(ctx context.Context, event ChatEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	if err := b.deliverLocal(event); err != nil {
		return err
	}
	if event.Audience == "" {
		if err := b.publishRemote(ctx, event); err != nil {
			b.logger.Warn().Err(err).Str("chat_id", event.ChatID).Str("type", string(event.Type)).Msg("failed to publish chat event to peers")
		}
	}
	return nil
}

func (b *eventBus) deliverLocal(event ChatEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.local.Publish(chatTopic(event.ChatID), message.NewMessage(event.ID, payload))
}

func (b *eventBus) publishRemote(ctx context.Context, event ChatEvent) error {
	payload, err := json.Marshal(remoteEvent{Source: b.nodeID, Event: event, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	var errs []error
	if b.redis != nil && b.redisChannel != "" {
		if err := b.redis.Publish(ctx, b.redisChannel, payload).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.nats != nil && b.natsSubject != "" {
		if err := b.nats.Publish(b.natsSubject, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe opens a stream for one (subscriber, chat) pair. A repeat subscribe
// for the same pair closes the previous stream.
func (b *eventBus) Subscribe(ctx context.Context, subscriberID, chatID string) (<-chan ChatEvent, func(), error) {
	key := subscriptionKey{subscriberID: subscriberID, chatID: chatID}

	b.mu.Lock()
	if previous, ok := b.subs[key]; ok {
		delete(b.subs, key)
		previous.stop()
	}

	subCtx, cancel := context.WithCancel(ctx)
	messages, err := b.local.Subscribe(subCtx, chatTopic(chatID))
	if err != nil {
		b.mu.Unlock()
		cancel()
		return nil, nil, err
	}

	sub := &subscription{key: key, out: make(chan ChatEvent, eventBufferSize), cancel: cancel}
	b.subs[key] = sub
	b.mu.Unlock()

	observability.ChatSubscriptionsActive().Inc()
	go b.pump(sub, messages)

	return sub.out, func() { b.release(sub) }, nil
}

// Unsubscribe is idempotent and touches only the named chat.
func (b *eventBus) Unsubscribe(subscriberID, chatID string) {
	key := subscriptionKey{subscriberID: subscriberID, chatID: chatID}

	b.mu.Lock()
	sub, ok := b.subs[key]
	if ok {
		delete(b.subs, key)
	}
	b.mu.Unlock()

	if ok {
		sub.stop()
	}
}

func (b *eventBus) Close() error {
	return b.local.Close()
}

func (b *eventBus) release(sub *subscription) {
	b.mu.Lock()
	if current, ok := b.subs[sub.key]; ok && current == sub {
		delete(b.subs, sub.key)
	}
	b.mu.Unlock()
	sub.stop()
}

func (s *subscription) stop() {
	s.once.Do(s.cancel)
}

func (b *eventBus) pump(sub *subscription, messages <-chan *message.Message) {
	defer func() {
		close(sub.out)
		observability.ChatSubscriptionsActive().Dec()
	}()

	for msg := range messages {
		msg.Ack()

		var event ChatEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			b.logger.Warn().Err(err).Msg("invalid chat event payload")
			continue
		}
		if event.Audience != "" && event.Audience != sub.key.subscriberID {
			continue
		}

		select {
		case sub.out <- event:
		default:
			b.logger.Warn().Str("chat_id", sub.key.chatID).Str("subscriber_id", sub.key.subscriberID).Msg("dropping chat event for slow subscriber")
		}
	}
}

func (b *eventBus) consumeRedis(ctx context.Context) {
	for {
		pubsub, err := b.attachRedis(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.degrade("redis", err)
			return
		}

		err = b.readRedis(ctx, pubsub)
		_ = pubsub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn().Err(err).Msg("chat redis listener disconnected, reattaching")
	}
}

func (b *eventBus) attachRedis(ctx context.Context) (*redis.PubSub, error) {
	var attached *redis.PubSub
	operation := func() error {
		pubsub := b.redis.Subscribe(ctx, b.redisChannel)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			observability.ListenerReconnects().WithLabelValues("redis", "failed").Inc()
			return err
		}
		attached = pubsub
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.initialDelay
	policy.MaxElapsedTime = 0

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, b.maxRetries), ctx)); err != nil {
		return nil, err
	}
	observability.ListenerReconnects().WithLabelValues("redis", "attached").Inc()
	return attached, nil
}

func (b *eventBus) readRedis(ctx context.Context, pubsub *redis.PubSub) error {
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		b.handleRemote([]byte(msg.Payload))
	}
}

func (b *eventBus) consumeNATS(ctx context.Context) {
	var sub *nats.Subscription
	operation := func() error {
		var err error
		sub, err = b.nats.Subscribe(b.natsSubject, func(msg *nats.Msg) {
			b.handleRemote(msg.Data)
		})
		if err != nil {
			observability.ListenerReconnects().WithLabelValues("nats", "failed").Inc()
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.initialDelay
	policy.MaxElapsedTime = 0

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, b.maxRetries), ctx)); err != nil {
		if ctx.Err() == nil {
			b.degrade("nats", err)
		}
		return
	}
	observability.ListenerReconnects().WithLabelValues("nats", "attached").Inc()

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to drain chat nats subscription")
		}
	}()
}

func (b *eventBus) handleRemote(data []byte) {
	var envelope remoteEvent
	if err := json.Unmarshal(data, &envelope); err != nil {
		b.logger.Warn().Err(err).Msg("invalid remote chat event")
		return
	}
	if envelope.Source == b.nodeID {
		return
	}
	if !b.seen.Add(envelope.Event.ID) {
		return
	}
	if err := b.deliverLocal(envelope.Event); err != nil {
		b.logger.Warn().Err(err).Str("chat_id", envelope.Event.ChatID).Msg("failed to deliver remote chat event")
	}
}

// degrade tells every local subscription that cross-node delivery stopped.
func (b *eventBus) degrade(transport string, cause error) {
	b.logger.Error().Err(cause).Str("transport", transport).Msg("chat listener retries exhausted")
	observability.ListenerReconnects().WithLabelValues(transport, "exhausted").Inc()

	b.mu.Lock()
	chats := make(map[string]struct{})
	for key := range b.subs {
		chats[key.chatID] = struct{}{}
	}
	b.mu.Unlock()

	for chatID := range chats {
		event := ChatEvent{
			ID:         uuid.NewString(),
			Type:       EventStreamDegraded,
			ChatID:     chatID,
			Error:      transport + " listener unavailable",
			OccurredAt: time.Now().UTC(),
		}
		if err := b.deliverLocal(event); err != nil {
			b.logger.Warn().Err(err).Str("chat_id", chatID).Msg("failed to deliver degraded event")
		}
	}
}

// recentSet remembers the last n ids so events arriving over both transports are delivered once.
type recentSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	limit int
}

func newRecentSet(limit int) *recentSet {
	return &recentSet{ids: make(map[string]struct{}, limit), limit: limit}
}

// Add reports false when id was already seen.
func (r *recentSet) Add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.limit {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.ids, oldest)
	}
	return true
}
