package service

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bandroom-chat/internal/apperror"
	"github.com/noah-isme/bandroom-chat/internal/dto"
	"github.com/noah-isme/bandroom-chat/internal/middleware"
	"github.com/noah-isme/bandroom-chat/internal/models"
)

const (
	streamReplyBuffer = 16
	streamPingPeriod  = 30 * time.Second
)

// ChatConnectionOptions wraps metadata extracted during the HTTP upgrade.
type ChatConnectionOptions struct {
	UserID        string
	ChatID        string
	SubscriberID  string
	CorrelationID string
	Context       context.Context
}

type frameHandler func(ctx context.Context, opts ChatConnectionOptions, frame dto.StreamFrame) (dto.StreamReply, bool)

// streamClient pumps bus events to one websocket and feeds its frames back to a handler.
type streamClient struct {
	conn    *websocket.Conn
	options ChatConnectionOptions
	events  <-chan ChatEvent
	cancel  func()
	replies chan dto.StreamReply
	handle  frameHandler
	logger  zerolog.Logger
	closed  chan struct{}
	once    sync.Once
	baseCtx context.Context
}

func serveStream(conn *websocket.Conn, opts ChatConnectionOptions, events <-chan ChatEvent, cancel func(), handle frameHandler, logger zerolog.Logger) {
	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if opts.CorrelationID == "" {
		opts.CorrelationID = middleware.CorrelationIDFromContext(baseCtx)
	}

	client := &streamClient{
		conn:    conn,
		options: opts,
		events:  events,
		cancel:  cancel,
		replies: make(chan dto.StreamReply, streamReplyBuffer),
		handle:  handle,
		logger:  logger.With().Str("chat_id", opts.ChatID).Str("user_id", opts.UserID).Str("correlation_id", opts.CorrelationID).Logger(),
		closed:  make(chan struct{}),
		baseCtx: baseCtx,
	}

	client.logger.Debug().Msg("chat stream connected")
	go client.writer()
	client.reader()
}

// rejectStream closes a connection whose subscription could not be opened.
func rejectStream(conn *websocket.Conn, err error) {
	_ = conn.WriteJSON(errorReply("", err))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
	_ = conn.Close()
}

func (c *streamClient) reader() {
	defer c.close()

	for {
		var frame dto.StreamFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			c.logger.Debug().Err(err).Msg("chat read loop ended")
			return
		}

		reply, ok := c.handle(c.baseCtx, c.options, frame)
		if !ok {
			continue
		}

		select {
		case <-c.closed:
			return
		case c.replies <- reply:
		default:
			c.logger.Warn().Msg("reply queue full, dropping stream reply")
		}
	}
}

func (c *streamClient) writer() {
	defer c.close()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-c.events:
			if !ok {
				return
			}
			if event.Message != nil {
				viewed := event.Message.ForViewer(c.options.UserID)
				event.Message = &viewed
			}
			if err := c.conn.WriteJSON(event); err != nil {
				c.logger.Debug().Err(err).Msg("chat write loop terminated")
				return
			}
		case reply := <-c.replies:
			if err := c.conn.WriteJSON(reply); err != nil {
				c.logger.Debug().Err(err).Msg("chat write loop terminated")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.logger.Debug().Err(err).Msg("chat ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.closed)
		c.cancel()
		_ = c.conn.Close()
		c.logger.Debug().Msg("chat stream disconnected")
	})
}

func errorReply(clientID string, err error) dto.StreamReply {
	return dto.StreamReply{Type: "error", ClientID: clientID, Error: err.Error(), Code: apperror.HTTPStatus(err)}
}

func messageReply(clientID string, message dto.MessageResponse) dto.StreamReply {
	return dto.StreamReply{Type: "ack", ClientID: clientID, Message: &message}
}

func validateFrame(validate *validator.Validate, frame dto.StreamFrame) error {
	if validate == nil {
		return nil
	}
	if err := validate.Struct(frame); err != nil {
		return apperror.Validation("stream.frame", err.Error())
	}
	return nil
}

// typingRegistry keeps one TypingSession per (chat, user) and publishes its transitions.
type typingRegistry struct {
	mu       sync.Mutex
	sessions map[string]*TypingSession
	tracker  PresenceTracker
	bus      EventBus
	idle     time.Duration
	ttl      time.Duration
	ns       models.Namespace
	logger   zerolog.Logger
}

func newTypingRegistry(tracker PresenceTracker, bus EventBus, ns models.Namespace, idle, ttl time.Duration, logger zerolog.Logger) *typingRegistry {
	return &typingRegistry{
		sessions: make(map[string]*TypingSession),
		tracker:  tracker,
		bus:      bus,
		idle:     idle,
		ttl:      ttl,
		ns:       ns,
		logger:   logger,
	}
}

func (r *typingRegistry) session(chatID, userID string) *TypingSession {
	key := chatID + "/" + userID

	r.mu.Lock()
	defer r.mu.Unlock()

	if session, ok := r.sessions[key]; ok {
		return session
	}

	var session *TypingSession
	session = NewTypingSession(r.tracker, chatID, userID, r.idle, r.ttl, func(status models.TypingStatus, typing bool) {
		r.publish(status, typing)
		if !typing {
			r.forget(key, session)
		}
	}, r.logger)
	r.sessions[key] = session
	return session
}

func (r *typingRegistry) forget(key string, session *TypingSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[key]; ok && current == session {
		delete(r.sessions, key)
	}
}

func (r *typingRegistry) Keystroke(ctx context.Context, chatID, userID string) error {
	return r.session(chatID, userID).Keystroke(ctx)
}

func (r *typingRegistry) Stop(ctx context.Context, chatID, userID string) error {
	r.mu.Lock()
	session, ok := r.sessions[chatID+"/"+userID]
	r.mu.Unlock()

	if ok {
		return session.Stop(ctx)
	}
	return r.tracker.StopTyping(ctx, chatID, userID)
}

func (r *typingRegistry) publish(status models.TypingStatus, typing bool) {
	if r.bus == nil {
		return
	}
	eventType := EventTypingStopped
	if typing {
		eventType = EventTypingStarted
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	event := ChatEvent{Type: eventType, ChatID: status.ChatID, Namespace: r.ns, Typing: &status}
	if err := r.bus.Publish(ctx, event); err != nil {
		r.logger.Warn().Err(err).Str("chat_id", status.ChatID).Msg("failed to publish typing event")
	}
}
