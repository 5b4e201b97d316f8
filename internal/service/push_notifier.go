package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bandroom-chat/internal/observability"
)

type natsPushNotifier struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

// NewNATSPushNotifier publishes notifications to <base>.push.<userID>. A nil
// connection yields a notifier that drops everything.
func NewNATSPushNotifier(conn *nats.Conn, channelBase string, logger zerolog.Logger) PushNotifier {
	prefix := "push"
	if channelBase != "" {
		prefix = strings.ReplaceAll(channelBase, ":", ".") + ".push"
	}
	return &natsPushNotifier{
		conn:   conn,
		prefix: prefix,
		logger: logger.With().Str("component", "push_notifier").Logger(),
	}
}

func (n *natsPushNotifier) Notify(ctx context.Context, userID string, payload PushPayload) error {
	if n.conn == nil {
		observability.PushNotifications().WithLabelValues("skipped").Inc()
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(fmt.Sprintf("%s.%s", n.prefix, userID), data); err != nil {
		observability.PushNotifications().WithLabelValues("failed").Inc()
		return err
	}

	observability.PushNotifications().WithLabelValues("sent").Inc()
	return nil
}
