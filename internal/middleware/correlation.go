package middleware

import (
	"context"
	"strings"
	"unicode"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// CorrelationHeader carries the id that ties an HTTP call or a chat stream to its logs and events.
const CorrelationHeader = "X-Correlation-ID"

const maxCorrelationLength = 64

type correlationKey struct{}

// CorrelationID binds a correlation id to every request. Browsers cannot set
// headers on a WebSocket handshake, so stream clients may pass it as the
// correlation_id query parameter instead. Unusable ids are replaced.
func CorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := firstValidCorrelation(
			c.Get(CorrelationHeader),
			c.Get(fiber.HeaderXRequestID),
			c.Query("correlation_id"),
		)
		if id == "" {
			id = uuid.NewString()
		}

		c.Locals("correlation_id", id)
		c.Set(CorrelationHeader, id)
		c.SetUserContext(context.WithValue(c.UserContext(), correlationKey{}, id))

		return c.Next()
	}
}

func firstValidCorrelation(candidates ...string) string {
	for _, candidate := range candidates {
		if id := normaliseCorrelation(candidate); id != "" {
			return id
		}
	}
	return ""
}

// normaliseCorrelation rejects ids that would break a log line or a header.
func normaliseCorrelation(raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > maxCorrelationLength {
		return ""
	}
	for _, r := range id {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return ""
		}
	}
	return id
}

// CorrelationIDFromContext returns the id stored by CorrelationID or ContextWithCorrelation.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func GetCorrelationID(c *fiber.Ctx) string {
	if c == nil {
		return ""
	}
	if id, ok := c.Locals("correlation_id").(string); ok && id != "" {
		return id
	}
	return CorrelationIDFromContext(c.UserContext())
}

// ContextWithCorrelation copies a request's correlation id onto a context that
// outlives the request, such as a chat stream's.
func ContextWithCorrelation(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	id := normaliseCorrelation(correlationID)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}
