package middleware_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bandroom-chat/internal/middleware"
)

func TestObservabilityLogsChatContext(t *testing.T) {
	var out bytes.Buffer
	app := fiber.New()
	app.Use(middleware.CorrelationID())
	app.Use(middleware.Observability(zerolog.New(&out)))
	app.Get("/api/v1/chats/:chatID", func(c *fiber.Ctx) error {
		c.Locals("user_id", "u-1")
		return c.SendStatus(fiber.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chats/chat-9", nil)
	req.Header.Set(middleware.CorrelationHeader, "corr-9")
	_, err := app.Test(req, -1)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
	require.Equal(t, "warn", entry["level"])
	require.Equal(t, "/api/v1/chats/:chatID", entry["route"])
	require.Equal(t, "chat-9", entry["chat_id"])
	require.Equal(t, "u-1", entry["user_id"])
	require.Equal(t, "corr-9", entry["correlation_id"])
	require.NotEmpty(t, entry["latency_bucket"])
}

func TestObservabilitySkipsNonAPIPaths(t *testing.T) {
	var out bytes.Buffer
	app := fiber.New()
	app.Use(middleware.Observability(zerolog.New(&out)))
	app.Get("/metrics", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	_, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	require.Zero(t, out.Len())
}
