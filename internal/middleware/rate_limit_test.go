package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/bandroom-chat/internal/middleware"
	"github.com/noah-isme/bandroom-chat/internal/utils"
)

func rateLimitedApp() *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if user := c.Get("X-Test-User"); user != "" {
			c.Locals("user_id", user)
		}
		return c.Next()
	})
	app.Use(middleware.RateLimit("chat", 2, time.Minute))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })
	return app
}

func sendAs(t *testing.T, app *fiber.App, user string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestRateLimitRejectsWithEnvelope(t *testing.T) {
	app := rateLimitedApp()

	require.Equal(t, fiber.StatusNoContent, sendAs(t, app, "alice").StatusCode)
	require.Equal(t, fiber.StatusNoContent, sendAs(t, app, "alice").StatusCode)

	resp := sendAs(t, app, "alice")
	require.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(fiber.HeaderRetryAfter))

	var payload utils.APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.False(t, payload.Success)
	require.Equal(t, "rate_limited", payload.Code)
}

func TestRateLimitKeysByUser(t *testing.T) {
	app := rateLimitedApp()

	for i := 0; i < 2; i++ {
		require.Equal(t, fiber.StatusNoContent, sendAs(t, app, "alice").StatusCode)
	}
	require.Equal(t, fiber.StatusTooManyRequests, sendAs(t, app, "alice").StatusCode)
	require.Equal(t, fiber.StatusNoContent, sendAs(t, app, "bob").StatusCode)
	require.Equal(t, fiber.StatusNoContent, sendAs(t, app, "").StatusCode)
}
