package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/bandroom-chat/internal/config"
	"github.com/noah-isme/bandroom-chat/internal/handler"
	"github.com/noah-isme/bandroom-chat/internal/middleware"
	"github.com/noah-isme/bandroom-chat/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChatHandler    *handler.ChatHandler
	FanChatHandler *handler.FanChatHandler
	JWTMiddleware  fiber.Handler
	RequestsPerMin int
	HealthChecks   []handler.DependencyCheck
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler(cfg.MetricsToken))

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthChecks...))

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}
	authenticated := middleware.WithAuth(func(c *fiber.Ctx) error { return c.Next() }, middleware.AuthOptions{RequireUser: true})
	limit := middleware.RateLimit("chat", deps.RequestsPerMin, time.Minute)

	if deps.ChatHandler != nil {
		chats := api.Group("/chats", jwtMiddleware, authenticated, limit)
		deps.ChatHandler.Register(chats)
	}

	if deps.FanChatHandler != nil {
		fanChats := api.Group("/fan-chats", jwtMiddleware, authenticated, limit)
		deps.FanChatHandler.Register(fanChats)
	}
}
