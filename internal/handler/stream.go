package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bandroom-chat/internal/middleware"
	"github.com/noah-isme/bandroom-chat/internal/service"
)

// requireUpgrade stashes the request context for the websocket handler, which
// no longer has access to the fiber.Ctx.
func requireUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals("request_ctx", requestContext(c))
	return c.Next()
}

// streamHandler adapts a ServeConnection func into a websocket handler. The
// user is the subscriber, so a second connection to the same chat replaces the first.
func streamHandler(logger zerolog.Logger, serve func(conn *websocket.Conn, opts service.ChatConnectionOptions)) fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		userID := websocketUserID(conn)
		if userID == "" {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "user id missing"))
			_ = conn.Close()
			return
		}

		chatID := strings.TrimSpace(conn.Params("chatID"))
		baseCtx, _ := conn.Locals("request_ctx").(context.Context)
		opts := service.ChatConnectionOptions{
			UserID:        userID,
			ChatID:        chatID,
			SubscriberID:  userID,
			CorrelationID: middleware.CorrelationIDFromContext(baseCtx),
			Context:       baseCtx,
		}

		logger.Info().Str("user_id", userID).Str("chat_id", chatID).Msg("chat websocket connected")
		serve(conn, opts)
		logger.Info().Str("user_id", userID).Str("chat_id", chatID).Msg("chat websocket disconnected")
	})
}

func websocketUserID(conn *websocket.Conn) string {
	switch v := conn.Locals("user_id").(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	}
	return ""
}
