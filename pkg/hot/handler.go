package hot

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const pingInterval = 30 * time.Second

// Handler serves the hot update websocket.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// Upgrade is the fiber route handler. Non-websocket requests are rejected.
func (h *Handler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(h.serve)(c)
}

func (h *Handler) serve(c *websocket.Conn) {
	id := uuid.New().String()
	logger := log.With().Str("connection_id", id).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := h.hub.Subscribe(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("hot: subscribe failed")
		_ = c.Close()
		return
	}
	logger.Info().Msg("hot: client connected")
	defer logger.Info().Msg("hot: client disconnected")

	// The client never sends anything we act on; reading only detects close.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Error().Err(err).Msg("hot: websocket error")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-updates:
			if !ok {
				return
			}
			if err := c.WriteJSON(n); err != nil {
				logger.Error().Err(err).Msg("hot: write failed")
				return
			}
			logger.Debug().Str("notification", n.ID).Int("modules", len(n.Modules)).Msg("hot: sent update")
		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}
