package wsserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"talk-relay/domain"
	"talk-relay/errors"
	"talk-relay/runtime"
	"talk-relay/services"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

type Handlers struct {
	log   *slog.Logger
	relay services.IRelayService
}

func NewHandlers(log *slog.Logger, relay services.IRelayService) *Handlers {
	return &Handlers{log: log, relay: relay}
}

// HealthCheck handles GET /health.
func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	return c.SendString("ok")
}

// CreateRoom handles POST /api/rooms. The room itself only exists once someone joins.
func (h *Handlers) CreateRoom(c *fiber.Ctx) error {
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"roomId": h.relay.NewRoomID(),
	})
}

// RequireUpgrade rejects plain HTTP requests and malformed room ids before the upgrade.
func (h *Handlers) RequireUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if err := domain.RoomID(c.Params("room")).Validate(); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.Next()
}

// HandleWebSocket joins the room named in the path, streams the replay and
// live events back, and relays each key press until the client goes away.
func (h *Handlers) HandleWebSocket(c *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	roomID := domain.RoomID(c.Params("room"))
	session, err := h.relay.Join(ctx, roomID, c)
	if err != nil {
		h.log.Warn("Join refused", "room_id", roomID, "error", err)
		_ = c.WriteJSON(errorMessage(err))
		_ = c.Close()
		return
	}
	log := h.log.With("room_id", roomID, "session_id", session.ID)
	log.Info("WebSocket connected")

	if err := c.WriteJSON(joinedMessage(roomID, session.ID)); err != nil {
		log.Debug("Unable to confirm join", "error", err)
		_ = h.relay.Leave(ctx, session)
		return
	}

	// The pump is the only writer from here on
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		err := session.Pump(ctx, func(evt domain.CharEvent) error {
			return c.WriteJSON(eventMessage(evt))
		})
		if err != nil && ctx.Err() == nil {
			log.Debug("Event pump stopped", "error", err)
		}
		// Unblocks the read loop when the session was detached or a write failed
		_ = c.Close()
	}()

	h.readLoop(ctx, c, session, log)

	if err := h.relay.Leave(ctx, session); err != nil {
		log.Warn("Leave failed", "error", err)
	}
	cancel()
	<-pumpDone
	log.Info("WebSocket disconnected")
}

func (h *Handlers) readLoop(ctx context.Context, c *websocket.Conn, session *runtime.Session, log *slog.Logger) {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("WebSocket read error", "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("Invalid frame ignored", "error", err)
			continue
		}
		if msg.Type != TypeKeyPress {
			log.Debug("Unknown frame type ignored", "type", msg.Type)
			continue
		}

		_, _, err = h.relay.Press(ctx, session, msg.Key)
		switch {
		case err == nil:
		case errors.Is(err, errors.ErrForeignSession), errors.Is(err, errors.ErrRoomUnavailable):
			// Detached behind our back: the pump is closing the connection
			return
		default:
			log.Warn("Key press rejected", "key", msg.Key, "error", err)
		}
	}
}
