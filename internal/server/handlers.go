package server

import (
	"encoding/json"
	"time"

	fws "github.com/fasthttp/websocket"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// NewApp builds the fiber app exposing the hub: the realtime websocket,
// the chat history endpoint and the presence track update.
func NewApp(hub *Hub) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	// GET /ws?username=alice is the realtime connection. A missing
	// username is an authentication failure: policy-violation close.
	app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		username := c.Query("username")
		if username == "" {
			msg := fws.FormatCloseMessage(fws.ClosePolicyViolation, "authentication required")
			_ = c.WriteMessage(fws.CloseMessage, msg)
			_ = c.Close()
			return
		}

		s := &Session{
			ID:       uuid.NewString(),
			Username: username,
			Conn:     c,
			Send:     make(chan []byte, 16),
		}
		hub.RegisterChan <- s
		defer func() { hub.UnregisterChan <- s }()
		go s.WritePump()
		s.ReadPump(hub)
	}))

	// GET /api/chat?user=&peer=&before=&limit= serves history pages,
	// newest first. peer empty selects the global channel.
	app.Get("/api/chat", func(c *fiber.Ctx) error {
		var before time.Time
		if raw := c.Query("before"); raw != "" {
			parsed, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid before timestamp"})
			}
			before = parsed
		}
		limit := c.QueryInt("limit", 50)
		page := hub.History(c.Query("user"), c.Query("peer"), before, limit)
		return c.JSON(page)
	})

	// PUT /api/presence?username= updates the caller's current track
	// and rebroadcast the roster right away.
	app.Put("/api/presence", func(c *fiber.Ctx) error {
		username := c.Query("username")
		if username == "" {
			return c.SendStatus(fiber.StatusBadRequest)
		}
		var body struct {
			TrackID *string `json:"track_id"`
		}
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return c.SendStatus(fiber.StatusBadRequest)
		}
		hub.SetTrack(username, body.TrackID)
		return c.JSON(fiber.Map{"message": "presence updated"})
	})

	return app
}
