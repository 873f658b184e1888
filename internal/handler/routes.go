package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	ws "github.com/talkbank/ba2-server/internal/websocket"
)

// Routes bundles everything Register mounts.
type Routes struct {
	Jobs    *JobHandler
	Pages   *PageHandler
	Health  *HealthHandler
	Hub     *ws.Hub
	Metrics fiber.Handler // nil leaves /metrics unmounted
}

// Register mounts the HTTP surface on app. The server and the end-to-end
// tests share it so both serve the same routes.
func Register(app *fiber.App, r Routes) {
	// Health check
	app.Get("/health", r.Health.Live)
	app.Get("/health/ready", r.Health.Ready)
	if r.Metrics != nil {
		app.Get("/metrics", r.Metrics)
	}

	// Browser flow
	app.Get("/", r.Pages.Index)
	app.Post("/transcribe", r.Pages.Transcribe)
	app.Get("/download/:id/:filename?", r.Jobs.Download)

	// JSON API
	app.Get("/api", r.Pages.Banner)
	app.Post("/api", r.Jobs.Submit)
	app.Get("/api/get/:id", r.Jobs.Result)
	app.Get("/api/:id", r.Jobs.Status)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:id", r.Jobs.Watch(r.Hub))
}
