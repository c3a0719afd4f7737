package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/maheshrc27/postflow/internal/api/handlers"
)

type Handlers struct {
	Auth     fiber.Handler
	Post     *handlers.PostHandler
	Platform *handlers.PlatformHandler
	Health   *handlers.HealthHandler
}

func RegisterRoutes(app *fiber.App, h Handlers) {
	app.Get("/healthz", h.Health.Health)

	api := app.Group("/api")
	api.Use(h.Auth)

	api.Get("/posts/:id", h.Post.GetPost)
	api.Get("/posts/:id/history", h.Post.PostHistory)
	api.Post("/posts/:id/cancel", h.Post.CancelPost)

	api.Get("/accounts/:id", h.Platform.GetAccount)
	api.Post("/accounts/:id/refresh", h.Platform.RefreshAccount)
}
