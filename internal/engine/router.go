package engine

import "github.com/gofiber/fiber/v2"

// RegisterRoutes mounts the generic per-table surface. Static segments
// (schema, query, check) are registered before the :id wildcard so they
// resolve first.
func RegisterRoutes(app *fiber.App, h *Handler) {
	api := app.Group("/api")

	api.Get("/:table/schema", h.Schema)
	api.Post("/:table/query", h.Query)
	api.Post("/:table/check", h.Check)

	api.Get("/:table", h.List)
	api.Post("/:table", h.Create)

	api.Post("/:table/:id/check", h.Check)
	api.Get("/:table/:id/history", h.History)
	api.Get("/:table/:id", h.GetByID)
	api.Put("/:table/:id", h.Update)
	api.Delete("/:table/:id", h.Delete)
}
