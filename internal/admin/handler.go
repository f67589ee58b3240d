package admin

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"mdm-backend/internal/engine"
	"mdm-backend/internal/metadata"
	"mdm-backend/internal/store"
)

// Handler exposes the metadata administration surface. Routes mount
// behind the admin-role auth middleware.
type Handler struct {
	service   *Service
	scheduler *engine.Scheduler
}

func NewHandler(service *Service, scheduler *engine.Scheduler) *Handler {
	return &Handler{service: service, scheduler: scheduler}
}

// RegisterRoutes mounts the admin surface under /admin.
func RegisterRoutes(app fiber.Router, h *Handler) {
	admin := app.Group("/admin")

	admin.Get("/tables", h.ListTables)
	admin.Get("/tables/:name", h.GetTable)
	admin.Post("/tables", h.SaveTable)
	admin.Put("/tables/:name", h.SaveTable)
	admin.Delete("/tables/:name", h.DeleteTable)

	admin.Post("/relationships", h.SaveRelationship)
	admin.Delete("/relationships/:name", h.DeleteRelationship)

	admin.Get("/rules", h.ListRules)
	admin.Post("/rules", h.SaveRule)
	admin.Delete("/rules/:id", h.DeleteRule)

	admin.Post("/permissions", h.SavePermission)
	admin.Delete("/permissions/:id", h.DeletePermission)

	admin.Post("/sweep", h.RunSweep)
}

func (h *Handler) ListTables(c *fiber.Ctx) error {
	tables, err := h.service.ListTables(c.UserContext())
	if err != nil {
		return err
	}
	if tables == nil {
		tables = []*metadata.TableDefinition{}
	}
	return c.JSON(fiber.Map{"data": tables})
}

func (h *Handler) GetTable(c *fiber.Ctx) error {
	table, err := h.service.GetTable(c.UserContext(), c.Params("name"))
	if err != nil {
		return mapError(err, c.Params("name"))
	}
	return c.JSON(fiber.Map{"data": table})
}

func (h *Handler) SaveTable(c *fiber.Ctx) error {
	var t metadata.TableDefinition
	if err := c.BodyParser(&t); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if name := c.Params("name"); name != "" {
		t.Name = name
	}
	if err := h.service.SaveTable(c.UserContext(), &t); err != nil {
		return mapError(err, t.Name)
	}
	return c.Status(201).JSON(fiber.Map{"data": t})
}

func (h *Handler) DeleteTable(c *fiber.Ctx) error {
	if err := h.service.DeleteTable(c.UserContext(), c.Params("name")); err != nil {
		return mapError(err, c.Params("name"))
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"name": c.Params("name")}})
}

func (h *Handler) SaveRelationship(c *fiber.Ctx) error {
	var rel metadata.TableRelationship
	if err := c.BodyParser(&rel); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if err := h.service.SaveRelationship(c.UserContext(), &rel); err != nil {
		return mapError(err, rel.Name)
	}
	return c.Status(201).JSON(fiber.Map{"data": rel})
}

func (h *Handler) DeleteRelationship(c *fiber.Ctx) error {
	if err := h.service.DeleteRelationship(c.UserContext(), c.Params("name")); err != nil {
		return mapError(err, c.Params("name"))
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"name": c.Params("name")}})
}

func (h *Handler) ListRules(c *fiber.Ctx) error {
	rules, err := h.service.ListRules(c.UserContext(), c.Query("table"))
	if err != nil {
		return err
	}
	if rules == nil {
		rules = []map[string]any{}
	}
	return c.JSON(fiber.Map{"data": rules})
}

func (h *Handler) SaveRule(c *fiber.Ctx) error {
	var rule metadata.ConsistencyRule
	if err := c.BodyParser(&rule); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if err := h.service.SaveRule(c.UserContext(), &rule); err != nil {
		return mapError(err, rule.Name)
	}
	return c.Status(201).JSON(fiber.Map{"data": rule})
}

func (h *Handler) DeleteRule(c *fiber.Ctx) error {
	if err := h.service.DeleteRule(c.UserContext(), c.Params("id")); err != nil {
		return mapError(err, c.Params("id"))
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": c.Params("id")}})
}

func (h *Handler) SavePermission(c *fiber.Ctx) error {
	var p metadata.Permission
	if err := c.BodyParser(&p); err != nil {
		return engine.NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	if err := h.service.SavePermission(c.UserContext(), &p); err != nil {
		return mapError(err, p.ID)
	}
	return c.Status(201).JSON(fiber.Map{"data": p})
}

func (h *Handler) DeletePermission(c *fiber.Ctx) error {
	if err := h.service.DeletePermission(c.UserContext(), c.Params("id")); err != nil {
		return mapError(err, c.Params("id"))
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": c.Params("id")}})
}

// RunSweep triggers one scheduled-rule sweep on demand.
func (h *Handler) RunSweep(c *fiber.Ctx) error {
	if h.scheduler == nil {
		return engine.NewAppError("INTERNAL", 500, "Scheduler not configured")
	}
	if err := h.scheduler.Sweep(c.UserContext()); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"status": "completed"}})
}

func mapError(err error, subject string) error {
	var appErr *engine.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, store.ErrNotFound) {
		return engine.NotFoundError("metadata", subject)
	}
	if errors.Is(err, store.ErrUniqueViolation) {
		return engine.ConflictError("A definition with this name already exists")
	}
	return engine.NewAppError("INVALID_METADATA", 422, err.Error())
}
