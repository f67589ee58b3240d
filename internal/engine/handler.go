package engine

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"mdm-backend/internal/instrument"
	"mdm-backend/internal/metadata"
)

// Handler exposes the generic per-table surface over fiber. All routes
// are table-name driven; the service resolves the name against the
// registry and rejects anything unknown.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// queryRequest is the JSON body of POST /api/:table/query, for filters
// that don't fit in query string shorthand.
type queryRequest struct {
	Filters []Filter `json:"filters"`
	Sorts   []Sort   `json:"sorts"`
	Search  string   `json:"search"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// checkRequest is the JSON body of the on-demand check endpoints. An
// empty rule_ids list runs every on-demand and before-save rule.
type checkRequest struct {
	Record  map[string]any `json:"record"`
	RuleIDs []string       `json:"rule_ids"`
}

// List handles GET /api/:table
func (h *Handler) List(c *fiber.Ctx) error {
	ctx, span := instrument.GetInstrumenter(c.UserContext()).StartSpan(c.UserContext(), "engine", "list")
	defer span.End()

	opts, err := parseListQuery(c)
	if err != nil {
		return err
	}
	result, err := h.service.List(ctx, getUser(c), c.Params("table"), opts)
	if err != nil {
		return err
	}
	if result.Rows == nil {
		result.Rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{
		"data": result.Rows,
		"meta": fiber.Map{"total": result.Total, "limit": result.Limit, "offset": result.Offset},
	})
}

// Query handles POST /api/:table/query
func (h *Handler) Query(c *fiber.Ctx) error {
	var req queryRequest
	if err := c.BodyParser(&req); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	result, err := h.service.List(c.UserContext(), getUser(c), c.Params("table"), ListOptions{
		Filters: req.Filters,
		Sorts:   req.Sorts,
		Search:  req.Search,
		Limit:   req.Limit,
		Offset:  req.Offset,
	})
	if err != nil {
		return err
	}
	if result.Rows == nil {
		result.Rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{
		"data": result.Rows,
		"meta": fiber.Map{"total": result.Total, "limit": result.Limit, "offset": result.Offset},
	})
}

// GetByID handles GET /api/:table/:id
func (h *Handler) GetByID(c *fiber.Ctx) error {
	record, err := h.service.Get(c.UserContext(), getUser(c), c.Params("table"), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": record})
}

// Create handles POST /api/:table
func (h *Handler) Create(c *fiber.Ctx) error {
	ctx, span := instrument.GetInstrumenter(c.UserContext()).StartSpan(c.UserContext(), "engine", "create")
	defer span.End()

	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	result, err := h.service.Create(ctx, getUser(c), c.Params("table"), body)
	if err != nil {
		span.SetStatus("error")
		return err
	}
	return c.Status(201).JSON(fiber.Map{
		"data":         result.Record,
		"verdict":      result.Verdict,
		"rule_results": result.Results,
	})
}

// Update handles PUT /api/:table/:id
func (h *Handler) Update(c *fiber.Ctx) error {
	ctx, span := instrument.GetInstrumenter(c.UserContext()).StartSpan(c.UserContext(), "engine", "update")
	defer span.End()

	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
	}
	result, err := h.service.Update(ctx, getUser(c), c.Params("table"), c.Params("id"), body)
	if err != nil {
		span.SetStatus("error")
		return err
	}
	return c.JSON(fiber.Map{
		"data":         result.Record,
		"verdict":      result.Verdict,
		"rule_results": result.Results,
	})
}

// Delete handles DELETE /api/:table/:id
func (h *Handler) Delete(c *fiber.Ctx) error {
	if err := h.service.Delete(c.UserContext(), getUser(c), c.Params("table"), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": c.Params("id")}})
}

// Check handles POST /api/:table/check and POST /api/:table/:id/check.
// Without an id the body's record is evaluated as a candidate; with one,
// the body (if any) overlays the stored record.
func (h *Handler) Check(c *fiber.Ctx) error {
	var req checkRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body")
		}
	}
	report, err := h.service.Check(c.UserContext(), getUser(c), c.Params("table"), c.Params("id"), req.Record, req.RuleIDs)
	if err != nil {
		return err
	}
	if report.Results == nil {
		report.Results = []RuleResult{}
	}
	return c.JSON(report)
}

// Schema handles GET /api/:table/schema
func (h *Handler) Schema(c *fiber.Ctx) error {
	schema, err := h.service.Schema(getUser(c), c.Params("table"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": schema})
}

// History handles GET /api/:table/:id/history
func (h *Handler) History(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	entries, err := h.service.History(c.UserContext(), getUser(c), c.Params("table"), c.Params("id"), limit)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []map[string]any{}
	}
	return c.JSON(fiber.Map{"data": entries})
}

func getUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}

// parseListQuery reads query-string shorthand: limit, offset, q, sort
// (comma separated, "-" prefix for descending) and column filters as
// col=value or col__op=value. Unknown columns fail later at plan time.
func parseListQuery(c *fiber.Ctx) (ListOptions, error) {
	opts := ListOptions{
		Search: c.Query("q"),
	}
	opts.Limit, _ = strconv.Atoi(c.Query("limit"))
	opts.Offset, _ = strconv.Atoi(c.Query("offset"))

	if sort := c.Query("sort"); sort != "" {
		for _, term := range strings.Split(sort, ",") {
			term = strings.TrimSpace(term)
			if term == "" {
				continue
			}
			if strings.HasPrefix(term, "-") {
				opts.Sorts = append(opts.Sorts, Sort{Column: term[1:], Desc: true})
			} else {
				opts.Sorts = append(opts.Sorts, Sort{Column: term})
			}
		}
	}

	reserved := map[string]bool{"limit": true, "offset": true, "sort": true, "q": true}
	var parseErr error
	c.Context().QueryArgs().VisitAll(func(key, value []byte) {
		k := string(key)
		if reserved[k] || parseErr != nil {
			return
		}
		column, op := k, "eq"
		if idx := strings.Index(k, "__"); idx > 0 {
			column, op = k[:idx], k[idx+2:]
		}
		opts.Filters = append(opts.Filters, Filter{Column: column, Operator: op, Value: string(value)})
	})
	return opts, parseErr
}

// FiberErrorHandler maps AppErrors to their status and payload, and
// everything else to an opaque 500.
func FiberErrorHandler(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
	}
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(ErrorResponse{
			Error: NewAppError("INTERNAL", fiberErr.Code, fiberErr.Message),
		})
	}
	return c.Status(500).JSON(ErrorResponse{
		Error: NewAppError("INTERNAL", 500, "Internal server error"),
	})
}
