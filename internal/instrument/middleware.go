package instrument

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// Middleware wires a Recorder into every request: propagates or creates
// a trace ID, opens a root span and records the response status.
func Middleware(rec *Recorder) fiber.Handler {
	return func(c *fiber.Ctx) error {
		traceID := c.Get("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}

		ctx := WithTraceID(c.UserContext(), traceID)
		ctx = WithInstrumenter(ctx, rec)
		ctx, span := rec.StartSpan(ctx, "http", c.Method()+" "+c.Route().Path)
		c.SetUserContext(ctx)
		c.Set("X-Trace-ID", traceID)

		err := c.Next()

		if c.Response().StatusCode() >= 400 {
			span.SetStatus("error")
		} else {
			span.SetStatus("ok")
		}
		span.End()
		return err
	}
}
