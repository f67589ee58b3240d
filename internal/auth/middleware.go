package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"mdm-backend/internal/engine"
	"mdm-backend/internal/metadata"
)

// Authenticate resolves the bearer token into the UserContext the
// permission policies consume, and optionally gates the route on a role
// set. With no roles any authenticated principal passes; otherwise the
// caller needs one of the listed roles. The admin role always
// qualifies, matching how the table policies treat it.
func Authenticate(secret string, roles ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return engine.UnauthorizedError("Missing auth token")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return engine.UnauthorizedError("Invalid auth header format")
		}

		claims, err := ParseToken(parts[1], secret)
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}

		user := &metadata.UserContext{
			ID:    claims.Subject,
			Roles: claims.Roles,
		}
		if !hasAnyRole(user, roles) {
			return engine.ForbiddenError("Insufficient role")
		}

		c.Locals("user", user)
		return c.Next()
	}
}

func hasAnyRole(user *metadata.UserContext, roles []string) bool {
	if len(roles) == 0 || user.IsAdmin() {
		return true
	}
	for _, r := range roles {
		if user.HasRole(r) {
			return true
		}
	}
	return false
}

// GetUser extracts the UserContext from a Fiber context.
func GetUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}
