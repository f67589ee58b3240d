package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdm-backend/internal/engine"
)

const testSecret = "middleware-test-secret"

func newApp(roles ...string) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: engine.FiberErrorHandler})
	app.Get("/whoami", Authenticate(testSecret, roles...), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"id": GetUser(c).ID})
	})
	return app
}

func status(t *testing.T, app *fiber.App, token string) int {
	t.Helper()
	req := httptest.NewRequest("GET", "/whoami", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	assert.Equal(t, 401, status(t, newApp(), ""))
}

func TestAuthenticateResolvesUser(t *testing.T) {
	token, err := GenerateToken("u1", []string{"viewer"}, testSecret)
	require.NoError(t, err)
	assert.Equal(t, 200, status(t, newApp(), token))
}

func TestAuthenticateRejectsForgedToken(t *testing.T) {
	token, err := GenerateToken("u1", []string{"admin"}, "some-other-secret")
	require.NoError(t, err)
	assert.Equal(t, 401, status(t, newApp(), token))
}

func TestAuthenticateEnforcesRoles(t *testing.T) {
	viewer, err := GenerateToken("u1", []string{"viewer"}, testSecret)
	require.NoError(t, err)
	steward, err := GenerateToken("u2", []string{"data_steward"}, testSecret)
	require.NoError(t, err)
	root, err := GenerateToken("root", []string{"admin"}, testSecret)
	require.NoError(t, err)

	app := newApp("data_steward")
	assert.Equal(t, 403, status(t, app, viewer))
	assert.Equal(t, 200, status(t, app, steward))
	assert.Equal(t, 200, status(t, app, root))
}
