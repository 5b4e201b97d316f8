package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func jwtApp(secret string, seen *string) *fiber.App {
	app := fiber.New()
	app.Use(JWTProtected(secret))
	app.Get("/", func(c *fiber.Ctx) error {
		*seen, _ = c.Locals("user_id").(string)
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func TestJWTProtectedAcceptsStringSubjects(t *testing.T) {
	var seen string
	app := jwtApp("secret", &seen)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "secret", jwt.MapClaims{"sub": "user-42", "role": "Member"}))
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	require.Equal(t, "user-42", seen)
}

func TestJWTProtectedAcceptsQueryToken(t *testing.T) {
	var seen string
	app := jwtApp("secret", &seen)

	req := httptest.NewRequest(http.MethodGet, "/?access_token="+signToken(t, "secret", jwt.MapClaims{"user_id": float64(7)}), nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	require.Equal(t, "7", seen)
}

func TestJWTProtectedRejectsBadTokens(t *testing.T) {
	var seen string
	app := jwtApp("secret", &seen)

	cases := map[string]string{
		"missing":       "",
		"wrong secret":  "Bearer " + signToken(t, "other", jwt.MapClaims{"sub": "user-1"}),
		"no subject":    "Bearer " + signToken(t, "secret", jwt.MapClaims{"role": "fan"}),
		"not a bearer":  "Basic abc",
		"empty subject": "Bearer " + signToken(t, "secret", jwt.MapClaims{"sub": " "}),
	}
	for name, header := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := app.Test(req)
		require.NoError(t, err, name)
		require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode, name)
	}
	require.Empty(t, seen)
}
