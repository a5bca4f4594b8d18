package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-with-at-least-32-chars"

func generateToken(t *testing.T, sub string, exp time.Time, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": sub,
		"iss": TokenIssuer,
		"aud": TokenAudience,
		"exp": exp.Unix(),
		"iat": time.Now().Unix(),
	}
	if mutate != nil {
		mutate(claims)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func authApp() *fiber.App {
	app := fiber.New()
	app.Get("/me", AuthRequired(testSecret), func(c *fiber.Ctx) error {
		return c.SendString(UserID(c))
	})
	return app
}

func TestAuthRequired(t *testing.T) {
	valid := generateToken(t, "alice", time.Now().Add(time.Hour), nil)

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
		wantBody   string
	}{
		{name: "bearer header", header: "Bearer " + valid, wantStatus: http.StatusOK, wantBody: "alice"},
		{name: "query token", query: "?token=" + valid, wantStatus: http.StatusOK, wantBody: "alice"},
		{name: "missing", wantStatus: http.StatusUnauthorized},
		{name: "malformed header", header: "Token " + valid, wantStatus: http.StatusUnauthorized},
		{
			name:       "expired",
			header:     "Bearer " + generateToken(t, "alice", time.Now().Add(-time.Hour), nil),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "wrong audience",
			header: "Bearer " + generateToken(t, "alice", time.Now().Add(time.Hour), func(c jwt.MapClaims) {
				c["aud"] = "someone-else"
			}),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "empty subject",
			header:     "Bearer " + generateToken(t, "", time.Now().Add(time.Hour), nil),
			wantStatus: http.StatusUnauthorized,
		},
	}

	app := authApp()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			body, _ := io.ReadAll(resp.Body)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, string(body))
			} else {
				var payload map[string]any
				require.NoError(t, json.Unmarshal(body, &payload))
				assert.Equal(t, "UNAUTHORIZED", payload["code"])
			}
		})
	}
}

func TestAuthRequired_RejectsOtherSigningMethod(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "alice", "iss": TokenIssuer, "aud": TokenAudience, "exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = ParseToken(signed, testSecret)
	assert.Error(t, err)
}

func TestCheckRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := CheckRateLimit(ctx, rdb, "invitations", "user:alice", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := CheckRateLimit(ctx, rdb, "invitations", "user:alice", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = CheckRateLimit(ctx, rdb, "invitations", "user:bob", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "limits are per id")

	assert.Equal(t, time.Minute, mr.TTL("rl:invitations:user:alice"))
	mr.FastForward(time.Minute)
	ok, err = CheckRateLimit(ctx, rdb, "invitations", "user:alice", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "window expiry resets the count")
}

func TestCheckRateLimit_NilClientAllows(t *testing.T) {
	ok, err := CheckRateLimit(context.Background(), nil, "messages", "user:alice", 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	app := fiber.New()
	app.Post("/send", RateLimit(rdb, 1, time.Minute, "messages"), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusCreated)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/send", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/send", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	mr.Close()
	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/send", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode, "redis failures fail open")
}

func TestContextMiddleware_CopiesRequestID(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("requestid", "req-1")
		return c.Next()
	})
	app.Use(ContextMiddleware())
	app.Use(StructuredLogger())
	app.Use(TracingMiddleware())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Trace-ID"))
}
