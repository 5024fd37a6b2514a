package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func signHS256(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func labClaims(expires time.Duration) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "tech-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expires)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		TenantID: "lab_a",
		Roles:    []string{RoleLabTechnician},
	}
}

func runJWT(t *testing.T, cfg JWTConfig, path, header string) (echo.Context, bool, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath(path)
	called := false
	err := JWTMiddleware(cfg)(func(c echo.Context) error {
		called = true
		return c.NoContent(http.StatusOK)
	})(c)
	return c, called, err
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok, "expected *echo.HTTPError, got %T", err)
	return he.Code
}

func TestJWTMiddleware_RejectsMissingOrMalformed(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey}
	for _, header := range []string{"", "Token abc", "Bearer", "Bearer  ", "Basic dXNlcjpwYXNz"} {
		_, called, err := runJWT(t, cfg, "/api/v1/alerts", header)
		assert.False(t, called, header)
		assert.Equal(t, http.StatusUnauthorized, statusOf(t, err), header)
	}
}

func TestJWTMiddleware_ValidTokenSetsClaims(t *testing.T) {
	token := signHS256(t, labClaims(time.Hour), testSigningKey)
	c, called, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "/api/v1/alerts", "Bearer "+token)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "lab_a", c.Get(TenantClaimKey))
	assert.Equal(t, "tech-7", UserIDFromContext(c.Request().Context()))
	assert.Equal(t, []string{RoleLabTechnician}, RolesFromContext(c.Request().Context()))
}

func TestJWTMiddleware_RejectsExpiredAndWrongKey(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey}

	_, _, err := runJWT(t, cfg, "/", "Bearer "+signHS256(t, labClaims(-time.Hour), testSigningKey))
	assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))

	_, _, err = runJWT(t, cfg, "/", "Bearer "+signHS256(t, labClaims(time.Hour), []byte("other-key")))
	assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))
}

func TestJWTMiddleware_ChecksIssuerAndAudience(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "https://id.lab.example", Audience: "insight"}
	claims := labClaims(time.Hour)
	claims.Issuer = "https://id.lab.example"
	claims.Audience = jwt.ClaimStrings{"insight"}
	_, called, err := runJWT(t, cfg, "/", "Bearer "+signHS256(t, claims, testSigningKey))
	require.NoError(t, err)
	assert.True(t, called)

	claims.Audience = jwt.ClaimStrings{"someone-else"}
	_, _, err = runJWT(t, cfg, "/", "Bearer "+signHS256(t, claims, testSigningKey))
	assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper}
	for _, p := range []string{"/health", "/health/db", "/metrics"} {
		_, called, err := runJWT(t, cfg, p, "")
		require.NoError(t, err, p)
		assert.True(t, called, p)
	}
	_, _, err := runJWT(t, cfg, "/api/v1/recommendations", "")
	assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))
}

func TestDevAuthMiddleware(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	var ctx context.Context
	err := DevAuthMiddleware("lab_dev")(func(c echo.Context) error {
		ctx = c.Request().Context()
		return nil
	})(c)
	require.NoError(t, err)
	assert.Equal(t, "lab_dev", c.Get(TenantClaimKey))
	assert.Equal(t, "dev-user", UserIDFromContext(ctx))
	assert.True(t, HasRole(ctx, RoleManager))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant-ID", "lab_b")
	c = e.NewContext(req, httptest.NewRecorder())
	require.NoError(t, DevAuthMiddleware("lab_dev")(func(echo.Context) error { return nil })(c))
	assert.Nil(t, c.Get(TenantClaimKey), "explicit header wins over the dev default")
}

func TestRequireRole(t *testing.T) {
	e := echo.New()
	guard := RequireRole(RoleManager, RoleAnalyst)
	ok := func(c echo.Context) error { return c.NoContent(http.StatusOK) }

	cases := []struct {
		roles []string
		allow bool
	}{
		{[]string{RoleAnalyst}, true},
		{[]string{RoleOptician, RoleManager}, true},
		{[]string{RoleAdmin}, true},
		{[]string{RoleOptician}, false},
		{nil, false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithUser(req.Context(), "u", tc.roles))
		err := guard(ok)(e.NewContext(req, httptest.NewRecorder()))
		if tc.allow {
			assert.NoError(t, err, "%v", tc.roles)
		} else {
			assert.Equal(t, http.StatusForbidden, statusOf(t, err), "%v", tc.roles)
		}
	}
}
