package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testKey = []byte("test-signing-key")

func signToken(t *testing.T, roles []string, mutate func(*Claims)) string {
	t.Helper()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "svc-lis",
			Issuer:    "https://auth.example.test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	if mutate != nil {
		mutate(claims)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doRequest(token string, mw ...echo.MiddlewareFunc) *httptest.ResponseRecorder {
	e := echo.New()
	handler := func(c echo.Context) error { return c.NoContent(http.StatusOK) }
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	e.GET("/", handler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	mw := Middleware(Config{Issuer: "https://auth.example.test", SigningKey: testKey})
	rec := doRequest(signToken(t, []string{RoleIntegration}, nil), mw)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestMiddlewareRejects(t *testing.T) {
	mw := Middleware(Config{Issuer: "https://auth.example.test", SigningKey: testKey})

	cases := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"garbage token", "not-a-jwt"},
		{"wrong issuer", signToken(t, nil, func(c *Claims) { c.Issuer = "https://other.example" })},
		{"expired", signToken(t, nil, func(c *Claims) {
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		})},
	}
	for _, tc := range cases {
		if rec := doRequest(tc.token, mw); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", tc.name, rec.Code)
		}
	}
}

func TestRequireRole(t *testing.T) {
	mw := Middleware(Config{SigningKey: testKey})
	operatorOnly := RequireRole(RoleOperator)

	if rec := doRequest(signToken(t, []string{RoleOperator}, nil), mw, operatorOnly); rec.Code != http.StatusOK {
		t.Errorf("operator: status = %d, want 200", rec.Code)
	}
	if rec := doRequest(signToken(t, []string{RoleIntegration}, nil), mw, operatorOnly); rec.Code != http.StatusForbidden {
		t.Errorf("integration: status = %d, want 403", rec.Code)
	}
	if rec := doRequest(signToken(t, nil, nil), mw, operatorOnly); rec.Code != http.StatusForbidden {
		t.Errorf("no roles: status = %d, want 403", rec.Code)
	}
}
