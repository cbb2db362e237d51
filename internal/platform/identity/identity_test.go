package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
)

const testSecret = "test-secret"

func sign(t *testing.T, claims jwt.Claims, method jwt.SigningMethod, key any) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func validClaims() *Claims {
	c := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			Issuer:    "portal",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles:        []string{"AGENT"},
		DirectionIDs: []string{"DIR-1"},
	}
	c.RealmAccess.Roles = []string{"AGENT", "INSTRUCTEUR"}
	return c
}

func TestVerifier_Verify(t *testing.T) {
	v := NewVerifier(testSecret, "portal", "")

	t.Run("valid token merges flat and realm roles", func(t *testing.T) {
		p, err := v.Verify(sign(t, validClaims(), jwt.SigningMethodHS256, []byte(testSecret)))
		require.NoError(t, err)
		assert.Equal(t, "u1", p.UserID)
		assert.Equal(t, []string{"AGENT", "INSTRUCTEUR"}, p.Roles)
		assert.Equal(t, []string{"DIR-1"}, p.DirectionIDs)
		assert.True(t, p.HasRole("INSTRUCTEUR"))
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := v.Verify(sign(t, validClaims(), jwt.SigningMethodHS256, []byte("other")))
		assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))
	})

	t.Run("expired", func(t *testing.T) {
		c := validClaims()
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		_, err := v.Verify(sign(t, c, jwt.SigningMethodHS256, []byte(testSecret)))
		assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))
	})

	t.Run("wrong issuer", func(t *testing.T) {
		c := validClaims()
		c.Issuer = "elsewhere"
		_, err := v.Verify(sign(t, c, jwt.SigningMethodHS256, []byte(testSecret)))
		assert.Error(t, err)
	})

	t.Run("other algorithm rejected", func(t *testing.T) {
		_, err := v.Verify(sign(t, validClaims(), jwt.SigningMethodHS512, []byte(testSecret)))
		assert.Error(t, err)
	})
}

func TestMiddleware(t *testing.T) {
	var got *Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("bearer", func(t *testing.T) {
		h := NewVerifier(testSecret, "", "").Middleware(next)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+sign(t, validClaims(), jwt.SigningMethodHS256, []byte(testSecret)))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		require.NotNil(t, got)
		assert.Equal(t, "u1", got.UserID)
	})

	t.Run("missing token", func(t *testing.T) {
		h := NewVerifier(testSecret, "", "").Middleware(next)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("trusted headers", func(t *testing.T) {
		h := NewVerifier("", "", "").Middleware(next)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderUserID, "u2")
		req.Header.Set(HeaderRoles, "ADMIN, AGENT")
		req.Header.Set(HeaderDirections, "DIR-9")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, &Principal{UserID: "u2", Roles: []string{"ADMIN", "AGENT"}, DirectionIDs: []string{"DIR-9"}}, got)
	})
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	_, ok = BearerToken("Basic abc")
	assert.False(t, ok)
	_, ok = BearerToken("Bearer ")
	assert.False(t, ok)
}

func TestRequire(t *testing.T) {
	_, err := Require(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))

	want := &Principal{UserID: "u1", Roles: []string{"AGENT"}}
	got, err := Require(WithPrincipal(context.Background(), want))
	require.NoError(t, err)
	assert.Same(t, want, got)
}
