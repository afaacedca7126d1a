package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func protected(t *testing.T, roles ...string) (http.Handler, *bool) {
	t.Helper()
	reached := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		_, err := claims.UserID()
		require.NoError(t, err)
		reached = true
		w.WriteHeader(http.StatusOK)
	})
	return Middleware(testSecret, roles...)(next), &reached
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	issuer := NewIssuer(testSecret, time.Hour)
	token, err := issuer.Sign(uuid.New(), RoleProvider)
	require.NoError(t, err)

	handler, reached := protected(t, RoleProvider)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, *reached)
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	handler, reached := protected(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.False(t, *reached)
}

func TestMiddlewareRejectsWrongRole(t *testing.T) {
	issuer := NewIssuer(testSecret, time.Hour)
	token, err := issuer.Sign(uuid.New(), RoleCustomer)
	require.NoError(t, err)

	handler, reached := protected(t, RoleProvider)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.False(t, *reached)
}

func TestMiddlewareRejectsWrongSecret(t *testing.T) {
	issuer := NewIssuer("other-secret", time.Hour)
	token, err := issuer.Sign(uuid.New(), RoleProvider)
	require.NoError(t, err)

	handler, reached := protected(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.False(t, *reached)
}

func TestTokenFromHeader(t *testing.T) {
	require.Equal(t, "abc", tokenFromHeader("Bearer abc"))
	require.Equal(t, "abc", tokenFromHeader("bearer abc"))
	require.Empty(t, tokenFromHeader("Basic abc"))
	require.Empty(t, tokenFromHeader("abc"))
	require.Empty(t, tokenFromHeader(""))
}
