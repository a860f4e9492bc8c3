package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVerifier() *Verifier {
	return NewVerifier([]byte("test-secret"), "carbonbridge", "admin-api")
}

func protected(t *testing.T, verifier *Verifier) (http.Handler, *string, *string) {
	t.Helper()
	var subject, role string
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := RequireRole(verifier, "admin", logger)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject = Subject(r.Context())
			role = Role(r.Context())
			w.WriteHeader(http.StatusNoContent)
		}))
	return handler, &subject, &role
}

func TestRequireRole(t *testing.T) {
	verifier := testVerifier()

	t.Run("valid token passes with identity in context", func(t *testing.T) {
		handler, subject, role := protected(t, verifier)
		token, err := verifier.Mint("ops@example.org", "admin", time.Minute)
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "ops@example.org", *subject)
		assert.Equal(t, "admin", *role)
	})

	t.Run("missing header is 401", func(t *testing.T) {
		handler, _, _ := protected(t, verifier)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "bearer token required")
	})

	t.Run("expired token is 401", func(t *testing.T) {
		handler, _, _ := protected(t, verifier)
		token, err := verifier.Mint("ops@example.org", "admin", -time.Minute)
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong signing secret is 401", func(t *testing.T) {
		handler, _, _ := protected(t, verifier)
		forged := NewVerifier([]byte("other-secret"), "carbonbridge", "admin-api")
		token, err := forged.Mint("ops@example.org", "admin", time.Minute)
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong role is 403", func(t *testing.T) {
		handler, _, _ := protected(t, verifier)
		token, err := verifier.Mint("viewer@example.org", "viewer", time.Minute)
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, rec.Body.String(), "insufficient role")
	})

	t.Run("wrong issuer is 401", func(t *testing.T) {
		handler, _, _ := protected(t, verifier)
		other := NewVerifier([]byte("test-secret"), "someone-else", "admin-api")
		token, err := other.Mint("ops@example.org", "admin", time.Minute)
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
