package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestIssueAndParseToken(t *testing.T) {
	viper.Set("jwt.secret_key", "test-secret")
	viper.Set("jwt.expiry_hours", 24)
	InitAuthMiddleware(nil)

	t.Run("round trip", func(t *testing.T) {
		token, expiry, err := IssueToken(RoleAdmin, 42)
		assert.NoError(t, err)
		assert.True(t, expiry.After(time.Now()))

		principal, err := ParseToken(context.Background(), token)
		assert.NoError(t, err)
		assert.Equal(t, RoleAdmin, principal.Role)
		assert.Equal(t, 42, principal.ID)
	})

	t.Run("role is carried in claims", func(t *testing.T) {
		token, _, err := IssueToken(RoleReseller, 7)
		assert.NoError(t, err)

		principal, err := ParseToken(context.Background(), token)
		assert.NoError(t, err)
		assert.Equal(t, RoleReseller, principal.Role)
		assert.Equal(t, 7, principal.ID)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := ParseToken(context.Background(), "not.a.token")
		assert.Error(t, err)
	})

	t.Run("wrong signing key", func(t *testing.T) {
		token, _, err := IssueToken(RoleAdmin, 1)
		assert.NoError(t, err)

		viper.Set("jwt.secret_key", "different-secret")
		_, err = ParseToken(context.Background(), token)
		assert.Error(t, err)
		viper.Set("jwt.secret_key", "test-secret")
	})
}

func TestParseToken_Blacklist(t *testing.T) {
	viper.Set("jwt.secret_key", "test-secret")
	viper.Set("jwt.expiry_hours", 24)

	redisClient, mock := redismock.NewClientMock()
	InitAuthMiddleware(redisClient)
	defer InitAuthMiddleware(nil)

	token, _, err := IssueToken(RoleAdmin, 1)
	assert.NoError(t, err)

	t.Run("blacklisted token is rejected", func(t *testing.T) {
		mock.ExpectExists("blacklist:" + token).SetVal(1)

		_, err := ParseToken(context.Background(), token)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-blacklisted token passes", func(t *testing.T) {
		mock.ExpectExists("blacklist:" + token).SetVal(0)

		principal, err := ParseToken(context.Background(), token)
		assert.NoError(t, err)
		assert.Equal(t, 1, principal.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRequireRole(t *testing.T) {
	viper.Set("jwt.secret_key", "test-secret")
	viper.Set("jwt.expiry_hours", 24)
	InitAuthMiddleware(nil)

	handler := RequireRole(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		assert.True(t, ok)
		assert.Equal(t, RoleAdmin, principal.Role)
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("admin token passes", func(t *testing.T) {
		token, _, _ := IssueToken(RoleAdmin, 1)
		r := httptest.NewRequest("GET", "/admin/apps", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("reseller token is forbidden", func(t *testing.T) {
		token, _, _ := IssueToken(RoleReseller, 7)
		r := httptest.NewRequest("GET", "/admin/apps", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("missing header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/admin/apps", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/admin/apps", nil)
		r.Header.Set("Authorization", "Token abc")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
