package services

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestHashPassword(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		encoded, err := hashPassword("correct horse battery staple")
		assert.NoError(t, err)
		assert.Contains(t, encoded, "$")

		assert.True(t, verifyPassword("correct horse battery staple", encoded))
		assert.False(t, verifyPassword("wrong password", encoded))
	})

	t.Run("distinct salts", func(t *testing.T) {
		a, _ := hashPassword("same")
		b, _ := hashPassword("same")
		assert.NotEqual(t, a, b)
	})

	t.Run("malformed stored hash", func(t *testing.T) {
		assert.False(t, verifyPassword("anything", "not-a-hash"))
		assert.False(t, verifyPassword("anything", "zz$zz"))
	})
}

func TestAuthService_AdminLogin(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	viper.Set("jwt.secret_key", "test-secret")
	viper.Set("jwt.expiry_hours", 24)

	service := NewAuthService(db, nil, nil, NewWebhookNotifier())

	stored, err := hashPassword("password123")
	assert.NoError(t, err)

	t.Run("successful login", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, password_hash FROM admins WHERE username = \\$1 AND is_active = TRUE").
			WithArgs("boss").
			WillReturnRows(sqlmock.NewRows([]string{"id", "password_hash"}).AddRow(1, stored))

		body, _ := json.Marshal(LoginRequest{Username: "boss", Password: "password123"})
		r := httptest.NewRequest("POST", "/api/v1/auth/admin/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.AdminLogin(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response TokenResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.NotEmpty(t, response.AccessToken)
		assert.Equal(t, "bearer", response.TokenType)
		assert.True(t, response.ExpiresAt.After(time.Now()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wrong password", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, password_hash FROM admins WHERE username = \\$1 AND is_active = TRUE").
			WithArgs("boss").
			WillReturnRows(sqlmock.NewRows([]string{"id", "password_hash"}).AddRow(1, stored))

		body, _ := json.Marshal(LoginRequest{Username: "boss", Password: "nope"})
		r := httptest.NewRequest("POST", "/api/v1/auth/admin/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.AdminLogin(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown username", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, password_hash FROM admins WHERE username = \\$1 AND is_active = TRUE").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"id", "password_hash"}))

		body, _ := json.Marshal(LoginRequest{Username: "ghost", Password: "password123"})
		r := httptest.NewRequest("POST", "/api/v1/auth/admin/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.AdminLogin(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing fields", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/api/v1/auth/admin/login", bytes.NewBufferString(`{"username": "boss"}`))
		w := httptest.NewRecorder()

		service.AdminLogin(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAuthService_Init(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAuthService(db, nil, nil, NewWebhookNotifier())

	appCols := []string{"id", "name", "description", "secret", "version", "force_update", "is_active", "webhook_url", "admin_id", "created_at"}

	t.Run("current version connects", func(t *testing.T) {
		mock.ExpectQuery("FROM apps WHERE secret = \\$1 AND is_active = TRUE").
			WithArgs("sekrit").
			WillReturnRows(sqlmock.NewRows(appCols).
				AddRow(5, "MyApp", "", "sekrit", "2.0.0", true, true, "", 1, time.Now()))

		mock.ExpectExec("INSERT INTO app_logs").
			WillReturnResult(sqlmock.NewResult(1, 1))

		body, _ := json.Marshal(InitRequest{AppSecret: "sekrit", Version: "2.0.0"})
		r := httptest.NewRequest("POST", "/api/v1/client/init", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Init(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]any
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, true, response["success"])
		assert.Equal(t, false, response["force_update"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("outdated client is forced to update", func(t *testing.T) {
		mock.ExpectQuery("FROM apps WHERE secret = \\$1 AND is_active = TRUE").
			WithArgs("sekrit").
			WillReturnRows(sqlmock.NewRows(appCols).
				AddRow(5, "MyApp", "", "sekrit", "2.0.0", true, true, "", 1, time.Now()))

		mock.ExpectExec("INSERT INTO app_logs").
			WillReturnResult(sqlmock.NewResult(1, 1))

		body, _ := json.Marshal(InitRequest{AppSecret: "sekrit", Version: "1.0.0"})
		r := httptest.NewRequest("POST", "/api/v1/client/init", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Init(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]any
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, true, response["force_update"])
		assert.Equal(t, "2.0.0", response["latest_version"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown secret", func(t *testing.T) {
		mock.ExpectQuery("FROM apps WHERE secret = \\$1 AND is_active = TRUE").
			WithArgs("bogus").
			WillReturnRows(sqlmock.NewRows(appCols))

		body, _ := json.Marshal(InitRequest{AppSecret: "bogus", Version: "1.0.0"})
		r := httptest.NewRequest("POST", "/api/v1/client/init", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Init(w, r)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
