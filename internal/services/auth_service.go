package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/keyforge/backend/internal/middleware"
	"github.com/keyforge/backend/internal/models"
)

// AuthService handles portal logins (admin, reseller) and the client SDK
// surface that applications embed: init, register, password login, license
// login, validation, and app variables. Client calls authenticate with the
// per-app shared secret; successful auth paths write app_logs rows and fire
// the app's webhook.
type AuthService struct {
	db        *sql.DB
	redis     *redis.Client
	licenses  *LicenseService
	webhooks  *WebhookNotifier
	validator *ValidationHelper
}

func NewAuthService(db *sql.DB, redisClient *redis.Client, licenses *LicenseService, webhooks *WebhookNotifier) *AuthService {
	return &AuthService{
		db:        db,
		redis:     redisClient,
		licenses:  licenses,
		webhooks:  webhooks,
		validator: NewValidationHelper(),
	}
}

// LoginRequest is the portal login payload.
// @Description Portal login request
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// TokenResponse carries an issued bearer token.
// @Description Issued token
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// InitRequest is the client SDK handshake payload.
// @Description Client init request
type InitRequest struct {
	AppSecret string `json:"app_secret" validate:"required"`
	Version   string `json:"version" validate:"required"`
	Hwid      string `json:"hwid,omitempty"`
}

// ClientRegisterRequest creates an end-user account, optionally binding a
// license at registration time.
// @Description Client registration request
type ClientRegisterRequest struct {
	AppSecret  string `json:"app_secret" validate:"required"`
	Username   string `json:"username" validate:"required,min=3,max=50"`
	Password   string `json:"password" validate:"required,min=6"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
	LicenseKey string `json:"license_key,omitempty"`
	Hwid       string `json:"hwid,omitempty"`
}

// ClientLoginRequest is the end-user password login payload.
// @Description Client login request
type ClientLoginRequest struct {
	AppSecret string `json:"app_secret" validate:"required"`
	Username  string `json:"username" validate:"required"`
	Password  string `json:"password" validate:"required"`
	Hwid      string `json:"hwid" validate:"required"`
}

// LicenseLoginRequest redeems a license key as an authentication factor.
// @Description License login request
type LicenseLoginRequest struct {
	AppSecret  string `json:"app_secret" validate:"required"`
	LicenseKey string `json:"license_key" validate:"required"`
	Hwid       string `json:"hwid" validate:"required"`
}

// ValidateRequest checks a previously issued user token.
// @Description Session validation request
type ValidateRequest struct {
	AppSecret string `json:"app_secret" validate:"required"`
	Token     string `json:"token" validate:"required"`
}

const appSecretCacheTTL = 5 * time.Minute

// appBySecret resolves an application from its shared secret, with a short
// Redis cache in front of the lookup. Inactive apps resolve as not found.
func (s *AuthService) appBySecret(ctx context.Context, secret string) (*models.App, error) {
	cacheKey := "app:secret:" + models.HashHwid(secret)
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
			var app models.App
			if json.Unmarshal([]byte(cached), &app) == nil {
				return &app, nil
			}
		}
	}

	var app models.App
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(description, ''), secret, version, force_update, is_active,
		       COALESCE(webhook_url, ''), admin_id, created_at
		FROM apps
		WHERE secret = $1 AND is_active = TRUE`, secret).
		Scan(&app.ID, &app.Name, &app.Description, &app.Secret, &app.Version, &app.ForceUpdate,
			&app.IsActive, &app.WebhookURL, &app.AdminID, &app.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		if payload, err := json.Marshal(app); err == nil {
			s.redis.Set(ctx, cacheKey, payload, appSecretCacheTTL)
		}
	}
	return &app, nil
}

// logAction writes an app-scoped audit row. Failures are logged and never
// fail the request.
func (s *AuthService) logAction(ctx context.Context, appID int, action string, userID *int, r *http.Request, details string) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_logs (app_id, action, user_id, ip_address, user_agent, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		appID, action, userID, clientIP(r), r.UserAgent(), details, time.Now())
	if err != nil {
		log.Printf("[AUTH] Failed to write app log for app %d action %s: %v", appID, action, err)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *AuthService) portalLogin(w http.ResponseWriter, r *http.Request, table, role string) {
	var req LoginRequest
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}

	var id int
	var passwordHash string
	err := s.db.QueryRowContext(r.Context(),
		`SELECT id, password_hash FROM `+table+` WHERE username = $1 AND is_active = TRUE`,
		req.Username).Scan(&id, &passwordHash)
	if err == sql.ErrNoRows || (err == nil && !verifyPassword(req.Password, passwordHash)) {
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}
	if err != nil {
		sendServiceError(w, err)
		return
	}

	token, expiry, err := middleware.IssueToken(role, id)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	if table == "resellers" {
		s.db.ExecContext(r.Context(), `UPDATE resellers SET last_login = $1 WHERE id = $2`, time.Now(), id)
	}

	log.Printf("[AUTH] %s %d logged in", role, id)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(TokenResponse{AccessToken: token, TokenType: "bearer", ExpiresAt: expiry})
}

// AdminLogin authenticates an admin
// @Summary Admin login
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Credentials"
// @Success 200 {object} TokenResponse
// @Failure 401 {object} ErrorResponse
// @Router /auth/admin/login [post]
func (s *AuthService) AdminLogin(w http.ResponseWriter, r *http.Request) {
	s.portalLogin(w, r, "admins", middleware.RoleAdmin)
}

// ResellerLogin authenticates a reseller
// @Summary Reseller login
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Credentials"
// @Success 200 {object} TokenResponse
// @Failure 401 {object} ErrorResponse
// @Router /auth/reseller/login [post]
func (s *AuthService) ResellerLogin(w http.ResponseWriter, r *http.Request) {
	s.portalLogin(w, r, "resellers", middleware.RoleReseller)
}

// Logout revokes the presented bearer token
// @Summary Logout
// @Description Blacklist the current token until its natural expiry
// @Tags auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]string
// @Failure 401 {object} ErrorResponse
// @Router /auth/logout [post]
func (s *AuthService) Logout(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		SendErrorResponse(w, "Authorization header required", http.StatusUnauthorized, nil)
		return
	}
	token := parts[1]

	expiry, err := middleware.TokenExpiry(token)
	if err != nil {
		SendErrorResponse(w, "Invalid token", http.StatusUnauthorized, nil)
		return
	}

	if s.redis != nil {
		ttl := time.Until(expiry)
		if ttl > 0 {
			if err := s.redis.Set(r.Context(), "blacklist:"+token, "1", ttl).Err(); err != nil {
				sendServiceError(w, err)
				return
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Logged out"})
}

// Init is the client SDK handshake
// @Summary Client init
// @Description Verify the app secret and report whether the client must update
// @Tags client
// @Accept json
// @Produce json
// @Param request body InitRequest true "Handshake"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} ErrorResponse
// @Router /client/init [post]
func (s *AuthService) Init(w http.ResponseWriter, r *http.Request) {
	var req InitRequest
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}

	app, err := s.appBySecret(r.Context(), req.AppSecret)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	forceUpdate := app.ForceUpdate && req.Version != app.Version
	s.logAction(r.Context(), app.ID, "init", nil, r, "version="+req.Version)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":        true,
		"app_name":       app.Name,
		"latest_version": app.Version,
		"force_update":   forceUpdate,
	})
}

// bindLicenseToUser consumes an unredeemed license for a freshly registered
// user, copying its expiry onto the account.
func (s *AuthService) bindLicenseToUser(ctx context.Context, app *models.App, licenseKey string, userID int, username, hwid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var lic models.License
	err = tx.QueryRow(`
		SELECT id, expires_at, user_id
		FROM licenses
		WHERE key = $1 AND app_id = $2 AND is_active = TRUE
		FOR UPDATE`, licenseKey, app.ID).Scan(&lic.ID, &lic.ExpiresAt, &lic.UserID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if lic.UserID != nil {
		return ErrAlreadyProcessed
	}
	if lic.Expired(time.Now()) {
		return ErrExpired
	}

	hwidHash := ""
	if hwid != "" {
		hwidHash = models.HashHwid(hwid)
	}
	if _, err := tx.Exec(`
		UPDATE licenses SET user_id = $1, username = $2, hwid = $3 WHERE id = $4`,
		userID, username, hwidHash, lic.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE users SET subscription_name = 'Premium', expiry_timestamp = $1 WHERE id = $2`,
		lic.ExpiresAt, userID); err != nil {
		return err
	}

	return tx.Commit()
}

// Register creates an end-user account
// @Summary Client register
// @Description Create an end-user, optionally redeeming a license for the subscription window
// @Tags client
// @Accept json
// @Produce json
// @Param request body ClientRegisterRequest true "Registration"
// @Success 201 {object} TokenResponse
// @Failure 404 {object} ErrorResponse "Unknown app or license"
// @Failure 409 {object} ErrorResponse "Username taken"
// @Router /client/register [post]
func (s *AuthService) Register(w http.ResponseWriter, r *http.Request) {
	var req ClientRegisterRequest
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}

	app, err := s.appBySecret(r.Context(), req.AppSecret)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	hwidHash := ""
	if req.Hwid != "" {
		hwidHash = models.HashHwid(req.Hwid)
	}

	var userID int
	err = s.db.QueryRowContext(r.Context(), `
		INSERT INTO users (username, password_hash, email, hwid, ip_address, created_at, app_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		req.Username, passwordHash, req.Email, hwidHash, clientIP(r), time.Now(), app.ID).
		Scan(&userID)
	if isUniqueViolation(err) {
		sendServiceError(w, ErrConflict)
		return
	}
	if err != nil {
		sendServiceError(w, err)
		return
	}

	if req.LicenseKey != "" {
		if err := s.bindLicenseToUser(r.Context(), app, req.LicenseKey, userID, req.Username, req.Hwid); err != nil {
			// The account exists either way; the client can retry the
			// license through license login.
			s.logAction(r.Context(), app.ID, "register_license_failed", &userID, r, err.Error())
			sendServiceError(w, err)
			return
		}
	}

	s.logAction(r.Context(), app.ID, "register", &userID, r, "")
	s.webhooks.Notify(app.WebhookURL, "user.registered", map[string]any{
		"user_id":  userID,
		"username": req.Username,
	})

	token, expiry, err := middleware.IssueToken(middleware.RoleUser, userID)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(TokenResponse{AccessToken: token, TokenType: "bearer", ExpiresAt: expiry})
}

// Login authenticates an end-user with username and password
// @Summary Client login
// @Description Password login with HWID binding; first login binds the device
// @Tags client
// @Accept json
// @Produce json
// @Param request body ClientLoginRequest true "Credentials"
// @Success 200 {object} map[string]interface{}
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse "Banned, expired, or HWID mismatch"
// @Router /client/login [post]
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	var req ClientLoginRequest
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}

	app, err := s.appBySecret(r.Context(), req.AppSecret)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	var user models.User
	var hwid, banReason sql.NullString
	err = s.db.QueryRowContext(r.Context(), `
		SELECT id, username, password_hash, hwid, COALESCE(subscription_name, ''), expiry_timestamp, is_banned, ban_reason
		FROM users
		WHERE app_id = $1 AND username = $2`, app.ID, req.Username).
		Scan(&user.ID, &user.Username, &user.PasswordHash, &hwid,
			&user.SubscriptionName, &user.ExpiryTimestamp, &user.IsBanned, &banReason)
	if err == sql.ErrNoRows || (err == nil && (user.PasswordHash == "" || !verifyPassword(req.Password, user.PasswordHash))) {
		s.logAction(r.Context(), app.ID, "login_failed", nil, r, "username="+req.Username)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}
	if err != nil {
		sendServiceError(w, err)
		return
	}
	user.Hwid = hwid.String
	user.BanReason = banReason.String

	if user.IsBanned {
		s.logAction(r.Context(), app.ID, "login_banned", &user.ID, r, user.BanReason)
		sendServiceError(w, ErrBanned)
		return
	}
	if user.ExpiryTimestamp != nil && user.ExpiryTimestamp.Before(time.Now()) {
		sendServiceError(w, ErrExpired)
		return
	}

	hwidHash := models.HashHwid(req.Hwid)
	if user.Hwid == "" {
		user.Hwid = hwidHash
	} else if user.Hwid != hwidHash {
		s.logAction(r.Context(), app.ID, "login_hwid_mismatch", &user.ID, r, "")
		sendServiceError(w, ErrHwidMismatch)
		return
	}

	now := time.Now()
	if _, err := s.db.ExecContext(r.Context(), `
		UPDATE users SET hwid = $1, ip_address = $2, last_login_time = $3 WHERE id = $4`,
		user.Hwid, clientIP(r), now, user.ID); err != nil {
		sendServiceError(w, err)
		return
	}

	token, expiry, err := middleware.IssueToken(middleware.RoleUser, user.ID)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	s.logAction(r.Context(), app.ID, "login", &user.ID, r, "")
	s.webhooks.Notify(app.WebhookURL, "user.login", map[string]any{
		"user_id":  user.ID,
		"username": user.Username,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":      token,
		"token_type":        "bearer",
		"expires_at":        expiry,
		"username":          user.Username,
		"subscription_name": user.SubscriptionName,
		"expiry_timestamp":  user.ExpiryTimestamp,
	})
}

// LicenseLogin redeems a license key as authentication
// @Summary License login
// @Description Redeem a license key; first use binds HWID and lazily creates the account
// @Tags client
// @Accept json
// @Produce json
// @Param request body LicenseLoginRequest true "License credentials"
// @Success 200 {object} map[string]interface{}
// @Failure 403 {object} ErrorResponse "Expired, banned, or HWID mismatch"
// @Failure 404 {object} ErrorResponse
// @Router /client/license [post]
func (s *AuthService) LicenseLogin(w http.ResponseWriter, r *http.Request) {
	var req LicenseLoginRequest
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}

	app, err := s.appBySecret(r.Context(), req.AppSecret)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	lic, user, err := s.licenses.Redeem(r.Context(), app, req.LicenseKey, req.Hwid, clientIP(r))
	if err != nil {
		s.logAction(r.Context(), app.ID, "license_login_failed", nil, r, err.Error())
		sendServiceError(w, err)
		return
	}

	token, expiry, err := middleware.IssueToken(middleware.RoleUser, user.ID)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	s.logAction(r.Context(), app.ID, "license_login", &user.ID, r, "key="+lic.Key)
	s.webhooks.Notify(app.WebhookURL, "license.redeemed", map[string]any{
		"user_id":     user.ID,
		"username":    user.Username,
		"license_key": lic.Key,
		"expires_at":  lic.ExpiresAt,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":      token,
		"token_type":        "bearer",
		"expires_at":        expiry,
		"username":          user.Username,
		"subscription_name": user.SubscriptionName,
		"expiry_timestamp":  user.ExpiryTimestamp,
	})
}

// Validate checks a user session token
// @Summary Validate session
// @Tags client
// @Accept json
// @Produce json
// @Param request body ValidateRequest true "Token"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} ErrorResponse
// @Router /client/validate [post]
func (s *AuthService) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}

	app, err := s.appBySecret(r.Context(), req.AppSecret)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	invalid := func(reason string) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"valid": false, "reason": reason})
	}

	principal, err := middleware.ParseToken(r.Context(), req.Token)
	if err != nil || principal.Role != middleware.RoleUser {
		invalid("invalid token")
		return
	}

	var username string
	var expiryTimestamp *time.Time
	var isBanned bool
	err = s.db.QueryRowContext(r.Context(), `
		SELECT username, expiry_timestamp, is_banned
		FROM users
		WHERE id = $1 AND app_id = $2`, principal.ID, app.ID).
		Scan(&username, &expiryTimestamp, &isBanned)
	if err == sql.ErrNoRows {
		invalid("unknown user")
		return
	}
	if err != nil {
		sendServiceError(w, err)
		return
	}

	if isBanned {
		invalid("banned")
		return
	}
	if expiryTimestamp != nil && expiryTimestamp.Before(time.Now()) {
		invalid("expired")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"valid":            true,
		"username":         username,
		"expiry_timestamp": expiryTimestamp,
	})
}

// Vars returns the app's key/value variables
// @Summary Client variables
// @Tags client
// @Accept json
// @Produce json
// @Param request body InitRequest true "App secret"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /client/vars [post]
func (s *AuthService) Vars(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppSecret string `json:"app_secret" validate:"required"`
	}
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}

	app, err := s.appBySecret(r.Context(), req.AppSecret)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	rows, err := s.db.QueryContext(r.Context(),
		`SELECT key, value FROM app_variables WHERE app_id = $1 ORDER BY key`, app.ID)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	defer rows.Close()

	vars := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			sendServiceError(w, err)
			return
		}
		vars[k] = v
	}
	if err := rows.Err(); err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(vars)
}
