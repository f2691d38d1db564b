package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/keyforge/backend/internal/middleware"
	"github.com/keyforge/backend/internal/models"
	"github.com/skip2/go-qrcode"
)

const keyInsertAttempts = 3

// LicenseService mints, lists and redeems license keys. Reseller-paid
// issuance debits the credit ledger and persists the license in one
// database transaction.
type LicenseService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *LedgerService
	webhooks  *WebhookNotifier
	validator *ValidationHelper
}

func NewLicenseService(db *sql.DB, redisClient *redis.Client, ledger *LedgerService) *LicenseService {
	return &LicenseService{
		db:        db,
		redis:     redisClient,
		ledger:    ledger,
		webhooks:  NewWebhookNotifier(),
		validator: NewValidationHelper(),
	}
}

// BatchIssueRequest is the admin bulk issuance payload.
// @Description Admin bulk license issuance request
type BatchIssueRequest struct {
	AppID        int  `json:"app_id" validate:"required,gt=0"`
	Count        int  `json:"count" validate:"required,gt=0,lte=500"`
	DurationDays int  `json:"duration_days" validate:"omitempty,gt=0"`
	IsLifetime   bool `json:"is_lifetime"`
}

// GenerateRequest is the reseller paid issuance payload.
// @Description Reseller license generation request
type GenerateRequest struct {
	AppID        int    `json:"app_id" validate:"required,gt=0"`
	DurationDays int    `json:"duration_days" validate:"required,gt=0,lte=3650"`
	Username     string `json:"username,omitempty" validate:"omitempty,max=100"`
	Hwid         string `json:"hwid,omitempty" validate:"omitempty,max=255"`
}

func (s *LicenseService) insertLicenseTx(tx *sql.Tx, lic *models.License) error {
	for attempt := 0; attempt < keyInsertAttempts; attempt++ {
		lic.Key = models.GenerateLicenseKey()
		err := tx.QueryRow(`
			INSERT INTO licenses (key, app_id, username, hwid, expires_at, is_active, created_by_reseller_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at`,
			lic.Key, lic.AppID, lic.Username, lic.Hwid, lic.ExpiresAt, true, lic.CreatedByResellerID, time.Now()).
			Scan(&lic.ID, &lic.CreatedAt)
		if err == nil {
			lic.IsActive = true
			return nil
		}
		if !isUniqueViolation(err) {
			return err
		}
		log.Printf("[LICENSE] Key collision on attempt %d, regenerating", attempt+1)
	}
	return fmt.Errorf("license key collision persisted after %d attempts", keyInsertAttempts)
}

// IssueAdminBatch mints count keys under one expiry policy. Lifetime
// licenses carry no expiry; otherwise each expires durationDays from now.
func (s *LicenseService) IssueAdminBatch(ctx context.Context, adminID int, req BatchIssueRequest) ([]models.License, error) {
	var appID int
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM apps WHERE id = $1 AND admin_id = $2`, req.AppID, adminID).Scan(&appID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var expiresAt *time.Time
	if !req.IsLifetime && req.DurationDays > 0 {
		t := time.Now().AddDate(0, 0, req.DurationDays)
		expiresAt = &t
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	licenses := make([]models.License, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		lic := models.License{AppID: req.AppID, ExpiresAt: expiresAt}
		if err := s.insertLicenseTx(tx, &lic); err != nil {
			return nil, err
		}
		licenses = append(licenses, lic)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[LICENSE] Admin %d issued %d licenses for app %d", adminID, req.Count, req.AppID)
	return licenses, nil
}

// IssueResellerPaid debits duration_days credits and mints one license.
// The ledger debit and the license insert share one transaction: if either
// fails, neither is observable. A failure after the debit succeeded is
// still logged loudly before rollback so operators can spot repeated
// near-misses.
func (s *LicenseService) IssueResellerPaid(ctx context.Context, resellerID int, req GenerateRequest) (*models.License, *models.CreditTransaction, error) {
	var appName string
	err := s.db.QueryRowContext(ctx, `
		SELECT a.name
		FROM apps a
		JOIN reseller_applications ra ON ra.app_id = a.id
		WHERE a.id = $1 AND ra.reseller_id = $2 AND ra.is_active = TRUE`,
		req.AppID, resellerID).Scan(&appName)
	if err == sql.ErrNoRows {
		return nil, nil, ErrAppNotGranted
	}
	if err != nil {
		return nil, nil, err
	}

	cost := models.CreditsFromDays(req.DurationDays)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	entry, err := s.ledger.ApplyTx(tx, ApplyParams{
		ResellerID:  resellerID,
		Amount:      -cost,
		Kind:        models.KindUsage,
		Description: fmt.Sprintf("License generated for %s (%d days)", appName, req.DurationDays),
	})
	if err != nil {
		return nil, nil, err
	}

	expiresAt := time.Now().AddDate(0, 0, req.DurationDays)
	var hwid string
	if req.Hwid != "" {
		hwid = models.HashHwid(req.Hwid)
	}
	lic := models.License{
		AppID:               req.AppID,
		Username:            req.Username,
		Hwid:                hwid,
		ExpiresAt:           &expiresAt,
		CreatedByResellerID: &resellerID,
	}
	if err := s.insertLicenseTx(tx, &lic); err != nil {
		log.Printf("[LICENSE] ALERT: debit of %s for reseller %d succeeded but license persistence failed, rolling back both: %v",
			cost, resellerID, err)
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[LICENSE] ALERT: commit failed for paid issuance (reseller %d, app %d): %v", resellerID, req.AppID, err)
		return nil, nil, err
	}

	log.Printf("[LICENSE] Reseller %d issued %s for app %d (%d days, cost %s)",
		resellerID, lic.Key, req.AppID, req.DurationDays, cost)
	return &lic, entry, nil
}

// Redeem performs a license login: validates the key under the app,
// enforces expiry and hwid binding, and resolves or lazily creates the
// linked end-user account.
func (s *LicenseService) Redeem(ctx context.Context, app *models.App, licenseKey, hwid, ipAddress string) (*models.License, *models.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	var lic models.License
	var username, boundHwid sql.NullString
	err = tx.QueryRow(`
		SELECT id, key, app_id, username, hwid, expires_at, is_active, user_id, created_by_reseller_id, created_at
		FROM licenses
		WHERE key = $1 AND app_id = $2 AND is_active = TRUE
		FOR UPDATE`, licenseKey, app.ID).
		Scan(&lic.ID, &lic.Key, &lic.AppID, &username, &boundHwid, &lic.ExpiresAt,
			&lic.IsActive, &lic.UserID, &lic.CreatedByResellerID, &lic.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	lic.Username = username.String
	lic.Hwid = boundHwid.String

	now := time.Now()
	if lic.Expired(now) {
		return nil, nil, ErrExpired
	}

	var hwidHash string
	if hwid != "" {
		hwidHash = models.HashHwid(hwid)
	}
	if lic.Hwid != "" && hwidHash != "" && lic.Hwid != hwidHash {
		return nil, nil, ErrHwidMismatch
	}
	if lic.Hwid == "" && hwidHash != "" {
		lic.Hwid = hwidHash
	}

	var user models.User
	if lic.UserID != nil {
		err = tx.QueryRow(`
			SELECT id, username, COALESCE(email, ''), COALESCE(hwid, ''), COALESCE(subscription_name, ''),
			       expiry_timestamp, is_banned, COALESCE(ban_reason, ''), app_id
			FROM users WHERE id = $1`, *lic.UserID).
			Scan(&user.ID, &user.Username, &user.Email, &user.Hwid, &user.SubscriptionName,
				&user.ExpiryTimestamp, &user.IsBanned, &user.BanReason, &user.AppID)
		if err != nil {
			return nil, nil, err
		}
		if user.IsBanned {
			return nil, nil, ErrBanned
		}
		if _, err := tx.Exec(`UPDATE users SET last_login_time = $1, ip_address = $2 WHERE id = $3`,
			now, ipAddress, user.ID); err != nil {
			return nil, nil, err
		}
	} else {
		user = models.User{
			Username:         "license_" + lic.Key[:8],
			Hwid:             lic.Hwid,
			IPAddress:        ipAddress,
			SubscriptionName: "Premium",
			ExpiryTimestamp:  lic.ExpiresAt,
			AppID:            app.ID,
		}
		err = tx.QueryRow(`
			INSERT INTO users (username, password_hash, hwid, ip_address, subscription_name, expiry_timestamp, last_login_time, app_id)
			VALUES ($1, '', $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			user.Username, user.Hwid, ipAddress, user.SubscriptionName, user.ExpiryTimestamp, now, app.ID).
			Scan(&user.ID)
		if err != nil {
			return nil, nil, err
		}
		lic.UserID = &user.ID
	}

	if _, err := tx.Exec(`UPDATE licenses SET hwid = $1, user_id = $2 WHERE id = $3`,
		lic.Hwid, lic.UserID, lic.ID); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	log.Printf("[LICENSE] Redeemed %s for user %d (app %d)", lic.Key, user.ID, app.ID)
	return &lic, &user, nil
}

// ResetHwidByID clears a license's hardware binding. Scoped through
// app.admin_id so admins can only touch their own tenants.
func (s *LicenseService) ResetHwidByID(ctx context.Context, adminID, licenseID int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE licenses SET hwid = NULL
		FROM apps
		WHERE licenses.app_id = apps.id AND licenses.id = $1 AND apps.admin_id = $2`,
		licenseID, adminID)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	log.Printf("[LICENSE] HWID reset for license %d by admin %d", licenseID, adminID)
	return nil
}

// CreateLicenses handles admin bulk issuance
// @Summary Issue licenses in bulk
// @Description Generate a batch of license keys for one application
// @Tags licenses
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body BatchIssueRequest true "Batch issuance request"
// @Success 201 {array} models.License
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /admin/licenses [post]
func (s *LicenseService) CreateLicenses(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	var req BatchIssueRequest
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}

	licenses, err := s.IssueAdminBatch(r.Context(), principal.ID, req)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(licenses)
}

// ListLicenses returns all licenses across the admin's applications
// @Summary List licenses
// @Tags licenses
// @Produce json
// @Security BearerAuth
// @Param app_id query int false "Filter by application"
// @Success 200 {array} models.License
// @Router /admin/licenses [get]
func (s *LicenseService) ListLicenses(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	query := `
		SELECT l.id, l.key, l.app_id, COALESCE(l.username, ''), COALESCE(l.hwid, ''), l.expires_at,
		       l.is_active, l.user_id, l.created_by_reseller_id, l.created_at
		FROM licenses l
		JOIN apps a ON a.id = l.app_id
		WHERE a.admin_id = $1`
	args := []any{principal.ID}
	if appID, err := strconv.Atoi(r.URL.Query().Get("app_id")); err == nil {
		query += ` AND l.app_id = $2`
		args = append(args, appID)
	}
	query += ` ORDER BY l.created_at DESC LIMIT 500`

	rows, err := s.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		log.Printf("[LICENSE] List query failed: %v", err)
		sendServiceError(w, err)
		return
	}
	defer rows.Close()

	licenses := []models.License{}
	for rows.Next() {
		var lic models.License
		if err := rows.Scan(&lic.ID, &lic.Key, &lic.AppID, &lic.Username, &lic.Hwid, &lic.ExpiresAt,
			&lic.IsActive, &lic.UserID, &lic.CreatedByResellerID, &lic.CreatedAt); err != nil {
			sendServiceError(w, err)
			return
		}
		licenses = append(licenses, lic)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(licenses)
}

// ResetHwid clears a license's hardware binding
// @Summary Reset license HWID
// @Tags licenses
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{license_id=int} true "Reset request"
// @Success 200 {object} map[string]any
// @Failure 404 {object} ErrorResponse
// @Router /admin/licenses/reset-hwid [post]
func (s *LicenseService) ResetHwid(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	var req struct {
		LicenseID int `json:"license_id" validate:"required,gt=0"`
	}
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}

	if err := s.ResetHwidByID(r.Context(), principal.ID, req.LicenseID); err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

// DeleteLicense revokes and removes a license
// @Summary Delete license
// @Tags licenses
// @Produce json
// @Security BearerAuth
// @Param licenseId path int true "License ID"
// @Success 200 {object} map[string]any
// @Failure 404 {object} ErrorResponse
// @Router /admin/licenses/{licenseId} [delete]
func (s *LicenseService) DeleteLicense(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	licenseID, err := strconv.Atoi(chi.URLParam(r, "licenseId"))
	if err != nil {
		SendErrorResponse(w, "Invalid license id", http.StatusBadRequest, nil)
		return
	}

	result, err := s.db.ExecContext(r.Context(), `
		DELETE FROM licenses
		USING apps
		WHERE licenses.app_id = apps.id AND licenses.id = $1 AND apps.admin_id = $2`,
		licenseID, principal.ID)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		sendServiceError(w, ErrNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "License deleted"})
}

// LicenseQR renders a license key as a QR code PNG
// @Summary License key QR code
// @Tags licenses
// @Produce png
// @Security BearerAuth
// @Param licenseId path int true "License ID"
// @Success 200 {file} binary
// @Failure 404 {object} ErrorResponse
// @Router /admin/licenses/{licenseId}/qr [get]
func (s *LicenseService) LicenseQR(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	licenseID, err := strconv.Atoi(chi.URLParam(r, "licenseId"))
	if err != nil {
		SendErrorResponse(w, "Invalid license id", http.StatusBadRequest, nil)
		return
	}

	var key string
	err = s.db.QueryRowContext(r.Context(), `
		SELECT l.key
		FROM licenses l
		JOIN apps a ON a.id = l.app_id
		WHERE l.id = $1 AND a.admin_id = $2`, licenseID, principal.ID).Scan(&key)
	if err == sql.ErrNoRows {
		sendServiceError(w, ErrNotFound)
		return
	}
	if err != nil {
		sendServiceError(w, err)
		return
	}

	png, err := qrcode.Encode(key, qrcode.Medium, 256)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

// GenerateReseller handles reseller paid issuance
// @Summary Generate a paid license
// @Description Debit credits (one per day) and mint a license key
// @Tags reseller
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body GenerateRequest true "Generation request"
// @Success 201 {object} map[string]any
// @Failure 400 {object} ErrorResponse "Insufficient credits"
// @Failure 403 {object} ErrorResponse "Application not granted"
// @Router /reseller/licenses/generate [post]
func (s *LicenseService) GenerateReseller(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	var req GenerateRequest
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}

	lic, entry, err := s.IssueResellerPaid(r.Context(), principal.ID, req)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"license_key":       lic.Key,
		"expires_at":        lic.ExpiresAt,
		"duration_days":     req.DurationDays,
		"cost":              -entry.Amount,
		"remaining_credits": entry.BalanceAfter,
	})
}

// ListResellerLicenses returns licenses minted by the calling reseller
// @Summary List own generated licenses
// @Tags reseller
// @Produce json
// @Security BearerAuth
// @Param app_id query int false "Filter by application"
// @Success 200 {array} models.License
// @Router /reseller/licenses [get]
func (s *LicenseService) ListResellerLicenses(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	query := `
		SELECT id, key, app_id, COALESCE(username, ''), COALESCE(hwid, ''), expires_at,
		       is_active, user_id, created_by_reseller_id, created_at
		FROM licenses
		WHERE created_by_reseller_id = $1`
	args := []any{principal.ID}
	if appID, err := strconv.Atoi(r.URL.Query().Get("app_id")); err == nil {
		query += ` AND app_id = $2`
		args = append(args, appID)
	}
	query += ` ORDER BY created_at DESC LIMIT 100`

	rows, err := s.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	defer rows.Close()

	licenses := []models.License{}
	for rows.Next() {
		var lic models.License
		if err := rows.Scan(&lic.ID, &lic.Key, &lic.AppID, &lic.Username, &lic.Hwid, &lic.ExpiresAt,
			&lic.IsActive, &lic.UserID, &lic.CreatedByResellerID, &lic.CreatedAt); err != nil {
			sendServiceError(w, err)
			return
		}
		licenses = append(licenses, lic)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(licenses)
}

// decodeJSON applies the shared strict decoding rules: bounded body,
// unknown fields rejected, exactly one JSON object, then struct validation.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, vh *ValidationHelper) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := vh.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}
