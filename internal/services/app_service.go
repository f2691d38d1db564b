package services

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/keyforge/backend/internal/middleware"
	"github.com/keyforge/backend/internal/models"
)

// AppService manages applications, their client-visible variables, and the
// audit log written by the client auth paths. Everything is scoped to the
// owning admin.
type AppService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewAppService(db *sql.DB) *AppService {
	return &AppService{db: db, validator: NewValidationHelper()}
}

// CreateAppRequest is the application creation payload.
// @Description App creation request
type CreateAppRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=100"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty" validate:"omitempty,max=50"`
	WebhookURL  string `json:"webhook_url,omitempty" validate:"omitempty,url"`
}

// UpdateAppRequest carries partial application updates.
// @Description App update request
type UpdateAppRequest struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,min=2,max=100"`
	Description *string `json:"description,omitempty"`
	Version     *string `json:"version,omitempty" validate:"omitempty,max=50"`
	ForceUpdate *bool   `json:"force_update,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
	WebhookURL  *string `json:"webhook_url,omitempty" validate:"omitempty,url"`
}

// VariableRequest upserts one app variable.
// @Description App variable request
type VariableRequest struct {
	Key   string `json:"key" validate:"required,max=100"`
	Value string `json:"value" validate:"required"`
}

const appColumns = `id, name, COALESCE(description, ''), secret, version, force_update, is_active,
	COALESCE(webhook_url, ''), admin_id, created_at`

func scanApp(scanner interface{ Scan(...any) error }) (models.App, error) {
	var a models.App
	err := scanner.Scan(&a.ID, &a.Name, &a.Description, &a.Secret, &a.Version, &a.ForceUpdate,
		&a.IsActive, &a.WebhookURL, &a.AdminID, &a.CreatedAt)
	return a, err
}

// CreateApp registers an application
// @Summary Create app
// @Description Create an application and generate its client secret
// @Tags apps
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreateAppRequest true "App"
// @Success 201 {object} models.App
// @Failure 400 {object} ErrorResponse
// @Router /admin/apps [post]
func (s *AppService) CreateApp(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	var req CreateAppRequest
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}
	if req.Version == "" {
		req.Version = "1.0.0"
	}

	app := models.App{
		Name:        req.Name,
		Description: req.Description,
		Secret:      models.GenerateAppSecret(),
		Version:     req.Version,
		IsActive:    true,
		WebhookURL:  req.WebhookURL,
		AdminID:     principal.ID,
	}
	err := s.db.QueryRowContext(r.Context(), `
		INSERT INTO apps (name, description, secret, version, force_update, is_active, webhook_url, admin_id, created_at)
		VALUES ($1, $2, $3, $4, FALSE, TRUE, $5, $6, $7)
		RETURNING id, created_at`,
		req.Name, req.Description, app.Secret, req.Version, req.WebhookURL, principal.ID, time.Now()).
		Scan(&app.ID, &app.CreatedAt)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	log.Printf("[APP] Created app %d (%s) for admin %d", app.ID, app.Name, principal.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(app)
}

// ListApps lists the calling admin's applications
// @Summary List apps
// @Tags apps
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.App
// @Router /admin/apps [get]
func (s *AppService) ListApps(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	rows, err := s.db.QueryContext(r.Context(),
		`SELECT `+appColumns+` FROM apps WHERE admin_id = $1 ORDER BY created_at DESC`, principal.ID)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	defer rows.Close()

	apps := []models.App{}
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			sendServiceError(w, err)
			return
		}
		apps = append(apps, a)
	}
	if err := rows.Err(); err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apps)
}

// UpdateApp applies partial updates to an application
// @Summary Update app
// @Tags apps
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param appId path int true "App ID"
// @Param request body UpdateAppRequest true "Fields to update"
// @Success 200 {object} models.App
// @Failure 404 {object} ErrorResponse
// @Router /admin/apps/{appId} [put]
func (s *AppService) UpdateApp(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	appID, err := strconv.Atoi(chi.URLParam(r, "appId"))
	if err != nil {
		SendErrorResponse(w, "Invalid app id", http.StatusBadRequest, nil)
		return
	}

	var req UpdateAppRequest
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}

	app, err := scanApp(s.db.QueryRowContext(r.Context(),
		`SELECT `+appColumns+` FROM apps WHERE id = $1 AND admin_id = $2`, appID, principal.ID))
	if err == sql.ErrNoRows {
		sendServiceError(w, ErrNotFound)
		return
	}
	if err != nil {
		sendServiceError(w, err)
		return
	}

	if req.Name != nil {
		app.Name = *req.Name
	}
	if req.Description != nil {
		app.Description = *req.Description
	}
	if req.Version != nil {
		app.Version = *req.Version
	}
	if req.ForceUpdate != nil {
		app.ForceUpdate = *req.ForceUpdate
	}
	if req.IsActive != nil {
		app.IsActive = *req.IsActive
	}
	if req.WebhookURL != nil {
		app.WebhookURL = *req.WebhookURL
	}

	_, err = s.db.ExecContext(r.Context(), `
		UPDATE apps
		SET name = $1, description = $2, version = $3, force_update = $4, is_active = $5, webhook_url = $6
		WHERE id = $7 AND admin_id = $8`,
		app.Name, app.Description, app.Version, app.ForceUpdate, app.IsActive, app.WebhookURL,
		appID, principal.ID)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(app)
}

// DeleteApp removes an application and everything scoped to it
// @Summary Delete app
// @Tags apps
// @Security BearerAuth
// @Param appId path int true "App ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /admin/apps/{appId} [delete]
func (s *AppService) DeleteApp(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	appID, err := strconv.Atoi(chi.URLParam(r, "appId"))
	if err != nil {
		SendErrorResponse(w, "Invalid app id", http.StatusBadRequest, nil)
		return
	}

	result, err := s.db.ExecContext(r.Context(),
		`DELETE FROM apps WHERE id = $1 AND admin_id = $2`, appID, principal.ID)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		sendServiceError(w, ErrNotFound)
		return
	}

	log.Printf("[APP] Deleted app %d by admin %d", appID, principal.ID)
	w.WriteHeader(http.StatusNoContent)
}

// ListAppLogs returns the app's audit log, newest first
// @Summary List app logs
// @Tags apps
// @Produce json
// @Security BearerAuth
// @Param appId path int true "App ID"
// @Param limit query int false "Max rows (default 100)"
// @Success 200 {array} models.AppLog
// @Failure 404 {object} ErrorResponse
// @Router /admin/apps/{appId}/logs [get]
func (s *AppService) ListAppLogs(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	appID, err := strconv.Atoi(chi.URLParam(r, "appId"))
	if err != nil {
		SendErrorResponse(w, "Invalid app id", http.StatusBadRequest, nil)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT l.id, l.app_id, l.action, l.user_id, COALESCE(l.ip_address, ''),
		       COALESCE(l.user_agent, ''), COALESCE(l.details, ''), l.created_at
		FROM app_logs l
		JOIN apps a ON a.id = l.app_id
		WHERE l.app_id = $1 AND a.admin_id = $2
		ORDER BY l.created_at DESC
		LIMIT $3`, appID, principal.ID, limit)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	defer rows.Close()

	logs := []models.AppLog{}
	for rows.Next() {
		var l models.AppLog
		if err := rows.Scan(&l.ID, &l.AppID, &l.Action, &l.UserID, &l.IPAddress,
			&l.UserAgent, &l.Details, &l.CreatedAt); err != nil {
			sendServiceError(w, err)
			return
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(logs)
}

// appOwnedBy verifies the app belongs to the admin.
func (s *AppService) appOwnedBy(r *http.Request, appID, adminID int) error {
	var id int
	err := s.db.QueryRowContext(r.Context(),
		`SELECT id FROM apps WHERE id = $1 AND admin_id = $2`, appID, adminID).Scan(&id)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}

// SetVariable upserts one app variable
// @Summary Set app variable
// @Tags apps
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param appId path int true "App ID"
// @Param request body VariableRequest true "Variable"
// @Success 200 {object} models.AppVariable
// @Failure 404 {object} ErrorResponse
// @Router /admin/apps/{appId}/vars [put]
func (s *AppService) SetVariable(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	appID, err := strconv.Atoi(chi.URLParam(r, "appId"))
	if err != nil {
		SendErrorResponse(w, "Invalid app id", http.StatusBadRequest, nil)
		return
	}

	var req VariableRequest
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}

	if err := s.appOwnedBy(r, appID, principal.ID); err != nil {
		sendServiceError(w, err)
		return
	}

	v := models.AppVariable{AppID: appID, Key: req.Key, Value: req.Value}
	err = s.db.QueryRowContext(r.Context(), `
		INSERT INTO app_variables (app_id, key, value, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (app_id, key) DO UPDATE SET value = EXCLUDED.value
		RETURNING id, created_at`,
		appID, req.Key, req.Value, time.Now()).
		Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// ListVariables lists an app's variables
// @Summary List app variables
// @Tags apps
// @Produce json
// @Security BearerAuth
// @Param appId path int true "App ID"
// @Success 200 {array} models.AppVariable
// @Failure 404 {object} ErrorResponse
// @Router /admin/apps/{appId}/vars [get]
func (s *AppService) ListVariables(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	appID, err := strconv.Atoi(chi.URLParam(r, "appId"))
	if err != nil {
		SendErrorResponse(w, "Invalid app id", http.StatusBadRequest, nil)
		return
	}

	if err := s.appOwnedBy(r, appID, principal.ID); err != nil {
		sendServiceError(w, err)
		return
	}

	rows, err := s.db.QueryContext(r.Context(),
		`SELECT id, app_id, key, value, created_at FROM app_variables WHERE app_id = $1 ORDER BY key`, appID)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	defer rows.Close()

	vars := []models.AppVariable{}
	for rows.Next() {
		var v models.AppVariable
		if err := rows.Scan(&v.ID, &v.AppID, &v.Key, &v.Value, &v.CreatedAt); err != nil {
			sendServiceError(w, err)
			return
		}
		vars = append(vars, v)
	}
	if err := rows.Err(); err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(vars)
}

// DeleteVariable removes one app variable
// @Summary Delete app variable
// @Tags apps
// @Security BearerAuth
// @Param appId path int true "App ID"
// @Param key path string true "Variable key"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /admin/apps/{appId}/vars/{key} [delete]
func (s *AppService) DeleteVariable(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	appID, err := strconv.Atoi(chi.URLParam(r, "appId"))
	if err != nil {
		SendErrorResponse(w, "Invalid app id", http.StatusBadRequest, nil)
		return
	}
	key := chi.URLParam(r, "key")

	result, err := s.db.ExecContext(r.Context(), `
		DELETE FROM app_variables av
		USING apps a
		WHERE av.app_id = a.id AND av.app_id = $1 AND av.key = $2 AND a.admin_id = $3`,
		appID, key, principal.ID)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		sendServiceError(w, ErrNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
