package services

import (
	"context"
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

// ResellerService manages reseller accounts, their app grants, and the
// admin-facing credit assignment endpoint. Reseller rows are scoped to the
// owning admin on every query.
type ResellerService struct {
	db        *sql.DB
	ledger    *LedgerService
	validator *ValidationHelper
}

func NewResellerService(db *sql.DB, ledger *LedgerService) *ResellerService {
	return &ResellerService{
		db:        db,
		ledger:    ledger,
		validator: NewValidationHelper(),
	}
}

// CreateResellerRequest is the reseller account creation payload.
// @Description Reseller creation request
type CreateResellerRequest struct {
	Username       string         `json:"username" validate:"required,min=3,max=50"`
	Email          string         `json:"email" validate:"required,email"`
	Password       string         `json:"password" validate:"required,min=8"`
	CompanyName    string         `json:"company_name,omitempty" validate:"omitempty,max=255"`
	ContactPerson  string         `json:"contact_person,omitempty" validate:"omitempty,max=255"`
	Phone          string         `json:"phone,omitempty" validate:"omitempty,max=50"`
	InitialCredits models.Credits `json:"initial_credits,omitempty"`
}

// UpdateResellerRequest carries partial reseller updates.
// @Description Reseller update request
type UpdateResellerRequest struct {
	Email         *string `json:"email,omitempty" validate:"omitempty,email"`
	Password      *string `json:"password,omitempty" validate:"omitempty,min=8"`
	CompanyName   *string `json:"company_name,omitempty"`
	ContactPerson *string `json:"contact_person,omitempty"`
	Phone         *string `json:"phone,omitempty"`
	IsActive      *bool   `json:"is_active,omitempty"`
	IsVerified    *bool   `json:"is_verified,omitempty"`
}

// AssignCreditsRequest credits a reseller balance from the admin portal.
// @Description Credit assignment request
type AssignCreditsRequest struct {
	ResellerID  int            `json:"reseller_id" validate:"required"`
	Amount      models.Credits `json:"amount" validate:"required"`
	Description string         `json:"description,omitempty" validate:"omitempty,max=500"`
}

const resellerColumns = `id, username, email, COALESCE(company_name, ''), COALESCE(contact_person, ''),
	COALESCE(phone, ''), credits, version, is_active, is_verified, admin_id, created_at, updated_at, last_login`

func scanReseller(scanner interface{ Scan(...any) error }) (models.Reseller, error) {
	var rs models.Reseller
	err := scanner.Scan(&rs.ID, &rs.Username, &rs.Email, &rs.CompanyName, &rs.ContactPerson,
		&rs.Phone, &rs.Credits, &rs.Version, &rs.IsActive, &rs.IsVerified, &rs.AdminID,
		&rs.CreatedAt, &rs.UpdatedAt, &rs.LastLogin)
	return rs, err
}

// resellerOwnedBy resolves a reseller, enforcing admin ownership.
func (s *ResellerService) resellerOwnedBy(ctx context.Context, resellerID, adminID int) (*models.Reseller, error) {
	rs, err := scanReseller(s.db.QueryRowContext(ctx,
		`SELECT `+resellerColumns+` FROM resellers WHERE id = $1 AND admin_id = $2`,
		resellerID, adminID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

// CreateReseller registers a reseller account
// @Summary Create reseller
// @Description Create a reseller under the calling admin, optionally seeding an initial credit balance
// @Tags resellers
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreateResellerRequest true "Reseller"
// @Success 201 {object} models.Reseller
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse "Username or email taken"
// @Router /admin/resellers [post]
func (s *ResellerService) CreateReseller(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	var req CreateResellerRequest
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}
	if req.InitialCredits < 0 {
		SendErrorResponse(w, "initial_credits cannot be negative", http.StatusBadRequest, nil)
		return
	}

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	rs := models.Reseller{
		Username:      req.Username,
		Email:         req.Email,
		CompanyName:   req.CompanyName,
		ContactPerson: req.ContactPerson,
		Phone:         req.Phone,
		IsActive:      true,
		AdminID:       principal.ID,
	}
	now := time.Now()
	err = s.db.QueryRowContext(r.Context(), `
		INSERT INTO resellers (username, email, password_hash, company_name, contact_person, phone,
			credits, version, is_active, is_verified, admin_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0, TRUE, FALSE, $7, $8, $8)
		RETURNING id, created_at, updated_at`,
		req.Username, req.Email, passwordHash, req.CompanyName, req.ContactPerson, req.Phone,
		principal.ID, now).
		Scan(&rs.ID, &rs.CreatedAt, &rs.UpdatedAt)
	if isUniqueViolation(err) {
		sendServiceError(w, ErrConflict)
		return
	}
	if err != nil {
		sendServiceError(w, err)
		return
	}

	if req.InitialCredits > 0 {
		adminID := principal.ID
		entry, err := s.ledger.Apply(r.Context(), ApplyParams{
			ResellerID:  rs.ID,
			Amount:      req.InitialCredits,
			Kind:        models.KindAdminAssign,
			Description: "Initial credit assignment",
			AdminID:     &adminID,
		})
		if err != nil {
			log.Printf("[RESELLER] ALERT: reseller %d created but initial credit failed: %v", rs.ID, err)
			sendServiceError(w, err)
			return
		}
		rs.Credits = entry.BalanceAfter
	}

	log.Printf("[RESELLER] Created reseller %d (%s) under admin %d", rs.ID, rs.Username, principal.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(rs)
}

// ListResellers lists the calling admin's resellers
// @Summary List resellers
// @Tags resellers
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.Reseller
// @Router /admin/resellers [get]
func (s *ResellerService) ListResellers(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	rows, err := s.db.QueryContext(r.Context(),
		`SELECT `+resellerColumns+` FROM resellers WHERE admin_id = $1 ORDER BY created_at DESC`,
		principal.ID)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	defer rows.Close()

	resellers := []models.Reseller{}
	for rows.Next() {
		rs, err := scanReseller(rows)
		if err != nil {
			sendServiceError(w, err)
			return
		}
		resellers = append(resellers, rs)
	}
	if err := rows.Err(); err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resellers)
}

// GetReseller returns one reseller
// @Summary Get reseller
// @Tags resellers
// @Produce json
// @Security BearerAuth
// @Param resellerId path int true "Reseller ID"
// @Success 200 {object} models.Reseller
// @Failure 404 {object} ErrorResponse
// @Router /admin/resellers/{resellerId} [get]
func (s *ResellerService) GetReseller(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	resellerID, err := strconv.Atoi(chi.URLParam(r, "resellerId"))
	if err != nil {
		SendErrorResponse(w, "Invalid reseller id", http.StatusBadRequest, nil)
		return
	}

	rs, err := s.resellerOwnedBy(r.Context(), resellerID, principal.ID)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rs)
}

// UpdateReseller applies partial updates to a reseller account
// @Summary Update reseller
// @Tags resellers
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param resellerId path int true "Reseller ID"
// @Param request body UpdateResellerRequest true "Fields to update"
// @Success 200 {object} models.Reseller
// @Failure 404 {object} ErrorResponse
// @Router /admin/resellers/{resellerId} [put]
func (s *ResellerService) UpdateReseller(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	resellerID, err := strconv.Atoi(chi.URLParam(r, "resellerId"))
	if err != nil {
		SendErrorResponse(w, "Invalid reseller id", http.StatusBadRequest, nil)
		return
	}

	var req UpdateResellerRequest
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}

	rs, err := s.resellerOwnedBy(r.Context(), resellerID, principal.ID)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	if req.Email != nil {
		rs.Email = *req.Email
	}
	if req.CompanyName != nil {
		rs.CompanyName = *req.CompanyName
	}
	if req.ContactPerson != nil {
		rs.ContactPerson = *req.ContactPerson
	}
	if req.Phone != nil {
		rs.Phone = *req.Phone
	}
	if req.IsActive != nil {
		rs.IsActive = *req.IsActive
	}
	if req.IsVerified != nil {
		rs.IsVerified = *req.IsVerified
	}

	passwordHash := ""
	if req.Password != nil {
		passwordHash, err = hashPassword(*req.Password)
		if err != nil {
			sendServiceError(w, err)
			return
		}
	}

	rs.UpdatedAt = time.Now()
	_, err = s.db.ExecContext(r.Context(), `
		UPDATE resellers
		SET email = $1, company_name = $2, contact_person = $3, phone = $4,
		    is_active = $5, is_verified = $6,
		    password_hash = CASE WHEN $7 <> '' THEN $7 ELSE password_hash END,
		    updated_at = $8
		WHERE id = $9 AND admin_id = $10`,
		rs.Email, rs.CompanyName, rs.ContactPerson, rs.Phone, rs.IsActive, rs.IsVerified,
		passwordHash, rs.UpdatedAt, resellerID, principal.ID)
	if isUniqueViolation(err) {
		sendServiceError(w, ErrConflict)
		return
	}
	if err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rs)
}

// DeleteReseller removes a reseller account
// @Summary Delete reseller
// @Tags resellers
// @Security BearerAuth
// @Param resellerId path int true "Reseller ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /admin/resellers/{resellerId} [delete]
func (s *ResellerService) DeleteReseller(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	resellerID, err := strconv.Atoi(chi.URLParam(r, "resellerId"))
	if err != nil {
		SendErrorResponse(w, "Invalid reseller id", http.StatusBadRequest, nil)
		return
	}

	result, err := s.db.ExecContext(r.Context(),
		`DELETE FROM resellers WHERE id = $1 AND admin_id = $2`, resellerID, principal.ID)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	if n, _ := result.RowsAffected(); n == 0 {
		sendServiceError(w, ErrNotFound)
		return
	}

	log.Printf("[RESELLER] Deleted reseller %d by admin %d", resellerID, principal.ID)
	w.WriteHeader(http.StatusNoContent)
}

// AssignCredits credits a reseller balance
// @Summary Assign credits
// @Description Credit a reseller through the ledger; the entry records the acting admin
// @Tags credits
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body AssignCreditsRequest true "Assignment"
// @Success 200 {object} models.CreditTransaction
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /admin/credits/assign [post]
func (s *ResellerService) AssignCredits(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	var req AssignCreditsRequest
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}
	if req.Amount <= 0 {
		SendErrorResponse(w, "amount must be positive", http.StatusBadRequest, nil)
		return
	}

	if _, err := s.resellerOwnedBy(r.Context(), req.ResellerID, principal.ID); err != nil {
		sendServiceError(w, err)
		return
	}

	if req.Description == "" {
		req.Description = "Credits assigned by admin"
	}
	adminID := principal.ID
	entry, err := s.ledger.Apply(r.Context(), ApplyParams{
		ResellerID:  req.ResellerID,
		Amount:      req.Amount,
		Kind:        models.KindAdminAssign,
		Description: req.Description,
		AdminID:     &adminID,
	})
	if err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}

// ListTransactions returns a reseller's ledger history
// @Summary List credit transactions
// @Description Admins pass reseller_id; resellers see their own history
// @Tags credits
// @Produce json
// @Security BearerAuth
// @Param reseller_id query int false "Reseller (admin only)"
// @Param limit query int false "Max rows (default 100)"
// @Success 200 {array} models.CreditTransaction
// @Failure 404 {object} ErrorResponse
// @Router /admin/credits/transactions [get]
func (s *ResellerService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	resellerID := principal.ID
	if principal.Role == middleware.RoleAdmin {
		id, err := strconv.Atoi(r.URL.Query().Get("reseller_id"))
		if err != nil {
			SendErrorResponse(w, "reseller_id is required", http.StatusBadRequest, nil)
			return
		}
		if _, err := s.resellerOwnedBy(r.Context(), id, principal.ID); err != nil {
			sendServiceError(w, err)
			return
		}
		resellerID = id
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	transactions, err := s.ledger.Transactions(r.Context(), resellerID, limit)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transactions)
}

// Profile returns the calling reseller's own account
// @Summary Reseller profile
// @Tags resellers
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.Reseller
// @Router /reseller/profile [get]
func (s *ResellerService) Profile(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	rs, err := scanReseller(s.db.QueryRowContext(r.Context(),
		`SELECT `+resellerColumns+` FROM resellers WHERE id = $1`, principal.ID))
	if err == sql.ErrNoRows {
		sendServiceError(w, ErrNotFound)
		return
	}
	if err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rs)
}

// AssignApp grants a reseller issuance access to an application
// @Summary Grant app to reseller
// @Tags resellers
// @Produce json
// @Security BearerAuth
// @Param resellerId path int true "Reseller ID"
// @Param appId path int true "App ID"
// @Success 201 {object} models.ResellerApplication
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse "Already granted"
// @Router /admin/resellers/{resellerId}/apps/{appId} [post]
func (s *ResellerService) AssignApp(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	resellerID, err := strconv.Atoi(chi.URLParam(r, "resellerId"))
	if err != nil {
		SendErrorResponse(w, "Invalid reseller id", http.StatusBadRequest, nil)
		return
	}
	appID, err := strconv.Atoi(chi.URLParam(r, "appId"))
	if err != nil {
		SendErrorResponse(w, "Invalid app id", http.StatusBadRequest, nil)
		return
	}

	if _, err := s.resellerOwnedBy(r.Context(), resellerID, principal.ID); err != nil {
		sendServiceError(w, err)
		return
	}
	var ownedAppID int
	err = s.db.QueryRowContext(r.Context(),
		`SELECT id FROM apps WHERE id = $1 AND admin_id = $2`, appID, principal.ID).Scan(&ownedAppID)
	if err == sql.ErrNoRows {
		sendServiceError(w, ErrNotFound)
		return
	}
	if err != nil {
		sendServiceError(w, err)
		return
	}

	grant := models.ResellerApplication{ResellerID: resellerID, AppID: appID, IsActive: true}
	err = s.db.QueryRowContext(r.Context(), `
		INSERT INTO reseller_applications (reseller_id, app_id, is_active, created_at)
		VALUES ($1, $2, TRUE, $3)
		RETURNING id, created_at`,
		resellerID, appID, time.Now()).
		Scan(&grant.ID, &grant.CreatedAt)
	if isUniqueViolation(err) {
		sendServiceError(w, ErrConflict)
		return
	}
	if err != nil {
		sendServiceError(w, err)
		return
	}

	log.Printf("[RESELLER] Granted app %d to reseller %d", appID, resellerID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(grant)
}

// RemoveApp revokes a reseller's issuance access to an application
// @Summary Revoke app from reseller
// @Tags resellers
// @Security BearerAuth
// @Param resellerId path int true "Reseller ID"
// @Param appId path int true "App ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /admin/resellers/{resellerId}/apps/{appId} [delete]
func (s *ResellerService) RemoveApp(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	resellerID, err := strconv.Atoi(chi.URLParam(r, "resellerId"))
	if err != nil {
		SendErrorResponse(w, "Invalid reseller id", http.StatusBadRequest, nil)
		return
	}
	appID, err := strconv.Atoi(chi.URLParam(r, "appId"))
	if err != nil {
		SendErrorResponse(w, "Invalid app id", http.StatusBadRequest, nil)
		return
	}

	result, err := s.db.ExecContext(r.Context(), `
		DELETE FROM reseller_applications ra
		USING resellers rs
		WHERE ra.reseller_id = rs.id AND ra.reseller_id = $1 AND ra.app_id = $2 AND rs.admin_id = $3`,
		resellerID, appID, principal.ID)
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

// ListGrantedApps lists the apps the calling reseller can issue licenses for
// @Summary List granted apps
// @Tags resellers
// @Produce json
// @Security BearerAuth
// @Success 200 {array} models.App
// @Router /reseller/apps [get]
func (s *ResellerService) ListGrantedApps(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT a.id, a.name, COALESCE(a.description, ''), a.version, a.force_update, a.is_active, a.created_at
		FROM apps a
		JOIN reseller_applications ra ON ra.app_id = a.id
		WHERE ra.reseller_id = $1 AND ra.is_active = TRUE AND a.is_active = TRUE
		ORDER BY a.name`, principal.ID)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	defer rows.Close()

	type grantedApp struct {
		ID          int       `json:"id"`
		Name        string    `json:"name"`
		Description string    `json:"description,omitempty"`
		Version     string    `json:"version"`
		ForceUpdate bool      `json:"force_update"`
		IsActive    bool      `json:"is_active"`
		CreatedAt   time.Time `json:"created_at"`
	}
	apps := []grantedApp{}
	for rows.Next() {
		var a grantedApp
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &a.Version, &a.ForceUpdate,
			&a.IsActive, &a.CreatedAt); err != nil {
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
