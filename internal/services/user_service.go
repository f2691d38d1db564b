package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/keyforge/backend/internal/middleware"
	"github.com/keyforge/backend/internal/models"
)

// UserService manages end-user accounts from the admin portal: listing,
// banning and removal. A banned user fails every client login and license
// redemption until unbanned. Everything is scoped through apps.admin_id.
type UserService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewUserService(db *sql.DB) *UserService {
	return &UserService{db: db, validator: NewValidationHelper()}
}

// BanRequest carries the reason shown to the user on rejected logins.
// @Description User ban request
type BanRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

const userColumns = `u.id, u.username, COALESCE(u.email, ''), COALESCE(u.hwid, ''), COALESCE(u.ip_address, ''),
	COALESCE(u.subscription_name, ''), u.expiry_timestamp, u.created_at, u.last_login_time,
	u.is_banned, COALESCE(u.ban_reason, ''), u.app_id`

func scanUser(scanner interface{ Scan(...any) error }) (models.User, error) {
	var u models.User
	err := scanner.Scan(&u.ID, &u.Username, &u.Email, &u.Hwid, &u.IPAddress, &u.SubscriptionName,
		&u.ExpiryTimestamp, &u.CreatedAt, &u.LastLoginTime, &u.IsBanned, &u.BanReason, &u.AppID)
	return u, err
}

func (s *UserService) listUsers(ctx context.Context, adminID int, appID *int) ([]models.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users u
		JOIN apps a ON a.id = u.app_id
		WHERE a.admin_id = $1`
	args := []any{adminID}
	if appID != nil {
		args = append(args, *appID)
		query += ` AND u.app_id = $2`
	}
	query += ` ORDER BY u.created_at DESC LIMIT 500`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *UserService) getUser(ctx context.Context, adminID, userID int) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users u
		JOIN apps a ON a.id = u.app_id
		WHERE u.id = $1 AND a.admin_id = $2`, userID, adminID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// setBanned flips the ban flag. The reason is kept on ban and cleared on
// unban so a later ban cannot surface a stale explanation.
func (s *UserService) setBanned(ctx context.Context, adminID, userID int, banned bool, reason string) error {
	var reasonArg *string
	if banned && reason != "" {
		reasonArg = &reason
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_banned = $1, ban_reason = $2
		FROM apps
		WHERE users.app_id = apps.id AND users.id = $3 AND apps.admin_id = $4`,
		banned, reasonArg, userID, adminID)
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
	if banned {
		log.Printf("[USER] User %d banned by admin %d: %s", userID, adminID, reason)
	} else {
		log.Printf("[USER] User %d unbanned by admin %d", userID, adminID)
	}
	return nil
}

func (s *UserService) deleteUser(ctx context.Context, adminID, userID int) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM users
		USING apps
		WHERE users.app_id = apps.id AND users.id = $1 AND apps.admin_id = $2`,
		userID, adminID)
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
	log.Printf("[USER] User %d deleted by admin %d", userID, adminID)
	return nil
}

// ListUsers lists end-users across the admin's applications
// @Summary List users
// @Tags users
// @Produce json
// @Security BearerAuth
// @Param app_id query int false "Filter by application"
// @Success 200 {array} models.User
// @Router /admin/users [get]
func (s *UserService) ListUsers(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	var appID *int
	if id, err := strconv.Atoi(r.URL.Query().Get("app_id")); err == nil {
		appID = &id
	}

	users, err := s.listUsers(r.Context(), principal.ID, appID)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(users)
}

// GetUser returns one end-user account
// @Summary Get user
// @Tags users
// @Produce json
// @Security BearerAuth
// @Param userId path int true "User ID"
// @Success 200 {object} models.User
// @Failure 404 {object} ErrorResponse
// @Router /admin/users/{userId} [get]
func (s *UserService) GetUser(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	userID, err := strconv.Atoi(chi.URLParam(r, "userId"))
	if err != nil {
		SendErrorResponse(w, "Invalid user id", http.StatusBadRequest, nil)
		return
	}

	user, err := s.getUser(r.Context(), principal.ID, userID)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

// BanUser blocks an end-user from logging in or redeeming licenses
// @Summary Ban user
// @Tags users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param userId path int true "User ID"
// @Param request body BanRequest true "Ban reason"
// @Success 200 {object} map[string]any
// @Failure 404 {object} ErrorResponse
// @Router /admin/users/{userId}/ban [post]
func (s *UserService) BanUser(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	userID, err := strconv.Atoi(chi.URLParam(r, "userId"))
	if err != nil {
		SendErrorResponse(w, "Invalid user id", http.StatusBadRequest, nil)
		return
	}

	var req BanRequest
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}

	if err := s.setBanned(r.Context(), principal.ID, userID, true, req.Reason); err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "User banned"})
}

// UnbanUser restores a banned end-user
// @Summary Unban user
// @Tags users
// @Produce json
// @Security BearerAuth
// @Param userId path int true "User ID"
// @Success 200 {object} map[string]any
// @Failure 404 {object} ErrorResponse
// @Router /admin/users/{userId}/unban [post]
func (s *UserService) UnbanUser(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	userID, err := strconv.Atoi(chi.URLParam(r, "userId"))
	if err != nil {
		SendErrorResponse(w, "Invalid user id", http.StatusBadRequest, nil)
		return
	}

	if err := s.setBanned(r.Context(), principal.ID, userID, false, ""); err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "User unbanned"})
}

// DeleteUser removes an end-user account
// @Summary Delete user
// @Tags users
// @Produce json
// @Security BearerAuth
// @Param userId path int true "User ID"
// @Success 200 {object} map[string]any
// @Failure 404 {object} ErrorResponse
// @Router /admin/users/{userId} [delete]
func (s *UserService) DeleteUser(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	userID, err := strconv.Atoi(chi.URLParam(r, "userId"))
	if err != nil {
		SendErrorResponse(w, "Invalid user id", http.StatusBadRequest, nil)
		return
	}

	if err := s.deleteUser(r.Context(), principal.ID, userID); err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "User deleted"})
}
