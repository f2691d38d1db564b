package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/keyforge/backend/internal/middleware"
	"github.com/keyforge/backend/internal/models"
	"github.com/lib/pq"
)

// TicketBroadcaster pushes ticket events to currently-connected
// subscribers. Delivery is best-effort and never blocks a mutation.
type TicketBroadcaster interface {
	BroadcastToTicket(ticketID int, event map[string]any)
	SendToParticipant(role string, participantID int, event map[string]any)
}

// TicketService owns the support/topup ticket lifecycle. Topup approval
// commits the ledger credit and the status flip as one transaction, and
// reseller-facing reads strip internal notes before serialization.
type TicketService struct {
	db        *sql.DB
	ledger    *LedgerService
	hub       TicketBroadcaster
	validator *ValidationHelper
}

func NewTicketService(db *sql.DB, ledger *LedgerService, hub TicketBroadcaster) *TicketService {
	return &TicketService{
		db:        db,
		ledger:    ledger,
		hub:       hub,
		validator: NewValidationHelper(),
	}
}

func (s *TicketService) broadcast(ticketID int, event map[string]any) {
	if s.hub != nil {
		s.hub.BroadcastToTicket(ticketID, event)
	}
}

func (s *TicketService) notify(role string, participantID int, event map[string]any) {
	if s.hub != nil {
		s.hub.SendToParticipant(role, participantID, event)
	}
}

// CreateTicketRequest is the ticket creation payload.
// @Description Ticket creation request
type CreateTicketRequest struct {
	Title       string                `json:"title" validate:"required,max=255"`
	Description string                `json:"description,omitempty"`
	Type        models.TicketType     `json:"ticket_type" validate:"required"`
	Priority    models.TicketPriority `json:"priority,omitempty"`
	TopupAmount *models.Credits       `json:"topup_amount,omitempty"`
}

// MessageRequest is the ticket message payload.
// @Description Ticket message request
type MessageRequest struct {
	Message        string `json:"message" validate:"required"`
	IsInternalNote bool   `json:"is_internal_note,omitempty"`
}

// AttachmentRequest attaches a stored file or an external link to a message.
// @Description Ticket attachment request
type AttachmentRequest struct {
	Type      models.AttachmentType `json:"attachment_type" validate:"required"`
	FilePath  string                `json:"file_path,omitempty" validate:"omitempty,max=500"`
	FileName  string                `json:"file_name,omitempty" validate:"omitempty,max=255"`
	FileSize  int64                 `json:"file_size,omitempty" validate:"omitempty,gte=0"`
	LinkURL   string                `json:"link_url,omitempty" validate:"omitempty,url,max=1000"`
	LinkTitle string                `json:"link_title,omitempty" validate:"omitempty,max=255"`
}

func (s *TicketService) createTicket(ctx context.Context, resellerID int, req CreateTicketRequest) (*models.Ticket, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("invalid ticket type %q", req.Type)
	}
	if req.Priority == "" {
		req.Priority = models.PriorityMedium
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("invalid ticket priority %q", req.Priority)
	}
	if req.Type == models.TypeTopupRequest && (req.TopupAmount == nil || *req.TopupAmount <= 0) {
		return nil, fmt.Errorf("topup request requires a positive topup_amount")
	}

	ticket := &models.Ticket{
		ResellerID:  resellerID,
		Title:       req.Title,
		Description: req.Description,
		Status:      models.StatusOpen,
		Priority:    req.Priority,
		Type:        req.Type,
		TopupAmount: req.TopupAmount,
		Messages:    []models.TicketMessage{},
	}

	var topup *int64
	if req.TopupAmount != nil {
		v := int64(*req.TopupAmount)
		topup = &v
	}
	now := time.Now()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tickets (reseller_id, title, description, status, priority, ticket_type, topup_amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING id, created_at, updated_at`,
		resellerID, req.Title, req.Description, string(models.StatusOpen), string(req.Priority),
		string(req.Type), topup, now).
		Scan(&ticket.ID, &ticket.CreatedAt, &ticket.UpdatedAt)
	if err != nil {
		return nil, err
	}

	log.Printf("[TICKET] Created ticket %d (%s) for reseller %d", ticket.ID, ticket.Type, resellerID)
	return ticket, nil
}

// loadMessages fills in the ordered message threads for the given tickets.
// When includeInternal is false, internal notes are excluded in SQL so they
// can never leak into a reseller-facing response.
func (s *TicketService) loadMessages(ctx context.Context, tickets []models.Ticket, includeInternal bool) error {
	if len(tickets) == 0 {
		return nil
	}

	byID := make(map[int]*models.Ticket, len(tickets))
	ticketIDs := make([]int64, 0, len(tickets))
	for i := range tickets {
		tickets[i].Messages = []models.TicketMessage{}
		byID[tickets[i].ID] = &tickets[i]
		ticketIDs = append(ticketIDs, int64(tickets[i].ID))
	}

	query := `
		SELECT id, ticket_id, sender_type, sender_id, message, is_internal_note, created_at
		FROM ticket_messages
		WHERE ticket_id = ANY($1)`
	if !includeInternal {
		query += ` AND is_internal_note = FALSE`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(ticketIDs))
	if err != nil {
		return err
	}
	defer rows.Close()

	messageIDs := []int64{}
	byMessageID := map[int]*models.TicketMessage{}
	for rows.Next() {
		var m models.TicketMessage
		if err := rows.Scan(&m.ID, &m.TicketID, &m.SenderType, &m.SenderID, &m.Message,
			&m.IsInternalNote, &m.CreatedAt); err != nil {
			return err
		}
		m.Attachments = []models.TicketAttachment{}
		t := byID[m.TicketID]
		t.Messages = append(t.Messages, m)
		byMessageID[m.ID] = &t.Messages[len(t.Messages)-1]
		messageIDs = append(messageIDs, int64(m.ID))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(messageIDs) == 0 {
		return nil
	}

	attRows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, attachment_type, COALESCE(file_path, ''), COALESCE(file_name, ''),
		       COALESCE(file_size, 0), COALESCE(link_url, ''), COALESCE(link_title, ''), created_at
		FROM ticket_attachments
		WHERE message_id = ANY($1)
		ORDER BY created_at`, pq.Array(messageIDs))
	if err != nil {
		return err
	}
	defer attRows.Close()

	for attRows.Next() {
		var a models.TicketAttachment
		if err := attRows.Scan(&a.ID, &a.MessageID, &a.Type, &a.FilePath, &a.FileName,
			&a.FileSize, &a.LinkURL, &a.LinkTitle, &a.CreatedAt); err != nil {
			return err
		}
		if m, ok := byMessageID[a.MessageID]; ok {
			m.Attachments = append(m.Attachments, a)
		}
	}
	return attRows.Err()
}

func scanTicket(scanner interface{ Scan(...any) error }) (models.Ticket, error) {
	var t models.Ticket
	var topup *int64
	err := scanner.Scan(&t.ID, &t.ResellerID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&t.Type, &topup, &t.AssignedToAdminID, &t.CreatedAt, &t.UpdatedAt, &t.ResolvedAt)
	if err != nil {
		return t, err
	}
	if topup != nil {
		c := models.Credits(*topup)
		t.TopupAmount = &c
	}
	return t, nil
}

const ticketColumns = `id, reseller_id, title, COALESCE(description, ''), status, priority, ticket_type,
	topup_amount, assigned_to_admin_id, created_at, updated_at, resolved_at`

// ticketScope narrows ticket queries to what the caller may see: a
// reseller to its own tickets, an admin to tickets of its own resellers.
// Both may be set when an admin filters by one of its resellers.
type ticketScope struct {
	resellerID *int
	adminID    *int
}

func callerScope(p *middleware.Principal) ticketScope {
	id := p.ID
	if p.Role == middleware.RoleReseller {
		return ticketScope{resellerID: &id}
	}
	return ticketScope{adminID: &id}
}

// narrow appends the scope predicates for the given reseller-id column.
func (sc ticketScope) narrow(query string, args []any, col string) (string, []any) {
	if sc.resellerID != nil {
		args = append(args, *sc.resellerID)
		query += fmt.Sprintf(` AND %s = $%d`, col, len(args))
	}
	if sc.adminID != nil {
		args = append(args, *sc.adminID)
		query += fmt.Sprintf(` AND %s IN (SELECT id FROM resellers WHERE admin_id = $%d)`, col, len(args))
	}
	return query, args
}

func (s *TicketService) listTickets(ctx context.Context, scope ticketScope, status string, includeInternal bool) ([]models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE 1=1`
	args := []any{}
	query, args = scope.narrow(query, args, "reseller_id")
	if status != "" {
		if !models.TicketStatus(status).Valid() {
			return nil, fmt.Errorf("invalid ticket status %q", status)
		}
		args = append(args, status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC LIMIT 100`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tickets := []models.Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadMessages(ctx, tickets, includeInternal); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *TicketService) getTicket(ctx context.Context, ticketID int, scope ticketScope, includeInternal bool) (*models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id = $1`
	args := []any{ticketID}
	query, args = scope.narrow(query, args, "reseller_id")

	t, err := scanTicket(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	tickets := []models.Ticket{t}
	if err := s.loadMessages(ctx, tickets, includeInternal); err != nil {
		return nil, err
	}
	return &tickets[0], nil
}

// addMessage appends a message, touches the ticket, and auto-advances an
// open ticket to in_progress when the sender is an admin.
func (s *TicketService) addMessage(ctx context.Context, ticketID int, sender models.SenderType, senderID int, scope ticketScope, req MessageRequest) (*models.TicketMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := `SELECT status FROM tickets WHERE id = $1`
	args := []any{ticketID}
	query, args = scope.narrow(query, args, "reseller_id")
	query += ` FOR UPDATE`

	var status models.TicketStatus
	if err := tx.QueryRow(query, args...).Scan(&status); err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}

	msg := &models.TicketMessage{
		TicketID:       ticketID,
		SenderType:     sender,
		SenderID:       senderID,
		Message:        req.Message,
		IsInternalNote: sender == models.SenderAdmin && req.IsInternalNote,
		Attachments:    []models.TicketAttachment{},
	}
	err = tx.QueryRow(`
		INSERT INTO ticket_messages (ticket_id, sender_type, sender_id, message, is_internal_note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		ticketID, string(sender), senderID, req.Message, msg.IsInternalNote, time.Now()).
		Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}

	newStatus := status
	if sender == models.SenderAdmin && status == models.StatusOpen {
		newStatus = models.StatusInProgress
	}
	if _, err := tx.Exec(`UPDATE tickets SET status = $1, updated_at = $2 WHERE id = $3`,
		string(newStatus), time.Now(), ticketID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	// Internal notes are broadcast as admin-only events; the hub payload
	// for regular messages mirrors what reseller reads would return.
	if !msg.IsInternalNote {
		s.broadcast(ticketID, map[string]any{
			"type":      "new_message",
			"ticket_id": ticketID,
			"message":   msg,
		})
	}
	return msg, nil
}

// ApproveTopup credits the reseller and resolves the topup ticket as one
// atomic unit: a crash cannot leave a resolved ticket with no transaction
// or a credited balance on an open ticket.
func (s *TicketService) ApproveTopup(ctx context.Context, ticketID, adminID int) (*models.CreditTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var resellerID int
	var ticketType models.TicketType
	var status models.TicketStatus
	var topup *int64
	err = tx.QueryRow(`
		SELECT reseller_id, ticket_type, status, topup_amount
		FROM tickets
		WHERE id = $1 AND reseller_id IN (SELECT id FROM resellers WHERE admin_id = $2)
		FOR UPDATE`, ticketID, adminID).Scan(&resellerID, &ticketType, &status, &topup)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if ticketType != models.TypeTopupRequest {
		return nil, fmt.Errorf("ticket %d is not a topup request", ticketID)
	}
	if status == models.StatusResolved || status == models.StatusClosed {
		return nil, ErrAlreadyProcessed
	}
	if topup == nil || *topup <= 0 {
		return nil, fmt.Errorf("ticket %d has no topup amount", ticketID)
	}

	entry, err := s.ledger.ApplyTx(tx, ApplyParams{
		ResellerID:  resellerID,
		Amount:      models.Credits(*topup),
		Kind:        models.KindTopupApproved,
		Description: fmt.Sprintf("Topup approved for ticket #%d", ticketID),
		AdminID:     &adminID,
		TicketID:    &ticketID,
	})
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`
		UPDATE tickets
		SET status = $1, resolved_at = $2, assigned_to_admin_id = $3, updated_at = $2
		WHERE id = $4`,
		string(models.StatusResolved), time.Now(), adminID, ticketID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[TICKET] Topup ticket %d approved by admin %d, credited %s", ticketID, adminID, entry.Amount)
	s.broadcast(ticketID, map[string]any{
		"type":      "topup_approved",
		"ticket_id": ticketID,
		"amount":    entry.Amount,
	})
	// The reseller also hears about the credit on every socket it has
	// open, not just ones watching this ticket.
	s.notify(middleware.RoleReseller, resellerID, map[string]any{
		"type":        "credits_updated",
		"ticket_id":   ticketID,
		"amount":      entry.Amount,
		"new_balance": entry.BalanceAfter,
	})
	return entry, nil
}

// CreateTicket opens a new ticket
// @Summary Create ticket
// @Description Open a support or topup ticket. Admins pass reseller_id to open on a reseller's behalf.
// @Tags tickets
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param reseller_id query int false "Reseller (admin only)"
// @Param request body CreateTicketRequest true "Ticket"
// @Success 201 {object} models.Ticket
// @Failure 400 {object} ErrorResponse
// @Router /reseller/tickets [post]
func (s *TicketService) CreateTicket(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	resellerID := principal.ID
	if principal.Role == middleware.RoleAdmin {
		id, err := strconv.Atoi(r.URL.Query().Get("reseller_id"))
		if err != nil {
			SendErrorResponse(w, "reseller_id is required", http.StatusBadRequest, nil)
			return
		}
		var one int
		err = s.db.QueryRowContext(r.Context(),
			`SELECT 1 FROM resellers WHERE id = $1 AND admin_id = $2`, id, principal.ID).Scan(&one)
		if err == sql.ErrNoRows {
			sendServiceError(w, ErrNotFound)
			return
		}
		if err != nil {
			sendServiceError(w, err)
			return
		}
		resellerID = id
	}

	var req CreateTicketRequest
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}

	ticket, err := s.createTicket(r.Context(), resellerID, req)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(ticket)
}

// ListTickets lists tickets visible to the caller
// @Summary List tickets
// @Tags tickets
// @Produce json
// @Security BearerAuth
// @Param status query string false "Status filter"
// @Param reseller_id query int false "Reseller filter (admin only)"
// @Success 200 {array} models.Ticket
// @Router /admin/tickets [get]
func (s *TicketService) ListTickets(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())

	scope := callerScope(principal)
	if principal.Role == middleware.RoleAdmin {
		if id, err := strconv.Atoi(r.URL.Query().Get("reseller_id")); err == nil {
			scope.resellerID = &id
		}
	}

	tickets, err := s.listTickets(r.Context(), scope, r.URL.Query().Get("status"),
		principal.Role == middleware.RoleAdmin)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tickets)
}

// GetTicket returns one ticket with its message thread
// @Summary Get ticket
// @Tags tickets
// @Produce json
// @Security BearerAuth
// @Param ticketId path int true "Ticket ID"
// @Success 200 {object} models.Ticket
// @Failure 404 {object} ErrorResponse
// @Router /admin/tickets/{ticketId} [get]
func (s *TicketService) GetTicket(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	ticketID, err := strconv.Atoi(chi.URLParam(r, "ticketId"))
	if err != nil {
		SendErrorResponse(w, "Invalid ticket id", http.StatusBadRequest, nil)
		return
	}

	ticket, err := s.getTicket(r.Context(), ticketID, callerScope(principal),
		principal.Role == middleware.RoleAdmin)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ticket)
}

// UpdateTicket changes ticket status or priority
// @Summary Update ticket
// @Tags tickets
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param ticketId path int true "Ticket ID"
// @Param request body object{status=string,priority=string} true "Update"
// @Success 200 {object} models.Ticket
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /admin/tickets/{ticketId} [put]
func (s *TicketService) UpdateTicket(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	ticketID, err := strconv.Atoi(chi.URLParam(r, "ticketId"))
	if err != nil {
		SendErrorResponse(w, "Invalid ticket id", http.StatusBadRequest, nil)
		return
	}

	var req struct {
		Status   models.TicketStatus   `json:"status,omitempty"`
		Priority models.TicketPriority `json:"priority,omitempty"`
	}
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}

	tx, err := s.db.BeginTx(r.Context(), nil)
	if err != nil {
		sendServiceError(w, err)
		return
	}
	defer tx.Rollback()

	lockQuery := `SELECT ` + ticketColumns + ` FROM tickets WHERE id = $1`
	lockArgs := []any{ticketID}
	lockQuery, lockArgs = callerScope(principal).narrow(lockQuery, lockArgs, "reseller_id")
	t, err := scanTicket(tx.QueryRow(lockQuery+` FOR UPDATE`, lockArgs...))
	if err == sql.ErrNoRows {
		sendServiceError(w, ErrNotFound)
		return
	}
	if err != nil {
		sendServiceError(w, err)
		return
	}

	if req.Status != "" {
		if !req.Status.Valid() || !t.Status.CanTransitionTo(req.Status) {
			SendErrorResponse(w, fmt.Sprintf("Cannot transition ticket from %s to %s", t.Status, req.Status),
				http.StatusBadRequest, nil)
			return
		}
		if req.Status == models.StatusResolved && t.ResolvedAt == nil {
			now := time.Now()
			t.ResolvedAt = &now
		}
		t.Status = req.Status
	}
	if req.Priority != "" {
		if !req.Priority.Valid() {
			SendErrorResponse(w, "Invalid priority", http.StatusBadRequest, nil)
			return
		}
		t.Priority = req.Priority
	}

	t.UpdatedAt = time.Now()
	if _, err := tx.Exec(`
		UPDATE tickets SET status = $1, priority = $2, resolved_at = $3, updated_at = $4 WHERE id = $5`,
		string(t.Status), string(t.Priority), t.ResolvedAt, t.UpdatedAt, ticketID); err != nil {
		sendServiceError(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		sendServiceError(w, err)
		return
	}

	s.broadcast(ticketID, map[string]any{
		"type":      "ticket_updated",
		"ticket_id": ticketID,
		"status":    t.Status,
		"priority":  t.Priority,
	})

	t.Messages = []models.TicketMessage{}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(t)
}

// AddMessage appends a message to a ticket
// @Summary Add ticket message
// @Tags tickets
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param ticketId path int true "Ticket ID"
// @Param request body MessageRequest true "Message"
// @Success 201 {object} models.TicketMessage
// @Failure 404 {object} ErrorResponse
// @Router /admin/tickets/{ticketId}/messages [post]
func (s *TicketService) AddMessage(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	ticketID, err := strconv.Atoi(chi.URLParam(r, "ticketId"))
	if err != nil {
		SendErrorResponse(w, "Invalid ticket id", http.StatusBadRequest, nil)
		return
	}

	var req MessageRequest
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}

	sender := models.SenderReseller
	if principal.Role == middleware.RoleAdmin {
		sender = models.SenderAdmin
	}

	msg, err := s.addMessage(r.Context(), ticketID, sender, principal.ID, callerScope(principal), req)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(msg)
}

// AddAttachment attaches a file reference or link to a message
// @Summary Add message attachment
// @Tags tickets
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param ticketId path int true "Ticket ID"
// @Param messageId path int true "Message ID"
// @Param request body AttachmentRequest true "Attachment"
// @Success 201 {object} models.TicketAttachment
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /admin/tickets/{ticketId}/messages/{messageId}/attachments [post]
func (s *TicketService) AddAttachment(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	ticketID, err := strconv.Atoi(chi.URLParam(r, "ticketId"))
	if err != nil {
		SendErrorResponse(w, "Invalid ticket id", http.StatusBadRequest, nil)
		return
	}
	messageID, err := strconv.Atoi(chi.URLParam(r, "messageId"))
	if err != nil {
		SendErrorResponse(w, "Invalid message id", http.StatusBadRequest, nil)
		return
	}

	var req AttachmentRequest
	if !decodeJSON(w, r, &req, s.validator) {
		return
	}
	switch req.Type {
	case models.AttachmentFile:
		if req.FilePath == "" || req.FileName == "" {
			SendErrorResponse(w, "file_path and file_name are required for file attachments", http.StatusBadRequest, nil)
			return
		}
	case models.AttachmentLink:
		if req.LinkURL == "" {
			SendErrorResponse(w, "link_url is required for link attachments", http.StatusBadRequest, nil)
			return
		}
		if req.LinkTitle == "" {
			req.LinkTitle = req.LinkURL
		}
	default:
		SendErrorResponse(w, "attachment_type must be file or link", http.StatusBadRequest, nil)
		return
	}

	// The message must belong to the ticket, and resellers may only attach
	// to their own messages on their own tickets.
	query := `
		SELECT m.id
		FROM ticket_messages m
		JOIN tickets t ON t.id = m.ticket_id
		WHERE m.id = $1 AND m.ticket_id = $2`
	args := []any{messageID, ticketID}
	if principal.Role == middleware.RoleReseller {
		query += ` AND t.reseller_id = $3 AND m.sender_type = 'reseller' AND m.sender_id = $3`
		args = append(args, principal.ID)
	} else {
		query += ` AND t.reseller_id IN (SELECT id FROM resellers WHERE admin_id = $3)`
		args = append(args, principal.ID)
	}
	var id int
	if err := s.db.QueryRowContext(r.Context(), query, args...).Scan(&id); err == sql.ErrNoRows {
		sendServiceError(w, ErrNotFound)
		return
	} else if err != nil {
		sendServiceError(w, err)
		return
	}

	att := models.TicketAttachment{
		MessageID: messageID,
		Type:      req.Type,
		FilePath:  req.FilePath,
		FileName:  req.FileName,
		FileSize:  req.FileSize,
		LinkURL:   req.LinkURL,
		LinkTitle: req.LinkTitle,
	}
	err = s.db.QueryRowContext(r.Context(), `
		INSERT INTO ticket_attachments (message_id, attachment_type, file_path, file_name, file_size, link_url, link_title, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		messageID, string(req.Type), req.FilePath, req.FileName, req.FileSize,
		req.LinkURL, req.LinkTitle, time.Now()).
		Scan(&att.ID, &att.CreatedAt)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(att)
}

// DownloadAttachment streams a stored file attachment
// @Summary Download attachment
// @Tags tickets
// @Produce octet-stream
// @Security BearerAuth
// @Param ticketId path int true "Ticket ID"
// @Param attachmentId path int true "Attachment ID"
// @Success 200 {file} binary
// @Failure 404 {object} ErrorResponse
// @Router /admin/tickets/{ticketId}/attachments/{attachmentId} [get]
func (s *TicketService) DownloadAttachment(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	ticketID, err := strconv.Atoi(chi.URLParam(r, "ticketId"))
	if err != nil {
		SendErrorResponse(w, "Invalid ticket id", http.StatusBadRequest, nil)
		return
	}
	attachmentID, err := strconv.Atoi(chi.URLParam(r, "attachmentId"))
	if err != nil {
		SendErrorResponse(w, "Invalid attachment id", http.StatusBadRequest, nil)
		return
	}

	query := `
		SELECT COALESCE(a.file_path, ''), COALESCE(a.file_name, ''), a.attachment_type
		FROM ticket_attachments a
		JOIN ticket_messages m ON m.id = a.message_id
		JOIN tickets t ON t.id = m.ticket_id
		WHERE a.id = $1 AND t.id = $2`
	args := []any{attachmentID, ticketID}
	if principal.Role == middleware.RoleReseller {
		query += ` AND t.reseller_id = $3 AND m.is_internal_note = FALSE`
		args = append(args, principal.ID)
	} else {
		query += ` AND t.reseller_id IN (SELECT id FROM resellers WHERE admin_id = $3)`
		args = append(args, principal.ID)
	}

	var filePath, fileName string
	var attType models.AttachmentType
	err = s.db.QueryRowContext(r.Context(), query, args...).Scan(&filePath, &fileName, &attType)
	if err == sql.ErrNoRows {
		sendServiceError(w, ErrNotFound)
		return
	}
	if err != nil {
		sendServiceError(w, err)
		return
	}

	if attType != models.AttachmentFile || filePath == "" {
		SendErrorResponse(w, "Not a file attachment", http.StatusBadRequest, nil)
		return
	}
	if _, err := os.Stat(filePath); err != nil {
		sendServiceError(w, ErrNotFound)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(fileName)))
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, filePath)
}

// ApproveTopupHandler approves a topup ticket and credits the reseller
// @Summary Approve topup request
// @Description Credit the requested amount and resolve the ticket atomically
// @Tags tickets
// @Produce json
// @Security BearerAuth
// @Param ticketId path int true "Ticket ID"
// @Success 200 {object} models.CreditTransaction
// @Failure 400 {object} ErrorResponse "Already processed"
// @Failure 404 {object} ErrorResponse
// @Router /admin/tickets/{ticketId}/approve-topup [post]
func (s *TicketService) ApproveTopupHandler(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.PrincipalFromContext(r.Context())
	ticketID, err := strconv.Atoi(chi.URLParam(r, "ticketId"))
	if err != nil {
		SendErrorResponse(w, "Invalid ticket id", http.StatusBadRequest, nil)
		return
	}

	entry, err := s.ApproveTopup(r.Context(), ticketID, principal.ID)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}
