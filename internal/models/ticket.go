package models

import "time"

type TicketStatus string

const (
	StatusOpen       TicketStatus = "open"
	StatusInProgress TicketStatus = "in_progress"
	StatusResolved   TicketStatus = "resolved"
	StatusClosed     TicketStatus = "closed"
)

func (s TicketStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
func (s TicketStatus) CanTransitionTo(next TicketStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusOpen:
		return next == StatusInProgress || next == StatusResolved || next == StatusClosed
	case StatusInProgress:
		return next == StatusResolved || next == StatusClosed
	case StatusResolved:
		return next == StatusClosed
	}
	return false
}

type TicketPriority string

const (
	PriorityLow    TicketPriority = "low"
	PriorityMedium TicketPriority = "medium"
	PriorityHigh   TicketPriority = "high"
	PriorityUrgent TicketPriority = "urgent"
)

func (p TicketPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type TicketType string

const (
	TypeTopupRequest TicketType = "topup_request"
	TypeSupport      TicketType = "support"
	TypeTechnical    TicketType = "technical"
	TypeBilling      TicketType = "billing"
	TypeOther        TicketType = "other"
)

func (t TicketType) Valid() bool {
	switch t {
	case TypeTopupRequest, TypeSupport, TypeTechnical, TypeBilling, TypeOther:
		return true
	}
	return false
}

type SenderType string

const (
	SenderAdmin    SenderType = "admin"
	SenderReseller SenderType = "reseller"
)

type AttachmentType string

const (
	AttachmentFile AttachmentType = "file"
	AttachmentLink AttachmentType = "link"
)

// Ticket is a reseller-owned support or topup request. Topup tickets carry
// the requested amount and, once approved, link to the credit transaction
// they produced.
type Ticket struct {
	ID                int             `json:"id" db:"id"`
	ResellerID        int             `json:"reseller_id" db:"reseller_id"`
	Title             string          `json:"title" db:"title"`
	Description       string          `json:"description,omitempty" db:"description"`
	Status            TicketStatus    `json:"status" db:"status"`
	Priority          TicketPriority  `json:"priority" db:"priority"`
	Type              TicketType      `json:"ticket_type" db:"ticket_type"`
	TopupAmount       *Credits        `json:"topup_amount,omitempty" db:"topup_amount"`
	AssignedToAdminID *int            `json:"assigned_to_admin_id,omitempty" db:"assigned_to_admin_id"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	Messages          []TicketMessage `json:"messages"`
}

// TicketMessage is immutable once created. Internal notes are only ever
// serialized on admin-facing reads.
type TicketMessage struct {
	ID             int                `json:"id" db:"id"`
	TicketID       int                `json:"ticket_id" db:"ticket_id"`
	SenderType     SenderType         `json:"sender_type" db:"sender_type"`
	SenderID       int                `json:"sender_id" db:"sender_id"`
	Message        string             `json:"message" db:"message"`
	IsInternalNote bool               `json:"is_internal_note" db:"is_internal_note"`
	CreatedAt      time.Time          `json:"created_at" db:"created_at"`
	Attachments    []TicketAttachment `json:"attachments"`
}

type TicketAttachment struct {
	ID        int            `json:"id" db:"id"`
	MessageID int            `json:"message_id" db:"message_id"`
	Type      AttachmentType `json:"attachment_type" db:"attachment_type"`
	FilePath  string         `json:"file_path,omitempty" db:"file_path"`
	FileName  string         `json:"file_name,omitempty" db:"file_name"`
	FileSize  int64          `json:"file_size,omitempty" db:"file_size"`
	LinkURL   string         `json:"link_url,omitempty" db:"link_url"`
	LinkTitle string         `json:"link_title,omitempty" db:"link_title"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}
