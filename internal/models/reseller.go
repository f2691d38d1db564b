package models

import "time"

// Reseller holds a credit balance spent on license issuance. The balance
// is only ever mutated through the ledger service; version backs its
// optimistic concurrency check.
type Reseller struct {
	ID            int        `json:"id" db:"id"`
	Username      string     `json:"username" db:"username"`
	Email         string     `json:"email" db:"email"`
	CompanyName   string     `json:"company_name,omitempty" db:"company_name"`
	ContactPerson string     `json:"contact_person,omitempty" db:"contact_person"`
	Phone         string     `json:"phone,omitempty" db:"phone"`
	Credits       Credits    `json:"credits" db:"credits"`
	Version       int        `json:"-" db:"version"`
	IsActive      bool       `json:"is_active" db:"is_active"`
	IsVerified    bool       `json:"is_verified" db:"is_verified"`
	AdminID       int        `json:"admin_id" db:"admin_id"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
	LastLogin     *time.Time `json:"last_login,omitempty" db:"last_login"`
}

// TransactionKind classifies a ledger entry.
type TransactionKind string

const (
	KindAdminAssign   TransactionKind = "admin_assign"
	KindTopupApproved TransactionKind = "topup_approved"
	KindUsage         TransactionKind = "usage"
	KindRefund        TransactionKind = "refund"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindAdminAssign, KindTopupApproved, KindUsage, KindRefund:
		return true
	}
	return false
}

// CreditTransaction is the immutable audit record of one balance mutation.
// Amount is signed (positive credits, negative debits); BalanceAfter is the
// reseller balance immediately after this transaction committed.
type CreditTransaction struct {
	ID           int             `json:"id" db:"id"`
	ResellerID   int             `json:"reseller_id" db:"reseller_id"`
	Amount       Credits         `json:"amount" db:"amount"`
	BalanceAfter Credits         `json:"balance_after" db:"balance_after"`
	Kind         TransactionKind `json:"transaction_type" db:"transaction_type"`
	Description  string          `json:"description,omitempty" db:"description"`
	AdminID      *int            `json:"admin_id,omitempty" db:"admin_id"`
	TicketID     *int            `json:"ticket_id,omitempty" db:"ticket_id"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// ResellerApplication grants a reseller access to one application for
// paid license issuance.
type ResellerApplication struct {
	ID         int       `json:"id" db:"id"`
	ResellerID int       `json:"reseller_id" db:"reseller_id"`
	AppID      int       `json:"app_id" db:"app_id"`
	IsActive   bool      `json:"is_active" db:"is_active"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
