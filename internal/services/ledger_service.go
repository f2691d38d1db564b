package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/keyforge/backend/internal/models"
)

// LedgerService is the single gate for reseller balance mutations. Every
// credit or debit updates the balance and appends an immutable transaction
// row inside one database transaction, so the history fold always matches
// the stored balance.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// ApplyParams describes one balance mutation. Amount is signed: positive
// amounts credit the reseller, negative amounts debit it.
type ApplyParams struct {
	ResellerID  int
	Amount      models.Credits
	Kind        models.TransactionKind
	Description string
	AdminID     *int
	TicketID    *int
}

// Apply runs one ledger mutation in its own transaction.
func (s *LedgerService) Apply(ctx context.Context, p ApplyParams) (*models.CreditTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := s.ApplyTx(tx, p)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// ApplyTx performs the mutation inside a caller-owned transaction so other
// writes (license insert, ticket resolution) can commit atomically with it.
// The reseller row is locked FOR UPDATE for the duration; a version check
// on the balance update guards against lost updates all the same.
func (s *LedgerService) ApplyTx(tx *sql.Tx, p ApplyParams) (*models.CreditTransaction, error) {
	if !p.Kind.Valid() {
		return nil, fmt.Errorf("invalid transaction kind %q", p.Kind)
	}

	var balance models.Credits
	var version int
	err := tx.QueryRow(`
		SELECT credits, version
		FROM resellers
		WHERE id = $1
		FOR UPDATE`, p.ResellerID).Scan(&balance, &version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	newBalance := balance + p.Amount
	if newBalance < 0 {
		return nil, ErrInsufficientCredits
	}

	result, err := tx.Exec(`
		UPDATE resellers
		SET credits = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		int64(newBalance), time.Now(), p.ResellerID, version)
	if err != nil {
		return nil, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("optimistic lock failed for reseller %d", p.ResellerID)
	}

	entry := &models.CreditTransaction{
		ResellerID:   p.ResellerID,
		Amount:       p.Amount,
		BalanceAfter: newBalance,
		Kind:         p.Kind,
		Description:  p.Description,
		AdminID:      p.AdminID,
		TicketID:     p.TicketID,
	}
	err = tx.QueryRow(`
		INSERT INTO credit_transactions (reseller_id, amount, balance_after, transaction_type, description, admin_id, ticket_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		p.ResellerID, int64(p.Amount), int64(newBalance), string(p.Kind), p.Description, p.AdminID, p.TicketID, time.Now()).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	log.Printf("[LEDGER] Applied %s of %s to reseller %d, balance now %s",
		p.Kind, p.Amount, p.ResellerID, newBalance)
	return entry, nil
}

// Transactions returns a reseller's ledger history, newest first.
func (s *LedgerService) Transactions(ctx context.Context, resellerID, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reseller_id, amount, balance_after, transaction_type, COALESCE(description, ''), admin_id, ticket_id, created_at
		FROM credit_transactions
		WHERE reseller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, resellerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []models.CreditTransaction{}
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.ResellerID, &t.Amount, &t.BalanceAfter, &t.Kind,
			&t.Description, &t.AdminID, &t.TicketID, &t.CreatedAt); err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}
