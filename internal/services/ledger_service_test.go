package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/keyforge/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestLedgerService_Apply(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("successful credit", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT credits, version FROM resellers WHERE id = \\$1 FOR UPDATE").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"credits", "version"}).AddRow(int64(5000), 3))

		mock.ExpectExec("UPDATE resellers SET credits = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(15000), sqlmock.AnyArg(), 7, 3).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectQuery("INSERT INTO credit_transactions").
			WithArgs(7, int64(10000), int64(15000), "topup_approved", "Topup approved for ticket #12", nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(42, time.Now()))

		mock.ExpectCommit()

		ticketID := 12
		entry, err := service.Apply(context.Background(), ApplyParams{
			ResellerID:  7,
			Amount:      models.Credits(10000),
			Kind:        models.KindTopupApproved,
			Description: "Topup approved for ticket #12",
			TicketID:    &ticketID,
		})
		assert.NoError(t, err)
		assert.Equal(t, models.Credits(10000), entry.Amount)
		assert.Equal(t, models.Credits(15000), entry.BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("debit records negative amount and running balance", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT credits, version FROM resellers WHERE id = \\$1 FOR UPDATE").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"credits", "version"}).AddRow(int64(15000), 4))

		mock.ExpectExec("UPDATE resellers SET credits = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(12000), sqlmock.AnyArg(), 7, 4).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectQuery("INSERT INTO credit_transactions").
			WithArgs(7, int64(-3000), int64(12000), "usage", "License generated", nil, nil, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(43, time.Now()))

		mock.ExpectCommit()

		entry, err := service.Apply(context.Background(), ApplyParams{
			ResellerID:  7,
			Amount:      models.Credits(-3000),
			Kind:        models.KindUsage,
			Description: "License generated",
		})
		assert.NoError(t, err)
		assert.Equal(t, models.Credits(12000), entry.BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient credits", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT credits, version FROM resellers WHERE id = \\$1 FOR UPDATE").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"credits", "version"}).AddRow(int64(2000), 4))

		mock.ExpectRollback()

		_, err := service.Apply(context.Background(), ApplyParams{
			ResellerID: 7,
			Amount:     models.Credits(-3000),
			Kind:       models.KindUsage,
		})
		assert.ErrorIs(t, err, ErrInsufficientCredits)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown reseller", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT credits, version FROM resellers WHERE id = \\$1 FOR UPDATE").
			WithArgs(99).
			WillReturnRows(sqlmock.NewRows([]string{"credits", "version"}))

		mock.ExpectRollback()

		_, err := service.Apply(context.Background(), ApplyParams{
			ResellerID: 99,
			Amount:     models.Credits(100),
			Kind:       models.KindAdminAssign,
		})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("optimistic lock failure", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT credits, version FROM resellers WHERE id = \\$1 FOR UPDATE").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"credits", "version"}).AddRow(int64(5000), 2))

		mock.ExpectExec("UPDATE resellers SET credits = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(6000), sqlmock.AnyArg(), 7, 2).
			WillReturnResult(sqlmock.NewResult(1, 0)) // No rows affected

		mock.ExpectRollback()

		_, err := service.Apply(context.Background(), ApplyParams{
			ResellerID: 7,
			Amount:     models.Credits(1000),
			Kind:       models.KindAdminAssign,
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "optimistic lock failed")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid transaction kind", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectRollback()

		_, err := service.Apply(context.Background(), ApplyParams{
			ResellerID: 7,
			Amount:     models.Credits(100),
			Kind:       models.TransactionKind("bonus"),
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid transaction kind")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_Transactions(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("returns history newest first", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"id", "reseller_id", "amount", "balance_after", "transaction_type", "description", "admin_id", "ticket_id", "created_at"}).
			AddRow(2, 7, int64(-3000), int64(12000), "usage", "License generated", nil, nil, time.Now()).
			AddRow(1, 7, int64(15000), int64(15000), "admin_assign", "Initial credit assignment", 1, nil, time.Now())

		mock.ExpectQuery("SELECT id, reseller_id, amount, balance_after, transaction_type, COALESCE\\(description, ''\\), admin_id, ticket_id, created_at FROM credit_transactions WHERE reseller_id = \\$1 ORDER BY created_at DESC LIMIT \\$2").
			WithArgs(7, 100).
			WillReturnRows(rows)

		history, err := service.Transactions(context.Background(), 7, 0)
		assert.NoError(t, err)
		assert.Len(t, history, 2)
		assert.Equal(t, models.Credits(-3000), history[0].Amount)
		assert.Equal(t, models.KindAdminAssign, history[1].Kind)

		// The fold of amounts matches the last running balance.
		var fold models.Credits
		for i := len(history) - 1; i >= 0; i-- {
			fold += history[i].Amount
			assert.Equal(t, history[i].BalanceAfter, fold)
		}
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
