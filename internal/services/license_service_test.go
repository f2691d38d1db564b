package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/keyforge/backend/internal/models"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestLicenseService_IssueResellerPaid(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLicenseService(db, nil, NewLedgerService(db))

	t.Run("debit and license commit together", func(t *testing.T) {
		mock.ExpectQuery("SELECT a.name FROM apps a JOIN reseller_applications ra ON ra.app_id = a.id").
			WithArgs(5, 7).
			WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("MyApp"))

		mock.ExpectBegin()

		mock.ExpectQuery("SELECT credits, version FROM resellers WHERE id = \\$1 FOR UPDATE").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"credits", "version"}).AddRow(int64(10000), 1))

		// 30 days at 100 hundredths per day
		mock.ExpectExec("UPDATE resellers SET credits = \\$1, version = version \\+ 1").
			WithArgs(int64(7000), sqlmock.AnyArg(), 7, 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectQuery("INSERT INTO credit_transactions").
			WithArgs(7, int64(-3000), int64(7000), "usage", "License generated for MyApp (30 days)", nil, nil, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(11, time.Now()))

		mock.ExpectQuery("INSERT INTO licenses").
			WithArgs(sqlmock.AnyArg(), 5, "", "", sqlmock.AnyArg(), true, 7, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(21, time.Now()))

		mock.ExpectCommit()

		lic, entry, err := service.IssueResellerPaid(context.Background(), 7, GenerateRequest{
			AppID:        5,
			DurationDays: 30,
		})
		assert.NoError(t, err)
		assert.NotEmpty(t, lic.Key)
		assert.Equal(t, models.Credits(-3000), entry.Amount)
		assert.Equal(t, models.Credits(7000), entry.BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient credits leaves no license behind", func(t *testing.T) {
		mock.ExpectQuery("SELECT a.name FROM apps a JOIN reseller_applications ra ON ra.app_id = a.id").
			WithArgs(5, 7).
			WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("MyApp"))

		mock.ExpectBegin()

		mock.ExpectQuery("SELECT credits, version FROM resellers WHERE id = \\$1 FOR UPDATE").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"credits", "version"}).AddRow(int64(500), 1))

		mock.ExpectRollback()

		_, _, err := service.IssueResellerPaid(context.Background(), 7, GenerateRequest{
			AppID:        5,
			DurationDays: 30,
		})
		assert.ErrorIs(t, err, ErrInsufficientCredits)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("key collision regenerates and retries", func(t *testing.T) {
		mock.ExpectQuery("SELECT a.name FROM apps a JOIN reseller_applications ra ON ra.app_id = a.id").
			WithArgs(5, 7).
			WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("MyApp"))

		mock.ExpectBegin()

		mock.ExpectQuery("SELECT credits, version FROM resellers WHERE id = \\$1 FOR UPDATE").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"credits", "version"}).AddRow(int64(10000), 2))

		mock.ExpectExec("UPDATE resellers SET credits = \\$1, version = version \\+ 1").
			WithArgs(int64(7000), sqlmock.AnyArg(), 7, 2).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectQuery("INSERT INTO credit_transactions").
			WithArgs(7, int64(-3000), int64(7000), "usage", "License generated for MyApp (30 days)", nil, nil, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(12, time.Now()))

		// First insert collides on the unique key, second succeeds with a
		// fresh key.
		mock.ExpectQuery("INSERT INTO licenses").
			WithArgs(sqlmock.AnyArg(), 5, "", "", sqlmock.AnyArg(), true, 7, sqlmock.AnyArg()).
			WillReturnError(&pq.Error{Code: "23505"})

		mock.ExpectQuery("INSERT INTO licenses").
			WithArgs(sqlmock.AnyArg(), 5, "", "", sqlmock.AnyArg(), true, 7, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(22, time.Now()))

		mock.ExpectCommit()

		lic, _, err := service.IssueResellerPaid(context.Background(), 7, GenerateRequest{
			AppID:        5,
			DurationDays: 30,
		})
		assert.NoError(t, err)
		assert.NotEmpty(t, lic.Key)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("persistent collision fails after three attempts", func(t *testing.T) {
		mock.ExpectQuery("SELECT a.name FROM apps a JOIN reseller_applications ra ON ra.app_id = a.id").
			WithArgs(5, 7).
			WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("MyApp"))

		mock.ExpectBegin()

		mock.ExpectQuery("SELECT credits, version FROM resellers WHERE id = \\$1 FOR UPDATE").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"credits", "version"}).AddRow(int64(10000), 3))

		mock.ExpectExec("UPDATE resellers SET credits = \\$1, version = version \\+ 1").
			WithArgs(int64(7000), sqlmock.AnyArg(), 7, 3).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectQuery("INSERT INTO credit_transactions").
			WithArgs(7, int64(-3000), int64(7000), "usage", "License generated for MyApp (30 days)", nil, nil, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(13, time.Now()))

		for i := 0; i < keyInsertAttempts; i++ {
			mock.ExpectQuery("INSERT INTO licenses").
				WithArgs(sqlmock.AnyArg(), 5, "", "", sqlmock.AnyArg(), true, 7, sqlmock.AnyArg()).
				WillReturnError(&pq.Error{Code: "23505"})
		}

		mock.ExpectRollback()

		_, _, err := service.IssueResellerPaid(context.Background(), 7, GenerateRequest{
			AppID:        5,
			DurationDays: 30,
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "collision persisted")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("app not granted", func(t *testing.T) {
		mock.ExpectQuery("SELECT a.name FROM apps a JOIN reseller_applications ra ON ra.app_id = a.id").
			WithArgs(5, 8).
			WillReturnRows(sqlmock.NewRows([]string{"name"}))

		_, _, err := service.IssueResellerPaid(context.Background(), 8, GenerateRequest{
			AppID:        5,
			DurationDays: 30,
		})
		assert.ErrorIs(t, err, ErrAppNotGranted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLicenseService_Redeem(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLicenseService(db, nil, NewLedgerService(db))
	app := &models.App{ID: 5, Name: "MyApp"}

	licenseCols := []string{"id", "key", "app_id", "username", "hwid", "expires_at", "is_active", "user_id", "created_by_reseller_id", "created_at"}

	t.Run("first redemption creates the user and binds hwid", func(t *testing.T) {
		expires := time.Now().AddDate(0, 0, 30)

		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id, key, app_id, username, hwid, expires_at, is_active, user_id, created_by_reseller_id, created_at FROM licenses").
			WithArgs("AAAAAAAA-BBBBBBBB-CCCCCCCC", 5).
			WillReturnRows(sqlmock.NewRows(licenseCols).
				AddRow(21, "AAAAAAAA-BBBBBBBB-CCCCCCCC", 5, nil, nil, expires, true, nil, nil, time.Now()))

		mock.ExpectQuery("INSERT INTO users").
			WithArgs("license_AAAAAAAA", models.HashHwid("machine-1"), "203.0.113.9", "Premium", sqlmock.AnyArg(), sqlmock.AnyArg(), 5).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(31))

		mock.ExpectExec("UPDATE licenses SET hwid = \\$1, user_id = \\$2 WHERE id = \\$3").
			WithArgs(models.HashHwid("machine-1"), 31, 21).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		lic, user, err := service.Redeem(context.Background(), app, "AAAAAAAA-BBBBBBBB-CCCCCCCC", "machine-1", "203.0.113.9")
		assert.NoError(t, err)
		assert.Equal(t, "license_AAAAAAAA", user.Username)
		assert.Equal(t, "Premium", user.SubscriptionName)
		assert.Equal(t, models.HashHwid("machine-1"), lic.Hwid)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("hwid mismatch is rejected", func(t *testing.T) {
		expires := time.Now().AddDate(0, 0, 30)

		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id, key, app_id, username, hwid, expires_at, is_active, user_id, created_by_reseller_id, created_at FROM licenses").
			WithArgs("AAAAAAAA-BBBBBBBB-CCCCCCCC", 5).
			WillReturnRows(sqlmock.NewRows(licenseCols).
				AddRow(21, "AAAAAAAA-BBBBBBBB-CCCCCCCC", 5, nil, models.HashHwid("machine-1"), expires, true, 31, nil, time.Now()))

		mock.ExpectRollback()

		_, _, err := service.Redeem(context.Background(), app, "AAAAAAAA-BBBBBBBB-CCCCCCCC", "machine-2", "203.0.113.9")
		assert.ErrorIs(t, err, ErrHwidMismatch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expired license is rejected", func(t *testing.T) {
		expired := time.Now().AddDate(0, 0, -1)

		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id, key, app_id, username, hwid, expires_at, is_active, user_id, created_by_reseller_id, created_at FROM licenses").
			WithArgs("AAAAAAAA-BBBBBBBB-CCCCCCCC", 5).
			WillReturnRows(sqlmock.NewRows(licenseCols).
				AddRow(21, "AAAAAAAA-BBBBBBBB-CCCCCCCC", 5, nil, nil, expired, true, nil, nil, time.Now()))

		mock.ExpectRollback()

		_, _, err := service.Redeem(context.Background(), app, "AAAAAAAA-BBBBBBBB-CCCCCCCC", "machine-1", "203.0.113.9")
		assert.ErrorIs(t, err, ErrExpired)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown key", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id, key, app_id, username, hwid, expires_at, is_active, user_id, created_by_reseller_id, created_at FROM licenses").
			WithArgs("XXXXXXXX-XXXXXXXX-XXXXXXXX", 5).
			WillReturnRows(sqlmock.NewRows(licenseCols))

		mock.ExpectRollback()

		_, _, err := service.Redeem(context.Background(), app, "XXXXXXXX-XXXXXXXX-XXXXXXXX", "machine-1", "203.0.113.9")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLicenseService_ResetHwidByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLicenseService(db, nil, NewLedgerService(db))

	t.Run("clears binding", func(t *testing.T) {
		mock.ExpectExec("UPDATE licenses SET hwid = NULL FROM apps").
			WithArgs(21, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, service.ResetHwidByID(context.Background(), 1, 21))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("license of another admin is invisible", func(t *testing.T) {
		mock.ExpectExec("UPDATE licenses SET hwid = NULL FROM apps").
			WithArgs(21, 2).
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, service.ResetHwidByID(context.Background(), 2, 21), ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
