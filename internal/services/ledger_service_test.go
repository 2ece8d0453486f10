package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/televisit/backend/internal/config"
	"github.com/televisit/backend/internal/models"
)

func testCreditConfig() *config.CreditConfig {
	return &config.CreditConfig{
		AppointmentCost: 2,
		CreditValue:     1.0,
		FeeRate:         0.2,
		PlanCredits: map[string]int64{
			"free_user": 2,
			"standard":  10,
			"premium":   24,
		},
		SlotCacheTTL:  time.Minute,
		SlotDaysAhead: 4,
	}
}

func expectAccountLock(mock sqlmock.Sqlmock, id, role string, credits int64, version int, verification string) {
	mock.ExpectQuery("SELECT id, role, credits, version, verification_status").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "role", "credits", "version", "verification_status"}).
			AddRow(id, role, credits, version, verification))
}

func TestLedgerService_ApplyEntriesTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db, testCreditConfig())

	t.Run("transfer between two accounts", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		// Accounts lock in sorted id order regardless of entry order.
		expectAccountLock(mock, "a-doctor", models.RoleDoctor, 4, 1, models.VerificationVerified)
		expectAccountLock(mock, "b-patient", models.RolePatient, 2, 3, models.VerificationPending)

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "b-patient", int64(-2), models.EntryAppointmentDebit, "", "appt-1", "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "a-doctor", int64(2), models.EntryAppointmentCredit, "", "appt-1", "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE users").
			WithArgs(int64(6), sqlmock.AnyArg(), "a-doctor", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE users").
			WithArgs(int64(0), sqlmock.AnyArg(), "b-patient", 3).
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := service.ApplyEntriesTx(tx, []models.LedgerEntry{
			{AccountID: "b-patient", Amount: -2, Kind: models.EntryAppointmentDebit, AppointmentID: "appt-1"},
			{AccountID: "a-doctor", Amount: 2, Kind: models.EntryAppointmentCredit, AppointmentID: "appt-1"},
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient credits appends nothing", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		expectAccountLock(mock, "patient-1", models.RolePatient, 1, 1, models.VerificationPending)

		err := service.ApplyEntriesTx(tx, []models.LedgerEntry{
			{AccountID: "patient-1", Amount: -2, Kind: models.EntryAppointmentDebit},
		})
		assert.ErrorIs(t, err, ErrInsufficientCredits)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("aggregates multiple entries per account", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		// Balance is 1; -2 then +2 nets to 0, so the batch is accepted.
		expectAccountLock(mock, "patient-1", models.RolePatient, 1, 1, models.VerificationPending)

		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE users").
			WithArgs(int64(1), sqlmock.AnyArg(), "patient-1", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := service.ApplyEntriesTx(tx, []models.LedgerEntry{
			{AccountID: "patient-1", Amount: -2, Kind: models.EntryAppointmentDebit},
			{AccountID: "patient-1", Amount: 2, Kind: models.EntryAppointmentCredit},
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown account", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT id, role, credits, version, verification_status").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"id", "role", "credits", "version", "verification_status"}))

		err := service.ApplyEntriesTx(tx, []models.LedgerEntry{
			{AccountID: "ghost", Amount: 1, Kind: models.EntryGrant},
		})
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		err := service.ApplyEntriesTx(tx, nil)
		assert.NoError(t, err)
	})
}

func TestLedgerService_GrantMonthlyCredits(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db, testCreditConfig())
	service.now = func() time.Time {
		return time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	}

	t.Run("first grant of the month", func(t *testing.T) {
		mock.ExpectBegin()
		expectAccountLock(mock, "patient-1", models.RolePatient, 0, 1, models.VerificationPending)

		startOfMonth := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("patient-1", models.EntryGrant, "standard", startOfMonth).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		expectAccountLock(mock, "patient-1", models.RolePatient, 0, 1, models.VerificationPending)
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "patient-1", int64(10), models.EntryGrant, "standard", "", "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE users").
			WithArgs(int64(10), sqlmock.AnyArg(), "patient-1", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		granted, balance, err := service.GrantMonthlyCredits(context.Background(), "patient-1", "standard")
		assert.NoError(t, err)
		assert.True(t, granted)
		assert.Equal(t, int64(10), balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second grant same month is a no-op", func(t *testing.T) {
		mock.ExpectBegin()
		expectAccountLock(mock, "patient-1", models.RolePatient, 10, 2, models.VerificationPending)

		mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		granted, balance, err := service.GrantMonthlyCredits(context.Background(), "patient-1", "standard")
		assert.NoError(t, err)
		assert.False(t, granted)
		assert.Equal(t, int64(10), balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-patient accounts are skipped", func(t *testing.T) {
		mock.ExpectBegin()
		expectAccountLock(mock, "doctor-1", models.RoleDoctor, 4, 1, models.VerificationVerified)
		mock.ExpectRollback()

		granted, balance, err := service.GrantMonthlyCredits(context.Background(), "doctor-1", "standard")
		assert.NoError(t, err)
		assert.False(t, granted)
		assert.Equal(t, int64(4), balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown plan", func(t *testing.T) {
		_, _, err := service.GrantMonthlyCredits(context.Background(), "patient-1", "platinum")
		assert.ErrorIs(t, err, ErrUnknownPlan)
	})
}

func TestLedgerService_AdminAdjust(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db, testCreditConfig())

	t.Run("non-admin actor is rejected", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT role FROM users").
			WithArgs("patient-1").
			WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow(models.RolePatient))
		mock.ExpectRollback()

		err := service.AdminAdjust(context.Background(), "patient-1", "doctor-1", 5)
		assert.ErrorIs(t, err, ErrNotAuthorized)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("admin adjustment", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT role FROM users").
			WithArgs("admin-1").
			WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow(models.RoleAdmin))

		expectAccountLock(mock, "doctor-1", models.RoleDoctor, 4, 1, models.VerificationVerified)
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "doctor-1", int64(-3), models.EntryAdminAdjustment, "", "", "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE users").
			WithArgs(int64(1), sqlmock.AnyArg(), "doctor-1", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := service.AdminAdjust(context.Background(), "admin-1", "doctor-1", -3)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_updateBalanceTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db, testCreditConfig())

	t.Run("stale version fails", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectExec("UPDATE users").
			WithArgs(int64(5), sqlmock.AnyArg(), "account-1", 1).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := service.updateBalanceTx(tx, "account-1", 5, 1)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "optimistic lock failed")
	})
}
