package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/televisit/backend/internal/models"
)

func TestPayoutService_Request(t *testing.T) {
	t.Run("request snapshots the full balance", func(t *testing.T) {
		db, mock := newMockDB(t)
		defer db.Close()
		service := NewPayoutService(db, NewLedgerService(db, testCreditConfig()), testCreditConfig())

		mock.ExpectBegin()
		expectAccountLock(mock, "doctor-1", models.RoleDoctor, 5, 1, models.VerificationVerified)
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("doctor-1", models.PayoutProcessing).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("INSERT INTO payouts").
			WithArgs(sqlmock.AnyArg(), "doctor-1", int64(5), 5.0, 1.0, 4.0,
				"bank:0123456789", models.PayoutProcessing, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		payout, err := service.Request(context.Background(), "doctor-1", "bank:0123456789")
		assert.NoError(t, err)
		assert.Equal(t, int64(5), payout.Credits)
		assert.Equal(t, 5.0, payout.Amount)
		assert.Equal(t, 1.0, payout.PlatformFee)
		assert.Equal(t, 4.0, payout.NetAmount)
		assert.Equal(t, models.PayoutProcessing, payout.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second pending request is rejected", func(t *testing.T) {
		db, mock := newMockDB(t)
		defer db.Close()
		service := NewPayoutService(db, NewLedgerService(db, testCreditConfig()), testCreditConfig())

		mock.ExpectBegin()
		expectAccountLock(mock, "doctor-1", models.RoleDoctor, 5, 1, models.VerificationVerified)
		mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		_, err := service.Request(context.Background(), "doctor-1", "bank:0123456789")
		assert.ErrorIs(t, err, ErrPendingPayoutExists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty balance is rejected", func(t *testing.T) {
		db, mock := newMockDB(t)
		defer db.Close()
		service := NewPayoutService(db, NewLedgerService(db, testCreditConfig()), testCreditConfig())

		mock.ExpectBegin()
		expectAccountLock(mock, "doctor-1", models.RoleDoctor, 0, 1, models.VerificationVerified)
		mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectRollback()

		_, err := service.Request(context.Background(), "doctor-1", "bank:0123456789")
		assert.ErrorIs(t, err, ErrInsufficientCredits)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("patients cannot request payouts", func(t *testing.T) {
		db, mock := newMockDB(t)
		defer db.Close()
		service := NewPayoutService(db, NewLedgerService(db, testCreditConfig()), testCreditConfig())

		mock.ExpectBegin()
		expectAccountLock(mock, "patient-1", models.RolePatient, 5, 1, models.VerificationPending)
		mock.ExpectRollback()

		_, err := service.Request(context.Background(), "patient-1", "bank:0123456789")
		assert.ErrorIs(t, err, ErrNotAuthorized)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func expectPayoutLock(mock sqlmock.Sqlmock, payoutID, doctorID string, credits int64) {
	mock.ExpectQuery("SELECT id, doctor_id, credits, amount, platform_fee, net_amount").
		WithArgs(payoutID, models.PayoutProcessing).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "doctor_id", "credits", "amount", "platform_fee", "net_amount",
			"payout_destination", "status", "created_at",
		}).AddRow(payoutID, doctorID, credits, float64(credits), float64(credits)*0.2,
			float64(credits)*0.8, "bank:0123456789", models.PayoutProcessing, time.Now()))
}

func TestPayoutService_Approve(t *testing.T) {
	t.Run("approval debits and flips status in one unit", func(t *testing.T) {
		db, mock := newMockDB(t)
		defer db.Close()
		service := NewPayoutService(db, NewLedgerService(db, testCreditConfig()), testCreditConfig())

		mock.ExpectBegin()
		expectAccountLock(mock, "admin-1", models.RoleAdmin, 0, 1, models.VerificationPending)
		expectPayoutLock(mock, "payout-1", "doctor-1", 5)
		expectAccountLock(mock, "doctor-1", models.RoleDoctor, 5, 1, models.VerificationVerified)

		// Ledger debit inside the same transaction.
		expectAccountLock(mock, "doctor-1", models.RoleDoctor, 5, 1, models.VerificationVerified)
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "doctor-1", int64(-5), models.EntryPayoutDebit, "", "", "payout-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE users").
			WithArgs(int64(0), sqlmock.AnyArg(), "doctor-1", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE payouts").
			WithArgs("payout-1", models.PayoutProcessed, sqlmock.AnyArg(), "admin-1").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		payout, err := service.Approve(context.Background(), "admin-1", "payout-1")
		assert.NoError(t, err)
		assert.Equal(t, models.PayoutProcessed, payout.Status)
		assert.Equal(t, "admin-1", payout.ProcessedBy)
		assert.NotNil(t, payout.ProcessedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("balance dropped since request aborts approval", func(t *testing.T) {
		db, mock := newMockDB(t)
		defer db.Close()
		service := NewPayoutService(db, NewLedgerService(db, testCreditConfig()), testCreditConfig())

		mock.ExpectBegin()
		expectAccountLock(mock, "admin-1", models.RoleAdmin, 0, 1, models.VerificationPending)
		expectPayoutLock(mock, "payout-1", "doctor-1", 5)
		// Doctor spent credits after requesting; only 3 remain.
		expectAccountLock(mock, "doctor-1", models.RoleDoctor, 3, 2, models.VerificationVerified)
		mock.ExpectRollback()

		_, err := service.Approve(context.Background(), "admin-1", "payout-1")
		assert.ErrorIs(t, err, ErrInsufficientCredits)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already processed payout is not found", func(t *testing.T) {
		db, mock := newMockDB(t)
		defer db.Close()
		service := NewPayoutService(db, NewLedgerService(db, testCreditConfig()), testCreditConfig())

		mock.ExpectBegin()
		expectAccountLock(mock, "admin-1", models.RoleAdmin, 0, 1, models.VerificationPending)
		mock.ExpectQuery("SELECT id, doctor_id, credits, amount, platform_fee, net_amount").
			WithArgs("payout-1", models.PayoutProcessing).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "doctor_id", "credits", "amount", "platform_fee", "net_amount",
				"payout_destination", "status", "created_at",
			}))
		mock.ExpectRollback()

		_, err := service.Approve(context.Background(), "admin-1", "payout-1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-admin cannot approve", func(t *testing.T) {
		db, mock := newMockDB(t)
		defer db.Close()
		service := NewPayoutService(db, NewLedgerService(db, testCreditConfig()), testCreditConfig())

		mock.ExpectBegin()
		expectAccountLock(mock, "doctor-1", models.RoleDoctor, 5, 1, models.VerificationVerified)
		mock.ExpectRollback()

		_, err := service.Approve(context.Background(), "doctor-1", "payout-1")
		assert.ErrorIs(t, err, ErrNotAuthorized)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPayoutService_Earnings(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()
	service := NewPayoutService(db, NewLedgerService(db, testCreditConfig()), testCreditConfig())
	service.now = func() time.Time {
		return time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	}

	// 10 completed appointments, 2 this month, first one 3 months ago.
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("doctor-1", models.AppointmentCompleted, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)).
		WillReturnRows(sqlmock.NewRows([]string{"count", "count", "min"}).
			AddRow(10, 2, time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)))
	mock.ExpectQuery("SELECT credits FROM users").
		WithArgs("doctor-1").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(6))

	earnings, err := service.Earnings(context.Background(), "doctor-1")
	assert.NoError(t, err)

	// Each completed appointment nets 2 credits * 1.0 * 0.8 = 1.6.
	assert.InDelta(t, 16.0, earnings.TotalEarnings, 0.001)
	assert.InDelta(t, 3.2, earnings.ThisMonthEarnings, 0.001)
	assert.Equal(t, 10, earnings.CompletedAppointments)
	assert.InDelta(t, 16.0/3, earnings.AverageEarningsPerMonth, 0.001)
	assert.Equal(t, int64(6), earnings.AvailableCredits)
	assert.InDelta(t, 4.8, earnings.AvailablePayout, 0.001)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMonthsBetween(t *testing.T) {
	tests := []struct {
		a, b time.Time
		want int
	}{
		{time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC), 1},
		{time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC), time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC), 3},
		{time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, monthsBetween(tt.a, tt.b))
	}
}
