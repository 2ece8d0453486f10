package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/televisit/backend/internal/models"
)

func userRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "external_id", "email", "name", "image_url", "role", "credits",
		"version", "specialty", "experience", "credential_url", "description",
		"verification_status", "created_at", "updated_at",
	})
}

func TestResolveExternalID(t *testing.T) {
	db, mock := newMockDB(t)
	defer db.Close()

	t.Run("existing user", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, external_id, email, name").
			WithArgs("ext-123").
			WillReturnRows(userRows().AddRow(
				"user-1", "ext-123", "pat@example.com", "Pat", "", models.RolePatient,
				2, 1, "", 0, "", "", models.VerificationPending, time.Now(), time.Now()))

		user, err := resolveExternalID(context.Background(), db, "ext-123")
		assert.NoError(t, err)
		assert.Equal(t, "user-1", user.ID)
		assert.Equal(t, int64(2), user.Credits)
	})

	t.Run("unknown subject", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, external_id, email, name").
			WithArgs("ext-404").
			WillReturnRows(userRows())

		_, err := resolveExternalID(context.Background(), db, "ext-404")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}

func TestUserService_EnsureUser(t *testing.T) {
	t.Run("first sight creates account with free grant", func(t *testing.T) {
		db, mock := newMockDB(t)
		defer db.Close()
		ledger := NewLedgerService(db, testCreditConfig())
		service := NewUserService(db, ledger, testCreditConfig())

		mock.ExpectQuery("SELECT id, external_id, email, name").
			WithArgs("ext-new").
			WillReturnRows(userRows())

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO users").
			WillReturnResult(sqlmock.NewResult(1, 1))

		// The new row's id is generated inside EnsureUser.
		mock.ExpectQuery("SELECT id, role, credits, version, verification_status").
			WillReturnRows(sqlmock.NewRows([]string{"id", "role", "credits", "version", "verification_status"}).
				AddRow("user-new", models.RoleUnassigned, 0, 1, models.VerificationPending))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE users").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		user, err := service.EnsureUser(context.Background(), "ext-new", "new@example.com", "New User", "")
		assert.NoError(t, err)
		assert.Equal(t, models.RoleUnassigned, user.Role)
		assert.Equal(t, int64(2), user.Credits)
	})

	t.Run("existing account is returned as-is", func(t *testing.T) {
		db, mock := newMockDB(t)
		defer db.Close()
		service := NewUserService(db, NewLedgerService(db, testCreditConfig()), testCreditConfig())

		mock.ExpectQuery("SELECT id, external_id, email, name").
			WithArgs("ext-123").
			WillReturnRows(userRows().AddRow(
				"user-1", "ext-123", "pat@example.com", "Pat", "", models.RolePatient,
				2, 1, "", 0, "", "", models.VerificationPending, time.Now(), time.Now()))

		user, err := service.EnsureUser(context.Background(), "ext-123", "pat@example.com", "Pat", "")
		assert.NoError(t, err)
		assert.Equal(t, "user-1", user.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUserService_SetRole(t *testing.T) {
	t.Run("role can only be chosen once", func(t *testing.T) {
		db, mock := newMockDB(t)
		defer db.Close()
		service := NewUserService(db, NewLedgerService(db, testCreditConfig()), testCreditConfig())

		mock.ExpectBegin()
		expectAccountLock(mock, "user-1", models.RolePatient, 2, 1, models.VerificationPending)
		mock.ExpectRollback()

		_, err := service.SetRole(context.Background(), "user-1", models.RoleDoctor, "cardiology", 5, "https://example.com/cred.pdf", "")
		assert.ErrorIs(t, err, ErrRoleAlreadySet)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown role is rejected", func(t *testing.T) {
		db, mock := newMockDB(t)
		defer db.Close()
		service := NewUserService(db, NewLedgerService(db, testCreditConfig()), testCreditConfig())

		mock.ExpectBegin()
		expectAccountLock(mock, "user-1", models.RoleUnassigned, 2, 1, models.VerificationPending)
		mock.ExpectRollback()

		_, err := service.SetRole(context.Background(), "user-1", "superuser", "", 0, "", "")
		assert.ErrorIs(t, err, ErrUnknownRole)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUserService_UpdateDoctorStatus(t *testing.T) {
	t.Run("admin verifies a doctor", func(t *testing.T) {
		db, mock := newMockDB(t)
		defer db.Close()
		service := NewUserService(db, NewLedgerService(db, testCreditConfig()), testCreditConfig())

		mock.ExpectBegin()
		expectAccountLock(mock, "admin-1", models.RoleAdmin, 0, 1, models.VerificationPending)
		mock.ExpectExec("UPDATE users").
			WithArgs("doctor-1", models.VerificationVerified, sqlmock.AnyArg(), models.RoleDoctor).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := service.UpdateDoctorStatus(context.Background(), "admin-1", "doctor-1", models.VerificationVerified)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-admin is rejected", func(t *testing.T) {
		db, mock := newMockDB(t)
		defer db.Close()
		service := NewUserService(db, NewLedgerService(db, testCreditConfig()), testCreditConfig())

		mock.ExpectBegin()
		expectAccountLock(mock, "patient-1", models.RolePatient, 2, 1, models.VerificationPending)
		mock.ExpectRollback()

		err := service.UpdateDoctorStatus(context.Background(), "patient-1", "doctor-1", models.VerificationVerified)
		assert.ErrorIs(t, err, ErrNotAuthorized)
	})

	t.Run("arbitrary status values are rejected", func(t *testing.T) {
		db, _ := newMockDB(t)
		defer db.Close()
		service := NewUserService(db, NewLedgerService(db, testCreditConfig()), testCreditConfig())

		err := service.UpdateDoctorStatus(context.Background(), "admin-1", "doctor-1", "banned")
		assert.ErrorIs(t, err, ErrInvalidStatus)
	})

	t.Run("target must be a doctor", func(t *testing.T) {
		db, mock := newMockDB(t)
		defer db.Close()
		service := NewUserService(db, NewLedgerService(db, testCreditConfig()), testCreditConfig())

		mock.ExpectBegin()
		expectAccountLock(mock, "admin-1", models.RoleAdmin, 0, 1, models.VerificationPending)
		mock.ExpectExec("UPDATE users").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := service.UpdateDoctorStatus(context.Background(), "admin-1", "patient-1", models.VerificationRejected)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
