package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/televisit/backend/internal/audit"
	"github.com/televisit/backend/internal/config"
	"github.com/televisit/backend/internal/models"
)

// LedgerService owns account balances and the append-only credit log.
// Balances are a cached projection of the entries: every mutation goes through
// ApplyEntriesTx, which appends the entries and applies the matching deltas
// inside the caller's transaction, so the two can never diverge.
type LedgerService struct {
	db    *sql.DB
	cfg   *config.CreditConfig
	audit *audit.Logger
	now   func() time.Time
}

func NewLedgerService(db *sql.DB, cfg *config.CreditConfig) *LedgerService {
	return &LedgerService{
		db:    db,
		cfg:   cfg,
		audit: audit.NewLogger(),
		now:   time.Now,
	}
}

// ApplyEntriesTx atomically appends all entries and applies each entry's
// signed amount to the referenced account balance. It must run inside the
// caller's transaction; on any error nothing is appended and no balance
// changes (the caller rolls back).
//
// The insufficient-funds check happens here, against rows locked in this same
// transaction, never against an earlier read.
func (s *LedgerService) ApplyEntriesTx(tx *sql.Tx, entries []models.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}

	deltas := make(map[string]int64)
	for _, e := range entries {
		deltas[e.AccountID] += e.Amount
	}

	// Lock accounts in sorted id order to prevent deadlocks.
	accountIDs := make([]string, 0, len(deltas))
	for id := range deltas {
		accountIDs = append(accountIDs, id)
	}
	sort.Strings(accountIDs)

	accounts := make(map[string]*models.User, len(accountIDs))
	for _, id := range accountIDs {
		account, err := s.LockAccountTx(tx, id)
		if err != nil {
			return err
		}
		accounts[id] = account
	}

	for _, id := range accountIDs {
		if accounts[id].Credits+deltas[id] < 0 {
			return fmt.Errorf("account %s: %w", id, ErrInsufficientCredits)
		}
	}

	createdAt := s.now()
	for _, e := range entries {
		if err := s.insertEntryTx(tx, e, createdAt); err != nil {
			return err
		}
	}

	for _, id := range accountIDs {
		account := accounts[id]
		if err := s.updateBalanceTx(tx, id, account.Credits+deltas[id], account.Version); err != nil {
			return err
		}
	}

	return nil
}

// LockAccountTx reads an account row FOR UPDATE, serialising all balance
// mutations for that account behind the row lock.
func (s *LedgerService) LockAccountTx(tx *sql.Tx, accountID string) (*models.User, error) {
	var u models.User
	err := tx.QueryRow(`
		SELECT id, role, credits, version, verification_status
		FROM users
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(&u.ID, &u.Role, &u.Credits, &u.Version, &u.VerificationStatus)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// BalanceOf returns the current credit balance for an account.
func (s *LedgerService) BalanceOf(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = $1`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// LatestEntryOfKindSinceTx reports whether the account has an entry of the
// given kind (and package id, when non-empty) created at or after since.
// Used for idempotency checks inside a granting transaction.
func (s *LedgerService) LatestEntryOfKindSinceTx(tx *sql.Tx, accountID, kind, packageID string, since time.Time) (bool, error) {
	var exists bool
	err := tx.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM ledger_entries
			WHERE account_id = $1 AND kind = $2
			  AND ($3 = '' OR package_id = $3)
			  AND created_at >= $4
		)`, accountID, kind, packageID, since).Scan(&exists)
	return exists, err
}

// GrantMonthlyCredits issues the account's plan credits for the current
// calendar month. The grant is idempotent per month per plan: the
// already-granted check and the grant itself run inside one transaction.
// Returns false with a nil error when the account is not a patient or the
// grant was already issued this month.
func (s *LedgerService) GrantMonthlyCredits(ctx context.Context, accountID, planID string) (bool, int64, error) {
	credits, ok := s.cfg.PlanCredits[planID]
	if !ok {
		return false, 0, fmt.Errorf("plan %q: %w", planID, ErrUnknownPlan)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	account, err := s.LockAccountTx(tx, accountID)
	if err != nil {
		return false, 0, err
	}

	if account.Role != models.RolePatient {
		return false, account.Credits, nil
	}

	now := s.now()
	startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	granted, err := s.LatestEntryOfKindSinceTx(tx, accountID, models.EntryGrant, planID, startOfMonth)
	if err != nil {
		return false, 0, err
	}
	if granted {
		return false, account.Credits, nil
	}

	err = s.ApplyEntriesTx(tx, []models.LedgerEntry{{
		AccountID: accountID,
		Amount:    credits,
		Kind:      models.EntryGrant,
		PackageID: planID,
	}})
	if err != nil {
		return false, 0, err
	}

	if err := tx.Commit(); err != nil {
		return false, 0, err
	}

	log.Printf("[LEDGER] Monthly grant of %d credits issued to %s (plan %s)", credits, accountID, planID)
	return true, account.Credits + credits, nil
}

// AdminAdjust applies one signed ADMIN_ADJUSTMENT entry to an account.
// The actor must hold the admin role.
func (s *LedgerService) AdminAdjust(ctx context.Context, adminID, accountID string, amount int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var role string
	err = tx.QueryRow(`SELECT role FROM users WHERE id = $1`, adminID).Scan(&role)
	if err == sql.ErrNoRows {
		return ErrNotAuthorized
	}
	if err != nil {
		return err
	}
	if role != models.RoleAdmin {
		return ErrNotAuthorized
	}

	err = s.ApplyEntriesTx(tx, []models.LedgerEntry{{
		AccountID: accountID,
		Amount:    amount,
		Kind:      models.EntryAdminAdjustment,
	}})
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.audit.LogAdminAction(adminID, accountID, "CREDIT_ADJUSTMENT",
		fmt.Sprintf("adjusted by %+d credits", amount))
	log.Printf("[LEDGER] Admin %s adjusted account %s by %+d credits", adminID, accountID, amount)
	return nil
}

// EntriesFor returns an account's most recent ledger entries, newest first.
func (s *LedgerService) EntriesFor(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, amount, kind, package_id,
		       COALESCE(appointment_id::text, ''), COALESCE(payout_id::text, ''), created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &e.Kind, &e.PackageID,
			&e.AppointmentID, &e.PayoutID, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *LedgerService) insertEntryTx(tx *sql.Tx, e models.LedgerEntry, createdAt time.Time) error {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := tx.Exec(`
		INSERT INTO ledger_entries (id, account_id, amount, kind, package_id, appointment_id, payout_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::uuid, NULLIF($7, '')::uuid, $8)`,
		id, e.AccountID, e.Amount, e.Kind, e.PackageID, e.AppointmentID, e.PayoutID, createdAt)
	return err
}

func (s *LedgerService) updateBalanceTx(tx *sql.Tx, accountID string, newBalance int64, version int) error {
	result, err := tx.Exec(`
		UPDATE users
		SET credits = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, s.now(), accountID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %s", accountID)
	}
	return nil
}

// HTTP handlers

// GetBalance returns the authenticated user's credit balance
// @Summary Get credit balance
// @Description Retrieve the current credit balance of the authenticated user
// @Tags ledger
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{balance=int64}
// @Failure 404 {object} services.ErrorResponse
// @Router /credits/balance [get]
func (s *LedgerService) GetBalance(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}

	balance, err := s.BalanceOf(r.Context(), user.ID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"balance": balance})
}

// GrantMonthly issues the monthly plan credits
// @Summary Allocate monthly credits
// @Description Idempotently allocate the current month's plan credits to the authenticated patient
// @Tags ledger
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{plan=string} true "Subscription plan"
// @Success 200 {object} object{granted=bool,balance=int64}
// @Failure 400 {object} services.ErrorResponse
// @Router /credits/grant [post]
func (s *LedgerService) GrantMonthly(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}

	var req struct {
		Plan string `json:"plan" validate:"required"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}

	granted, balance, err := s.GrantMonthlyCredits(r.Context(), user.ID, req.Plan)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"granted": granted,
		"balance": balance,
	})
}

// ListEntries returns the authenticated user's recent ledger entries
// @Summary List ledger entries
// @Description Retrieve the authenticated user's most recent credit movements
// @Tags ledger
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Number of entries to return (default 50, max 100)"
// @Success 200 {object} object{entries=[]models.LedgerEntry,count=int}
// @Router /credits/entries [get]
func (s *LedgerService) ListEntries(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}

	limit := parseQueryInt(r, "limit", 50)
	entries, err := s.EntriesFor(r.Context(), user.ID, limit)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// Adjust applies an admin credit adjustment
// @Summary Adjust account credits
// @Description Apply a signed ADMIN_ADJUSTMENT ledger entry to an account (admin only)
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{accountId=string,amount=int64} true "Adjustment"
// @Success 200 {object} object{success=bool}
// @Failure 403 {object} services.ErrorResponse
// @Router /admin/credits/adjust [post]
func (s *LedgerService) Adjust(w http.ResponseWriter, r *http.Request) {
	admin, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}

	var req struct {
		AccountID string `json:"accountId" validate:"required,uuid4"`
		Amount    int64  `json:"amount" validate:"required"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if err := s.AdminAdjust(r.Context(), admin.ID, req.AccountID, req.Amount); err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

// decodeJSONBody decodes and validates a request body the way every handler
// in this package does: size-capped, unknown fields rejected, exactly one
// JSON object, then struct validation. Writes the error response itself and
// returns false when the request is bad.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := sharedValidator.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}
