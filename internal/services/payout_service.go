package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/televisit/backend/internal/audit"
	"github.com/televisit/backend/internal/config"
	"github.com/televisit/backend/internal/models"
)

// PayoutService converts doctor credits into money. A request snapshots the
// doctor's full balance; approval re-locks the doctor and re-checks that the
// balance still covers the snapshot inside the same transaction that flips
// the payout to PROCESSED and writes the ledger debit.
type PayoutService struct {
	db     *sql.DB
	ledger *LedgerService
	cfg    *config.CreditConfig
	audit  *audit.Logger
	now    func() time.Time
}

func NewPayoutService(db *sql.DB, ledger *LedgerService, cfg *config.CreditConfig) *PayoutService {
	return &PayoutService{
		db:     db,
		ledger: ledger,
		cfg:    cfg,
		audit:  audit.NewLogger(),
		now:    time.Now,
	}
}

// Request opens a PROCESSING payout for the doctor's entire current balance.
// At most one PROCESSING payout may exist per doctor; the partial unique
// index on payouts backstops the in-transaction check.
func (s *PayoutService) Request(ctx context.Context, doctorID, destination string) (*models.Payout, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	doctor, err := s.ledger.LockAccountTx(tx, doctorID)
	if err != nil {
		return nil, err
	}
	if doctor.Role != models.RoleDoctor {
		return nil, ErrNotAuthorized
	}

	var pending bool
	err = tx.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM payouts WHERE doctor_id = $1 AND status = $2
		)`, doctorID, models.PayoutProcessing).Scan(&pending)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, ErrPendingPayoutExists
	}

	if doctor.Credits < 1 {
		return nil, ErrInsufficientCredits
	}

	credits := doctor.Credits
	payout := &models.Payout{
		ID:                uuid.NewString(),
		DoctorID:          doctorID,
		Credits:           credits,
		Amount:            float64(credits) * s.cfg.CreditValue,
		PlatformFee:       float64(credits) * s.cfg.CreditValue * s.cfg.FeeRate,
		NetAmount:         float64(credits) * s.cfg.CreditValue * (1 - s.cfg.FeeRate),
		PayoutDestination: destination,
		Status:            models.PayoutProcessing,
		CreatedAt:         s.now(),
	}

	_, err = tx.Exec(`
		INSERT INTO payouts (id, doctor_id, credits, amount, platform_fee,
		                     net_amount, payout_destination, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		payout.ID, payout.DoctorID, payout.Credits, payout.Amount,
		payout.PlatformFee, payout.NetAmount, payout.PayoutDestination,
		payout.Status, payout.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[PAYOUT] Requested %s: doctor=%s credits=%d net=%.2f",
		payout.ID, doctorID, credits, payout.NetAmount)
	return payout, nil
}

// Approve flips a PROCESSING payout to PROCESSED and debits the doctor's
// credits, all in one transaction. If the doctor's balance has dropped below
// the requested credits since the request, the approval aborts with
// ErrInsufficientCredits and the payout stays PROCESSING.
func (s *PayoutService) Approve(ctx context.Context, adminID, payoutID string) (*models.Payout, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	admin, err := s.ledger.LockAccountTx(tx, adminID)
	if err != nil {
		return nil, err
	}
	if admin.Role != models.RoleAdmin {
		return nil, ErrNotAuthorized
	}

	var payout models.Payout
	err = tx.QueryRow(`
		SELECT id, doctor_id, credits, amount, platform_fee, net_amount,
		       payout_destination, status, created_at
		FROM payouts
		WHERE id = $1 AND status = $2
		FOR UPDATE`, payoutID, models.PayoutProcessing).
		Scan(&payout.ID, &payout.DoctorID, &payout.Credits, &payout.Amount,
			&payout.PlatformFee, &payout.NetAmount, &payout.PayoutDestination,
			&payout.Status, &payout.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	doctor, err := s.ledger.LockAccountTx(tx, payout.DoctorID)
	if err != nil {
		return nil, err
	}
	if doctor.Credits < payout.Credits {
		return nil, ErrInsufficientCredits
	}

	err = s.ledger.ApplyEntriesTx(tx, []models.LedgerEntry{{
		AccountID: payout.DoctorID,
		Amount:    -payout.Credits,
		Kind:      models.EntryPayoutDebit,
		PayoutID:  payout.ID,
	}})
	if err != nil {
		return nil, err
	}

	processedAt := s.now()
	payout.Status = models.PayoutProcessed
	payout.ProcessedAt = &processedAt
	payout.ProcessedBy = adminID
	_, err = tx.Exec(`
		UPDATE payouts SET status = $2, processed_at = $3, processed_by = $4
		WHERE id = $1`,
		payout.ID, payout.Status, processedAt, adminID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogAdminAction(adminID, payout.DoctorID, "PAYOUT_PROCESSED",
		fmt.Sprintf("payout %s for %d credits", payout.ID, payout.Credits))
	log.Printf("[PAYOUT] Processed %s: doctor=%s credits=%d by=%s",
		payout.ID, payout.DoctorID, payout.Credits, adminID)
	return &payout, nil
}

// ListPending returns all PROCESSING payouts, oldest first.
func (s *PayoutService) ListPending(ctx context.Context) ([]models.Payout, error) {
	return s.queryPayouts(ctx, `
		SELECT id, doctor_id, credits, amount, platform_fee, net_amount,
		       payout_destination, status, processed_at, processed_by, created_at
		FROM payouts
		WHERE status = $1
		ORDER BY created_at ASC`, models.PayoutProcessing)
}

// ListFor returns the doctor's payout history, newest first.
func (s *PayoutService) ListFor(ctx context.Context, doctorID string) ([]models.Payout, error) {
	return s.queryPayouts(ctx, `
		SELECT id, doctor_id, credits, amount, platform_fee, net_amount,
		       payout_destination, status, processed_at, processed_by, created_at
		FROM payouts
		WHERE doctor_id = $1
		ORDER BY created_at DESC`, doctorID)
}

// Earnings summarises the doctor's position: lifetime and current-month
// figures are derived from completed appointments, the available payout from
// the live credit balance.
func (s *PayoutService) Earnings(ctx context.Context, doctorID string) (*models.DoctorEarnings, error) {
	var (
		completed  int
		thisMonth  int
		balance    int64
		firstAppt  sql.NullTime
		monthStart = startOfMonth(s.now())
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE updated_at >= $3),
		       MIN(created_at)
		FROM appointments
		WHERE doctor_id = $1 AND status = $2`,
		doctorID, models.AppointmentCompleted, monthStart).
		Scan(&completed, &thisMonth, &firstAppt)
	if err != nil {
		return nil, err
	}

	balance, err = s.ledger.BalanceOf(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	perAppt := float64(s.cfg.AppointmentCost) * s.cfg.CreditValue * (1 - s.cfg.FeeRate)
	total := float64(completed) * perAppt

	months := 1
	if firstAppt.Valid {
		months = monthsBetween(firstAppt.Time, s.now())
	}

	return &models.DoctorEarnings{
		TotalEarnings:           total,
		ThisMonthEarnings:       float64(thisMonth) * perAppt,
		CompletedAppointments:   completed,
		AverageEarningsPerMonth: total / float64(months),
		AvailableCredits:        balance,
		AvailablePayout:         float64(balance) * s.cfg.CreditValue * (1 - s.cfg.FeeRate),
	}, nil
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// monthsBetween counts calendar months from a to b inclusive, minimum 1.
func monthsBetween(a, b time.Time) int {
	months := (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month()) + 1
	if months < 1 {
		return 1
	}
	return months
}

func (s *PayoutService) queryPayouts(ctx context.Context, query string, args ...any) ([]models.Payout, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payouts := []models.Payout{}
	for rows.Next() {
		var (
			p           models.Payout
			processedAt sql.NullTime
			processedBy sql.NullString
		)
		err := rows.Scan(&p.ID, &p.DoctorID, &p.Credits, &p.Amount,
			&p.PlatformFee, &p.NetAmount, &p.PayoutDestination, &p.Status,
			&processedAt, &processedBy, &p.CreatedAt)
		if err != nil {
			return nil, err
		}
		if processedAt.Valid {
			t := processedAt.Time
			p.ProcessedAt = &t
		}
		p.ProcessedBy = processedBy.String
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

// HTTP handlers

type requestPayoutRequest struct {
	PayoutDestination string `json:"payoutDestination" validate:"required"`
}

// RequestPayout opens a payout for the doctor's full balance
// @Summary Request payout
// @Description Open a PROCESSING payout request for the authenticated doctor's entire credit balance
// @Tags payouts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.requestPayoutRequest true "Destination"
// @Success 201 {object} models.Payout
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /payouts [post]
func (s *PayoutService) RequestPayout(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}

	var req requestPayoutRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	payout, err := s.Request(r.Context(), user.ID, req.PayoutDestination)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(payout)
}

// ListMyPayouts lists the doctor's payout history
// @Summary Payout history
// @Tags payouts
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{payouts=[]models.Payout}
// @Router /payouts [get]
func (s *PayoutService) ListMyPayouts(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}

	payouts, err := s.ListFor(r.Context(), user.ID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"payouts": payouts})
}

// GetEarnings returns the doctor's earnings summary
// @Summary Earnings summary
// @Tags payouts
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.DoctorEarnings
// @Router /payouts/earnings [get]
func (s *PayoutService) GetEarnings(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}
	if user.Role != models.RoleDoctor {
		WriteServiceError(w, ErrNotAuthorized)
		return
	}

	earnings, err := s.Earnings(r.Context(), user.ID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(earnings)
}

// ListPendingPayouts lists PROCESSING payouts (admin)
// @Summary Pending payouts
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{payouts=[]models.Payout}
// @Failure 403 {object} services.ErrorResponse
// @Router /admin/payouts/pending [get]
func (s *PayoutService) ListPendingPayouts(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}
	if user.Role != models.RoleAdmin {
		WriteServiceError(w, ErrNotAuthorized)
		return
	}

	payouts, err := s.ListPending(r.Context())
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"payouts": payouts})
}

// ApprovePayout processes a PROCESSING payout (admin)
// @Summary Approve payout
// @Description Flip a PROCESSING payout to PROCESSED and debit the doctor's credits in one transaction
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param payoutId path string true "Payout ID"
// @Success 200 {object} models.Payout
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Router /admin/payouts/{payoutId}/approve [post]
func (s *PayoutService) ApprovePayout(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}

	payout, err := s.Approve(r.Context(), user.ID, chi.URLParam(r, "payoutId"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payout)
}
