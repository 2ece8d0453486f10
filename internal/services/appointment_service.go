package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/televisit/backend/internal/audit"
	"github.com/televisit/backend/internal/config"
	"github.com/televisit/backend/internal/models"
)

// joinWindow is how early before the start time either party may obtain a
// video token for a scheduled appointment.
const joinWindow = 30 * time.Minute

// AppointmentService runs the booking lifecycle. Every state change is one
// database transaction containing the authorisation checks, the conflict
// check, the appointment row mutation and the paired ledger entries; partial
// effects are never visible.
type AppointmentService struct {
	db       *sql.DB
	ledger   *LedgerService
	schedule *ScheduleService
	video    VideoProvisioner
	cfg      *config.CreditConfig
	audit    *audit.Logger
	now      func() time.Time
}

func NewAppointmentService(db *sql.DB, ledger *LedgerService, schedule *ScheduleService, video VideoProvisioner, cfg *config.CreditConfig) *AppointmentService {
	return &AppointmentService{
		db:       db,
		ledger:   ledger,
		schedule: schedule,
		video:    video,
		cfg:      cfg,
		audit:    audit.NewLogger(),
		now:      time.Now,
	}
}

// videoChannelName derives the provider channel from the appointment id.
// Providers cap channel names at 64 characters.
func videoChannelName(appointmentID string) string {
	channel := "appointment_" + strings.ReplaceAll(appointmentID, "-", "_")
	if len(channel) > 64 {
		channel = channel[:64]
	}
	return channel
}

// Book creates a scheduled appointment and moves credits from patient to
// doctor. Both user rows are locked in sorted id order before any check, so
// concurrent bookings against the same doctor serialise and the conflict
// check sees every committed competitor. ErrDoctorUnverified takes precedence
// over ErrInsufficientCredits, which takes precedence over ErrSlotConflict.
func (s *AppointmentService) Book(ctx context.Context, patientID, doctorID string, start, end time.Time, description string) (*models.Appointment, error) {
	if !start.Before(end) {
		return nil, ErrInvalidRange
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	first, second := patientID, doctorID
	if second < first {
		first, second = second, first
	}
	locked := map[string]*models.User{}
	for _, id := range []string{first, second} {
		u, err := s.ledger.LockAccountTx(tx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = u
	}
	patient, doctor := locked[patientID], locked[doctorID]

	if !doctor.IsVerifiedDoctor() {
		return nil, ErrDoctorUnverified
	}
	if patient.Credits < s.cfg.AppointmentCost {
		return nil, ErrInsufficientCredits
	}

	conflict, err := s.schedule.HasConflictTx(tx, doctorID, start, end)
	if err != nil {
		return nil, err
	}
	if conflict {
		return nil, ErrSlotConflict
	}

	appt := &models.Appointment{
		ID:                 uuid.NewString(),
		PatientID:          patientID,
		DoctorID:           doctorID,
		StartTime:          start,
		EndTime:            end,
		Status:             models.AppointmentScheduled,
		PatientDescription: description,
		CreatedAt:          s.now(),
		UpdatedAt:          s.now(),
	}

	// Provision the call channel before committing anything. A provider
	// failure rolls the whole booking back.
	session, err := s.video.CreateSession(ctx, patientID, videoChannelName(appt.ID))
	if err != nil {
		return nil, &ErrVideoSession{Err: err}
	}
	appt.VideoSessionID = session.Channel

	_, err = tx.Exec(`
		INSERT INTO appointments (id, patient_id, doctor_id, start_time, end_time,
		                          status, patient_description, video_session_id,
		                          created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		appt.ID, appt.PatientID, appt.DoctorID, appt.StartTime, appt.EndTime,
		appt.Status, appt.PatientDescription, appt.VideoSessionID,
		appt.CreatedAt, appt.UpdatedAt)
	if err != nil {
		return nil, err
	}

	err = s.ledger.ApplyEntriesTx(tx, []models.LedgerEntry{
		{
			AccountID:     patientID,
			Amount:        -s.cfg.AppointmentCost,
			Kind:          models.EntryAppointmentDebit,
			AppointmentID: appt.ID,
		},
		{
			AccountID:     doctorID,
			Amount:        s.cfg.AppointmentCost,
			Kind:          models.EntryAppointmentCredit,
			AppointmentID: appt.ID,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.schedule.InvalidateSlots(ctx, doctorID)
	s.audit.LogTransfer(appt.ID, patientID, doctorID, s.cfg.AppointmentCost, "BOOKED")
	log.Printf("[APPOINTMENT] Booked %s: patient=%s doctor=%s start=%s",
		appt.ID, patientID, doctorID, start.Format(time.RFC3339))
	return appt, nil
}

// Cancel moves a scheduled appointment to cancelled and reverses the booking
// transfer. The reversal can fail with ErrInsufficientCredits when the doctor
// has already spent or withdrawn the earned credits; the appointment then
// stays scheduled.
func (s *AppointmentService) Cancel(ctx context.Context, callerID, appointmentID string) (*models.Appointment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	appt, err := s.lockAppointmentTx(tx, appointmentID)
	if err != nil {
		return nil, err
	}
	if callerID != appt.PatientID && callerID != appt.DoctorID {
		return nil, ErrNotAuthorized
	}
	if appt.Status != models.AppointmentScheduled {
		return nil, ErrAlreadyFinalized
	}

	first, second := appt.PatientID, appt.DoctorID
	if second < first {
		first, second = second, first
	}
	for _, id := range []string{first, second} {
		if _, err := s.ledger.LockAccountTx(tx, id); err != nil {
			return nil, err
		}
	}

	err = s.ledger.ApplyEntriesTx(tx, []models.LedgerEntry{
		{
			AccountID:     appt.DoctorID,
			Amount:        -s.cfg.AppointmentCost,
			Kind:          models.EntryAppointmentDebit,
			AppointmentID: appt.ID,
		},
		{
			AccountID:     appt.PatientID,
			Amount:        s.cfg.AppointmentCost,
			Kind:          models.EntryAppointmentCredit,
			AppointmentID: appt.ID,
		},
	})
	if err != nil {
		return nil, err
	}

	appt.Status = models.AppointmentCancelled
	appt.UpdatedAt = s.now()
	if err := s.updateStatusTx(tx, appt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.schedule.InvalidateSlots(ctx, appt.DoctorID)
	s.audit.LogTransfer(appt.ID, appt.DoctorID, appt.PatientID, s.cfg.AppointmentCost, "CANCELLED")
	log.Printf("[APPOINTMENT] Cancelled %s by %s", appt.ID, callerID)
	return appt, nil
}

// Complete marks a scheduled appointment completed. Only the doctor may
// complete, and only once the end time has passed. Credits already moved at
// booking, so no ledger entries are written.
func (s *AppointmentService) Complete(ctx context.Context, callerID, appointmentID string) (*models.Appointment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	appt, err := s.lockAppointmentTx(tx, appointmentID)
	if err != nil {
		return nil, err
	}
	if callerID != appt.DoctorID {
		return nil, ErrNotAuthorized
	}
	if appt.Status != models.AppointmentScheduled {
		return nil, ErrAlreadyFinalized
	}
	if s.now().Before(appt.EndTime) {
		return nil, ErrNotYetEndable
	}

	appt.Status = models.AppointmentCompleted
	appt.UpdatedAt = s.now()
	if err := s.updateStatusTx(tx, appt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return appt, nil
}

// AddNotes attaches or replaces the doctor's notes. Allowed in any status.
func (s *AppointmentService) AddNotes(ctx context.Context, callerID, appointmentID, notes string) (*models.Appointment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	appt, err := s.lockAppointmentTx(tx, appointmentID)
	if err != nil {
		return nil, err
	}
	if callerID != appt.DoctorID {
		return nil, ErrNotAuthorized
	}

	appt.Notes = notes
	appt.UpdatedAt = s.now()
	_, err = tx.Exec(`
		UPDATE appointments SET notes = $2, updated_at = $3 WHERE id = $1`,
		appt.ID, appt.Notes, appt.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return appt, nil
}

// ListForPatient returns all of the patient's appointments, ascending.
func (s *AppointmentService) ListForPatient(ctx context.Context, patientID string) ([]models.Appointment, error) {
	return s.queryAppointments(ctx, `
		SELECT id, patient_id, doctor_id, start_time, end_time, status,
		       notes, patient_description, video_session_id, created_at, updated_at
		FROM appointments
		WHERE patient_id = $1
		ORDER BY start_time ASC`, patientID)
}

// ListForDoctor returns the doctor's scheduled appointments, ascending.
func (s *AppointmentService) ListForDoctor(ctx context.Context, doctorID string) ([]models.Appointment, error) {
	return s.queryAppointments(ctx, `
		SELECT id, patient_id, doctor_id, start_time, end_time, status,
		       notes, patient_description, video_session_id, created_at, updated_at
		FROM appointments
		WHERE doctor_id = $1 AND status = $2
		ORDER BY start_time ASC`, doctorID, models.AppointmentScheduled)
}

// JoinToken mints a video token for one party of a scheduled appointment.
// Tokens are available from 30 minutes before start until the appointment
// leaves the scheduled state.
func (s *AppointmentService) JoinToken(ctx context.Context, callerID, appointmentID string) (*VideoSession, error) {
	appt, err := s.byID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if callerID != appt.PatientID && callerID != appt.DoctorID {
		return nil, ErrNotAuthorized
	}
	if appt.Status != models.AppointmentScheduled {
		return nil, ErrAlreadyFinalized
	}
	if s.now().Before(appt.StartTime.Add(-joinWindow)) {
		return nil, ErrSessionNotReady
	}

	channel := appt.VideoSessionID
	if channel == "" {
		channel = videoChannelName(appt.ID)
	}
	token, err := s.video.IssueToken(ctx, channel, callerID, appt.EndTime.Add(time.Hour))
	if err != nil {
		return nil, &ErrVideoSession{Err: err}
	}
	return &VideoSession{Channel: channel, Token: token}, nil
}

func (s *AppointmentService) byID(ctx context.Context, appointmentID string) (*models.Appointment, error) {
	var a models.Appointment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, patient_id, doctor_id, start_time, end_time, status,
		       notes, patient_description, video_session_id, created_at, updated_at
		FROM appointments
		WHERE id = $1`, appointmentID).
		Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.StartTime, &a.EndTime,
			&a.Status, &a.Notes, &a.PatientDescription, &a.VideoSessionID,
			&a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *AppointmentService) lockAppointmentTx(tx *sql.Tx, appointmentID string) (*models.Appointment, error) {
	var a models.Appointment
	err := tx.QueryRow(`
		SELECT id, patient_id, doctor_id, start_time, end_time, status,
		       notes, patient_description, video_session_id, created_at, updated_at
		FROM appointments
		WHERE id = $1
		FOR UPDATE`, appointmentID).
		Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.StartTime, &a.EndTime,
			&a.Status, &a.Notes, &a.PatientDescription, &a.VideoSessionID,
			&a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *AppointmentService) updateStatusTx(tx *sql.Tx, appt *models.Appointment) error {
	res, err := tx.Exec(`
		UPDATE appointments SET status = $2, updated_at = $3 WHERE id = $1`,
		appt.ID, appt.Status, appt.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("appointment %s vanished during update", appt.ID)
	}
	return nil
}

func (s *AppointmentService) queryAppointments(ctx context.Context, query string, args ...any) ([]models.Appointment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	appts := []models.Appointment{}
	for rows.Next() {
		var a models.Appointment
		err := rows.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.StartTime,
			&a.EndTime, &a.Status, &a.Notes, &a.PatientDescription,
			&a.VideoSessionID, &a.CreatedAt, &a.UpdatedAt)
		if err != nil {
			return nil, err
		}
		appts = append(appts, a)
	}
	return appts, rows.Err()
}

// HTTP handlers

type bookAppointmentRequest struct {
	DoctorID    string    `json:"doctorId" validate:"required,uuid4"`
	StartTime   time.Time `json:"startTime" validate:"required"`
	EndTime     time.Time `json:"endTime" validate:"required"`
	Description string    `json:"description"`
}

// BookAppointment books a consultation slot
// @Summary Book appointment
// @Description Book a 30-minute consultation with a verified doctor, debiting the patient and crediting the doctor atomically
// @Tags appointments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.bookAppointmentRequest true "Booking"
// @Success 201 {object} models.Appointment
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /appointments [post]
func (s *AppointmentService) BookAppointment(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}
	if user.Role != models.RolePatient {
		WriteServiceError(w, ErrNotAuthorized)
		return
	}

	var req bookAppointmentRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	appt, err := s.Book(r.Context(), user.ID, req.DoctorID, req.StartTime, req.EndTime, req.Description)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(appt)
}

// CancelAppointment cancels a scheduled appointment
// @Summary Cancel appointment
// @Description Cancel a scheduled appointment as either party, refunding the patient and debiting the doctor
// @Tags appointments
// @Produce json
// @Security BearerAuth
// @Param appointmentId path string true "Appointment ID"
// @Success 200 {object} models.Appointment
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Router /appointments/{appointmentId}/cancel [post]
func (s *AppointmentService) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}

	appt, err := s.Cancel(r.Context(), user.ID, chi.URLParam(r, "appointmentId"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(appt)
}

// CompleteAppointment marks an appointment completed
// @Summary Complete appointment
// @Tags appointments
// @Produce json
// @Security BearerAuth
// @Param appointmentId path string true "Appointment ID"
// @Success 200 {object} models.Appointment
// @Failure 400 {object} services.ErrorResponse
// @Router /appointments/{appointmentId}/complete [post]
func (s *AppointmentService) CompleteAppointment(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}

	appt, err := s.Complete(r.Context(), user.ID, chi.URLParam(r, "appointmentId"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(appt)
}

type addNotesRequest struct {
	Notes string `json:"notes" validate:"required"`
}

// AddAppointmentNotes attaches doctor notes
// @Summary Add notes
// @Tags appointments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param appointmentId path string true "Appointment ID"
// @Param request body services.addNotesRequest true "Notes"
// @Success 200 {object} models.Appointment
// @Failure 403 {object} services.ErrorResponse
// @Router /appointments/{appointmentId}/notes [put]
func (s *AppointmentService) AddAppointmentNotes(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}

	var req addNotesRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	appt, err := s.AddNotes(r.Context(), user.ID, chi.URLParam(r, "appointmentId"), req.Notes)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(appt)
}

// ListAppointments lists the caller's appointments
// @Summary List appointments
// @Description Patients see all of their appointments; doctors see their scheduled ones
// @Tags appointments
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{appointments=[]models.Appointment}
// @Router /appointments [get]
func (s *AppointmentService) ListAppointments(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}

	var (
		appts []models.Appointment
		err   error
	)
	if user.Role == models.RoleDoctor {
		appts, err = s.ListForDoctor(r.Context(), user.ID)
	} else {
		appts, err = s.ListForPatient(r.Context(), user.ID)
	}
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"appointments": appts})
}

// GetJoinToken issues a video join token for an appointment
// @Summary Video join token
// @Description Mint a join token for the appointment's video channel, available from 30 minutes before start
// @Tags appointments
// @Produce json
// @Security BearerAuth
// @Param appointmentId path string true "Appointment ID"
// @Success 200 {object} services.VideoSession
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Router /appointments/{appointmentId}/token [get]
func (s *AppointmentService) GetJoinToken(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}

	session, err := s.JoinToken(r.Context(), user.ID, chi.URLParam(r, "appointmentId"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(session)
}
