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
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/televisit/backend/internal/config"
	"github.com/televisit/backend/internal/models"
)

const slotDuration = 30 * time.Minute

// ScheduleService computes bookable slots from a doctor's recurring
// availability window and guards bookings against overlaps. The overlap set
// is only ever mutated through the appointment transactions, so the conflict
// check runs on the booking transaction itself, never on a separate read.
type ScheduleService struct {
	db    *sql.DB
	redis *redis.Client
	cfg   *config.CreditConfig
	now   func() time.Time
}

func NewScheduleService(db *sql.DB, redisClient *redis.Client, cfg *config.CreditConfig) *ScheduleService {
	return &ScheduleService{
		db:    db,
		redis: redisClient,
		cfg:   cfg,
		now:   time.Now,
	}
}

// SetAvailability replaces the doctor's unbooked availability window(s) with
// one new window. Windows already bound to an appointment are preserved.
func (s *ScheduleService) SetAvailability(ctx context.Context, doctorID string, start, end time.Time) (*models.AvailabilityWindow, error) {
	if !start.Before(end) {
		return nil, ErrInvalidRange
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		DELETE FROM availability_windows
		WHERE doctor_id = $1 AND status = $2`, doctorID, models.WindowAvailable)
	if err != nil {
		return nil, err
	}

	window := &models.AvailabilityWindow{
		ID:        uuid.NewString(),
		DoctorID:  doctorID,
		StartTime: start,
		EndTime:   end,
		Status:    models.WindowAvailable,
		CreatedAt: s.now(),
	}
	_, err = tx.Exec(`
		INSERT INTO availability_windows (id, doctor_id, start_time, end_time, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		window.ID, window.DoctorID, window.StartTime, window.EndTime, window.Status, window.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.InvalidateSlots(ctx, doctorID)
	return window, nil
}

// ListAvailability returns the doctor's windows, ascending by start time.
func (s *ScheduleService) ListAvailability(ctx context.Context, doctorID string) ([]models.AvailabilityWindow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, doctor_id, start_time, end_time, status, created_at
		FROM availability_windows
		WHERE doctor_id = $1
		ORDER BY start_time ASC`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	windows := []models.AvailabilityWindow{}
	for rows.Next() {
		var wdw models.AvailabilityWindow
		if err := rows.Scan(&wdw.ID, &wdw.DoctorID, &wdw.StartTime, &wdw.EndTime, &wdw.Status, &wdw.CreatedAt); err != nil {
			return nil, err
		}
		windows = append(windows, wdw)
	}
	return windows, rows.Err()
}

// HasConflictTx reports whether any scheduled appointment for the doctor
// overlaps [start, end). It is the authoritative booking guard and must run
// inside the booking transaction, after the doctor row lock has serialised
// concurrent bookings for the same doctor.
func (s *ScheduleService) HasConflictTx(tx *sql.Tx, doctorID string, start, end time.Time) (bool, error) {
	var conflict bool
	err := tx.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM appointments
			WHERE doctor_id = $1 AND status = $2
			  AND start_time < $4 AND end_time > $3
		)`, doctorID, models.AppointmentScheduled, start, end).Scan(&conflict)
	return conflict, err
}

// ComputeSlots projects the doctor's availability window onto each of the
// next daysAhead calendar days and returns the free 30-minute slots, cached
// per doctor when daysAhead matches the configured default.
func (s *ScheduleService) ComputeSlots(ctx context.Context, doctorID string, daysAhead int) ([]models.DaySlots, error) {
	if daysAhead <= 0 {
		daysAhead = s.cfg.SlotDaysAhead
	}

	cacheable := daysAhead == s.cfg.SlotDaysAhead
	if cacheable {
		if cached, ok := s.cachedSlots(ctx, doctorID); ok {
			return cached, nil
		}
	}

	var window models.AvailabilityWindow
	err := s.db.QueryRowContext(ctx, `
		SELECT id, doctor_id, start_time, end_time
		FROM availability_windows
		WHERE doctor_id = $1 AND status = $2
		LIMIT 1`, doctorID, models.WindowAvailable).
		Scan(&window.ID, &window.DoctorID, &window.StartTime, &window.EndTime)
	if err == sql.ErrNoRows {
		return []models.DaySlots{}, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	lastDay := endOfDay(now.AddDate(0, 0, daysAhead-1))
	rows, err := s.db.QueryContext(ctx, `
		SELECT start_time, end_time
		FROM appointments
		WHERE doctor_id = $1 AND status = $2 AND start_time <= $3`,
		doctorID, models.AppointmentScheduled, lastDay)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var booked []models.Appointment
	for rows.Next() {
		var a models.Appointment
		if err := rows.Scan(&a.StartTime, &a.EndTime); err != nil {
			return nil, err
		}
		booked = append(booked, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	days := projectSlots(window, booked, now, daysAhead)
	if cacheable {
		s.cacheSlots(ctx, doctorID, days)
	}
	return days, nil
}

// InvalidateSlots drops the doctor's cached slot listing. Called whenever the
// doctor's window or scheduled appointment set changes.
func (s *ScheduleService) InvalidateSlots(ctx context.Context, doctorID string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, slotCacheKey(doctorID)).Err(); err != nil {
		log.Printf("[SCHEDULE] Failed to invalidate slot cache for %s: %v", doctorID, err)
	}
}

func slotCacheKey(doctorID string) string {
	return fmt.Sprintf("slots:%s", doctorID)
}

func (s *ScheduleService) cachedSlots(ctx context.Context, doctorID string) ([]models.DaySlots, bool) {
	if s.redis == nil {
		return nil, false
	}
	data, err := s.redis.Get(ctx, slotCacheKey(doctorID)).Bytes()
	if err != nil {
		return nil, false
	}
	var days []models.DaySlots
	if err := json.Unmarshal(data, &days); err != nil {
		return nil, false
	}
	return days, true
}

func (s *ScheduleService) cacheSlots(ctx context.Context, doctorID string, days []models.DaySlots) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(days)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, slotCacheKey(doctorID), data, s.cfg.SlotCacheTTL).Err(); err != nil {
		log.Printf("[SCHEDULE] Failed to cache slots for %s: %v", doctorID, err)
	}
}

// projectSlots derives the free slots for each of the next daysAhead calendar
// days. Only the time-of-day portion of the window is used; slots wholly in
// the past and slots overlapping a scheduled appointment are excluded. The
// overlap test for slot [s,e) against appointment [a,b) is s < b && a < e.
func projectSlots(window models.AvailabilityWindow, booked []models.Appointment, now time.Time, daysAhead int) []models.DaySlots {
	days := make([]models.DaySlots, 0, daysAhead)

	for d := 0; d < daysAhead; d++ {
		day := now.AddDate(0, 0, d)
		dayStart := onDay(window.StartTime, day)
		dayEnd := onDay(window.EndTime, day)

		out := models.DaySlots{
			Date:        day.Format("2006-01-02"),
			DisplayDate: day.Format("Monday, January 2"),
			Slots:       []models.Slot{},
		}

		for cur := dayStart; !cur.Add(slotDuration).After(dayEnd); cur = cur.Add(slotDuration) {
			next := cur.Add(slotDuration)

			if cur.Before(now) {
				continue
			}

			overlaps := false
			for _, appt := range booked {
				if cur.Before(appt.EndTime) && appt.StartTime.Before(next) {
					overlaps = true
					break
				}
			}
			if overlaps {
				continue
			}

			out.Slots = append(out.Slots, models.Slot{
				StartTime: cur,
				EndTime:   next,
				Formatted: fmt.Sprintf("%s - %s", cur.Format("3:04 PM"), next.Format("3:04 PM")),
				Day:       cur.Format("Monday, January 2"),
			})
		}

		days = append(days, out)
	}

	return days
}

// onDay keeps t's time of day but moves it to day's calendar date.
func onDay(t, day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(),
		t.Hour(), t.Minute(), t.Second(), 0, day.Location())
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}

// HTTP handlers

// UpdateAvailability sets the doctor's availability window
// @Summary Set availability
// @Description Replace the authenticated doctor's unbooked availability window with a new daily time range
// @Tags doctors
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{startTime=string,endTime=string} true "Availability window"
// @Success 200 {object} object{success=bool,slot=models.AvailabilityWindow}
// @Failure 400 {object} services.ErrorResponse
// @Router /doctors/availability [post]
func (s *ScheduleService) UpdateAvailability(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}
	if user.Role != models.RoleDoctor {
		SendErrorResponse(w, "Doctor not found", http.StatusNotFound, nil)
		return
	}

	var req struct {
		StartTime time.Time `json:"startTime" validate:"required"`
		EndTime   time.Time `json:"endTime" validate:"required"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}

	window, err := s.SetAvailability(r.Context(), user.ID, req.StartTime, req.EndTime)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"slot":    window,
	})
}

// GetAvailability lists the doctor's availability windows
// @Summary Get availability
// @Description List the authenticated doctor's availability windows
// @Tags doctors
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{slots=[]models.AvailabilityWindow}
// @Router /doctors/availability [get]
func (s *ScheduleService) GetAvailability(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}

	windows, err := s.ListAvailability(r.Context(), user.ID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"slots": windows})
}

// GetDoctorSlots returns the free slots of a doctor
// @Summary Get doctor slots
// @Description Compute the free bookable 30-minute slots for a verified doctor over the coming days
// @Tags doctors
// @Produce json
// @Security BearerAuth
// @Param doctorId path string true "Doctor ID"
// @Param days query int false "Days ahead to compute (default 4)"
// @Success 200 {object} object{days=[]models.DaySlots}
// @Failure 404 {object} services.ErrorResponse
// @Router /doctors/{doctorId}/slots [get]
func (s *ScheduleService) GetDoctorSlots(w http.ResponseWriter, r *http.Request) {
	doctorID := chi.URLParam(r, "doctorId")

	var verified bool
	err := s.db.QueryRowContext(r.Context(), `
		SELECT EXISTS(
			SELECT 1 FROM users
			WHERE id = $1 AND role = $2 AND verification_status = $3
		)`, doctorID, models.RoleDoctor, models.VerificationVerified).Scan(&verified)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if !verified {
		SendErrorResponse(w, ErrDoctorUnverified.Error(), http.StatusNotFound, nil)
		return
	}

	days, err := s.ComputeSlots(r.Context(), doctorID, parseQueryInt(r, "days", 0))
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"days": days})
}
