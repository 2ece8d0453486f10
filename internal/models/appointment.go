package models

import "time"

// Appointment status values. The vocabulary is lowercase everywhere;
// completed and cancelled are terminal.
const (
	AppointmentScheduled = "scheduled"
	AppointmentCompleted = "completed"
	AppointmentCancelled = "cancelled"
)

// Availability window status values
const (
	WindowAvailable = "available"
	WindowBooked    = "booked"
	WindowCancelled = "cancelled"
)

// Appointment represents a booked consultation. No two scheduled appointments
// for the same doctor may overlap in [StartTime, EndTime).
type Appointment struct {
	ID                 string    `json:"id" db:"id"`
	PatientID          string    `json:"patient_id" db:"patient_id"`
	DoctorID           string    `json:"doctor_id" db:"doctor_id"`
	StartTime          time.Time `json:"start_time" db:"start_time"`
	EndTime            time.Time `json:"end_time" db:"end_time"`
	Status             string    `json:"status" db:"status"`
	Notes              string    `json:"notes,omitempty" db:"notes"`
	PatientDescription string    `json:"patient_description,omitempty" db:"patient_description"`
	VideoSessionID     string    `json:"video_session_id,omitempty" db:"video_session_id"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// AvailabilityWindow is a doctor's recurring daily time-of-day range from
// which bookable slots are derived. Only the time-of-day portion of
// StartTime/EndTime is meaningful; the date is the day the window was set.
type AvailabilityWindow struct {
	ID        string    `json:"id" db:"id"`
	DoctorID  string    `json:"doctor_id" db:"doctor_id"`
	StartTime time.Time `json:"start_time" db:"start_time"`
	EndTime   time.Time `json:"end_time" db:"end_time"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Slot is a concrete 30-minute candidate appointment time projected from an
// availability window onto a specific calendar day.
type Slot struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Formatted string    `json:"formatted"`
	Day       string    `json:"day"`
}

// DaySlots groups the free slots of one calendar day.
type DaySlots struct {
	Date        string `json:"date"`
	DisplayDate string `json:"display_date"`
	Slots       []Slot `json:"slots"`
}
