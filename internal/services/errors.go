package services

import "errors"

// Error taxonomy shared by the core services. Handlers dispatch on these with
// errors.Is; anything else is treated as an internal error.
var (
	ErrNotFound            = errors.New("not found")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInvalidRange        = errors.New("start time must be before end time")
	ErrSlotConflict        = errors.New("this time slot is already booked")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrNotAuthorized       = errors.New("not authorized")
	ErrAlreadyFinalized    = errors.New("appointment is no longer scheduled")
	ErrNotYetEndable       = errors.New("appointment end time has not passed")
	ErrDoctorUnverified    = errors.New("doctor not found or not verified")
	ErrPendingPayoutExists = errors.New("a pending payout request already exists")
	ErrUnknownPlan         = errors.New("unknown subscription plan")
	ErrRoleAlreadySet      = errors.New("role has already been chosen")
	ErrUnknownRole         = errors.New("unknown role")
	ErrInvalidStatus       = errors.New("invalid verification status")
	ErrSessionNotReady     = errors.New("the call opens 30 minutes before the scheduled time")
)

// ErrVideoSession wraps a failure from the external video collaborator.
// Bookings carrying this error were fully rolled back.
type ErrVideoSession struct {
	Err error
}

func (e *ErrVideoSession) Error() string {
	return "video session provisioning failed: " + e.Err.Error()
}

func (e *ErrVideoSession) Unwrap() error {
	return e.Err
}
