package models

import "time"

// Role values for User.Role
const (
	RoleDoctor     = "doctor"
	RolePatient    = "patient"
	RoleAdmin      = "admin"
	RoleUnassigned = "unassigned"
)

// Verification status values for doctors
const (
	VerificationPending  = "pending"
	VerificationVerified = "verified"
	VerificationRejected = "rejected"
)

// User represents a platform account. Credits is a cached projection of the
// ledger: every change to it is paired with exactly one ledger entry whose
// signed amount matches the delta.
type User struct {
	ID                 string     `json:"id" db:"id"`
	ExternalID         string     `json:"external_id" db:"external_id"`
	Email              string     `json:"email" db:"email"`
	Name               string     `json:"name" db:"name"`
	ImageURL           string     `json:"image_url,omitempty" db:"image_url"`
	Role               string     `json:"role" db:"role"`
	Credits            int64      `json:"credits" db:"credits"`
	Version            int        `json:"-" db:"version"` // for optimistic locking
	Specialty          string     `json:"specialty,omitempty" db:"specialty"`
	Experience         int        `json:"experience,omitempty" db:"experience"` // in years
	CredentialURL      string     `json:"credential_url,omitempty" db:"credential_url"`
	Description        string     `json:"description,omitempty" db:"description"`
	VerificationStatus string     `json:"verification_status" db:"verification_status"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
	LastLogin          *time.Time `json:"last_login,omitempty" db:"last_login"`
}

// IsVerifiedDoctor reports whether the user can accept bookings.
func (u *User) IsVerifiedDoctor() bool {
	return u.Role == RoleDoctor && u.VerificationStatus == VerificationVerified
}
