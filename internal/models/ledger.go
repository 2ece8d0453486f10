package models

import "time"

// Ledger entry kinds. Positive amounts are credits, negative are debits.
const (
	EntryGrant             = "GRANT"
	EntryAppointmentDebit  = "APPOINTMENT_DEBIT"
	EntryAppointmentCredit = "APPOINTMENT_CREDIT"
	EntryPayoutDebit       = "PAYOUT_DEBIT"
	EntryAdminAdjustment   = "ADMIN_ADJUSTMENT"
)

// LedgerEntry is an immutable record of a single signed credit movement.
// Corrections are new entries, never edits; entries are never deleted.
type LedgerEntry struct {
	ID            string    `json:"id" db:"id"`
	AccountID     string    `json:"account_id" db:"account_id"`
	Amount        int64     `json:"amount" db:"amount"` // signed, in credits
	Kind          string    `json:"kind" db:"kind"`
	PackageID     string    `json:"package_id,omitempty" db:"package_id"` // plan id for GRANT entries
	AppointmentID string    `json:"appointment_id,omitempty" db:"appointment_id"`
	PayoutID      string    `json:"payout_id,omitempty" db:"payout_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
