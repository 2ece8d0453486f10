package models

import "time"

// Payout status values. A doctor has at most one PROCESSING payout at a time;
// PROCESSING -> PROCESSED happens exactly once, atomically with the ledger
// debit of the payout's credits.
const (
	PayoutProcessing = "PROCESSING"
	PayoutProcessed  = "PROCESSED"
)

// Payout is a doctor's request to convert accumulated credits into money.
// Amounts are denominated in the platform currency; Credits stays in credits.
type Payout struct {
	ID                string     `json:"id" db:"id"`
	DoctorID          string     `json:"doctor_id" db:"doctor_id"`
	Credits           int64      `json:"credits" db:"credits"`
	Amount            float64    `json:"amount" db:"amount"`
	PlatformFee       float64    `json:"platform_fee" db:"platform_fee"`
	NetAmount         float64    `json:"net_amount" db:"net_amount"`
	PayoutDestination string     `json:"payout_destination" db:"payout_destination"`
	Status            string     `json:"status" db:"status"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	ProcessedBy       string     `json:"processed_by,omitempty" db:"processed_by"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

// DoctorEarnings summarises a doctor's earnings position.
type DoctorEarnings struct {
	TotalEarnings           float64 `json:"total_earnings"`
	ThisMonthEarnings       float64 `json:"this_month_earnings"`
	CompletedAppointments   int     `json:"completed_appointments"`
	AverageEarningsPerMonth float64 `json:"average_earnings_per_month"`
	AvailableCredits        int64   `json:"available_credits"`
	AvailablePayout         float64 `json:"available_payout"`
}
