package audit

import (
	"encoding/json"
	"log"
	"time"
)

// Event is one line in the structured audit trail. Sensitive state changes
// (credit movements, payout processing, doctor verification) each emit one.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	ActorID   string    `json:"actor_id"`
	SubjectID string    `json:"subject_id"`
	Amount    int64     `json:"amount,omitempty"`
	Status    string    `json:"status"`
	Details   any       `json:"details,omitempty"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

// LogTransfer records a credit movement between two accounts.
func (a *Logger) LogTransfer(refID, fromAccount, toAccount string, amount int64, status string) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "CREDIT_TRANSFER",
		SubjectID: refID,
		Amount:    amount,
		Status:    status,
		Details: map[string]string{
			"from_account": fromAccount,
			"to_account":   toAccount,
		},
	})
}

// LogAdminAction records a privileged operation performed by an admin.
func (a *Logger) LogAdminAction(actorID, subjectID, action, details string) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: action,
		ActorID:   actorID,
		SubjectID: subjectID,
		Status:    "SUCCESS",
		Details:   map[string]string{"details": details},
	})
}

// LogError records a failed sensitive operation.
func (a *Logger) LogError(actorID, subjectID string, err error) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "ERROR",
		ActorID:   actorID,
		SubjectID: subjectID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
