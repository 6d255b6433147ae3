package models

import (
	"time"

	"github.com/google/uuid"
)

// DeadLetter is an event whose graph update failed after bounded retries.
// Parked for manual inspection; updates are never silently dropped.
type DeadLetter struct {
	ID        uuid.UUID `json:"id"`
	EventID   string    `json:"event_id"`
	Payload   []byte    `json:"payload"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	ParkedAt  time.Time `json:"parked_at"`
}
