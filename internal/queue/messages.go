package queue

import (
	"time"

	"github.com/google/uuid"
)

// LifecycleMessage is the terminal call-lifecycle notification published to
// collaborators.
type LifecycleMessage struct {
	ExternalID      string    `json:"external_id"`
	TrunkID         uuid.UUID `json:"trunk_id"`
	State           string    `json:"state"`
	DurationSeconds int64     `json:"duration_seconds"`
	Cause           int       `json:"cause"`
	Cost            float64   `json:"cost"`
	OccurredAt      time.Time `json:"occurred_at"`
}
