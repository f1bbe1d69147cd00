package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallState enumerates the canonical lifecycle of an originated call.
type CallState string

const (
	CallStateInitiated CallState = "initiated"
	CallStateRinging   CallState = "ringing"
	CallStateAnswered  CallState = "answered"
	CallStateCompleted CallState = "completed"
	CallStateFailed    CallState = "failed"
	CallStateBusy      CallState = "busy"
	CallStateNoAnswer  CallState = "no_answer"
	CallStateCancelled CallState = "cancelled"
)

// Terminal reports whether the state is absorbing.
func (s CallState) Terminal() bool {
	switch s {
	case CallStateCompleted, CallStateFailed, CallStateBusy, CallStateNoAnswer, CallStateCancelled:
		return true
	}
	return false
}

// Trunk is an outbound SIP path with a channel-capacity limit. Trunk records
// are owned by an external store; the core only mutates counters.
type Trunk struct {
	ID           uuid.UUID
	Name         string
	SIPUsername  string
	Provider     string
	IsPrimary    bool
	Priority     int
	MaxChannels  int
	CurrentCalls int
	TotalCalls   int64
	FailedCalls  int64
	LastError    *string
	LastErrorAt  *time.Time
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Provider carries the tariff data used for cost estimation.
type Provider struct {
	ID           uuid.UUID
	Name         string
	TariffFixed  float64
	TariffMobile float64
	IsActive     bool
}

// CallRequest describes one outbound call. Immutable once submitted.
type CallRequest struct {
	To               string
	From             string
	TrunkID          *uuid.UUID
	RecordCall       bool
	Transcribe       bool
	AnalyzeSentiment bool
	Metadata         map[string]any
}

// OriginationAttempt records a single trunk try within one request.
type OriginationAttempt struct {
	TrunkID    uuid.UUID
	TrunkName  string
	Success    bool
	ExternalID string
	Error      string
	Latency    time.Duration
	At         time.Time
}

// FallbackResult is the outcome of a fallback-orchestrated call request.
type FallbackResult struct {
	Success       bool
	TrunkID       *uuid.UUID
	ExternalID    string
	EstimatedCost float64
	RecordingURL  *string
	Transcription *string
	Sentiment     *string
	Attempts      []OriginationAttempt
	Error         string
}

// TrunkFailure is the per-attempt failure record forwarded to collaborators.
type TrunkFailure struct {
	TrunkID   uuid.UUID
	Error     string
	Timestamp time.Time
}

// CallNotification is the terminal lifecycle notification for a tracked call.
type CallNotification struct {
	ExternalID      string
	FinalState      CallState
	DurationSeconds int64
	Cause           int
}

// TrunkStats aggregates per-trunk outcomes for reporting.
type TrunkStats struct {
	TrunkID     uuid.UUID
	Name        string
	TotalCalls  int64
	FailedCalls int64
	SuccessRate float64
	LastError   *string
	LastErrorAt *time.Time
}
