package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a request.
type State string

const (
	StateAccepted   State = "ACCEPTED"
	StateDispatched State = "DISPATCHED"
	StateSucceeded  State = "SUCCEEDED"
	StateFailed     State = "FAILED"
	StateExpired    State = "EXPIRED"
)

// Job represents a unit of accepted work.
type Job struct {
	RequestID    string
	DedupKey     string
	Payload      *Payload
	Priority     int
	Attempts     int
	EnrichedText string // cached so retries skip enrichment
	Direct       bool
	EnqueuedAt   time.Time
}

// NewRequestID returns an opaque request identifier ("req_" + 32 hex chars).
func NewRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
