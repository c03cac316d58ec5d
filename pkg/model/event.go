package model

import (
	"time"
)

// SchemaVersion is stamped on every published event.
const SchemaVersion = 1

// Status is the terminal outcome carried by an event.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusExpired Status = "EXPIRED"
)

// MessageCallbackTimeout is used for every deadline-driven terminal event.
const MessageCallbackTimeout = "callback timeout"

// Event is the terminal lifecycle record published once per request.
type Event struct {
	EventID         string    `json:"event_id"`
	RequestID       string    `json:"request_id"`
	JobID           int64     `json:"job_id,omitempty"`
	Status          Status    `json:"status"`
	Message         string    `json:"message,omitempty"`
	ResultReference string    `json:"result_reference,omitempty"`
	Type            string    `json:"type,omitempty"`
	Platform        string    `json:"platform,omitempty"`
	Prompt          string    `json:"prompt,omitempty"`
	PromptID        string    `json:"prompt_id,omitempty"`
	VideoID         string    `json:"video_id,omitempty"`
	Timestamp       time.Time `json:"ts"`
	SchemaVersion   int       `json:"schema_version"`
}

// TerminalState maps an event status onto the request state machine.
func (s Status) TerminalState() State {
	switch s {
	case StatusSuccess:
		return StateSucceeded
	case StatusExpired:
		return StateExpired
	default:
		return StateFailed
	}
}

// ExpiredEventID is the stable event id for deadline expiry.
func ExpiredEventID(requestID string) string {
	return "evt_" + requestID + "_expired"
}

// DispatchFailedEventID is the stable event id for exhausted dispatch retries.
func DispatchFailedEventID(requestID string) string {
	return "evt_" + requestID + "_bridge_fail"
}

// CallbackEventID is used when the backend's callback carries no event id.
func CallbackEventID(requestID string) string {
	return "evt_" + requestID + "_callback"
}
