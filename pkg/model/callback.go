package model

import (
	"errors"
	"fmt"
	"strings"
)

// Callback is the generation backend's asynchronous result report.
// Older backends used snake_case keys and other names for the result location;
// those are accepted and folded into the canonical fields by Normalize.
type Callback struct {
	RequestID       string `json:"requestId"`
	EventID         string `json:"eventId,omitempty"`
	JobID           int64  `json:"jobId,omitempty"`
	Status          Status `json:"status"`
	Message         string `json:"message,omitempty"`
	ResultReference string `json:"resultReference,omitempty"`
	Prompt          string `json:"prompt,omitempty"`
	PromptID        string `json:"promptId,omitempty"`
	VideoID         string `json:"videoId,omitempty"`
	Type            string `json:"type,omitempty"`

	LegacyRequestID string `json:"request_id,omitempty"`
	LegacyEventID   string `json:"event_id,omitempty"`
	LegacyPromptID  string `json:"prompt_id,omitempty"`
	LegacyVideoID   string `json:"video_id,omitempty"`
	ResultKey       string `json:"resultKey,omitempty"`
	VideoPath       string `json:"video_path,omitempty"`
}

// Normalize folds legacy aliases into the canonical fields and validates the result.
func (c *Callback) Normalize() error {
	c.RequestID = firstNonEmpty(c.RequestID, c.LegacyRequestID)
	c.EventID = firstNonEmpty(c.EventID, c.LegacyEventID)
	c.PromptID = firstNonEmpty(c.PromptID, c.LegacyPromptID)
	c.VideoID = firstNonEmpty(c.VideoID, c.LegacyVideoID)
	c.ResultReference = firstNonEmpty(c.ResultReference, c.ResultKey, c.VideoPath)
	c.Status = Status(strings.ToUpper(strings.TrimSpace(string(c.Status))))

	if c.RequestID == "" {
		return errors.New("requestId is required")
	}
	if c.Status != StatusSuccess && c.Status != StatusFailed {
		return fmt.Errorf("status must be SUCCESS or FAILED, got %q", c.Status)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
