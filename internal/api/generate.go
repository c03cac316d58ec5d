package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/SSR3-FinalPj/AI-auto/pkg/dispatcher"
	"github.com/SSR3-FinalPj/AI-auto/pkg/model"
)

// HeaderIdempotencyKey overrides the body dedupKey.
const HeaderIdempotencyKey = "Idempotency-Key"

// Submitter accepts generation requests.
type Submitter interface {
	Submit(ctx context.Context, p *model.Payload, dedupKey string) (dispatcher.SubmitResult, error)
}

// IntakeHandler serves POST /generate.
type IntakeHandler struct {
	submitter Submitter
}

func NewIntakeHandler(s Submitter) *IntakeHandler {
	return &IntakeHandler{submitter: s}
}

// IntakeResponse is returned for accepted and duplicate submissions alike.
type IntakeResponse struct {
	RequestID string `json:"requestId"`
	Enqueued  bool   `json:"enqueued"`
	Duplicate bool   `json:"duplicate"`
}

func (h *IntakeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var p model.Payload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.submitter.Submit(r.Context(), &p, r.Header.Get(HeaderIdempotencyKey))
	if err != nil {
		if errors.Is(err, dispatcher.ErrShuttingDown) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		slog.Error("Intake failed", "job_id", p.JobID, "error", err)
		writeError(w, http.StatusInternalServerError, "intake failed")
		return
	}

	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, IntakeResponse{
		RequestID: res.RequestID,
		Enqueued:  res.Enqueued,
		Duplicate: res.Duplicate,
	})
}
