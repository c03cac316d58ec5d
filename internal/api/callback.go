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

// Resolver matches callbacks with in-flight requests.
type Resolver interface {
	Resolve(ctx context.Context, cb *model.Callback) (dispatcher.ResolveResult, error)
}

// CallbackHandler serves POST /callback. Any decodable callback gets 200,
// including late ones, so the backend never retries a report.
type CallbackHandler struct {
	resolver Resolver
}

func NewCallbackHandler(r Resolver) *CallbackHandler {
	return &CallbackHandler{resolver: r}
}

type callbackResponse struct {
	OK   bool `json:"ok"`
	Late bool `json:"late"`
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var cb model.Callback
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&cb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	res, err := h.resolver.Resolve(r.Context(), &cb)
	if err != nil {
		if errors.Is(err, model.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("Callback failed", "request_id", cb.RequestID, "error", err)
		writeError(w, http.StatusInternalServerError, "callback failed")
		return
	}
	writeJSON(w, http.StatusOK, callbackResponse{OK: true, Late: res.Late})
}
