package api

import (
	"net/http"

	"github.com/SSR3-FinalPj/AI-auto/pkg/dispatcher"
	"github.com/SSR3-FinalPj/AI-auto/pkg/tracker"
)

// StatsSource reports dispatcher load.
type StatsSource interface {
	Stats() dispatcher.Stats
}

type StatsHandler struct {
	source  StatsSource
	tracker *tracker.Tracker
}

func NewStatsHandler(s StatsSource, t *tracker.Tracker) *StatsHandler {
	return &StatsHandler{source: s, tracker: t}
}

type ProviderStatsDTO struct {
	APISuccess  int64 `json:"api_success"`
	APIFailures int64 `json:"api_errors"`
	Fallbacks   int64 `json:"fallbacks"`
	SuccessRate int64 `json:"success_rate"`
}

type StatsResponse struct {
	dispatcher.Stats
	Providers map[string]ProviderStatsDTO `json:"providers"`
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Stats:     h.source.Stats(),
		Providers: make(map[string]ProviderStatsDTO),
	}

	if h.tracker != nil {
		for name, s := range h.tracker.Snapshot() {
			dto := ProviderStatsDTO{
				APISuccess:  s.APISuccess,
				APIFailures: s.APIFailures,
				Fallbacks:   s.Fallbacks,
			}
			if total := s.APISuccess + s.APIFailures; total > 0 {
				dto.SuccessRate = s.APISuccess * 100 / total
			}
			resp.Providers[name] = dto
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
