// Package probe runs the startup dependency checks (generation backend,
// event bus, idempotency store, object storage, enrichment provider).
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTimeout bounds a check that sets no Timeout of its own.
const DefaultTimeout = 5 * time.Second

// CheckFunc reports whether a dependency is reachable.
type CheckFunc func(ctx context.Context) error

// Probe is one startup check. A failing Critical probe aborts startup;
// the others only degrade the service.
type Probe struct {
	Name     string
	Check    CheckFunc
	Critical bool
	Timeout  time.Duration
}

// Result holds the outcome of a single probe.
type Result struct {
	Probe    Probe
	Error    error
	Duration time.Duration
}

// Passed reports whether the check succeeded.
func (r Result) Passed() bool { return r.Error == nil }

// Run executes the probes in order, each under its own deadline.
func Run(ctx context.Context, probes []Probe) []Result {
	results := make([]Result, 0, len(probes))
	for _, p := range probes {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}

		start := time.Now()
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := p.Check(checkCtx)
		cancel()

		results = append(results, Result{Probe: p, Error: err, Duration: time.Since(start)})
	}
	return results
}

// AnalyzeResults logs a summary and joins the failures of critical probes.
func AnalyzeResults(results []Result) error {
	var criticalErrors []error
	var degraded int

	slog.Info("Startup checks", "count", len(results))
	for _, r := range results {
		line := fmt.Sprintf("%-22s %v", r.Probe.Name, r.Duration.Round(time.Millisecond))
		switch {
		case r.Passed():
			slog.Info("[PASS] " + line)
		case r.Probe.Critical:
			slog.Error("[FAIL] "+line, "error", r.Error)
			criticalErrors = append(criticalErrors, fmt.Errorf("%s: %w", r.Probe.Name, r.Error))
		default:
			degraded++
			slog.Warn("[WARN] "+line, "error", r.Error)
		}
	}

	if degraded > 0 {
		slog.Warn("Starting degraded", "failed_optional_checks", degraded)
	}
	return errors.Join(criticalErrors...)
}
