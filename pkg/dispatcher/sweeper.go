package dispatcher

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper force-expires in-flight requests whose deadline has passed and
// prunes stale dedup mappings.
type Sweeper struct {
	d        *Dispatcher
	interval time.Duration
}

// NewSweeper creates a sweeper that ticks every interval.
func NewSweeper(d *Dispatcher, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{d: d, interval: interval}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("Sweeper: Started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Sweeper: Stopped")
			return
		case now := <-ticker.C:
			s.Sweep(ctx, now)
		}
	}
}

// Sweep expires every entry due at or before now and returns how many this
// call expired. Entries resolved or refreshed concurrently are skipped.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) int {
	var expired int
	for _, id := range s.d.inflight.Expired(now) {
		if s.d.expire(ctx, id, now) {
			expired++
		}
	}
	if expired > 0 {
		slog.Warn("Sweeper: Expired requests", "count", expired)
	}

	pruned, err := s.d.idem.Prune(ctx)
	if err != nil {
		slog.Warn("Sweeper: Idempotency prune failed", "error", err)
	} else if pruned > 0 {
		slog.Debug("Sweeper: Pruned dedup keys", "count", pruned)
	}
	return expired
}
