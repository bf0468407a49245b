// Package scheduler runs the periodic maintenance sweeps: retry promotion,
// expired-lease reclaim, and cache eviction.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/lecternhq/lectern/internal/store"
)

// Options control sweep cadence and retention. Zero values get defaults.
type Options struct {
	Tick            time.Duration
	LeaseTimeout    time.Duration
	AnswerRetention time.Duration
	GraphIdle       time.Duration
}

// Scheduler owns the maintenance loop. One instance per process is enough;
// sweeps are idempotent so running several is safe, just wasteful.
type Scheduler struct {
	store *store.Store
	opts  Options
}

func New(s *store.Store, opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = 5 * time.Second
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 60 * time.Second
	}
	if opts.AnswerRetention <= 0 {
		opts.AnswerRetention = 30 * 24 * time.Hour
	}
	if opts.GraphIdle <= 0 {
		opts.GraphIdle = 7 * 24 * time.Hour
	}
	return &Scheduler{store: s, opts: opts}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	slog.Info("scheduler started", "tick", s.opts.Tick, "lease_timeout", s.opts.LeaseTimeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce executes one pass of every sweep. Errors are logged, not
// returned; a failed sweep retries next tick.
func (s *Scheduler) RunOnce() {
	if n, err := s.store.PromoteRetries(); err != nil {
		slog.Error("promote retries", "error", err)
	} else if n > 0 {
		slog.Info("promoted retries", "count", n)
	}

	if n, err := s.store.ReclaimExpired(s.opts.LeaseTimeout); err != nil {
		slog.Error("reclaim expired leases", "error", err)
	} else if n > 0 {
		slog.Warn("reclaimed expired leases", "count", n)
	}

	if n, err := s.store.EvictAnswersBefore(s.store.Now().Add(-s.opts.AnswerRetention)); err != nil {
		slog.Error("evict answers", "error", err)
	} else if n > 0 {
		slog.Info("evicted cached answers", "count", n)
	}

	if n, err := s.store.EvictGraphsIdle(s.opts.GraphIdle); err != nil {
		slog.Error("evict idle graphs", "error", err)
	} else if n > 0 {
		slog.Info("evicted idle graphs", "count", n)
	}
}
