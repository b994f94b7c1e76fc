package supervisor

import (
	"context"
	"time"

	"github.com/Shaydu/mondrian/internal/config"
	"github.com/Shaydu/mondrian/internal/logging"
	"github.com/Shaydu/mondrian/internal/types"
)

// StaleSource lists jobs whose last activity predates a cutoff.
// *store.Store satisfies it.
type StaleSource interface {
	ListStaleJobs(ctx context.Context, cutoff time.Time) ([]*types.Job, error)
}

// JobReaper transitions one stale job to its timeout terminal state.
// *engine.Engine satisfies it; routing through the engine keeps the
// commit-before-emit ordering for reaped jobs too.
type JobReaper interface {
	ReapJob(ctx context.Context, jobID string) error
}

// Reaper periodically sweeps jobs that exceeded the wall-clock budget.
type Reaper struct {
	source StaleSource
	engine JobReaper
	cfg    config.SupervisorConfig
	now    func() time.Time
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperClock overrides the reaper clock. Tests only.
func WithReaperClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) { r.now = now }
}

// NewReaper builds a reaper.
func NewReaper(source StaleSource, engine JobReaper, cfg config.SupervisorConfig, opts ...ReaperOption) *Reaper {
	r := &Reaper{source: source, engine: engine, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep marks every stale non-terminal job as errored with kind timeout.
// Terminal jobs never appear in the listing, so repeated sweeps are
// idempotent. Returns the number of jobs reaped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.GetJobTimeout())
	stale, err := r.source.ListStaleJobs(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, job := range stale {
		if err := r.engine.ReapJob(ctx, job.ID); err != nil {
			logging.SupervisorWarn("Failed to reap job %s: %v", job.ID, err)
			continue
		}
		reaped++
		logging.Supervisor("Reaped job %s (inactive since %s)", job.ID, job.LastActivity.Format(time.RFC3339))
	}
	return reaped, nil
}

// run sweeps on the cleanup interval until stopped.
func (r *Reaper) run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.GetCleanupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				logging.SupervisorWarn("Reaper sweep failed: %v", err)
			} else if n > 0 {
				logging.Supervisor("Reaper sweep: %d jobs timed out", n)
			}
		}
	}
}
