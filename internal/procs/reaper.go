package procs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// OrphanReapInterval is how often the orphan sweep runs.
	OrphanReapInterval = 5 * time.Minute

	// StaleSessionReapInterval is how often in-memory sessions are checked
	// for staleness.
	StaleSessionReapInterval = 2 * time.Minute

	// ExitTimeout bounds how long a subprocess gets to exit gracefully.
	ExitTimeout = 5 * time.Second
)

// ActiveSessionsFunc reports the set of session IDs currently live in the
// session manager.
type ActiveSessionsFunc func() map[int64]bool

// OrphanReaper periodically kills tracked subprocesses whose session is no
// longer in the active set. It depends on the stale-session reaper actually
// retiring idle sessions; a session that lingers in memory shields its
// subprocess from this sweep.
type OrphanReaper struct {
	registry       *Registry
	activeSessions ActiveSessionsFunc
	interval       time.Duration
}

// NewOrphanReaper creates an orphan reaper over the given registry.
func NewOrphanReaper(registry *Registry, activeSessions ActiveSessionsFunc) *OrphanReaper {
	return &OrphanReaper{
		registry:       registry,
		activeSessions: activeSessions,
		interval:       OrphanReapInterval,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *OrphanReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep kills every tracked subprocess not owned by an active session.
// Exposed separately so shutdown and tests can trigger it directly.
func (r *OrphanReaper) Sweep(ctx context.Context) int {
	active := r.activeSessions()
	reaped := 0

	for _, t := range r.registry.Snapshot() {
		if active[t.SessionDBID] {
			continue
		}
		log.Info().Int64("session", t.SessionDBID).Int32("pid", t.PID).
			Str("provider", t.Provider).Msg("reaping orphaned subprocess")
		if err := EnsureProcessExit(ctx, t.PID, ExitTimeout); err != nil {
			log.Warn().Int32("pid", t.PID).Err(err).Msg("orphan kill failed")
			continue
		}
		r.registry.Unregister(t.SessionDBID)
		reaped++
	}
	return reaped
}

// StaleSessionReaper drives the session manager's stale-session sweep on a
// fixed cadence.
type StaleSessionReaper struct {
	reap     func(ctx context.Context)
	interval time.Duration
}

// NewStaleSessionReaper wraps the manager's reap function.
func NewStaleSessionReaper(reap func(ctx context.Context)) *StaleSessionReaper {
	return &StaleSessionReaper{reap: reap, interval: StaleSessionReapInterval}
}

// Run invokes the reap function on a fixed interval until cancelled.
func (r *StaleSessionReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}
