// Package procs tracks provider subprocesses and reclaims strays.
package procs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
)

// Tracked describes one registered provider subprocess.
type Tracked struct {
	StartedAt   time.Time
	Provider    string
	SessionDBID int64
	PID         int32
}

// Registry is the authoritative map of live provider subprocesses, keyed by
// session database ID. Generators register on spawn and unregister on every
// exit path; the orphan reaper kills anything left tracked for a session
// that no longer exists in memory.
type Registry struct {
	procs map[int64]Tracked
	mu    sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[int64]Tracked)}
}

// Register records a spawned subprocess for a session, replacing any
// previous entry for the same session.
func (r *Registry) Register(sessionDBID int64, pid int32, provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[sessionDBID] = Tracked{
		SessionDBID: sessionDBID,
		PID:         pid,
		Provider:    provider,
		StartedAt:   time.Now(),
	}
}

// Unregister drops the tracked subprocess for a session.
func (r *Registry) Unregister(sessionDBID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, sessionDBID)
}

// Get returns the tracked subprocess for a session, if any.
func (r *Registry) Get(sessionDBID int64) (Tracked, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.procs[sessionDBID]
	return t, ok
}

// Snapshot returns a copy of all tracked subprocesses.
func (r *Registry) Snapshot() []Tracked {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Tracked, 0, len(r.procs))
	for _, t := range r.procs {
		out = append(out, t)
	}
	return out
}

// Len returns the number of tracked subprocesses.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// EnsureExit terminates the tracked subprocess for a session and verifies it
// is gone, then unregisters it. Called on every generator exit path so
// zombies never accumulate.
func (r *Registry) EnsureExit(ctx context.Context, sessionDBID int64, timeout time.Duration) error {
	t, ok := r.Get(sessionDBID)
	if !ok {
		return nil
	}
	defer r.Unregister(sessionDBID)
	return EnsureProcessExit(ctx, t.PID, timeout)
}

// EnsureProcessExit asks a process to terminate and escalates to a hard kill
// if it is still alive when the deadline passes.
func EnsureProcessExit(ctx context.Context, pid int32, timeout time.Duration) error {
	alive, err := process.PidExistsWithContext(ctx, pid)
	if err != nil || !alive {
		return nil
	}

	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil // Raced with exit
	}

	if err := proc.TerminateWithContext(ctx); err != nil {
		log.Debug().Int32("pid", pid).Err(err).Msg("terminate failed, will kill")
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		alive, err := process.PidExistsWithContext(ctx, pid)
		if err != nil || !alive {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	log.Warn().Int32("pid", pid).Dur("timeout", timeout).
		Msg("process survived terminate, killing")
	if err := proc.KillWithContext(ctx); err != nil {
		if alive, _ := process.PidExistsWithContext(ctx, pid); alive {
			return err
		}
	}
	return nil
}

// KillAll force-terminates every tracked subprocess. Used by the shutdown
// coordinator after graceful joins have run their course.
func (r *Registry) KillAll(ctx context.Context, timeout time.Duration) {
	for _, t := range r.Snapshot() {
		if err := EnsureProcessExit(ctx, t.PID, timeout); err != nil {
			log.Warn().Int32("pid", t.PID).Int64("session", t.SessionDBID).
				Err(err).Msg("failed to kill tracked subprocess")
		}
		r.Unregister(t.SessionDBID)
	}
}
