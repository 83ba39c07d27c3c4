package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/mnemo/internal/db/sqlite"
	"github.com/thebtf/mnemo/internal/procs"
	"github.com/thebtf/mnemo/pkg/models"
)

const (
	// GeneratorIdleTimeout is how long a generator waits for new messages
	// before exiting. The session stays in memory and a later enqueue spawns
	// a fresh generator.
	GeneratorIdleTimeout = 3 * time.Minute

	// ClaimStaleThreshold bounds how long a processing claim may sit without
	// confirmation before the next claim call recovers it.
	ClaimStaleThreshold = 60 * time.Second

	// SessionMemoryTTL is how long an idle session with no generator and no
	// queued work stays in the active map before the stale reaper drops it.
	SessionMemoryTTL = 15 * time.Minute

	// DeleteGeneratorJoin bounds how long delete-session waits for the
	// generator task to finish before moving on.
	DeleteGeneratorJoin = 30 * time.Second
)

// GeneratorFunc runs a session's generator task until its queue goes idle or
// the context is cancelled. Injected by the service layer.
type GeneratorFunc func(ctx context.Context, s *ActiveSession, source string)

// Manager maintains the in-memory map of active sessions.
type Manager struct {
	sessionStore  *sqlite.SessionStore
	pendingStore  *sqlite.PendingStore
	registry      *procs.Registry
	sessions      map[int64]*ActiveSession
	generatorFunc GeneratorFunc
	onCreated     func(int64)
	onDeleted     func(int64)
	idleTimeout   time.Duration
	mu            sync.RWMutex
}

// NewManager creates a new session manager.
func NewManager(sessionStore *sqlite.SessionStore, pendingStore *sqlite.PendingStore, registry *procs.Registry) *Manager {
	return &Manager{
		sessionStore: sessionStore,
		pendingStore: pendingStore,
		registry:     registry,
		sessions:     make(map[int64]*ActiveSession),
		idleTimeout:  GeneratorIdleTimeout,
	}
}

// SetGeneratorFunc injects the generator task entrypoint.
func (m *Manager) SetGeneratorFunc(fn GeneratorFunc) {
	m.generatorFunc = fn
}

// SetOnSessionCreated sets a callback for when a session becomes active.
func (m *Manager) SetOnSessionCreated(callback func(int64)) {
	m.onCreated = callback
}

// SetOnSessionDeleted sets a callback for when a session is removed.
func (m *Manager) SetOnSessionDeleted(callback func(int64)) {
	m.onDeleted = callback
}

// InitializeSession creates or refreshes the active session for a content
// session ID. Idempotent: repeat calls return the existing in-memory session
// with its prompt state updated.
func (m *Manager) InitializeSession(ctx context.Context, contentSessionID, project, userPrompt string, promptNumber int) (*ActiveSession, error) {
	dbSess, err := m.sessionStore.CreateOrGet(ctx, contentSessionID, project, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.mu.Lock()
	if existing, ok := m.sessions[dbSess.ID]; ok {
		if userPrompt != "" {
			existing.UserPrompt = userPrompt
			existing.LastPromptNumber = promptNumber
		}
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	return m.activate(dbSess, userPrompt, promptNumber)
}

// ActivateFromDB brings a stored session into the active map, used at
// startup to resume queued work.
func (m *Manager) ActivateFromDB(ctx context.Context, sessionDBID int64) (*ActiveSession, error) {
	m.mu.RLock()
	if existing, ok := m.sessions[sessionDBID]; ok {
		m.mu.RUnlock()
		return existing, nil
	}
	m.mu.RUnlock()

	dbSess, err := m.sessionStore.GetByID(ctx, sessionDBID)
	if err != nil {
		return nil, err
	}
	as, err := m.activate(dbSess, dbSess.UserPrompt.String, dbSess.PromptCounter)
	if err != nil {
		return nil, err
	}

	// A resumed session may carry a backlog queued before the restart; seed
	// the timestamp so drained observations keep their original time.
	if epoch, qerr := m.pendingStore.EarliestPendingEpoch(ctx, sessionDBID); qerr == nil && epoch > 0 {
		as.SetEarliestPending(epoch)
	}
	return as, nil
}

// activate constructs a fresh ActiveSession. The memory session ID always
// starts empty: a stored one refers to a provider conversation from a
// previous worker run and must not be resumed.
func (m *Manager) activate(dbSess *models.Session, userPrompt string, promptNumber int) (*ActiveSession, error) {
	ctx, cancel := context.WithCancel(context.Background())
	as := &ActiveSession{
		SessionDBID:      dbSess.ID,
		ContentSessionID: dbSess.ContentSessionID,
		Project:          dbSess.Project,
		UserPrompt:       userPrompt,
		LastPromptNumber: promptNumber,
		StartTime:        time.Now(),
		notify:           make(chan struct{}, 1),
		ctx:              ctx,
		cancel:           cancel,
	}

	m.mu.Lock()
	if existing, ok := m.sessions[dbSess.ID]; ok {
		m.mu.Unlock()
		cancel()
		return existing, nil
	}
	m.sessions[dbSess.ID] = as
	onCreated := m.onCreated
	m.mu.Unlock()

	log.Info().
		Int64("sessionId", dbSess.ID).
		Str("project", as.Project).
		Str("contentSessionId", as.ContentSessionID).
		Msg("Session initialized")

	if onCreated != nil {
		onCreated(dbSess.ID)
	}
	return as, nil
}

// Get returns the active session for a database ID, if present.
func (m *Manager) Get(sessionDBID int64) (*ActiveSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	as, ok := m.sessions[sessionDBID]
	return as, ok
}

// QueueObservation persists an observation message and wakes the session's
// generator. The row is durable before this returns.
func (m *Manager) QueueObservation(ctx context.Context, as *ActiveSession, p *models.ObservationPayload) (int64, error) {
	id, err := m.pendingStore.Enqueue(ctx, &models.PendingMessage{
		SessionDBID:      as.SessionDBID,
		ContentSessionID: as.ContentSessionID,
		MessageType:      models.PendingObservation,
		ToolName:         p.ToolName,
		ToolInput:        p.ToolInput,
		ToolResponse:     p.ToolResponse,
		CWD:              p.CWD,
		PromptNumber:     p.PromptNumber,
	})
	if err != nil {
		return 0, err
	}

	as.Notify()
	m.EnsureGeneratorRunning(as, "observation")

	log.Info().
		Int64("sessionId", as.SessionDBID).
		Str("tool", p.ToolName).
		Msg("Observation queued")
	return id, nil
}

// QueueSummarize persists a summarize message and wakes the session's
// generator.
func (m *Manager) QueueSummarize(ctx context.Context, as *ActiveSession, p *models.SummarizePayload) (int64, error) {
	id, err := m.pendingStore.Enqueue(ctx, &models.PendingMessage{
		SessionDBID:          as.SessionDBID,
		ContentSessionID:     as.ContentSessionID,
		MessageType:          models.PendingSummarize,
		LastAssistantMessage: p.LastAssistantMessage,
		PromptNumber:         p.PromptNumber,
	})
	if err != nil {
		return 0, err
	}

	as.Notify()
	m.EnsureGeneratorRunning(as, "summarize")

	log.Info().Int64("sessionId", as.SessionDBID).Msg("Summarize request queued")
	return id, nil
}

// EnsureGeneratorRunning spawns a generator task for the session if none is
// running. A generator that has gone quiet past the staleness threshold is
// aborted and replaced with a fresh one.
func (m *Manager) EnsureGeneratorRunning(as *ActiveSession, source string) {
	if as.generatorActive.CompareAndSwap(false, true) {
		m.startGenerator(as, source)
		return
	}

	if time.Since(as.LastActivity()) <= GeneratorStaleThreshold {
		return // healthy generator already running
	}

	log.Warn().
		Int64("sessionId", as.SessionDBID).
		Time("lastActivity", as.LastActivity()).
		Msg("Generator stale, restarting")

	as.mu.Lock()
	genCancel := as.genCancel
	done := as.genDone
	as.mu.Unlock()

	if genCancel != nil {
		genCancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(procs.ExitTimeout):
			log.Warn().Int64("sessionId", as.SessionDBID).Msg("Stale generator did not exit in time")
			return
		}
	}

	if as.generatorActive.CompareAndSwap(false, true) {
		m.startGenerator(as, "stale-recovery")
	}
}

// startGenerator launches the generator task. Caller must have won the
// generatorActive flag.
func (m *Manager) startGenerator(as *ActiveSession, source string) {
	genCtx, genCancel := context.WithCancel(as.ctx)
	done := make(chan struct{})

	as.mu.Lock()
	as.genCancel = genCancel
	as.genDone = done
	as.mu.Unlock()

	as.RecordActivity()
	as.SetIdleTimedOut(false)

	fn := m.generatorFunc
	go func() {
		defer func() {
			as.generatorActive.Store(false)
			genCancel()
			close(done)
		}()
		if fn != nil {
			fn(genCtx, as, source)
		}
	}()

	log.Debug().
		Int64("sessionId", as.SessionDBID).
		Str("source", source).
		Msg("Generator started")
}

// NextMessage is the generator's message iterator. It claims the oldest
// claimable message for the session, blocking on the queue notifier until
// one arrives. Returns (nil, nil) when the idle timeout elapses with an
// empty queue, which is the generator's cue to exit.
func (m *Manager) NextMessage(ctx context.Context, as *ActiveSession) (*models.PendingMessage, error) {
	idle := time.NewTimer(m.idleTimeout)
	defer idle.Stop()

	for {
		msg, err := m.pendingStore.ClaimNext(ctx, as.SessionDBID, ClaimStaleThreshold)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			as.RecordActivity()
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-as.notify:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(m.idleTimeout)
		case <-idle.C:
			as.SetIdleTimedOut(true)
			return nil, nil
		}
	}
}

// DeleteSession removes a session from memory with ordered teardown: cancel
// the session context, join the generator with a bound, verify the tracked
// subprocess exited, then fan out the deletion event.
func (m *Manager) DeleteSession(ctx context.Context, sessionDBID int64) {
	m.mu.Lock()
	as, ok := m.sessions[sessionDBID]
	if ok {
		delete(m.sessions, sessionDBID)
	}
	onDeleted := m.onDeleted
	m.mu.Unlock()

	if !ok {
		return
	}

	as.cancel()

	if done := as.GeneratorDone(); done != nil {
		select {
		case <-done:
		case <-time.After(DeleteGeneratorJoin):
			log.Warn().Int64("sessionId", sessionDBID).
				Msg("Generator did not finish within join bound, continuing teardown")
		}
	}

	if err := m.registry.EnsureExit(ctx, sessionDBID, procs.ExitTimeout); err != nil {
		log.Warn().Int64("sessionId", sessionDBID).Err(err).
			Msg("Subprocess exit verification failed")
	}

	log.Info().
		Int64("sessionId", sessionDBID).
		Str("project", as.Project).
		Dur("duration", time.Since(as.StartTime)).
		Msg("Session deleted")

	if onDeleted != nil {
		onDeleted(sessionDBID)
	}
}

// RemoveImmediate drops a session from memory without waiting for the
// generator. Used when a fallback chain exhausts and the session is beyond
// saving.
func (m *Manager) RemoveImmediate(sessionDBID int64) {
	m.mu.Lock()
	as, ok := m.sessions[sessionDBID]
	if ok {
		delete(m.sessions, sessionDBID)
	}
	onDeleted := m.onDeleted
	m.mu.Unlock()

	if !ok {
		return
	}
	as.cancel()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), procs.ExitTimeout+time.Second)
		defer cancel()
		_ = m.registry.EnsureExit(ctx, sessionDBID, procs.ExitTimeout)
	}()

	log.Info().Int64("sessionId", sessionDBID).Msg("Session removed immediately")
	if onDeleted != nil {
		onDeleted(sessionDBID)
	}
}

// ReapStaleSessions deletes in-memory sessions with no generator, no queued
// work, and no activity for longer than the memory TTL. Keeping this sweep
// honest is what lets the orphan reaper make progress.
func (m *Manager) ReapStaleSessions(ctx context.Context) {
	m.mu.RLock()
	var staleIDs []int64
	now := time.Now()
	for id, as := range m.sessions {
		if as.GeneratorActive() {
			continue
		}
		hasWork, err := m.pendingStore.HasWork(ctx, id)
		if err != nil || hasWork {
			continue
		}
		age := now.Sub(as.StartTime)
		if last := as.LastActivity(); last.After(as.StartTime) {
			age = now.Sub(last)
		}
		if age > SessionMemoryTTL {
			staleIDs = append(staleIDs, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range staleIDs {
		log.Info().Int64("sessionId", id).Msg("Reaping stale session from memory")
		m.DeleteSession(ctx, id)
	}
}

// ResumePendingWork activates sessions that still have queued messages and
// starts their generators. Called once at startup after reset-stale.
func (m *Manager) ResumePendingWork(ctx context.Context) {
	ids, err := m.pendingStore.SessionsWithPending(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list sessions with pending work")
		return
	}

	for _, id := range ids {
		as, err := m.ActivateFromDB(ctx, id)
		if err != nil {
			log.Warn().Int64("sessionId", id).Err(err).Msg("Failed to resume session")
			continue
		}
		as.Notify()
		m.EnsureGeneratorRunning(as, "startup-resume")
	}

	if len(ids) > 0 {
		log.Info().Int("sessions", len(ids)).Msg("Resumed queued work from previous run")
	}
}

// ActiveSessionIDs returns the set of session IDs currently in memory, for
// the orphan reaper.
func (m *Manager) ActiveSessionIDs() map[int64]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make(map[int64]bool, len(m.sessions))
	for id := range m.sessions {
		ids[id] = true
	}
	return ids
}

// ActiveCount returns the number of sessions in memory.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// IsAnyProcessing reports whether any session has a running generator or
// queued work.
func (m *Manager) IsAnyProcessing(ctx context.Context) bool {
	m.mu.RLock()
	for _, as := range m.sessions {
		if as.GeneratorActive() {
			m.mu.RUnlock()
			return true
		}
	}
	m.mu.RUnlock()

	backlog, err := m.pendingStore.TotalBacklog(ctx)
	return err == nil && backlog > 0
}

// QueueDepth returns the pending+processing backlog across all sessions.
func (m *Manager) QueueDepth(ctx context.Context) int64 {
	depth, err := m.pendingStore.TotalBacklog(ctx)
	if err != nil {
		return 0
	}
	return depth
}

// ShutdownAll tears down every active session in order.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.DeleteSession(ctx, id)
	}

	log.Info().Int("count", len(ids)).Msg("All sessions shut down")
}
