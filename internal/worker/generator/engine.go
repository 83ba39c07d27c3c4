package generator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/mnemo/internal/config"
	"github.com/thebtf/mnemo/internal/db/sqlite"
	"github.com/thebtf/mnemo/internal/worker/session"
	"github.com/thebtf/mnemo/pkg/models"
)

// MaxConsecutiveRestarts bounds how many times in a row a failed generator
// is restarted before the session's backlog is left for inspection.
const MaxConsecutiveRestarts = 3

// BroadcastFunc fans an event out to connected SSE clients.
type BroadcastFunc func(event string, payload interface{})

// errFallbackExhausted means every provider in the chain failed with a
// terminated-upstream error for the same message.
var errFallbackExhausted = fmt.Errorf("all providers exhausted")

// Interaction records the outcome of the most recent provider exchange, for
// the health endpoint.
type Interaction struct {
	Provider string `json:"provider,omitempty"`
	Error    string `json:"error,omitempty"`
	At       int64  `json:"at"`
	Success  bool   `json:"success"`
}

// Engine turns claimed queue messages into stored observations and summaries
// by driving provider subprocesses. One Run invocation is one generator task;
// the session manager spawns at most one per session.
type Engine struct {
	manager      *session.Manager
	sessionStore *sqlite.SessionStore
	pendingStore *sqlite.PendingStore
	obsStore     *sqlite.ObservationStore
	summaryStore *sqlite.SummaryStore
	factory      ProviderFactory
	broadcast    BroadcastFunc

	lastInteraction *Interaction
	interactionMu   sync.Mutex
}

// NewEngine creates the generator engine.
func NewEngine(
	manager *session.Manager,
	sessionStore *sqlite.SessionStore,
	pendingStore *sqlite.PendingStore,
	obsStore *sqlite.ObservationStore,
	summaryStore *sqlite.SummaryStore,
	factory ProviderFactory,
) *Engine {
	return &Engine{
		manager:      manager,
		sessionStore: sessionStore,
		pendingStore: pendingStore,
		obsStore:     obsStore,
		summaryStore: summaryStore,
		factory:      factory,
	}
}

// SetBroadcast injects the SSE fan-out.
func (e *Engine) SetBroadcast(fn BroadcastFunc) {
	e.broadcast = fn
}

// LastInteraction returns the most recent provider exchange outcome, nil
// when no exchange has happened yet.
func (e *Engine) LastInteraction() *Interaction {
	e.interactionMu.Lock()
	defer e.interactionMu.Unlock()
	if e.lastInteraction == nil {
		return nil
	}
	cp := *e.lastInteraction
	return &cp
}

func (e *Engine) recordInteraction(provider string, err error) {
	rec := &Interaction{
		Provider: provider,
		At:       time.Now().UnixMilli(),
		Success:  err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	e.interactionMu.Lock()
	e.lastInteraction = rec
	e.interactionMu.Unlock()
}

// Run is the generator task body, matching session.GeneratorFunc. It drains
// the session's queue until the idle timeout or the context ends. The
// provider chain is rebuilt on every spawn so settings changes take effect
// without a restart.
func (e *Engine) Run(ctx context.Context, as *session.ActiveSession, source string) {
	providers := e.factory()
	if len(providers) == 0 {
		log.Error().Int64("sessionId", as.SessionDBID).Msg("No providers configured")
		return
	}
	as.SetCurrentProvider(providers[0].Name())

	log.Info().
		Int64("sessionId", as.SessionDBID).
		Str("source", source).
		Str("provider", providers[0].Name()).
		Msg("Generator running")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 8 * time.Second
	bo.RandomizationFactor = 0

	for {
		msg, err := e.manager.NextMessage(ctx, as)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Int64("sessionId", as.SessionDBID).Err(err).Msg("Message claim failed")
			}
			return
		}
		if msg == nil {
			log.Debug().Int64("sessionId", as.SessionDBID).Msg("Generator idle, exiting")
			return
		}
		as.SetEarliestPending(msg.CreatedAtEpoch)

		e.emitProcessingStatus(ctx)

		procErr := e.processMessage(ctx, as, providers, msg)
		as.RecordActivity()

		e.emitProcessingStatus(ctx)

		if procErr == nil {
			e.recordInteraction(as.CurrentProvider(), nil)
			as.ResetRestarts()
			bo.Reset()
			continue
		}
		if ctx.Err() != nil {
			// Teardown cancelled the provider call. Leave the claim for the
			// stale-claim recovery on the next run.
			return
		}

		e.recordInteraction(as.CurrentProvider(), procErr)

		if procErr == errFallbackExhausted {
			abandoned, _ := e.pendingStore.AbandonSession(ctx, as.SessionDBID)
			log.Error().
				Int64("sessionId", as.SessionDBID).
				Int64("abandoned", abandoned).
				Msg("All providers failed, abandoning session backlog")
			e.manager.RemoveImmediate(as.SessionDBID)
			return
		}

		if Classify(procErr) == ErrClassUnrecoverable {
			// The claim stays in processing; the stale-claim recovery makes
			// it claimable again once the credentials problem is fixed.
			log.Error().
				Int64("sessionId", as.SessionDBID).
				Err(procErr).
				Msg("Unrecoverable provider error, stopping generator")
			return
		}

		// Retryable: the in-flight claim is marked failed, the rest of the
		// backlog gets another attempt after backoff.
		_, _ = e.pendingStore.FailSession(ctx, as.SessionDBID)
		restarts := as.BumpRestarts()
		if restarts >= MaxConsecutiveRestarts {
			log.Error().
				Int64("sessionId", as.SessionDBID).
				Int("restarts", restarts).
				Err(procErr).
				Msg("Restart budget exhausted, stopping generator")
			return
		}

		remaining, err := e.pendingStore.PendingCount(ctx, as.SessionDBID)
		if err != nil || remaining == 0 {
			return
		}

		wait := bo.NextBackOff()
		log.Warn().
			Int64("sessionId", as.SessionDBID).
			Int("restart", restarts).
			Dur("backoff", wait).
			Err(procErr).
			Msg("Generator error, retrying after backoff")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// processMessage runs one claimed message through the provider chain and
// confirms it on success. The claim stays in processing on error so the
// caller decides its fate.
func (e *Engine) processMessage(ctx context.Context, as *session.ActiveSession, providers []Provider, msg *models.PendingMessage) error {
	m := msg.ToMessage()

	resp, err := e.executeWithFallback(ctx, as, providers, m)
	if err != nil {
		return err
	}

	if err := e.storeResults(ctx, as, m, resp.Text); err != nil {
		return err
	}

	if err := e.pendingStore.ConfirmProcessed(ctx, msg.ID); err != nil {
		return fmt.Errorf("confirm message %d: %w", msg.ID, err)
	}
	return nil
}

// executeWithFallback walks the provider chain for one message. A stale
// resume gets one fresh retry on the same provider; a terminated-upstream
// error advances to the next provider.
func (e *Engine) executeWithFallback(ctx context.Context, as *session.ActiveSession, providers []Provider, m models.Message) (*Response, error) {
	forceInit := as.ForceInit()

	for i, p := range providers {
		resp, err := e.executeOnProvider(ctx, as, p, m, forceInit)
		if err == nil {
			if i > 0 {
				log.Warn().
					Int64("sessionId", as.SessionDBID).
					Str("provider", p.Name()).
					Msg("Fallback provider served session")
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		switch Classify(err) {
		case ErrClassStaleResume:
			log.Warn().
				Int64("sessionId", as.SessionDBID).
				Str("provider", p.Name()).
				Msg("Stale resume rejected, starting fresh conversation")
			as.ClearMemorySessionID()
			resp, err = e.executeOnProvider(ctx, as, p, m, true)
			if err == nil {
				return resp, nil
			}
			if Classify(err) != ErrClassTerminatedUpstream {
				return nil, err
			}
			// fall through to the next provider

		case ErrClassTerminatedUpstream:
			log.Warn().
				Int64("sessionId", as.SessionDBID).
				Str("provider", p.Name()).
				Err(err).
				Msg("Provider unavailable, trying next in chain")

		default:
			return nil, err
		}

		// Each fresh provider gets the full format instructions plus the
		// conversation history accumulated so far.
		forceInit = true
	}

	return nil, errFallbackExhausted
}

// executeOnProvider runs one provider call and settles the session's memory
// identity from the result.
func (e *Engine) executeOnProvider(ctx context.Context, as *session.ActiveSession, p Provider, m models.Message, forceInit bool) (*Response, error) {
	as.SetCurrentProvider(p.Name())

	memID := as.MemorySessionID()
	resume := memID
	if forceInit || !p.Resumable() {
		resume = ""
	}
	includeFormat := resume == ""

	prompt := buildMessagePrompt(as, m, as.ConversationHistory(), includeFormat)

	resp, err := p.Execute(ctx, Request{
		Prompt:          prompt,
		MemorySessionID: resume,
		SessionDBID:     as.SessionDBID,
	})
	if err != nil {
		return nil, err
	}
	as.RecordActivity()
	as.AppendExchange(buildMessagePrompt(as, m, nil, false), resp.Text)

	// Settle the memory identity: a resumable provider reports a real one;
	// a non-resumable provider gets a synthetic one so its memories still
	// group under a single session identity.
	switch {
	case resp.MemorySessionID != "" && resp.MemorySessionID != memID:
		as.SetMemorySessionID(resp.MemorySessionID)
		if err := e.sessionStore.UpdateMemorySessionID(ctx, as.SessionDBID, resp.MemorySessionID); err != nil {
			log.Warn().Int64("sessionId", as.SessionDBID).Err(err).
				Msg("Failed to persist memory session ID")
		}
	case memID == "":
		synthetic := "mnemo-" + uuid.NewString()
		as.SetMemorySessionID(synthetic)
		if err := e.sessionStore.UpdateMemorySessionID(ctx, as.SessionDBID, synthetic); err != nil {
			log.Warn().Int64("sessionId", as.SessionDBID).Err(err).
				Msg("Failed to persist synthetic memory session ID")
		}
	}

	return resp, nil
}

// buildMessagePrompt renders the message for the provider call. The same
// function with no history and no format yields the bare message text kept
// in the conversation history.
func buildMessagePrompt(as *session.ActiveSession, m models.Message, history []session.Exchange, includeFormat bool) string {
	switch m.Type {
	case models.PendingSummarize:
		return BuildSummaryPrompt(m.Summarize, as.Project, as.UserPrompt, history, includeFormat)
	default:
		return BuildObservationPrompt(m.Observation, history, includeFormat)
	}
}

// storeResults parses the provider response and persists what it extracted.
func (e *Engine) storeResults(ctx context.Context, as *session.ActiveSession, m models.Message, text string) error {
	memID := as.MemorySessionID()
	dedupWindow := time.Duration(config.Get().DedupWindowMinutes) * time.Minute

	switch m.Type {
	case models.PendingSummarize:
		parsed := ParseSummary(text, as.SessionDBID)
		if parsed == nil {
			return nil
		}
		sum := models.NewSessionSummary(memID, as.Project, parsed,
			m.Summarize.PromptNumber, CountTokens(m.Summarize.LastAssistantMessage))
		id, err := e.summaryStore.Insert(ctx, sum)
		if err != nil {
			return fmt.Errorf("store summary: %w", err)
		}
		sum.ID = id
		log.Info().
			Int64("sessionId", as.SessionDBID).
			Int64("summaryId", id).
			Msg("Summary stored")
		e.emit("new_summary", sum)

	default:
		discoveryTokens := CountTokens(m.Observation.ToolInput) + CountTokens(m.Observation.ToolResponse)
		parsed := ParseObservations(text, as.ContentSessionID)
		for _, obs := range parsed {
			full := models.NewObservation(memID, as.Project, obs,
				m.Observation.PromptNumber, discoveryTokens)
			// Backlog drains stamp the time the tool ran, not the time the
			// generator caught up.
			if at := as.EarliestPending(); at > 0 {
				full.StampObservedAt(at)
			}
			id, inserted, err := e.obsStore.Insert(ctx, full, dedupWindow)
			if err != nil {
				return fmt.Errorf("store observation: %w", err)
			}
			if !inserted {
				log.Debug().
					Int64("sessionId", as.SessionDBID).
					Str("title", obs.Title).
					Msg("Duplicate observation skipped")
				continue
			}
			full.ID = id
			log.Info().
				Int64("sessionId", as.SessionDBID).
				Int64("observationId", id).
				Str("type", string(obs.Type)).
				Msg("Observation stored")
			e.emit("new_observation", full)
		}
	}
	return nil
}

func (e *Engine) emit(event string, payload interface{}) {
	if e.broadcast != nil {
		e.broadcast(event, payload)
	}
}

// emitProcessingStatus fans out the aggregate processing state, in the same
// shape the HTTP layer broadcasts.
func (e *Engine) emitProcessingStatus(ctx context.Context) {
	if e.broadcast == nil {
		return
	}
	e.emit("processing_status", map[string]interface{}{
		"isProcessing": e.manager.IsAnyProcessing(ctx),
		"queueDepth":   e.manager.QueueDepth(ctx),
	})
}
