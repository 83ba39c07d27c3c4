// Package session provides session lifecycle management for mnemo.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// GeneratorStaleThreshold is how long a generator may go without recording
// activity before ensure-generator-running treats it as wedged.
const GeneratorStaleThreshold = 30 * time.Second

// maxConversationHistory bounds how many exchanges the session carries for
// providers that join mid-conversation.
const maxConversationHistory = 20

// Exchange is one prompt/response pair from the generator conversation.
type Exchange struct {
	Prompt   string
	Response string
}

// ActiveSession is the in-memory state for one observed session. It owns the
// cancellation token and queue notifier; the provider subprocess handle lives
// in the subprocess registry, keyed by SessionDBID.
type ActiveSession struct {
	StartTime        time.Time
	ctx              context.Context
	cancel           context.CancelFunc
	notify           chan struct{}
	genDone          chan struct{}
	genCancel        context.CancelFunc
	Project          string
	UserPrompt       string
	ContentSessionID string

	// memorySessionID is the generator's conversational identity. It starts
	// empty on every ActiveSession construction: a stored ID from a previous
	// worker run refers to a provider conversation that no longer exists and
	// must not be resumed.
	memorySessionID string
	currentProvider string

	// conversationHistory is shared across provider switches: a fallback
	// provider starting a fresh conversation receives what the previous
	// provider already covered.
	conversationHistory []Exchange

	LastPromptNumber    int
	consecutiveRestarts int
	SessionDBID         int64

	lastGeneratorActivity atomic.Int64
	generatorActive       atomic.Bool
	idleTimedOut          atomic.Bool
	forceInit             atomic.Bool

	// earliestPendingEpoch is the enqueue time of the message currently
	// being processed, so observations drained from a backlog keep the time
	// the tool actually ran.
	earliestPendingEpoch atomic.Int64

	mu sync.Mutex
}

// Context returns the session-scoped context, cancelled on delete/shutdown.
func (s *ActiveSession) Context() context.Context {
	return s.ctx
}

// Notify wakes the generator's message iterator without blocking.
func (s *ActiveSession) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// NotifyChan exposes the queue notifier for select loops.
func (s *ActiveSession) NotifyChan() <-chan struct{} {
	return s.notify
}

// MemorySessionID returns the current generator identity, empty when none
// has been negotiated yet.
func (s *ActiveSession) MemorySessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memorySessionID
}

// SetMemorySessionID records the generator identity captured from a provider
// response (or a synthetic one minted for a fallback provider).
func (s *ActiveSession) SetMemorySessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memorySessionID = id
}

// ClearMemorySessionID drops the in-memory identity so the next provider
// call starts a fresh conversation. Used when a resume is rejected as stale.
func (s *ActiveSession) ClearMemorySessionID() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memorySessionID = ""
}

// AppendExchange records one prompt/response pair in the conversation
// history. Only the most recent maxConversationHistory exchanges are kept.
func (s *ActiveSession) AppendExchange(prompt, response string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationHistory = append(s.conversationHistory, Exchange{Prompt: prompt, Response: response})
	if len(s.conversationHistory) > maxConversationHistory {
		s.conversationHistory = s.conversationHistory[len(s.conversationHistory)-maxConversationHistory:]
	}
}

// ConversationHistory returns a copy of the accumulated exchanges.
func (s *ActiveSession) ConversationHistory() []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Exchange, len(s.conversationHistory))
	copy(out, s.conversationHistory)
	return out
}

// SetEarliestPending records the enqueue time of the oldest known
// unprocessed message.
func (s *ActiveSession) SetEarliestPending(epochMillis int64) {
	s.earliestPendingEpoch.Store(epochMillis)
}

// EarliestPending returns the recorded enqueue time, zero when unknown.
func (s *ActiveSession) EarliestPending() int64 {
	return s.earliestPendingEpoch.Load()
}

// CurrentProvider returns the provider tag the generator is running with.
func (s *ActiveSession) CurrentProvider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentProvider
}

// SetCurrentProvider tags the session with the provider now serving it.
func (s *ActiveSession) SetCurrentProvider(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentProvider = name
}

// RecordActivity stamps the generator liveness clock. Generators call this
// on every message claim and provider response.
func (s *ActiveSession) RecordActivity() {
	s.lastGeneratorActivity.Store(time.Now().UnixMilli())
}

// LastActivity returns when the generator last reported progress.
func (s *ActiveSession) LastActivity() time.Time {
	return time.UnixMilli(s.lastGeneratorActivity.Load())
}

// GeneratorActive reports whether a generator task currently owns this
// session.
func (s *ActiveSession) GeneratorActive() bool {
	return s.generatorActive.Load()
}

// SetIdleTimedOut marks that the generator exited because its iterator went
// idle, which permits a later ensure-generator-running to spawn a fresh one
// without treating it as a failure.
func (s *ActiveSession) SetIdleTimedOut(v bool) {
	s.idleTimedOut.Store(v)
}

// IdleTimedOut reports whether the last generator exit was an idle timeout.
func (s *ActiveSession) IdleTimedOut() bool {
	return s.idleTimedOut.Load()
}

// SetForceInit requests that the next provider call ignore any resume ID.
func (s *ActiveSession) SetForceInit(v bool) {
	s.forceInit.Store(v)
}

// ForceInit reports and consumes the force-init flag.
func (s *ActiveSession) ForceInit() bool {
	return s.forceInit.Swap(false)
}

// ConsecutiveRestarts returns how many times in a row the generator has been
// restarted after an error without an intervening success.
func (s *ActiveSession) ConsecutiveRestarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveRestarts
}

// BumpRestarts increments the consecutive-restart counter and returns the
// new value.
func (s *ActiveSession) BumpRestarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveRestarts++
	return s.consecutiveRestarts
}

// ResetRestarts clears the consecutive-restart counter after a successful
// message.
func (s *ActiveSession) ResetRestarts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveRestarts = 0
}

// GeneratorDone returns a channel closed when the current generator task
// exits. Nil when no generator has ever run.
func (s *ActiveSession) GeneratorDone() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.genDone
}
