package generator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/mnemo/internal/db/sqlite"
	"github.com/thebtf/mnemo/internal/procs"
	"github.com/thebtf/mnemo/internal/worker/session"
	"github.com/thebtf/mnemo/pkg/models"
)

const obsResponse = `<observation>
  <type>discovery</type>
  <title>Found the handler</title>
  <subtitle>Routing lives in one file</subtitle>
  <facts><fact>routes are registered in New</fact></facts>
  <narrative>All endpoints attach in a single constructor.</narrative>
  <concepts><concept>architecture</concept></concepts>
</observation>`

// fakeProvider scripts provider behavior and records every request.
type fakeProvider struct {
	name      string
	resumable bool
	execute   func(req Request) (*Response, error)

	mu    sync.Mutex
	calls []Request
}

func (f *fakeProvider) Name() string    { return f.name }
func (f *fakeProvider) Resumable() bool { return f.resumable }

func (f *fakeProvider) Execute(_ context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.execute(req)
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeProvider) call(i int) Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type testRig struct {
	manager  *session.Manager
	engine   *Engine
	sessions *sqlite.SessionStore
	pending  *sqlite.PendingStore
	obs      *sqlite.ObservationStore
	sums     *sqlite.SummaryStore
}

func newTestRig(t *testing.T, providers ...Provider) *testRig {
	t.Helper()

	store, err := sqlite.NewStore(sqlite.StoreConfig{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		MaxConns: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rig := &testRig{
		sessions: sqlite.NewSessionStore(store),
		pending:  sqlite.NewPendingStore(store),
		obs:      sqlite.NewObservationStore(store),
		sums:     sqlite.NewSummaryStore(store),
	}
	rig.manager = session.NewManager(rig.sessions, rig.pending, procs.NewRegistry())
	rig.engine = NewEngine(rig.manager, rig.sessions, rig.pending, rig.obs, rig.sums,
		func() []Provider { return providers })
	rig.manager.SetGeneratorFunc(rig.engine.Run)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rig.manager.ShutdownAll(ctx)
	})
	return rig
}

func (r *testRig) startSession(t *testing.T) *session.ActiveSession {
	t.Helper()
	as, err := r.manager.InitializeSession(context.Background(), "content-1", "test-project", "do the thing", 1)
	require.NoError(t, err)
	return as
}

func (r *testRig) queueObservation(t *testing.T, as *session.ActiveSession) {
	t.Helper()
	_, err := r.manager.QueueObservation(context.Background(), as, &models.ObservationPayload{
		ToolName:     "Read",
		ToolInput:    `{"file_path": "/main.go"}`,
		ToolResponse: "package main",
		PromptNumber: 1,
	})
	require.NoError(t, err)
}

func TestEngineStoresObservationAndConfirms(t *testing.T) {
	provider := &fakeProvider{
		name:      "claude",
		resumable: true,
		execute: func(Request) (*Response, error) {
			return &Response{Text: obsResponse, MemorySessionID: "mem-1"}, nil
		},
	}
	rig := newTestRig(t, provider)

	as := rig.startSession(t)
	rig.queueObservation(t, as)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		obs, err := rig.obs.ListBySession(ctx, "mem-1")
		return err == nil && len(obs) == 1
	}, 5*time.Second, 20*time.Millisecond)

	stored, err := rig.obs.ListBySession(ctx, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, models.ObsTypeDiscovery, stored[0].Type)
	assert.Equal(t, "Found the handler", stored[0].Title.String)
	assert.Positive(t, stored[0].DiscoveryTokens)

	// The claim is confirmed, nothing left in flight.
	require.Eventually(t, func() bool {
		hasWork, err := rig.pending.HasWork(ctx, as.SessionDBID)
		return err == nil && !hasWork
	}, 5*time.Second, 20*time.Millisecond)

	// The captured identity is persisted for the cascade rename.
	sess, err := rig.sessions.GetByID(ctx, as.SessionDBID)
	require.NoError(t, err)
	assert.Equal(t, "mem-1", sess.MemorySessionID.String)
	assert.Equal(t, "mem-1", as.MemorySessionID())
}

func TestEngineSendsFormatOnlyOnFirstMessage(t *testing.T) {
	provider := &fakeProvider{
		name:      "claude",
		resumable: true,
		execute: func(Request) (*Response, error) {
			return &Response{Text: "nothing learned", MemorySessionID: "mem-1"}, nil
		},
	}
	rig := newTestRig(t, provider)

	as := rig.startSession(t)
	rig.queueObservation(t, as)
	rig.queueObservation(t, as)

	require.Eventually(t, func() bool {
		return provider.callCount() == 2
	}, 5*time.Second, 20*time.Millisecond)

	first, second := provider.call(0), provider.call(1)
	assert.Empty(t, first.MemorySessionID)
	assert.Contains(t, first.Prompt, "memory observer")
	assert.Equal(t, "mem-1", second.MemorySessionID)
	assert.NotContains(t, second.Prompt, "memory observer")
}

func TestEngineMintsSyntheticIDForNonResumable(t *testing.T) {
	provider := &fakeProvider{
		name:      "gemini",
		resumable: false,
		execute: func(Request) (*Response, error) {
			return &Response{Text: obsResponse}, nil
		},
	}
	rig := newTestRig(t, provider)

	as := rig.startSession(t)
	rig.queueObservation(t, as)

	require.Eventually(t, func() bool {
		return strings.HasPrefix(as.MemorySessionID(), "mnemo-")
	}, 5*time.Second, 20*time.Millisecond)

	sess, err := rig.sessions.GetByID(context.Background(), as.SessionDBID)
	require.NoError(t, err)
	assert.Equal(t, as.MemorySessionID(), sess.MemorySessionID.String)
}

func TestEngineFallsBackWhenProviderUnavailable(t *testing.T) {
	primary := &fakeProvider{
		name:      "claude",
		resumable: true,
		execute: func(Request) (*Response, error) {
			return nil, errors.New("claude: write stdin: broken pipe")
		},
	}
	backup := &fakeProvider{
		name:      "gemini",
		resumable: false,
		execute: func(Request) (*Response, error) {
			return &Response{Text: obsResponse}, nil
		},
	}
	rig := newTestRig(t, primary, backup)

	as := rig.startSession(t)
	rig.queueObservation(t, as)

	require.Eventually(t, func() bool {
		return backup.callCount() == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		hasWork, err := rig.pending.HasWork(context.Background(), as.SessionDBID)
		return err == nil && !hasWork
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "gemini", as.CurrentProvider())
	// The fallback provider starts a fresh conversation with full format.
	assert.Contains(t, backup.call(0).Prompt, "memory observer")
}

func TestEngineStopsWhenProviderBinaryMissing(t *testing.T) {
	primary := &fakeProvider{
		name:      "claude",
		resumable: true,
		execute: func(Request) (*Response, error) {
			return nil, errors.New(`start claude: exec: "claude": executable file not found in $PATH`)
		},
	}
	backup := &fakeProvider{
		name:      "gemini",
		resumable: false,
		execute: func(Request) (*Response, error) {
			return &Response{Text: obsResponse}, nil
		},
	}
	rig := newTestRig(t, primary, backup)

	as := rig.startSession(t)
	rig.queueObservation(t, as)

	require.Eventually(t, func() bool {
		return !as.GeneratorActive()
	}, 5*time.Second, 20*time.Millisecond)

	// A missing binary is not a dead conversation: no fallback, no retry,
	// and the backlog stays in place for an install plus restart.
	assert.Equal(t, 1, primary.callCount())
	assert.Zero(t, backup.callCount())

	hasWork, err := rig.pending.HasWork(context.Background(), as.SessionDBID)
	require.NoError(t, err)
	assert.True(t, hasWork)
}

func TestEngineCarriesHistoryAcrossProviderSwitch(t *testing.T) {
	primary := &fakeProvider{name: "claude", resumable: true}
	primary.execute = func(Request) (*Response, error) {
		if primary.callCount() == 1 {
			return &Response{Text: obsResponse, MemorySessionID: "mem-1"}, nil
		}
		return nil, errors.New("claude: write stdin: broken pipe")
	}
	backup := &fakeProvider{
		name:      "gemini",
		resumable: false,
		execute: func(Request) (*Response, error) {
			return &Response{Text: "nothing new"}, nil
		},
	}
	rig := newTestRig(t, primary, backup)

	as := rig.startSession(t)
	rig.queueObservation(t, as)

	require.Eventually(t, func() bool {
		obs, err := rig.obs.ListBySession(context.Background(), "mem-1")
		return err == nil && len(obs) == 1
	}, 5*time.Second, 20*time.Millisecond)

	rig.queueObservation(t, as)

	require.Eventually(t, func() bool {
		return backup.callCount() == 1
	}, 5*time.Second, 20*time.Millisecond)

	// The replacement provider starts fresh but receives the exchanges the
	// previous provider already covered.
	handoff := backup.call(0).Prompt
	assert.Contains(t, handoff, "<conversation_so_far>")
	assert.Contains(t, handoff, "Found the handler")
	assert.Contains(t, handoff, "memory observer")
}

func TestEngineStampsBackloggedObservations(t *testing.T) {
	provider := &fakeProvider{
		name:      "claude",
		resumable: true,
		execute: func(Request) (*Response, error) {
			return &Response{Text: obsResponse, MemorySessionID: "mem-1"}, nil
		},
	}
	rig := newTestRig(t, provider)

	as := rig.startSession(t)

	ctx := context.Background()
	enqueuedAt := time.Now().Add(-10 * time.Minute).UnixMilli()
	_, err := rig.pending.Enqueue(ctx, &models.PendingMessage{
		SessionDBID:      as.SessionDBID,
		ContentSessionID: as.ContentSessionID,
		MessageType:      models.PendingObservation,
		ToolName:         "Read",
		ToolInput:        `{"file_path": "/main.go"}`,
		ToolResponse:     "package main",
		PromptNumber:     1,
		CreatedAtEpoch:   enqueuedAt,
	})
	require.NoError(t, err)

	as.Notify()
	rig.manager.EnsureGeneratorRunning(as, "backlog")

	require.Eventually(t, func() bool {
		obs, lerr := rig.obs.ListBySession(ctx, "mem-1")
		return lerr == nil && len(obs) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// The stored observation carries the enqueue time, not the drain time.
	stored, err := rig.obs.ListBySession(ctx, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, enqueuedAt, stored[0].CreatedAtEpoch)
}

func TestEngineBroadcastsAggregateProcessingStatus(t *testing.T) {
	provider := &fakeProvider{
		name:      "claude",
		resumable: true,
		execute: func(Request) (*Response, error) {
			return &Response{Text: obsResponse, MemorySessionID: "mem-1"}, nil
		},
	}
	rig := newTestRig(t, provider)

	var mu sync.Mutex
	var statuses []map[string]interface{}
	rig.engine.SetBroadcast(func(event string, payload interface{}) {
		if event != "processing_status" {
			return
		}
		mu.Lock()
		statuses = append(statuses, payload.(map[string]interface{}))
		mu.Unlock()
	})

	as := rig.startSession(t)
	rig.queueObservation(t, as)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, st := range statuses {
		assert.Contains(t, st, "isProcessing")
		assert.Contains(t, st, "queueDepth")
		assert.NotContains(t, st, "sessionId")
	}
}

func TestEngineAbandonsSessionWhenChainExhausted(t *testing.T) {
	dead := func(Request) (*Response, error) {
		return nil, errors.New("signal: killed")
	}
	primary := &fakeProvider{name: "claude", resumable: true, execute: dead}
	backup := &fakeProvider{name: "gemini", resumable: false, execute: dead}
	rig := newTestRig(t, primary, backup)

	as := rig.startSession(t)
	rig.queueObservation(t, as)

	// Session drops out of memory and the backlog is abandoned, not retried.
	require.Eventually(t, func() bool {
		_, ok := rig.manager.Get(as.SessionDBID)
		return !ok
	}, 5*time.Second, 20*time.Millisecond)

	hasWork, err := rig.pending.HasWork(context.Background(), as.SessionDBID)
	require.NoError(t, err)
	assert.False(t, hasWork)
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 1, backup.callCount())
}

func TestEngineRetriesFreshAfterStaleResume(t *testing.T) {
	provider := &fakeProvider{name: "claude", resumable: true}
	provider.execute = func(req Request) (*Response, error) {
		if req.MemorySessionID != "" {
			return nil, errors.New("claude: No conversation found with session ID " + req.MemorySessionID)
		}
		return &Response{Text: obsResponse, MemorySessionID: "fresh-id"}, nil
	}
	rig := newTestRig(t, provider)

	as := rig.startSession(t)
	as.SetMemorySessionID("stale-id")
	rig.queueObservation(t, as)

	require.Eventually(t, func() bool {
		return as.MemorySessionID() == "fresh-id"
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, 2, provider.callCount())
	assert.Equal(t, "stale-id", provider.call(0).MemorySessionID)
	assert.Empty(t, provider.call(1).MemorySessionID)
}

func TestEngineStopsOnUnrecoverableError(t *testing.T) {
	provider := &fakeProvider{
		name:      "claude",
		resumable: true,
		execute: func(Request) (*Response, error) {
			return nil, errors.New("claude: Invalid API key provided")
		},
	}
	rig := newTestRig(t, provider)

	as := rig.startSession(t)
	rig.queueObservation(t, as)

	require.Eventually(t, func() bool {
		return !as.GeneratorActive()
	}, 5*time.Second, 20*time.Millisecond)

	// No fallback, no retry: one call total.
	assert.Equal(t, 1, provider.callCount())

	// The claim is left in place so a fixed worker can drain it later.
	hasWork, err := rig.pending.HasWork(context.Background(), as.SessionDBID)
	require.NoError(t, err)
	assert.True(t, hasWork)

	last := rig.engine.LastInteraction()
	require.NotNil(t, last)
	assert.False(t, last.Success)
	assert.Contains(t, last.Error, "Invalid API key")
}

func TestEngineRestartBudget(t *testing.T) {
	provider := &fakeProvider{
		name:      "claude",
		resumable: true,
		execute: func(Request) (*Response, error) {
			return nil, errors.New("transient glitch")
		},
	}
	rig := newTestRig(t, provider)

	as := rig.startSession(t)
	for i := 0; i < 4; i++ {
		rig.queueObservation(t, as)
	}

	// Each failure burns one restart; the budget stops the generator after
	// three, leaving the remaining message pending for inspection.
	require.Eventually(t, func() bool {
		failed, err := rig.pending.FailedCount(context.Background())
		return err == nil && failed == 3
	}, 15*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		return !as.GeneratorActive()
	}, 5*time.Second, 50*time.Millisecond)

	remaining, err := rig.pending.PendingCount(context.Background(), as.SessionDBID)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
	assert.Equal(t, 3, as.ConsecutiveRestarts())
}

func TestEngineStoresSummary(t *testing.T) {
	provider := &fakeProvider{
		name:      "claude",
		resumable: true,
		execute: func(Request) (*Response, error) {
			return &Response{
				Text:            `<summary><request>Fix it</request><completed>Fixed</completed></summary>`,
				MemorySessionID: "mem-1",
			}, nil
		},
	}
	rig := newTestRig(t, provider)

	as := rig.startSession(t)
	_, err := rig.manager.QueueSummarize(context.Background(), as, &models.SummarizePayload{
		LastAssistantMessage: "I fixed it.",
		PromptNumber:         1,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sums, err := rig.sums.ListBySession(context.Background(), "mem-1")
		return err == nil && len(sums) == 1
	}, 5*time.Second, 20*time.Millisecond)

	sums, err := rig.sums.ListBySession(context.Background(), "mem-1")
	require.NoError(t, err)
	assert.Equal(t, "Fix it", sums[0].Request.String)
	assert.Equal(t, "Fixed", sums[0].Completed.String)
}
