package worker

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/mnemo/internal/config"
	"github.com/thebtf/mnemo/internal/db/sqlite"
	"github.com/thebtf/mnemo/internal/procs"
	"github.com/thebtf/mnemo/internal/worker/session"
	"github.com/thebtf/mnemo/internal/worker/sse"
	"github.com/thebtf/mnemo/pkg/models"
)

// newTestService builds a ready service on a temp database with the
// generator disabled, so queued messages stay queued and tests see stable
// state.
func newTestService(t *testing.T) *Service {
	t.Helper()

	t.Setenv("MNEMO_DATA_DIR", t.TempDir())
	cfg := config.Reload()

	store, err := sqlite.NewStore(sqlite.StoreConfig{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		MaxConns: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	svc := &Service{
		version:        "test",
		config:         cfg,
		store:          store,
		sessionStore:   sqlite.NewSessionStore(store),
		obsStore:       sqlite.NewObservationStore(store),
		summaryStore:   sqlite.NewSummaryStore(store),
		promptStore:    sqlite.NewPromptStore(store),
		pendingStore:   sqlite.NewPendingStore(store),
		registry:       procs.NewRegistry(),
		sseBroadcaster: sse.NewBroadcaster(),
		router:         chi.NewRouter(),
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
		initDone:       make(chan struct{}),
	}
	svc.sessionManager = session.NewManager(svc.sessionStore, svc.pendingStore, svc.registry)
	t.Cleanup(func() { svc.sessionManager.ShutdownAll(context.Background()) })

	svc.setupMiddleware()
	svc.setupRoutes()

	svc.ready.Store(true)
	close(svc.initDone)

	return svc
}

// newUninitializedService builds a service whose initialization never
// completed, for gate behavior tests.
func newUninitializedService(t *testing.T) *Service {
	t.Helper()

	t.Setenv("MNEMO_DATA_DIR", t.TempDir())
	cfg := config.Reload()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	svc := &Service{
		version:        "test",
		config:         cfg,
		registry:       procs.NewRegistry(),
		sseBroadcaster: sse.NewBroadcaster(),
		router:         chi.NewRouter(),
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
		initDone:       make(chan struct{}),
	}
	svc.setupMiddleware()
	svc.setupRoutes()

	// Init finished but never reached ready; the gate answers 503
	// immediately instead of holding callers for the full window.
	close(svc.initDone)
	return svc
}

func doJSON(t *testing.T, svc *Service, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthReportsVersionAndInit(t *testing.T) {
	svc := newTestService(t)

	rec := doJSON(t, svc, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, true, body["initialized"])
	assert.NotZero(t, body["pid"])

	ai, ok := body["ai"].(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, ai["provider"])
	assert.NotEmpty(t, ai["authMethod"])
}

func TestHealthBeforeInit(t *testing.T) {
	svc := newUninitializedService(t)

	rec := doJSON(t, svc, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, false, body["initialized"])
}

func TestReadiness(t *testing.T) {
	ready := newTestService(t)
	rec := doJSON(t, ready, http.MethodGet, "/api/readiness", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	notReady := newUninitializedService(t)
	rec = doJSON(t, notReady, http.MethodGet, "/api/readiness", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestInitGateRejectsWhenInitNeverCompletes(t *testing.T) {
	svc := newUninitializedService(t)

	rec := doJSON(t, svc, http.MethodPost, "/api/sessions/init",
		map[string]string{"contentSessionId": "sess-1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "Service initializing")
}

func TestInitGateReportsInitFailure(t *testing.T) {
	svc := newUninitializedService(t)
	svc.setInitError(fmt.Errorf("database corrupt"))

	rec := doJSON(t, svc, http.MethodPost, "/api/sessions/init",
		map[string]string{"contentSessionId": "sess-1"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "database corrupt")
}

func TestContextInjectFailOpenBeforeInit(t *testing.T) {
	svc := newUninitializedService(t)

	rec := doJSON(t, svc, http.MethodGet, "/api/context/inject?project=demo", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestContextInjectReturnsRecentMemory(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	dbSess, err := svc.sessionStore.CreateOrGet(ctx, "sess-ctx", "demo", "prompt")
	require.NoError(t, err)
	require.NoError(t, svc.sessionStore.UpdateMemorySessionID(ctx, dbSess.ID, "mem-ctx"))

	obs := models.NewObservation("mem-ctx", "demo", &models.ParsedObservation{
		Type:      models.ObsTypeDiscovery,
		Title:     "Retry logic lives in the transport layer",
		Narrative: "Requests are retried three times with backoff.",
		Facts:     []string{"max retries is 3"},
	}, 1, 1200)
	_, inserted, err := svc.obsStore.Insert(ctx, obs, 0)
	require.NoError(t, err)
	require.True(t, inserted)

	rec := doJSON(t, svc, http.MethodGet, "/api/context/inject?project=demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Retry logic lives in the transport layer")
	assert.Contains(t, rec.Body.String(), "max retries is 3")
}

func TestSessionInitCountsPrompts(t *testing.T) {
	svc := newTestService(t)

	rec := doJSON(t, svc, http.MethodPost, "/api/sessions/init", map[string]string{
		"contentSessionId": "sess-1",
		"project":          "demo",
		"prompt":           "add retries to the fetcher",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1, body["promptNumber"])
	assert.NotZero(t, body["sessionDbId"])

	rec = doJSON(t, svc, http.MethodPost, "/api/sessions/init", map[string]string{
		"contentSessionId": "sess-1",
		"project":          "demo",
		"prompt":           "now add tests for it",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.EqualValues(t, 2, body["promptNumber"])

	prompts, err := svc.promptStore.ListBySession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Len(t, prompts, 2)
}

func TestSessionInitDeduplicatesRepeatedPrompt(t *testing.T) {
	svc := newTestService(t)

	body := map[string]string{
		"contentSessionId": "sess-dup",
		"project":          "demo",
		"prompt":           "same prompt resent by a hook retry",
	}
	require.Equal(t, http.StatusOK, doJSON(t, svc, http.MethodPost, "/api/sessions/init", body).Code)
	require.Equal(t, http.StatusOK, doJSON(t, svc, http.MethodPost, "/api/sessions/init", body).Code)

	prompts, err := svc.promptStore.ListBySession(context.Background(), "sess-dup")
	require.NoError(t, err)
	assert.Len(t, prompts, 1)
}

func TestSessionInitPrivatePrompt(t *testing.T) {
	svc := newTestService(t)

	rec := doJSON(t, svc, http.MethodPost, "/api/sessions/init", map[string]string{
		"contentSessionId": "sess-priv",
		"project":          "demo",
		"prompt":           "<private>the whole thing is secret</private>",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["skipped"])
	assert.Equal(t, "private", body["reason"])
	assert.EqualValues(t, 1, body["promptNumber"])

	prompts, err := svc.promptStore.ListBySession(context.Background(), "sess-priv")
	require.NoError(t, err)
	assert.Empty(t, prompts)
}

func TestSessionInitValidation(t *testing.T) {
	svc := newTestService(t)

	rec := doJSON(t, svc, http.MethodPost, "/api/sessions/init", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, svc, http.MethodPost, "/api/sessions/init", map[string]string{
		"contentSessionId": "sess-x",
		"project":          "../etc/passwd",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestObservationQueuedDurably(t *testing.T) {
	svc := newTestService(t)

	rec := doJSON(t, svc, http.MethodPost, "/api/sessions/init", map[string]string{
		"contentSessionId": "sess-obs",
		"project":          "demo",
		"prompt":           "fix the bug",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	sessionDBID := int64(decodeBody(t, rec)["sessionDbId"].(float64))

	rec = doJSON(t, svc, http.MethodPost, "/api/sessions/observations", map[string]string{
		"contentSessionId": "sess-obs",
		"tool_name":        "Edit",
		"tool_input":       `{"file":"main.go"}`,
		"tool_response":    "ok",
		"cwd":              "/home/dev/demo",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "queued", decodeBody(t, rec)["status"])

	hasWork, err := svc.pendingStore.HasWork(context.Background(), sessionDBID)
	require.NoError(t, err)
	assert.True(t, hasWork)
}

func TestObservationAcceptsObjectToolInput(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Hooks send tool_input as the raw object the tool received, not a
	// pre-encoded string.
	rec := doJSON(t, svc, http.MethodPost, "/api/sessions/observations", map[string]interface{}{
		"contentSessionId": "sess-objinput",
		"tool_name":        "Read",
		"tool_input":       map[string]string{"file_path": "/a"},
		"tool_response":    "contents",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "queued", decodeBody(t, rec)["status"])

	dbSess, err := svc.sessionStore.GetByContentID(ctx, "sess-objinput")
	require.NoError(t, err)

	msg, err := svc.pendingStore.ClaimNext(ctx, dbSess.ID, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Contains(t, msg.ToolInput, "file_path")
	assert.Contains(t, msg.ToolInput, "/a")
	assert.Equal(t, "contents", msg.ToolResponse)
}

func TestObservationCreatesSessionOnTheFly(t *testing.T) {
	svc := newTestService(t)

	rec := doJSON(t, svc, http.MethodPost, "/api/sessions/observations", map[string]string{
		"contentSessionId": "sess-cold",
		"tool_name":        "Bash",
		"tool_input":       "ls",
		"tool_response":    "main.go",
		"cwd":              "/home/dev/someproject",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "queued", decodeBody(t, rec)["status"])

	dbSess, err := svc.sessionStore.GetByContentID(context.Background(), "sess-cold")
	require.NoError(t, err)
	assert.Equal(t, "someproject", dbSess.Project)
}

func TestObservationSkipsConfiguredTools(t *testing.T) {
	svc := newTestService(t)

	rec := doJSON(t, svc, http.MethodPost, "/api/sessions/observations", map[string]string{
		"contentSessionId": "sess-skip",
		"tool_name":        "TodoWrite",
		"tool_input":       "{}",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "skipped", body["status"])
	assert.Equal(t, "tool skipped", body["reason"])
}

func TestObservationSkipsPrivateContent(t *testing.T) {
	svc := newTestService(t)

	rec := doJSON(t, svc, http.MethodPost, "/api/sessions/observations", map[string]string{
		"contentSessionId": "sess-priv2",
		"tool_name":        "Bash",
		"tool_input":       "<private>secret command</private>",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "skipped", body["status"])
	assert.Equal(t, "private", body["reason"])
}

func TestObservationSkipsInternalPaths(t *testing.T) {
	svc := newTestService(t)

	rec := doJSON(t, svc, http.MethodPost, "/api/sessions/observations", map[string]string{
		"contentSessionId": "sess-int",
		"tool_name":        "Read",
		"tool_input":       "{}",
		"cwd":              config.DataDir(),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "skipped", body["status"])
	assert.Equal(t, "internal path", body["reason"])
}

func TestSummarizeUnknownSessionSkips(t *testing.T) {
	svc := newTestService(t)

	rec := doJSON(t, svc, http.MethodPost, "/api/sessions/summarize", map[string]string{
		"contentSessionId": "never-seen",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "skipped", decodeBody(t, rec)["status"])
}

func TestSummarizeQueues(t *testing.T) {
	svc := newTestService(t)

	require.Equal(t, http.StatusOK, doJSON(t, svc, http.MethodPost, "/api/sessions/init", map[string]string{
		"contentSessionId": "sess-sum",
		"project":          "demo",
		"prompt":           "refactor the parser",
	}).Code)

	rec := doJSON(t, svc, http.MethodPost, "/api/sessions/summarize", map[string]string{
		"contentSessionId":       "sess-sum",
		"last_assistant_message": "Done, the parser is now table driven.",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "queued", decodeBody(t, rec)["status"])
}

func TestSessionComplete(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.Equal(t, http.StatusOK, doJSON(t, svc, http.MethodPost, "/api/sessions/init", map[string]string{
		"contentSessionId": "sess-done",
		"project":          "demo",
		"prompt":           "ship it",
	}).Code)

	rec := doJSON(t, svc, http.MethodPost, "/api/sessions/complete", map[string]string{
		"contentSessionId": "sess-done",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", decodeBody(t, rec)["status"])

	dbSess, err := svc.sessionStore.GetByContentID(ctx, "sess-done")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, dbSess.Status)
	assert.Equal(t, 0, svc.sessionManager.ActiveCount())

	rec = doJSON(t, svc, http.MethodPost, "/api/sessions/complete", map[string]string{
		"contentSessionId": "never-seen",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "skipped", decodeBody(t, rec)["status"])
}

func TestObservationsBatch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	dbSess, err := svc.sessionStore.CreateOrGet(ctx, "sess-batch", "demo", "")
	require.NoError(t, err)
	require.NoError(t, svc.sessionStore.UpdateMemorySessionID(ctx, dbSess.ID, "mem-batch"))

	var ids []int64
	for i := 0; i < 3; i++ {
		obs := models.NewObservation("mem-batch", "demo", &models.ParsedObservation{
			Type:  models.ObsTypeChange,
			Title: fmt.Sprintf("change %d", i),
		}, i+1, 0)
		id, inserted, err := svc.obsStore.Insert(ctx, obs, 0)
		require.NoError(t, err)
		require.True(t, inserted)
		ids = append(ids, id)
	}

	rec := doJSON(t, svc, http.MethodGet,
		fmt.Sprintf("/api/observations/batch?ids=%d,%d", ids[0], ids[2]), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	results := body["observations"].([]interface{})
	assert.Len(t, results, 2)
}

func TestSearchValidation(t *testing.T) {
	svc := newTestService(t)

	rec := doJSON(t, svc, http.MethodGet, "/api/search", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, svc, http.MethodGet, "/api/search/by-file", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, svc, http.MethodGet, "/api/observations/batch", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchByFile(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	dbSess, err := svc.sessionStore.CreateOrGet(ctx, "sess-file", "demo", "")
	require.NoError(t, err)
	require.NoError(t, svc.sessionStore.UpdateMemorySessionID(ctx, dbSess.ID, "mem-file"))

	obs := models.NewObservation("mem-file", "demo", &models.ParsedObservation{
		Type:          models.ObsTypeRefactor,
		Title:         "split the config loader",
		FilesModified: []string{"internal/config/config.go"},
	}, 1, 0)
	_, inserted, err := svc.obsStore.Insert(ctx, obs, 0)
	require.NoError(t, err)
	require.True(t, inserted)

	rec := doJSON(t, svc, http.MethodGet, "/api/search/by-file?project=demo&file=config.go", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	results := decodeBody(t, rec)["results"].([]interface{})
	require.Len(t, results, 1)

	rec = doJSON(t, svc, http.MethodGet, "/api/search/by-file?project=demo&file=unrelated.go", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody(t, rec)["results"])
}

func TestTimeline(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	dbSess, err := svc.sessionStore.CreateOrGet(ctx, "sess-tl", "demo", "")
	require.NoError(t, err)
	require.NoError(t, svc.sessionStore.UpdateMemorySessionID(ctx, dbSess.ID, "mem-tl"))

	base := time.Now().UnixMilli()
	for i := 0; i < 4; i++ {
		obs := models.NewObservation("mem-tl", "demo", &models.ParsedObservation{
			Type:  models.ObsTypeChange,
			Title: fmt.Sprintf("step %d", i),
		}, 1, 0)
		obs.CreatedAtEpoch = base + int64(i*1000)
		_, inserted, err := svc.obsStore.Insert(ctx, obs, 0)
		require.NoError(t, err)
		require.True(t, inserted)
	}

	rec := doJSON(t, svc, http.MethodGet,
		fmt.Sprintf("/api/timeline?project=demo&anchor=%d&before=2&after=2", base+1000), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	timeline := decodeBody(t, rec)["timeline"].([]interface{})
	require.Len(t, timeline, 4)
	first := timeline[0].(map[string]interface{})
	assert.Equal(t, "step 0", first["title"])
}

func TestStats(t *testing.T) {
	svc := newTestService(t)

	rec := doJSON(t, svc, http.MethodGet, "/api/stats?project=demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Contains(t, body, "activeSessions")
	assert.Contains(t, body, "queueDepth")
	assert.Contains(t, body, "failedMessages")
}

func TestAdminShutdownTriggersCallback(t *testing.T) {
	svc := newTestService(t)

	called := make(chan struct{})
	svc.SetOnShutdownRequest(func() { close(called) })

	rec := doJSON(t, svc, http.MethodPost, "/api/admin/shutdown", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "shutting_down", decodeBody(t, rec)["status"])

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback not invoked")
	}
}

func TestRejectsWrongContentType(t *testing.T) {
	svc := newTestService(t)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/init",
		bytes.NewReader([]byte(`{"contentSessionId":"x"}`)))
	req.Header.Set("Content-Type", "text/plain")

	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestVersionEndpoint(t *testing.T) {
	svc := newTestService(t)

	rec := doJSON(t, svc, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test", decodeBody(t, rec)["version"])
}
