package worker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/mnemo/internal/config"
	"github.com/thebtf/mnemo/internal/db/sqlite"
	"github.com/thebtf/mnemo/internal/pidfile"
	"github.com/thebtf/mnemo/internal/procs"
	"github.com/thebtf/mnemo/internal/watcher"
	"github.com/thebtf/mnemo/internal/worker/generator"
	"github.com/thebtf/mnemo/internal/worker/session"
	"github.com/thebtf/mnemo/internal/worker/sse"
)

const (
	// DefaultHTTPTimeout bounds request handling for the JSON API. The SSE
	// stream is mounted outside this timeout.
	DefaultHTTPTimeout = 30 * time.Second

	// MaxRequestBody caps request bodies; tool outputs can be large but not
	// unbounded.
	MaxRequestBody = 10 << 20

	// DBSessionReapAge is how old an active session row may be before a
	// sweep marks it failed.
	DBSessionReapAge = 6 * time.Hour

	// DBSessionReapInterval is how often the periodic sweep runs after the
	// one at startup.
	DBSessionReapInterval = 30 * time.Minute

	// windowsCloseDelay brackets the HTTP listener close on Windows, where
	// child processes can inherit the port socket.
	windowsCloseDelay = 500 * time.Millisecond
)

// Service is the main worker service orchestrator.
type Service struct {
	version string
	config  *config.Config

	store        *sqlite.Store
	sessionStore *sqlite.SessionStore
	obsStore     *sqlite.ObservationStore
	summaryStore *sqlite.SummaryStore
	promptStore  *sqlite.PromptStore
	pendingStore *sqlite.PendingStore

	registry       *procs.Registry
	sessionManager *session.Manager
	engine         *generator.Engine
	sseBroadcaster *sse.Broadcaster

	router    *chi.Mux
	server    *http.Server
	startTime time.Time
	pidPath   string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reapers       *errgroup.Group
	reapersCancel context.CancelFunc

	settingsWatcher *watcher.Watcher

	// Initialization state. initDone closes when async init finishes,
	// successfully or not; ready reports which.
	ready    atomic.Bool
	initDone chan struct{}
	initErr  error
	initMu   sync.RWMutex

	// onShutdownRequest lets the admin endpoint trigger the process-level
	// shutdown sequence owned by the CLI entrypoint.
	onShutdownRequest func()

	shutdownOnce sync.Once
}

// NewService creates a new worker service with deferred initialization. The
// HTTP surface is routable immediately; storage and session machinery come
// up in the background behind the initialization gate.
func NewService(version string) (*Service, error) {
	cfg := config.Get()
	ctx, cancel := context.WithCancel(context.Background())

	svc := &Service{
		version:        version,
		config:         cfg,
		sseBroadcaster: sse.NewBroadcaster(),
		router:         chi.NewRouter(),
		registry:       procs.NewRegistry(),
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
		initDone:       make(chan struct{}),
		pidPath:        config.PIDFilePath(),
	}

	svc.setupMiddleware()
	svc.setupRoutes()

	go svc.initializeAsync()

	return svc, nil
}

// SetOnShutdownRequest installs the callback for /api/admin/shutdown.
func (s *Service) SetOnShutdownRequest(fn func()) {
	s.onShutdownRequest = fn
}

// initializeAsync performs heavy initialization in the background: storage,
// migrations, crash recovery, and the periodic reapers.
func (s *Service) initializeAsync() {
	defer close(s.initDone)

	log.Info().Msg("Starting async initialization")

	if err := config.EnsureAll(); err != nil {
		s.setInitError(fmt.Errorf("ensure data dir: %w", err))
		return
	}

	store, err := sqlite.NewStore(sqlite.StoreConfig{
		Path:     s.config.DBPath,
		MaxConns: s.config.MaxConns,
	})
	if err != nil {
		s.setInitError(fmt.Errorf("init database: %w", err))
		return
	}

	sessionStore := sqlite.NewSessionStore(store)
	obsStore := sqlite.NewObservationStore(store)
	summaryStore := sqlite.NewSummaryStore(store)
	promptStore := sqlite.NewPromptStore(store)
	pendingStore := sqlite.NewPendingStore(store)

	manager := session.NewManager(sessionStore, pendingStore, s.registry)
	engine := generator.NewEngine(manager, sessionStore, pendingStore, obsStore, summaryStore,
		generator.DefaultFactory(s.registry))
	engine.SetBroadcast(s.sseBroadcaster.Broadcast)
	manager.SetGeneratorFunc(engine.Run)

	manager.SetOnSessionCreated(func(id int64) {
		s.sseBroadcaster.Broadcast(sse.EventSessionStarted, map[string]interface{}{"sessionId": id})
		s.broadcastProcessingStatus()
	})
	manager.SetOnSessionDeleted(func(id int64) {
		s.sseBroadcaster.Broadcast(sse.EventSessionCompleted, map[string]interface{}{"sessionId": id})
		s.broadcastProcessingStatus()
	})

	s.initMu.Lock()
	s.store = store
	s.sessionStore = sessionStore
	s.obsStore = obsStore
	s.summaryStore = summaryStore
	s.promptStore = promptStore
	s.pendingStore = pendingStore
	s.sessionManager = manager
	s.engine = engine
	s.initMu.Unlock()

	// Crash recovery: retire sessions a dead worker left active, make every
	// orphaned claim claimable again, then restart generators for sessions
	// that still have queued work.
	s.reapDBSessions(s.ctx)
	if n, err := pendingStore.ResetStale(s.ctx, 0); err != nil {
		log.Warn().Err(err).Msg("Stale claim reset failed")
	} else if n > 0 {
		log.Info().Int64("messages", n).Msg("Reset in-flight claims from previous run")
	}

	s.ready.Store(true)
	log.Info().Msg("Async initialization complete, service ready")

	manager.ResumePendingWork(s.ctx)

	s.startReapers()
	s.startSettingsWatcher()
}

// startReapers launches the orphan and stale-session reapers. They share a
// cancel so the shutdown coordinator can stop them first, before any other
// teardown.
func (s *Service) startReapers() {
	reaperCtx, cancel := context.WithCancel(s.ctx)
	g := new(errgroup.Group)

	orphans := procs.NewOrphanReaper(s.registry, s.sessionManager.ActiveSessionIDs)
	stale := procs.NewStaleSessionReaper(s.sessionManager.ReapStaleSessions)

	g.Go(func() error {
		orphans.Run(reaperCtx)
		return nil
	})
	g.Go(func() error {
		stale.Run(reaperCtx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(DBSessionReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-reaperCtx.Done():
				return nil
			case <-ticker.C:
				s.reapDBSessions(reaperCtx)
			}
		}
	})

	s.reapers = g
	s.reapersCancel = cancel
}

// reapDBSessions retires active session rows older than the reap age and
// fails their queued messages. Runs at startup and then on the reap
// interval, so a long-lived worker does not accumulate stale rows.
func (s *Service) reapDBSessions(ctx context.Context) {
	s.initMu.RLock()
	sessionStore := s.sessionStore
	s.initMu.RUnlock()
	if sessionStore == nil {
		return
	}

	n, err := sessionStore.ReapStale(ctx, DBSessionReapAge)
	if err != nil {
		log.Warn().Err(err).Msg("Stale session sweep failed")
		return
	}
	if n > 0 {
		log.Info().Int64("sessions", n).Msg("Retired stale sessions")
	}
}

// startSettingsWatcher reloads configuration when the settings file changes.
// Running generators keep their snapshot; the next spawn sees the new values.
func (s *Service) startSettingsWatcher() {
	path := config.SettingsPath()
	w, err := watcher.New(path, func() {
		cfg := config.Reload()
		s.initMu.Lock()
		s.config = cfg
		s.initMu.Unlock()
		log.Info().Str("path", path).Msg("Settings reloaded")
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create settings watcher")
		return
	}
	if err := w.Start(); err != nil {
		log.Warn().Str("path", path).Err(err).Msg("Failed to start settings watcher")
		return
	}
	s.settingsWatcher = w
}

func (s *Service) setInitError(err error) {
	log.Error().Err(err).Msg("Initialization failed")
	s.initMu.Lock()
	s.initErr = err
	s.initMu.Unlock()
}

// InitError returns the initialization error, if any.
func (s *Service) InitError() error {
	s.initMu.RLock()
	defer s.initMu.RUnlock()
	return s.initErr
}

// waitInitialized blocks until initialization finishes or the timeout
// elapses, and reports whether the service came up ready.
func (s *Service) waitInitialized(ctx context.Context, timeout time.Duration) bool {
	if s.ready.Load() {
		return true
	}
	select {
	case <-s.initDone:
		return s.ready.Load()
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}

// setupMiddleware configures HTTP middleware.
func (s *Service) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestID)
	s.router.Use(SecurityHeaders)
	s.router.Use(MaxBodySize(MaxRequestBody))
	s.router.Use(RequireJSONContentType)
}

// setupRoutes configures HTTP routes. Health, readiness, version, and the
// SSE stream bypass the initialization gate; the fail-open context endpoint
// degrades instead of waiting; everything else waits behind the gate.
func (s *Service) setupRoutes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/readiness", s.handleReadiness)
	s.router.Get("/api/version", s.handleVersion)
	s.router.Get("/stream", s.sseBroadcaster.HandleSSE)

	// Fail-open: answers empty before init instead of waiting.
	s.router.Get("/api/context/inject", s.handleContextInject)

	s.router.Group(func(r chi.Router) {
		r.Use(s.initGate)
		r.Use(middleware.Timeout(DefaultHTTPTimeout))

		r.Post("/api/sessions/init", s.handleSessionInit)
		r.Post("/api/sessions/observations", s.handleObservation)
		r.Post("/api/sessions/summarize", s.handleSummarize)
		r.Post("/api/sessions/complete", s.handleSessionComplete)

		r.Get("/api/observations", s.handleGetObservations)
		r.Get("/api/observations/batch", s.handleObservationsBatch)
		r.Get("/api/summaries", s.handleGetSummaries)
		r.Get("/api/prompts", s.handleGetPrompts)
		r.Get("/api/sessions", s.handleGetSessions)
		r.Get("/api/stats", s.handleGetStats)

		r.Get("/api/search", s.handleSearch)
		r.Get("/api/search/by-file", s.handleSearchByFile)
		r.Get("/api/timeline", s.handleTimeline)

		r.Post("/api/admin/shutdown", s.handleAdminShutdown)
	})
}

// Start binds the loopback listener and starts serving. The PID file is
// written only after the port is actually bound.
func (s *Service) Start() error {
	host := s.config.WorkerHost
	if host == "" {
		host = "127.0.0.1"
	}
	port := config.GetWorkerPort()
	addr := fmt.Sprintf("%s:%d", host, port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := pidfile.Write(s.pidPath, port, s.version); err != nil {
		log.Warn().Err(err).Msg("Failed to write PID file")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	log.Info().
		Str("addr", addr).
		Int("pid", os.Getpid()).
		Str("version", s.version).
		Msg("Worker HTTP server started (initialization in progress)")

	return nil
}

// Shutdown runs the ordered teardown sequence exactly once. Every step is
// best-effort: a failing step logs and the sequence continues.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		log.Info().Msg("Shutdown starting")

		// 1. Stop the reapers so nothing fights the teardown.
		if s.reapersCancel != nil {
			s.reapersCancel()
			_ = s.reapers.Wait()
		}

		// 2. Capture the tracked children before teardown mutates the set.
		tracked := s.registry.Snapshot()
		if len(tracked) > 0 {
			log.Info().Int("children", len(tracked)).Msg("Tracked subprocesses at shutdown")
		}

		// 3. Close the HTTP server. On Windows, children may inherit the
		// port socket; pause around the close so the port is reusable.
		if s.server != nil {
			if runtime.GOOS == "windows" {
				time.Sleep(windowsCloseDelay)
			}
			if err := s.server.Shutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("HTTP server shutdown error")
				_ = s.server.Close()
			}
			if runtime.GOOS == "windows" {
				time.Sleep(windowsCloseDelay)
			}
		}

		// 4. Drain the session manager: cancel each session and join its
		// generator with a bound.
		if s.sessionManager != nil {
			s.sessionManager.ShutdownAll(ctx)
		}

		// 5. Stop the settings watcher and cancel background work.
		if s.settingsWatcher != nil {
			_ = s.settingsWatcher.Stop()
		}
		s.cancel()

		// 6. Close storage.
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				log.Warn().Err(err).Msg("Database close error")
			}
		}

		// 7. Force-kill anything still tracked.
		s.registry.KillAll(ctx, procs.ExitTimeout)

		// 8. Remove the PID file.
		if err := pidfile.Remove(s.pidPath); err != nil {
			log.Warn().Err(err).Msg("PID file removal failed")
		}

		s.wg.Wait()
		log.Info().Msg("Worker service shutdown complete")
	})
	return nil
}

// broadcastProcessingStatus fans out the aggregate processing state.
func (s *Service) broadcastProcessingStatus() {
	s.initMu.RLock()
	manager := s.sessionManager
	s.initMu.RUnlock()
	if manager == nil {
		return
	}

	s.sseBroadcaster.Broadcast(sse.EventProcessingStatus, map[string]interface{}{
		"isProcessing": manager.IsAnyProcessing(s.ctx),
		"queueDepth":   manager.QueueDepth(s.ctx),
	})
}
