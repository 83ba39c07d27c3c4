package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/mnemo/internal/config"
	"github.com/thebtf/mnemo/internal/privacy"
	"github.com/thebtf/mnemo/internal/worker/session"
	"github.com/thebtf/mnemo/internal/worker/sse"
	"github.com/thebtf/mnemo/pkg/models"
)

// duplicatePromptWindow is how recently an identical prompt must have been
// saved for a repeat init to skip re-inserting it. Hook retries and editor
// reconnects resend the same prompt within a second or two.
const duplicatePromptWindow = 10 * time.Second

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON decodes a request body, rejecting unknown garbage politely.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("empty request body")
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// handleHealth reports liveness. Available as soon as the listener is up,
// before initialization completes.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := config.Get()
	initialized := s.ready.Load()

	ai := map[string]interface{}{
		"provider":   cfg.Provider,
		"authMethod": providerAuthMethod(cfg),
	}

	s.initMu.RLock()
	engine := s.engine
	pendingStore := s.pendingStore
	sessionStore := s.sessionStore
	s.initMu.RUnlock()

	if engine != nil {
		if last := engine.LastInteraction(); last != nil {
			ai["lastInteraction"] = last
		}
	}

	resp := map[string]interface{}{
		"version":     s.version,
		"initialized": initialized,
		"pid":         os.Getpid(),
		"uptime":      time.Since(s.startTime).Milliseconds(),
		"ai":          ai,
	}

	if initialized {
		if n, err := pendingStore.FailedCount(r.Context()); err == nil {
			resp["failedMessages"] = n
		}
		if epoch, err := sessionStore.LastInteractionEpoch(r.Context()); err == nil && epoch > 0 {
			resp["lastInteractionEpoch"] = epoch
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// providerAuthMethod describes how the active provider authenticates: the
// claude CLI carries its own login, the API providers need a configured key.
func providerAuthMethod(cfg *config.Config) string {
	switch cfg.Provider {
	case "gemini":
		if cfg.GeminiAPIKey != "" {
			return "api_key"
		}
		return "none"
	case "codex":
		if cfg.CodexAPIKey != "" {
			return "api_key"
		}
		return "none"
	default:
		return "cli"
	}
}

// handleReadiness reports readiness: 200 only once initialization completed.
func (s *Service) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := s.InitError(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ready": false,
			"error": err.Error(),
		})
		return
	}
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ready": true})
}

// handleVersion returns the worker version.
func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// handleContextInject returns recent-context text for a project. Fail-open:
// before initialization it answers 200 with an empty body rather than making
// the caller wait on the gate.
func (s *Service) handleContextInject(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if !s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		return
	}

	project := r.URL.Query().Get("project")
	if err := ValidateProjectName(project); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	text, err := s.buildContextText(r, project)
	if err != nil {
		log.Warn().Str("project", project).Err(err).Msg("Context build failed")
		w.WriteHeader(http.StatusOK)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

// buildContextText assembles the injected context: recent session summaries
// first, then recent observations, full detail for the newest and titles for
// the rest.
func (s *Service) buildContextText(r *http.Request, project string) (string, error) {
	cfg := config.Get()

	summaries, err := s.summaryStore.ListRecent(r.Context(), project, cfg.ContextSessionCount)
	if err != nil {
		return "", err
	}
	observations, err := s.obsStore.ListRecent(r.Context(), project, cfg.ContextObsTypes, cfg.ContextObservations)
	if err != nil {
		return "", err
	}
	if len(summaries) == 0 && len(observations) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("# Project memory")
	if project != "" {
		b.WriteString(": " + project)
	}
	b.WriteString("\n\n")

	if len(summaries) > 0 {
		b.WriteString("## Recent sessions\n\n")
		for _, sum := range summaries {
			if sum.Request.Valid {
				b.WriteString("- **" + sum.Request.String + "**")
			} else {
				b.WriteString("- (untitled session)")
			}
			if sum.Completed.Valid {
				b.WriteString(" | completed: " + sum.Completed.String)
			}
			if sum.NextSteps.Valid {
				b.WriteString(" | next: " + sum.NextSteps.String)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if len(observations) > 0 {
		b.WriteString("## Recent observations\n\n")
		for i, obs := range observations {
			title := obs.Title.String
			if title == "" {
				title = string(obs.Type)
			}
			if i < cfg.ContextFullCount {
				b.WriteString("### [" + string(obs.Type) + "] " + title + "\n")
				if obs.Narrative.Valid {
					b.WriteString(obs.Narrative.String + "\n")
				}
				for _, fact := range obs.Facts {
					b.WriteString("- " + fact + "\n")
				}
			} else {
				b.WriteString("- [" + string(obs.Type) + "] " + title)
				if cfg.ContextShowTokens && obs.DiscoveryTokens > 0 {
					fmt.Fprintf(&b, " (~%d tokens to rediscover)", obs.DiscoveryTokens)
				}
			}
			b.WriteString("\n")
		}
	}

	return b.String(), nil
}

type sessionInitRequest struct {
	ContentSessionID string `json:"contentSessionId"`
	Project          string `json:"project"`
	Prompt           string `json:"prompt"`
	CustomTitle      string `json:"customTitle"`
}

// handleSessionInit registers a new prompt turn for a content session,
// creating the session on first contact.
func (s *Service) handleSessionInit(w http.ResponseWriter, r *http.Request) {
	var req sessionInitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ContentSessionID == "" {
		writeError(w, http.StatusBadRequest, "contentSessionId is required")
		return
	}
	if err := ValidateProjectName(req.Project); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if isProjectExcluded(req.Project) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"skipped": true,
			"reason":  "project excluded",
		})
		return
	}

	// An entirely private prompt still advances the session and its prompt
	// counter; only the content is withheld.
	private := privacy.IsEntirelyPrivate(req.Prompt)
	prompt := ""
	if !private {
		prompt = privacy.Clean(req.Prompt)
	}

	as, err := s.sessionManager.InitializeSession(r.Context(), req.ContentSessionID, req.Project, prompt, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to initialize session")
		return
	}

	promptNumber, err := s.sessionStore.IncrementPromptCounter(r.Context(), req.ContentSessionID)
	if err != nil {
		log.Warn().Str("contentSessionId", req.ContentSessionID).Err(err).
			Msg("Prompt counter increment failed")
	}
	as.LastPromptNumber = promptNumber

	if req.CustomTitle != "" {
		if err := s.sessionStore.SetCustomTitle(r.Context(), req.ContentSessionID, req.CustomTitle); err != nil {
			log.Warn().Err(err).Msg("Custom title update failed")
		}
	}

	resp := map[string]interface{}{
		"sessionDbId":  as.SessionDBID,
		"promptNumber": promptNumber,
	}

	if private {
		resp["skipped"] = true
		resp["reason"] = "private"
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if prompt != "" {
		dup, err := s.promptStore.FindRecentDuplicate(r.Context(), req.ContentSessionID, prompt, duplicatePromptWindow)
		if err == nil && !dup {
			if _, err := s.promptStore.Insert(r.Context(), req.ContentSessionID, prompt, promptNumber); err != nil {
				log.Warn().Err(err).Msg("Prompt insert failed")
			} else {
				s.sseBroadcaster.Broadcast(sse.EventNewPrompt, map[string]interface{}{
					"contentSessionId": req.ContentSessionID,
					"promptNumber":     promptNumber,
					"prompt":           prompt,
				})
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// jsonText decodes a JSON string as-is and any other JSON value as its raw
// text. Hooks send tool_input and tool_response either pre-serialized or as
// the bare object the tool received.
type jsonText string

func (j *jsonText) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*j = jsonText(s)
		return nil
	}
	if string(data) == "null" {
		*j = ""
		return nil
	}
	*j = jsonText(data)
	return nil
}

type observationRequest struct {
	ContentSessionID string   `json:"contentSessionId"`
	ToolName         string   `json:"tool_name"`
	ToolInput        jsonText `json:"tool_input"`
	ToolResponse     jsonText `json:"tool_response"`
	CWD              string   `json:"cwd"`
}

// handleObservation enqueues one tool use for analysis. The row is durable
// before the 200 goes out.
func (s *Service) handleObservation(w http.ResponseWriter, r *http.Request) {
	var req observationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ContentSessionID == "" {
		writeError(w, http.StatusBadRequest, "contentSessionId is required")
		return
	}

	if reason := observationSkipReason(&req); reason != "" {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "skipped",
			"reason": reason,
		})
		return
	}

	as, err := s.activeSessionFor(r, req.ContentSessionID, req.CWD)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve session")
		return
	}
	if isProjectExcluded(as.Project) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "skipped",
			"reason": "project excluded",
		})
		return
	}

	payload := &models.ObservationPayload{
		ToolName:     req.ToolName,
		ToolInput:    privacy.Clean(string(req.ToolInput)),
		ToolResponse: privacy.Clean(string(req.ToolResponse)),
		CWD:          req.CWD,
		PromptNumber: as.LastPromptNumber,
	}

	if _, err := s.sessionManager.QueueObservation(r.Context(), as, payload); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to queue observation")
		return
	}

	s.sseBroadcaster.Broadcast(sse.EventObservationQueued, map[string]interface{}{
		"sessionId": as.SessionDBID,
		"tool":      req.ToolName,
	})
	s.broadcastProcessingStatus()

	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

// observationSkipReason decides whether a tool use is worth analyzing.
func observationSkipReason(req *observationRequest) string {
	cfg := config.Get()

	for _, tool := range cfg.SkipTools {
		if strings.EqualFold(tool, req.ToolName) {
			return "tool skipped"
		}
	}

	// Tool uses inside the worker's own data directory are bookkeeping, not
	// project work.
	dataDir := config.DataDir()
	if req.CWD != "" && strings.Contains(req.CWD, dataDir) {
		return "internal path"
	}
	if strings.Contains(string(req.ToolInput), dataDir) {
		return "internal path"
	}

	if privacy.IsEntirelyPrivate(string(req.ToolInput)) || privacy.IsEntirelyPrivate(string(req.ToolResponse)) {
		return "private"
	}

	return ""
}

// activeSessionFor returns the in-memory session for a content session ID,
// activating or creating it as needed. Observations can arrive before any
// init call when the worker restarted mid-session.
func (s *Service) activeSessionFor(r *http.Request, contentSessionID, cwd string) (*session.ActiveSession, error) {
	if dbSess, err := s.sessionStore.GetByContentID(r.Context(), contentSessionID); err == nil {
		return s.sessionManager.ActivateFromDB(r.Context(), dbSess.ID)
	}

	project := ""
	if cwd != "" {
		project = filepath.Base(cwd)
	}
	return s.sessionManager.InitializeSession(r.Context(), contentSessionID, project, "", 0)
}

type summarizeRequest struct {
	ContentSessionID     string `json:"contentSessionId"`
	LastAssistantMessage string `json:"last_assistant_message"`
}

// handleSummarize enqueues a summary checkpoint for a session.
func (s *Service) handleSummarize(w http.ResponseWriter, r *http.Request) {
	var req summarizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ContentSessionID == "" {
		writeError(w, http.StatusBadRequest, "contentSessionId is required")
		return
	}

	dbSess, err := s.sessionStore.GetByContentID(r.Context(), req.ContentSessionID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "skipped",
			"reason": "unknown session",
		})
		return
	}

	as, err := s.sessionManager.ActivateFromDB(r.Context(), dbSess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve session")
		return
	}

	payload := &models.SummarizePayload{
		LastAssistantMessage: privacy.Clean(req.LastAssistantMessage),
		PromptNumber:         as.LastPromptNumber,
	}

	if _, err := s.sessionManager.QueueSummarize(r.Context(), as, payload); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to queue summarize")
		return
	}

	s.sseBroadcaster.Broadcast(sse.EventSummarizeQueued, map[string]interface{}{
		"sessionId": as.SessionDBID,
	})
	s.broadcastProcessingStatus()

	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

type sessionCompleteRequest struct {
	ContentSessionID string `json:"contentSessionId"`
}

// handleSessionComplete finishes a session: tears down the in-memory state
// and marks the stored row completed.
func (s *Service) handleSessionComplete(w http.ResponseWriter, r *http.Request) {
	var req sessionCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ContentSessionID == "" {
		writeError(w, http.StatusBadRequest, "contentSessionId is required")
		return
	}

	dbSess, err := s.sessionStore.GetByContentID(r.Context(), req.ContentSessionID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "skipped",
			"reason": "unknown session",
		})
		return
	}

	s.sessionManager.DeleteSession(r.Context(), dbSess.ID)

	if err := s.sessionStore.Complete(r.Context(), req.ContentSessionID, models.SessionCompleted); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to complete session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// handleGetObservations lists recent observations for a project.
func (s *Service) handleGetObservations(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if err := ValidateProjectName(project); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var types []string
	if t := r.URL.Query().Get("type"); t != "" {
		types = strings.Split(t, ",")
	}

	obs, err := s.obsStore.ListRecent(r.Context(), project, types, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"observations": emptyIfNilObs(obs)})
}

// handleObservationsBatch fetches observations by explicit IDs.
func (s *Service) handleObservationsBatch(w http.ResponseWriter, r *http.Request) {
	idsParam := r.URL.Query().Get("ids")
	if idsParam == "" {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}

	parts := strings.Split(idsParam, ",")
	if len(parts) > 100 {
		writeError(w, http.StatusBadRequest, "too many ids (max 100)")
		return
	}

	out := make([]*models.Observation, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid id: "+p)
			return
		}
		obs, err := s.obsStore.GetByID(r.Context(), id)
		if err != nil {
			continue // missing rows are silently dropped
		}
		out = append(out, obs)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"observations": out})
}

// handleGetSummaries lists recent session summaries for a project.
func (s *Service) handleGetSummaries(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if err := ValidateProjectName(project); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sums, err := s.summaryStore.ListRecent(r.Context(), project, queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if sums == nil {
		sums = []*models.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"summaries": sums})
}

// handleGetPrompts lists saved prompts for a content session.
func (s *Service) handleGetPrompts(w http.ResponseWriter, r *http.Request) {
	contentSessionID := r.URL.Query().Get("contentSessionId")
	if contentSessionID == "" {
		writeError(w, http.StatusBadRequest, "contentSessionId is required")
		return
	}

	prompts, err := s.promptStore.ListBySession(r.Context(), contentSessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if prompts == nil {
		prompts = []*models.UserPrompt{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"prompts": prompts})
}

// handleGetSessions lists recent sessions, optionally filtered by project.
func (s *Service) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if err := ValidateProjectName(project); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessions, err := s.sessionStore.ListRecent(r.Context(), project, queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// handleGetStats returns aggregate service statistics.
func (s *Service) handleGetStats(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if err := ValidateProjectName(project); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := map[string]interface{}{
		"activeSessions": s.sessionManager.ActiveCount(),
		"queueDepth":     s.sessionManager.QueueDepth(r.Context()),
		"sseClients":     s.sseBroadcaster.ClientCount(),
		"uptime":         time.Since(s.startTime).Milliseconds(),
	}
	if n, err := s.pendingStore.FailedCount(r.Context()); err == nil {
		resp["failedMessages"] = n
	}
	if project != "" {
		if n, err := s.obsStore.CountByProject(r.Context(), project); err == nil {
			resp["observations"] = n
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleSearch runs a full-text query over observations.
func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	project := r.URL.Query().Get("project")
	if err := ValidateProjectName(project); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	obs, err := s.obsStore.Search(r.Context(), project, query, queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": emptyIfNilObs(obs)})
}

// handleSearchByFile finds observations that touched a file.
func (s *Service) handleSearchByFile(w http.ResponseWriter, r *http.Request) {
	file := r.URL.Query().Get("file")
	if file == "" {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	project := r.URL.Query().Get("project")
	if err := ValidateProjectName(project); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	obs, err := s.obsStore.SearchByFile(r.Context(), project, file, queryInt(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": emptyIfNilObs(obs)})
}

// handleTimeline returns observations around an anchor time.
func (s *Service) handleTimeline(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if err := ValidateProjectName(project); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	anchor, _ := strconv.ParseInt(r.URL.Query().Get("anchor"), 10, 64)
	obs, err := s.obsStore.Timeline(r.Context(), project, anchor,
		queryInt(r, "before", 10), queryInt(r, "after", 10))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"timeline": emptyIfNilObs(obs)})
}

// handleAdminShutdown triggers graceful shutdown. The response goes out
// before the teardown starts so the caller is not cut off mid-request.
func (s *Service) handleAdminShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting_down"})

	log.Info().Str("requestId", GetRequestID(r.Context())).Msg("Shutdown requested via admin endpoint")

	if s.onShutdownRequest != nil {
		go s.onShutdownRequest()
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		os.Exit(0)
	}()
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// isProjectExcluded reports whether a project is on the exclusion list.
func isProjectExcluded(project string) bool {
	if project == "" {
		return false
	}
	for _, excluded := range config.Get().ExcludeProjects {
		if strings.EqualFold(excluded, project) {
			return true
		}
	}
	return false
}

// emptyIfNilObs keeps empty result sets as [] instead of null in JSON.
func emptyIfNilObs(obs []*models.Observation) []*models.Observation {
	if obs == nil {
		return []*models.Observation{}
	}
	return obs
}
