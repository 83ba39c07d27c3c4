// Package config provides configuration management for mnemo.
//
// Settings live in a flat key-value settings.json under the data directory.
// Every key has a matching MNEMO_* environment variable override; precedence
// is env > file > default.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

const (
	// DefaultWorkerPort is the default HTTP port for the worker service.
	DefaultWorkerPort = 37777

	// DefaultWorkerHost is the loopback bind address.
	DefaultWorkerHost = "127.0.0.1"

	// DefaultProvider is the generator provider used when none is configured.
	DefaultProvider = "claude"

	// DefaultModel for the claude provider (cheap and fast).
	DefaultModel = "haiku"

	// DefaultDedupWindowMinutes is the observation content-hash dedup window.
	DefaultDedupWindowMinutes = 5
)

// DefaultObservationTypes are the observation types to include in context.
var DefaultObservationTypes = []string{
	"bugfix", "feature", "refactor", "change", "discovery", "decision",
}

// DefaultObservationConcepts are the concept tags to include in context.
var DefaultObservationConcepts = []string{
	"how-it-works", "why-it-exists", "what-changed",
	"problem-solution", "gotcha", "pattern", "trade-off",
}

// DefaultSkipTools are tools whose observations are never enqueued.
var DefaultSkipTools = []string{
	"TodoWrite", "Task", "TaskOutput", "Glob", "ListDir", "LS",
	"KillShell", "AskUserQuestion", "EnterPlanMode", "ExitPlanMode",
	"Skill", "SlashCommand",
}

// Config holds the application configuration.
type Config struct {
	// Worker settings
	WorkerPort int    `json:"worker_port"`
	WorkerHost string `json:"worker_host"`
	LogLevel   string `json:"log_level"`
	DataDir    string `json:"data_dir"`

	// Database settings
	DBPath   string `json:"db_path"`
	MaxConns int    `json:"max_conns"`

	// Generator provider settings
	Provider     string `json:"provider"` // claude | gemini | codex
	ClaudeModel  string `json:"claude_model"`
	ClaudePath   string `json:"claude_path"`
	GeminiModel  string `json:"gemini_model"`
	GeminiAPIKey string `json:"gemini_api_key"`
	CodexModel   string `json:"codex_model"`
	CodexAPIKey  string `json:"codex_api_key"`

	// Observation filtering
	SkipTools       []string `json:"skip_tools"`
	ExcludeProjects []string `json:"exclude_projects"`

	// Deduplication
	DedupWindowMinutes int `json:"dedup_window_minutes"`

	// Context injection settings
	ContextObservations int      `json:"context_observations"`
	ContextFullCount    int      `json:"context_full_count"`
	ContextSessionCount int      `json:"context_session_count"`
	ContextShowTokens   bool     `json:"context_show_tokens"`
	ContextObsTypes     []string `json:"context_obs_types"`
	ContextObsConcepts  []string `json:"context_obs_concepts"`

	// Runtime mode: "daemon" ignores SIGHUP, "interactive" treats it as terminate.
	Mode string `json:"mode"`
}

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// DataDir returns the data directory path (~/.mnemo by default).
func DataDir() string {
	if dir := os.Getenv("MNEMO_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mnemo")
}

// DBPath returns the database file path.
func DBPath() string {
	return filepath.Join(DataDir(), "mnemo.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// LogDir returns the directory for dated log files.
func LogDir() string {
	return filepath.Join(DataDir(), "logs")
}

// PIDFilePath returns the worker PID file path.
func PIDFilePath() string {
	return filepath.Join(DataDir(), "worker.pid")
}

// EnsureDataDir creates the data and log directories if they don't exist.
func EnsureDataDir() error {
	if err := os.MkdirAll(DataDir(), 0o750); err != nil {
		return err
	}
	return os.MkdirAll(LogDir(), 0o750)
}

// EnsureSettings creates a default settings file if it doesn't exist.
func EnsureSettings() error {
	path := SettingsPath()

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	defaultSettings := `{
  "MNEMO_WORKER_PORT": 37777,
  "MNEMO_PROVIDER": "claude",
  "MNEMO_CLAUDE_MODEL": "haiku",
  "MNEMO_CONTEXT_OBSERVATIONS": 100,
  "MNEMO_CONTEXT_FULL_COUNT": 25,
  "MNEMO_CONTEXT_SESSION_COUNT": 10
}
`
	return os.WriteFile(path, []byte(defaultSettings), 0o600)
}

// EnsureAll ensures all required directories and files exist.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		WorkerPort:          DefaultWorkerPort,
		WorkerHost:          DefaultWorkerHost,
		LogLevel:            "info",
		DataDir:             DataDir(),
		DBPath:              DBPath(),
		MaxConns:            4,
		Provider:            DefaultProvider,
		ClaudeModel:         DefaultModel,
		GeminiModel:         "gemini-2.0-flash",
		CodexModel:          "gpt-5-mini",
		SkipTools:           DefaultSkipTools,
		DedupWindowMinutes:  DefaultDedupWindowMinutes,
		ContextObservations: 100,
		ContextFullCount:    25,
		ContextSessionCount: 10,
		ContextShowTokens:   true,
		ContextObsTypes:     DefaultObservationTypes,
		ContextObsConcepts:  DefaultObservationConcepts,
		Mode:                "daemon",
	}
}

// Load loads configuration from the settings file plus env overrides.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	var settings map[string]interface{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &settings); err != nil {
			settings = nil // Fall back to defaults on parse error
		}
	}

	applyString(settings, "MNEMO_WORKER_HOST", &cfg.WorkerHost)
	applyInt(settings, "MNEMO_WORKER_PORT", &cfg.WorkerPort)
	applyString(settings, "MNEMO_LOG_LEVEL", &cfg.LogLevel)
	applyInt(settings, "MNEMO_MAX_CONNS", &cfg.MaxConns)
	applyString(settings, "MNEMO_PROVIDER", &cfg.Provider)
	applyString(settings, "MNEMO_CLAUDE_MODEL", &cfg.ClaudeModel)
	applyString(settings, "MNEMO_CLAUDE_PATH", &cfg.ClaudePath)
	applyString(settings, "MNEMO_GEMINI_MODEL", &cfg.GeminiModel)
	applyString(settings, "MNEMO_GEMINI_API_KEY", &cfg.GeminiAPIKey)
	applyString(settings, "MNEMO_CODEX_MODEL", &cfg.CodexModel)
	applyString(settings, "MNEMO_CODEX_API_KEY", &cfg.CodexAPIKey)
	applyList(settings, "MNEMO_SKIP_TOOLS", &cfg.SkipTools)
	applyList(settings, "MNEMO_EXCLUDE_PROJECTS", &cfg.ExcludeProjects)
	applyInt(settings, "MNEMO_DEDUP_WINDOW_MINUTES", &cfg.DedupWindowMinutes)
	applyInt(settings, "MNEMO_CONTEXT_OBSERVATIONS", &cfg.ContextObservations)
	applyInt(settings, "MNEMO_CONTEXT_FULL_COUNT", &cfg.ContextFullCount)
	applyInt(settings, "MNEMO_CONTEXT_SESSION_COUNT", &cfg.ContextSessionCount)
	applyBool(settings, "MNEMO_CONTEXT_SHOW_TOKENS", &cfg.ContextShowTokens)
	applyList(settings, "MNEMO_CONTEXT_OBS_TYPES", &cfg.ContextObsTypes)
	applyList(settings, "MNEMO_CONTEXT_OBS_CONCEPTS", &cfg.ContextObsConcepts)
	applyString(settings, "MNEMO_MODE", &cfg.Mode)

	cfg.DataDir = DataDir()
	cfg.DBPath = DBPath()

	return cfg, nil
}

// applyString applies file then env for a string key.
func applyString(settings map[string]interface{}, key string, dst *string) {
	if v, ok := settings[key].(string); ok && v != "" {
		*dst = v
	}
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// applyInt applies file then env for an integer key.
func applyInt(settings map[string]interface{}, key string, dst *int) {
	if v, ok := settings[key].(float64); ok && v > 0 {
		*dst = int(v)
	}
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

// applyBool applies file then env for a boolean key.
func applyBool(settings map[string]interface{}, key string, dst *bool) {
	if v, ok := settings[key].(bool); ok {
		*dst = v
	}
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// applyList applies file then env for a comma-separated list key.
func applyList(settings map[string]interface{}, key string, dst *[]string) {
	if v, ok := settings[key].(string); ok && v != "" {
		*dst = splitTrim(v)
	}
	if v := os.Getenv(key); v != "" {
		*dst = splitTrim(v)
	}
}

// splitTrim splits a comma-separated string and trims whitespace.
func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Get returns the global configuration, loading it if necessary.
//
// Provider selection intentionally re-reads through Reload when the settings
// watcher fires, so a generator started mid-session picks up the new value.
func Get() *Config {
	configMu.RLock()
	if globalConfig != nil {
		defer configMu.RUnlock()
		return globalConfig
	}
	configMu.RUnlock()
	return Reload()
}

// Reload re-reads settings from disk and swaps the global configuration.
func Reload() *Config {
	cfg, err := Load()
	if err != nil {
		cfg = Default()
	}

	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()
	return cfg
}

// GetWorkerPort returns the worker port from environment or config.
func GetWorkerPort() int {
	if port := os.Getenv("MNEMO_WORKER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			return p
		}
	}
	return Get().WorkerPort
}
