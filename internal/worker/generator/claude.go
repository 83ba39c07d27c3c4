package generator

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/mnemo/internal/config"
	"github.com/thebtf/mnemo/internal/procs"
)

// ClaudeProvider drives the claude CLI in non-interactive mode. It is the
// only provider that maintains resumable conversations.
type ClaudeProvider struct {
	registry *procs.Registry
	path     string
	model    string
}

// NewClaudeProvider creates the claude provider from configuration.
func NewClaudeProvider(cfg *config.Config, registry *procs.Registry) *ClaudeProvider {
	path := cfg.ClaudePath
	if path == "" {
		if found, err := exec.LookPath("claude"); err == nil {
			path = found
		} else {
			path = "claude"
		}
	}
	return &ClaudeProvider{path: path, model: cfg.ClaudeModel, registry: registry}
}

// Name implements Provider.
func (p *ClaudeProvider) Name() string { return "claude" }

// Resumable implements Provider.
func (p *ClaudeProvider) Resumable() bool { return true }

// claudeResult is the JSON envelope emitted with --output-format json.
type claudeResult struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
}

// Execute runs one prompt through the claude CLI and captures the response
// plus the CLI's session identity for later resumes.
func (p *ClaudeProvider) Execute(ctx context.Context, req Request) (*Response, error) {
	args := []string{
		"--print",
		"--output-format", "json",
		"--strict-mcp-config",
		"--tools", "",
	}
	if p.model != "" {
		args = append(args, "--model", p.model)
	}
	if req.MemorySessionID != "" {
		args = append(args, "--resume", req.MemorySessionID)
	}
	args = append(args, "-p", req.Prompt)

	cmd := exec.CommandContext(ctx, p.path, args...) // #nosec G204 -- path is from config, prompt is internal

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start claude: %w", err)
	}
	p.registry.Register(req.SessionDBID, int32(cmd.Process.Pid), p.Name())
	defer func() {
		_ = procs.EnsureProcessExit(context.Background(), int32(cmd.Process.Pid), procs.ExitTimeout)
		p.registry.Unregister(req.SessionDBID)
	}()

	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("claude: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var result claudeResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		// Older CLI builds print plain text; take it as-is.
		return &Response{Text: stdout.String()}, nil
	}
	if result.IsError {
		return nil, fmt.Errorf("claude: %s", result.Result)
	}

	log.Debug().
		Str("memorySessionId", result.SessionID).
		Int("responseLen", len(result.Result)).
		Msg("claude response received")

	return &Response{Text: result.Result, MemorySessionID: result.SessionID}, nil
}
