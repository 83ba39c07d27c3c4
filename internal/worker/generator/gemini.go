package generator

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/thebtf/mnemo/internal/config"
	"github.com/thebtf/mnemo/internal/procs"
)

// GeminiProvider drives the gemini CLI. Conversations are not resumable, so
// the engine assigns the session a synthetic identity when it falls back to
// this provider.
type GeminiProvider struct {
	registry *procs.Registry
	path     string
	model    string
	apiKey   string
}

// NewGeminiProvider creates the gemini provider from configuration.
func NewGeminiProvider(cfg *config.Config, registry *procs.Registry) *GeminiProvider {
	path := "gemini"
	if found, err := exec.LookPath("gemini"); err == nil {
		path = found
	}
	return &GeminiProvider{path: path, model: cfg.GeminiModel, apiKey: cfg.GeminiAPIKey, registry: registry}
}

// Name implements Provider.
func (p *GeminiProvider) Name() string { return "gemini" }

// Resumable implements Provider.
func (p *GeminiProvider) Resumable() bool { return false }

// geminiResult is the JSON envelope emitted with --output-format json.
type geminiResult struct {
	Response string `json:"response"`
}

// Execute runs one prompt through the gemini CLI.
func (p *GeminiProvider) Execute(ctx context.Context, req Request) (*Response, error) {
	args := []string{"--output-format", "json"}
	if p.model != "" {
		args = append(args, "-m", p.model)
	}
	args = append(args, "-p", req.Prompt)

	cmd := exec.CommandContext(ctx, p.path, args...) // #nosec G204 -- path resolved locally, prompt is internal
	if p.apiKey != "" {
		cmd.Env = append(cmd.Environ(), "GEMINI_API_KEY="+p.apiKey)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start gemini: %w", err)
	}
	p.registry.Register(req.SessionDBID, int32(cmd.Process.Pid), p.Name())
	defer func() {
		_ = procs.EnsureProcessExit(context.Background(), int32(cmd.Process.Pid), procs.ExitTimeout)
		p.registry.Unregister(req.SessionDBID)
	}()

	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("gemini: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var result geminiResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil || result.Response == "" {
		return &Response{Text: stdout.String()}, nil
	}
	return &Response{Text: result.Response}, nil
}
