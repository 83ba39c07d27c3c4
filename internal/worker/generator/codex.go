package generator

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/thebtf/mnemo/internal/config"
	"github.com/thebtf/mnemo/internal/procs"
)

// CodexProvider drives the codex CLI in exec mode. Like gemini, it has no
// resumable conversations.
type CodexProvider struct {
	registry *procs.Registry
	path     string
	model    string
	apiKey   string
}

// NewCodexProvider creates the codex provider from configuration.
func NewCodexProvider(cfg *config.Config, registry *procs.Registry) *CodexProvider {
	path := "codex"
	if found, err := exec.LookPath("codex"); err == nil {
		path = found
	}
	return &CodexProvider{path: path, model: cfg.CodexModel, apiKey: cfg.CodexAPIKey, registry: registry}
}

// Name implements Provider.
func (p *CodexProvider) Name() string { return "codex" }

// Resumable implements Provider.
func (p *CodexProvider) Resumable() bool { return false }

// Execute runs one prompt through `codex exec`, which prints the final
// assistant message on stdout.
func (p *CodexProvider) Execute(ctx context.Context, req Request) (*Response, error) {
	args := []string{"exec", "--skip-git-repo-check"}
	if p.model != "" {
		args = append(args, "-m", p.model)
	}
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(ctx, p.path, args...) // #nosec G204 -- path resolved locally, prompt is internal
	if p.apiKey != "" {
		cmd.Env = append(cmd.Environ(), "OPENAI_API_KEY="+p.apiKey)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start codex: %w", err)
	}
	p.registry.Register(req.SessionDBID, int32(cmd.Process.Pid), p.Name())
	defer func() {
		_ = procs.EnsureProcessExit(context.Background(), int32(cmd.Process.Pid), procs.ExitTimeout)
		p.registry.Unregister(req.SessionDBID)
	}()

	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("codex: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return &Response{Text: stdout.String()}, nil
}
