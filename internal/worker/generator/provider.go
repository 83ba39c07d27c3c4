// Package generator runs per-session LLM generator tasks: it drains the
// durable message queue, drives a provider subprocess, and stores the
// structured memories the provider extracts.
package generator

import (
	"context"

	"github.com/thebtf/mnemo/internal/config"
	"github.com/thebtf/mnemo/internal/procs"
)

// Request is one provider invocation.
type Request struct {
	// Prompt is the full analysis prompt for this message.
	Prompt string

	// MemorySessionID resumes an existing provider conversation when the
	// provider supports it. Empty starts a fresh conversation.
	MemorySessionID string

	// SessionDBID links the spawned subprocess to its session in the
	// registry.
	SessionDBID int64
}

// Response is the provider's reply to one request.
type Response struct {
	// Text is the full response text, expected to contain the XML blocks
	// the parser understands.
	Text string

	// MemorySessionID is the provider's conversation identity when the
	// provider reports one; empty otherwise.
	MemorySessionID string
}

// Provider abstracts one LLM backend. Implementations spawn a subprocess
// per request, register it in the process registry, and guarantee the
// subprocess is gone before Execute returns.
type Provider interface {
	Name() string

	// Resumable reports whether the provider maintains conversations that
	// can be resumed by MemorySessionID. Non-resumable providers get a
	// synthetic identity minted by the engine.
	Resumable() bool

	Execute(ctx context.Context, req Request) (*Response, error)
}

// ProviderFactory builds the ordered provider chain for a generator spawn.
// The configured provider comes first; the remaining providers are the
// fallback chain. Re-reading config here is deliberate: a settings change
// takes effect at the next generator spawn without a worker restart.
type ProviderFactory func() []Provider

// DefaultFactory builds the chain from global configuration.
func DefaultFactory(registry *procs.Registry) ProviderFactory {
	return func() []Provider {
		cfg := config.Get()

		all := map[string]Provider{
			"claude": NewClaudeProvider(cfg, registry),
			"gemini": NewGeminiProvider(cfg, registry),
			"codex":  NewCodexProvider(cfg, registry),
		}

		order := []string{"claude", "gemini", "codex"}
		chain := make([]Provider, 0, len(order))

		if p, ok := all[cfg.Provider]; ok {
			chain = append(chain, p)
		}
		for _, name := range order {
			if name == cfg.Provider {
				continue
			}
			chain = append(chain, all[name])
		}
		return chain
	}
}
