package generator

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// CountTokens counts tokens in text with the cl100k_base encoding, used to
// record how much provider reading went into each observation. Falls back to
// a character heuristic when the codec cannot be loaded.
func CountTokens(text string) int64 {
	codecOnce.Do(func() {
		if c, err := tokenizer.Get(tokenizer.Cl100kBase); err == nil {
			codec = c
		}
	})
	if codec != nil {
		if n, err := codec.Count(text); err == nil {
			return int64(n)
		}
	}
	return estimateTokens(text)
}

// estimateTokens is the heuristic fallback: max(runes/4, words).
func estimateTokens(text string) int64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return int64(estimate)
}
