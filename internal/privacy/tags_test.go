package privacy

import (
	"testing"
)

func TestStripPrivate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "no tags",
			input:    "fix the flaky websocket reconnect",
			expected: "fix the flaky websocket reconnect",
		},
		{
			name:     "single region removed",
			input:    "deploy the service <private>prod password is hunter2</private> tonight",
			expected: "deploy the service  tonight",
		},
		{
			name:     "multiple regions removed",
			input:    "<private>a</private>keep<private>b</private>",
			expected: "keep",
		},
		{
			name:     "multiline region removed",
			input:    "start <private>line one\nline two</private> end",
			expected: "start  end",
		},
		{
			name:     "unterminated region strips to end",
			input:    "public part <private>everything after",
			expected: "public part",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := StripPrivate(tt.input)
			if result != tt.expected {
				t.Errorf("StripPrivate(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestIsEntirelyPrivate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{
			name:     "entirely wrapped",
			input:    "<private>do not remember this</private>",
			expected: true,
		},
		{
			name:     "wrapped with surrounding whitespace",
			input:    "  <private>secret plans</private>\n",
			expected: true,
		},
		{
			name:     "mixed content is not entirely private",
			input:    "hello <private>secret</private>",
			expected: false,
		},
		{
			name:     "plain text",
			input:    "just a prompt",
			expected: false,
		},
		{
			name:     "empty string is not private",
			input:    "",
			expected: false,
		},
		{
			name:     "whitespace only is not private",
			input:    "   \n",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsEntirelyPrivate(tt.input)
			if result != tt.expected {
				t.Errorf("IsEntirelyPrivate(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestClean(t *testing.T) {
	input := "set <private>internal note</private> api_key=abc123def456ghi789jkl012mno345pqr678"
	expected := "set  api_key=[REDACTED]"

	if got := Clean(input); got != expected {
		t.Errorf("Clean(%q) = %q, want %q", input, got, expected)
	}
}
