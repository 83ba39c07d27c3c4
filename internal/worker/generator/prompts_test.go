package generator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thebtf/mnemo/internal/worker/session"
	"github.com/thebtf/mnemo/pkg/models"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{
			name:     "shorter_than_max",
			input:    "hello",
			maxLen:   10,
			expected: "hello",
		},
		{
			name:     "equal_to_max",
			input:    "hello",
			maxLen:   5,
			expected: "hello",
		},
		{
			name:     "longer_than_max",
			input:    "hello world",
			maxLen:   5,
			expected: "hello... (truncated)",
		},
		{
			name:     "empty_string",
			input:    "",
			maxLen:   5,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, truncate(tt.input, tt.maxLen))
		})
	}
}

func TestBuildObservationPrompt(t *testing.T) {
	obs := &models.ObservationPayload{
		ToolName:     "Read",
		ToolInput:    `{"file_path": "/path/to/file.go"}`,
		ToolResponse: "package main",
		CWD:          "/project",
		PromptNumber: 1,
	}

	result := BuildObservationPrompt(obs, nil, false)

	assert.Contains(t, result, "<observed_from_primary_session>")
	assert.Contains(t, result, "<what_happened>Read</what_happened>")
	assert.Contains(t, result, "<working_directory>/project</working_directory>")
	assert.Contains(t, result, "file_path")
	assert.Contains(t, result, "<outcome>")
	assert.Contains(t, result, "</observed_from_primary_session>")
	assert.NotContains(t, result, "memory observer")
}

func TestBuildObservationPrompt_NoCWD(t *testing.T) {
	obs := &models.ObservationPayload{
		ToolName:     "Bash",
		ToolInput:    `{"command": "ls"}`,
		ToolResponse: "ok",
	}

	result := BuildObservationPrompt(obs, nil, false)
	assert.NotContains(t, result, "<working_directory>")
}

func TestBuildObservationPrompt_IncludesFormatOnInit(t *testing.T) {
	obs := &models.ObservationPayload{ToolName: "Read"}

	result := BuildObservationPrompt(obs, nil, true)
	assert.Contains(t, result, "memory observer")
	assert.Contains(t, result, "<observation>")
	assert.Contains(t, result, "skip_summary")
}

func TestBuildObservationPrompt_TruncatesLongContent(t *testing.T) {
	obs := &models.ObservationPayload{
		ToolName:     "Read",
		ToolInput:    strings.Repeat("x", 5000),
		ToolResponse: strings.Repeat("y", 7000),
		CWD:          "/project",
	}

	result := BuildObservationPrompt(obs, nil, false)

	assert.Contains(t, result, "truncated")
	assert.Less(t, len(result), 10000)
}

func TestBuildObservationPrompt_HistoryOnFreshStart(t *testing.T) {
	obs := &models.ObservationPayload{ToolName: "Edit"}
	history := []session.Exchange{
		{Prompt: "<observed_from_primary_session>ls</observed_from_primary_session>", Response: "noted the repo layout"},
	}

	fresh := BuildObservationPrompt(obs, history, true)
	assert.Contains(t, fresh, "<conversation_so_far>")
	assert.Contains(t, fresh, "noted the repo layout")

	// Resumed conversations remember their own history.
	resumed := BuildObservationPrompt(obs, history, false)
	assert.NotContains(t, resumed, "<conversation_so_far>")
}

func TestBuildObservationPrompt_TruncatesHistoryEntries(t *testing.T) {
	obs := &models.ObservationPayload{ToolName: "Read"}
	history := []session.Exchange{
		{Prompt: strings.Repeat("p", 4000), Response: strings.Repeat("r", 4000)},
	}

	result := BuildObservationPrompt(obs, history, true)
	assert.Contains(t, result, "truncated")
	assert.Less(t, len(result), 4000+4000)
}

func TestBuildSummaryPrompt(t *testing.T) {
	sum := &models.SummarizePayload{
		LastAssistantMessage: "I fixed the authentication bug by updating the JWT validation.",
		PromptNumber:         3,
	}

	result := BuildSummaryPrompt(sum, "test-project", "Fix the auth bug", nil, false)

	assert.Contains(t, result, "PROGRESS SUMMARY CHECKPOINT")
	assert.Contains(t, result, "Project: test-project")
	assert.Contains(t, result, "Fix the auth bug")
	assert.Contains(t, result, "Claude's Full Response to User:")
	assert.Contains(t, result, "fixed the authentication")
}

func TestBuildSummaryPrompt_EmptyAssistantMessage(t *testing.T) {
	sum := &models.SummarizePayload{PromptNumber: 1}

	result := BuildSummaryPrompt(sum, "p", "", nil, false)

	assert.Contains(t, result, "PROGRESS SUMMARY CHECKPOINT")
	assert.NotContains(t, result, "Claude's Full Response")
}

func TestBuildSummaryPrompt_TruncatesLongAssistantMessage(t *testing.T) {
	sum := &models.SummarizePayload{
		LastAssistantMessage: strings.Repeat("a", 5000),
	}

	result := BuildSummaryPrompt(sum, "test", "", nil, false)

	assert.Contains(t, result, "truncated")
	assert.Less(t, len(result), 6000)
}

func TestBuildSummaryPrompt_IncludesFormatOnInit(t *testing.T) {
	sum := &models.SummarizePayload{}

	result := BuildSummaryPrompt(sum, "p", "", nil, true)
	assert.Contains(t, result, "<summary>")
	assert.Contains(t, result, "<next_steps>")
}
