package generator

import (
	"fmt"
	"strings"

	"github.com/thebtf/mnemo/internal/worker/session"
	"github.com/thebtf/mnemo/pkg/models"
)

const (
	maxToolInputLen    = 3000
	maxToolResponseLen = 4000
	maxAssistantMsgLen = 4000
	maxHistoryEntryLen = 1500
)

// observationFormat is sent once per generator conversation. On resumable
// providers the conversation remembers it; fresh starts get it again.
const observationFormat = `You are a memory observer for a coding session. You watch tool
executions and record durable learnings about the codebase.

For each tool execution you receive, decide whether it reveals something
worth remembering. Emit zero or more observations in this exact XML format:

<observation>
  <type>bugfix|feature|refactor|change|discovery|decision</type>
  <title>Short imperative title</title>
  <subtitle>One-line elaboration</subtitle>
  <facts>
    <fact>A concrete, verifiable fact</fact>
  </facts>
  <narrative>A few sentences of context a future reader needs.</narrative>
  <concepts>
    <concept>how-it-works</concept>
  </concepts>
  <files_read>
    <file>/path/read</file>
  </files_read>
  <files_modified>
    <file>/path/changed</file>
  </files_modified>
</observation>

Allowed concepts: how-it-works, why-it-exists, what-changed,
problem-solution, gotcha, pattern, trade-off, best-practice, anti-pattern,
architecture, security, performance, testing, debugging, workflow, tooling,
refactoring, api, database, configuration, error-handling, caching,
logging, auth, validation.

Routine reads and trivial edits do not deserve observations. Emit nothing
when nothing was learned.`

// summaryFormat describes the checkpoint summary shape, including the
// explicit skip escape hatch.
const summaryFormat = `When asked for a PROGRESS SUMMARY CHECKPOINT, respond with exactly one
summary in this XML format:

<summary>
  <request>What the user asked for</request>
  <investigated>What was examined</investigated>
  <learned>What was discovered</learned>
  <completed>What was finished</completed>
  <next_steps>What remains</next_steps>
  <notes>Anything else worth keeping</notes>
  <files_read>
    <file>/path/read</file>
  </files_read>
  <files_edited>
    <file>/path/edited</file>
  </files_edited>
</summary>

If the turn contained nothing worth summarizing, respond instead with:
<skip_summary reason="brief reason"/>`

// writePreamble prepends the format instructions and, when the conversation
// already covered ground, the accumulated exchanges. Only fresh conversations
// get a preamble; resumed ones remember both.
func writePreamble(b *strings.Builder, history []session.Exchange, includeFormat bool) {
	if !includeFormat {
		return
	}
	b.WriteString(observationFormat)
	b.WriteString("\n\n")
	b.WriteString(summaryFormat)
	b.WriteString("\n\n")

	if len(history) == 0 {
		return
	}
	b.WriteString("<conversation_so_far>\n")
	for _, ex := range history {
		b.WriteString("  <exchange>\n")
		fmt.Fprintf(b, "    <observed>%s</observed>\n", truncate(ex.Prompt, maxHistoryEntryLen))
		fmt.Fprintf(b, "    <recorded>%s</recorded>\n", truncate(ex.Response, maxHistoryEntryLen))
		b.WriteString("  </exchange>\n")
	}
	b.WriteString("</conversation_so_far>\n\n")
}

// BuildObservationPrompt renders one tool execution for the generator.
// includeFormat marks the first message of a conversation: it gets the full
// format instructions plus the history shared across provider switches.
func BuildObservationPrompt(obs *models.ObservationPayload, history []session.Exchange, includeFormat bool) string {
	var b strings.Builder
	writePreamble(&b, history, includeFormat)

	b.WriteString("<observed_from_primary_session>\n")
	fmt.Fprintf(&b, "  <what_happened>%s</what_happened>\n", obs.ToolName)
	if obs.CWD != "" {
		fmt.Fprintf(&b, "  <working_directory>%s</working_directory>\n", obs.CWD)
	}
	fmt.Fprintf(&b, "  <parameters>%s</parameters>\n", truncate(obs.ToolInput, maxToolInputLen))
	fmt.Fprintf(&b, "  <outcome>%s</outcome>\n", truncate(obs.ToolResponse, maxToolResponseLen))
	b.WriteString("</observed_from_primary_session>")

	return b.String()
}

// BuildSummaryPrompt renders a checkpoint summary request.
func BuildSummaryPrompt(sum *models.SummarizePayload, project, userPrompt string, history []session.Exchange, includeFormat bool) string {
	var b strings.Builder
	writePreamble(&b, history, includeFormat)

	b.WriteString("PROGRESS SUMMARY CHECKPOINT\n\n")
	fmt.Fprintf(&b, "Project: %s\n", project)
	if userPrompt != "" {
		fmt.Fprintf(&b, "User's Request: %s\n", truncate(userPrompt, maxToolInputLen))
	}
	if sum.LastAssistantMessage != "" {
		fmt.Fprintf(&b, "\nClaude's Full Response to User:\n%s\n",
			truncate(sum.LastAssistantMessage, maxAssistantMsgLen))
	}
	b.WriteString("\nSummarize the work so far using the summary format, or skip if there is nothing to record.")

	return b.String()
}

// truncate cuts s at maxLen and marks the cut.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... (truncated)"
}
