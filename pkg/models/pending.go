// Package models contains domain models for mnemo.
package models

// PendingMessageType discriminates the two queue message shapes.
type PendingMessageType string

const (
	PendingObservation PendingMessageType = "observation"
	PendingSummarize   PendingMessageType = "summarize"
)

// PendingStatus represents the claim-confirm state of a queued message.
type PendingStatus string

const (
	PendingStatusPending    PendingStatus = "pending"
	PendingStatusProcessing PendingStatus = "processing"
	PendingStatusProcessed  PendingStatus = "processed"
	PendingStatusFailed     PendingStatus = "failed"
	PendingStatusAbandoned  PendingStatus = "abandoned"
)

// PendingMessage is a durable queue row. It is persisted before the enqueue
// call returns so an acknowledged message can never be lost to a crash.
//
// The row carries columns for both message shapes; ToMessage converts it to
// the tagged in-memory representation.
type PendingMessage struct {
	ContentSessionID     string             `db:"content_session_id" json:"contentSessionId"`
	MessageType          PendingMessageType `db:"message_type" json:"messageType"`
	ToolName             string             `db:"tool_name" json:"toolName,omitempty"`
	ToolInput            string             `db:"tool_input" json:"toolInput,omitempty"`
	ToolResponse         string             `db:"tool_response" json:"toolResponse,omitempty"`
	CWD                  string             `db:"cwd" json:"cwd,omitempty"`
	LastAssistantMessage string             `db:"last_assistant_message" json:"lastAssistantMessage,omitempty"`
	Status               PendingStatus      `db:"status" json:"status"`
	ID                   int64              `db:"id" json:"id"`
	SessionDBID          int64              `db:"session_db_id" json:"sessionDbId"`
	PromptNumber         int                `db:"prompt_number" json:"promptNumber"`
	RetryCount           int                `db:"retry_count" json:"retryCount"`
	CreatedAtEpoch       int64              `db:"created_at_epoch" json:"createdAtEpoch"`
	StartedProcessingAt  int64              `db:"started_processing_at_epoch" json:"startedProcessingAtEpoch,omitempty"`
	CompletedAtEpoch     int64              `db:"completed_at_epoch" json:"completedAtEpoch,omitempty"`
	FailedAtEpoch        int64              `db:"failed_at_epoch" json:"failedAtEpoch,omitempty"`
}

// ObservationPayload is the in-memory shape of an observation message.
type ObservationPayload struct {
	ToolName     string
	ToolInput    string
	ToolResponse string
	CWD          string
	PromptNumber int
}

// SummarizePayload is the in-memory shape of a summarize message.
type SummarizePayload struct {
	LastAssistantMessage string
	PromptNumber         int
}

// Message is the tagged in-memory representation of a queue row. Exactly one
// of Observation or Summarize is non-nil, matching Type.
type Message struct {
	Observation *ObservationPayload
	Summarize   *SummarizePayload
	Type        PendingMessageType
}

// ToMessage converts a queue row into the tagged in-memory form.
func (m *PendingMessage) ToMessage() Message {
	switch m.MessageType {
	case PendingSummarize:
		return Message{
			Type: PendingSummarize,
			Summarize: &SummarizePayload{
				LastAssistantMessage: m.LastAssistantMessage,
				PromptNumber:         m.PromptNumber,
			},
		}
	default:
		return Message{
			Type: PendingObservation,
			Observation: &ObservationPayload{
				ToolName:     m.ToolName,
				ToolInput:    m.ToolInput,
				ToolResponse: m.ToolResponse,
				CWD:          m.CWD,
				PromptNumber: m.PromptNumber,
			},
		}
	}
}
