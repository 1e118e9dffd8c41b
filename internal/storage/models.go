package storage

import (
	"errors"
	"time"

	"github.com/leiMizzou/cc-wf-studio/internal/conversation"
	"github.com/leiMizzou/cc-wf-studio/internal/workflow"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Conversation is a persisted conversation: its history and the workflow
// it refines. Workflow is nil until one has been attached.
type Conversation struct {
	History  conversation.History
	Workflow *workflow.Workflow
}

// ConversationSummary is a row of ListConversations.
type ConversationSummary struct {
	ID               string
	Messages         int
	CurrentIteration int
	MaxIterations    int
	UpdatedAt        time.Time
}

// Run is the audit record of one refinement request.
type Run struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	UserText       string    `json:"userText"`
	Outcome        string    `json:"outcome"` // "success", "clarification", "failed", "cancelled"
	ErrorKind      string    `json:"errorKind,omitempty"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	Trace          []string  `json:"trace"`
	DurationMs     int64     `json:"durationMs"`
	CreatedAt      time.Time `json:"createdAt"`
}
