package conversation

import "time"

type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// ErrorKind classifies why an agent message ended in error.
type ErrorKind string

const (
	ErrExecutableNotFound    ErrorKind = "EXECUTABLE_NOT_FOUND"
	ErrTimeout               ErrorKind = "TIMEOUT"
	ErrProcessFailure        ErrorKind = "PROCESS_FAILURE"
	ErrParse                 ErrorKind = "PARSE_ERROR"
	ErrValidation            ErrorKind = "VALIDATION_ERROR"
	ErrIterationLimitReached ErrorKind = "ITERATION_LIMIT_REACHED"
	ErrConversationBusy      ErrorKind = "CONVERSATION_BUSY"
	ErrUnknown               ErrorKind = "UNKNOWN"
)

// Retryable reports whether resending the same request can succeed without
// an out-of-band fix (installing the agent, clearing history).
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrTimeout, ErrProcessFailure, ErrParse, ErrValidation, ErrUnknown:
		return true
	default:
		return false
	}
}

// LoadingText is the placeholder content of an agent message awaiting its result.
const LoadingText = "Refining workflow..."

type Message struct {
	ID        string    `json:"id"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsLoading bool      `json:"isLoading,omitempty"`
	IsError   bool      `json:"isError,omitempty"`
	ErrorKind ErrorKind `json:"errorKind,omitempty"`
}

// UserMessage returns a finalized user message.
func UserMessage(id, content string, now time.Time) Message {
	return Message{ID: id, Sender: SenderUser, Content: content, Timestamp: now}
}

// AgentMessage returns a finalized agent message.
func AgentMessage(id, content string, now time.Time) Message {
	return Message{ID: id, Sender: SenderAgent, Content: content, Timestamp: now}
}

// Settled reports whether the message carries final, non-error content.
func (m Message) Settled() bool {
	return !m.IsLoading && !m.IsError
}
