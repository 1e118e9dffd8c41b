package refine

import (
	"time"

	"github.com/leiMizzou/cc-wf-studio/internal/conversation"
	"github.com/leiMizzou/cc-wf-studio/internal/skills"
	"github.com/leiMizzou/cc-wf-studio/internal/workflow"
)

// Request is one refinement attempt. RequestID is fresh for every attempt;
// a retry keeps TargetMessageID so the same agent bubble is resolved.
type Request struct {
	RequestID       string
	ConversationID  string
	UserMessageID   string
	TargetMessageID string
	Workflow        workflow.Workflow
	History         conversation.History
	UserText        string
	// Timeout of zero means the coordinator's default.
	Timeout time.Duration
}

type OutcomeKind string

const (
	OutcomeSuccess       OutcomeKind = "success"
	OutcomeClarification OutcomeKind = "clarification"
	OutcomeFailed        OutcomeKind = "failed"
	OutcomeCancelled     OutcomeKind = "cancelled"
)

// Failure describes a failed outcome.
type Failure struct {
	Kind    conversation.ErrorKind `json:"kind"`
	Message string                 `json:"message"`
	Details string                 `json:"details,omitempty"`
}

// State is a step of the per-request state machine.
type State string

const (
	StateReceived           State = "received"
	StateIterationChecked   State = "iteration_checked"
	StateRejected           State = "rejected"
	StatePrompted           State = "prompted"
	StateDispatched         State = "dispatched"
	StateTimedOut           State = "timed_out"
	StateCancelled          State = "cancelled"
	StateProcessFailed      State = "process_failed"
	StateClassified         State = "classified"
	StateClarificationReady State = "clarification_ready"
	StateParseFailed        State = "parse_failed"
	StateValidated          State = "validated"
	StateValidationFailed   State = "validation_failed"
	StateCommitted          State = "committed"
)

// Outcome is the single result of a Request.
type Outcome struct {
	RequestID string
	Kind      OutcomeKind

	// Success only.
	Workflow      workflow.Workflow
	MissingSkills []skills.Reference

	// Success and clarification.
	AgentMessage   conversation.Message
	UpdatedHistory conversation.History

	// Failed only.
	Failure *Failure

	Trace    []State
	Duration time.Duration
}

// ErrorKind returns the failure kind, or "" for non-failed outcomes.
func (o Outcome) ErrorKind() conversation.ErrorKind {
	if o.Failure == nil {
		return ""
	}
	return o.Failure.Kind
}
