package session

import (
	"sync"
	"sync/atomic"

	"github.com/leiMizzou/cc-wf-studio/internal/conversation"
	"github.com/leiMizzou/cc-wf-studio/internal/workflow"
)

// Snapshot is a read-only copy of one conversation's live state.
type Snapshot struct {
	ConversationID string               `json:"conversationId"`
	History        conversation.History `json:"history"`
	Workflow       *workflow.Workflow   `json:"workflow,omitempty"`
	Processing     bool                 `json:"processing"`
	RequestID      string               `json:"requestId,omitempty"`
}

// inflight is the live request of a session.
type inflight struct {
	requestID      string
	conversationID string
	// retry is set when the target message existed before the request.
	retry     bool
	cancel    func()
	cancelled atomic.Bool
	done      chan struct{}
}

// session is one open conversation. All fields are guarded by mu.
type session struct {
	mu       sync.Mutex
	id       string
	history  conversation.History
	workflow *workflow.Workflow
	live     *inflight
	// gone is set once the session has been closed or deleted. Callers that
	// looked it up earlier must not revive it.
	gone bool
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		ConversationID: s.id,
		History:        s.history,
		Processing:     s.live != nil,
	}
	snap.History.Messages = append([]conversation.Message(nil), s.history.Messages...)
	if snap.History.Messages == nil {
		snap.History.Messages = []conversation.Message{}
	}
	if s.workflow != nil {
		if wf, err := s.workflow.Clone(); err == nil {
			snap.Workflow = &wf
		}
	}
	if s.live != nil {
		snap.RequestID = s.live.requestID
	}
	return snap
}

func (s *session) event(t EventType) Event {
	ev := Event{
		Type:                t,
		ConversationID:      s.id,
		Processing:          s.live != nil,
		CurrentIteration:    s.history.CurrentIteration,
		MaxIterations:       s.history.MaxIterations,
		RemainingIterations: s.history.Remaining(),
	}
	if s.live != nil {
		ev.RequestID = s.live.requestID
	}
	return ev
}

func (s *session) messageEvent(t EventType, id string) Event {
	ev := s.event(t)
	ev.MessageID = id
	if m, ok := s.history.Find(id); ok {
		ev.Message = &m
	}
	return ev
}
