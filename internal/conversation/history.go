// Package conversation models one conversation's message log and iteration
// budget. Every operation is a pure transformation: it returns a new History
// and never mutates or aliases the receiver's message slice.
package conversation

import (
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is the persisted layout version of History.
const SchemaVersion = 1

// DefaultMaxIterations bounds the number of committed exchanges.
const DefaultMaxIterations = 20

var (
	ErrIterationLimit  = errors.New("iteration limit reached")
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidMessage  = errors.New("invalid message")
)

type History struct {
	ConversationID   string    `json:"conversationId"`
	SchemaVersion    int       `json:"schemaVersion"`
	Messages         []Message `json:"messages"`
	CurrentIteration int       `json:"currentIteration"`
	MaxIterations    int       `json:"maxIterations"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// New returns an empty history for conversationID.
func New(conversationID string, maxIterations int, now time.Time) History {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return History{
		ConversationID: conversationID,
		SchemaVersion:  SchemaVersion,
		Messages:       []Message{},
		MaxIterations:  maxIterations,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (h History) clone() History {
	out := h
	out.Messages = make([]Message, len(h.Messages))
	copy(out.Messages, h.Messages)
	return out
}

// AtLimit reports whether no further exchange may be committed.
func (h History) AtLimit() bool {
	return h.CurrentIteration >= h.MaxIterations
}

// Remaining is the number of exchanges left before the limit.
func (h History) Remaining() int {
	if r := h.MaxIterations - h.CurrentIteration; r > 0 {
		return r
	}
	return 0
}

func (h History) index(id string) int {
	for i, m := range h.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// Find returns the message with the given id.
func (h History) Find(id string) (Message, bool) {
	if i := h.index(id); i >= 0 {
		return h.Messages[i], true
	}
	return Message{}, false
}

// PrecedingUser returns the user message immediately before the agent
// message id, which is the request that agent message answers.
func (h History) PrecedingUser(id string) (Message, bool) {
	i := h.index(id)
	for j := i - 1; j >= 0; j-- {
		if h.Messages[j].Sender == SenderUser {
			return h.Messages[j], true
		}
	}
	return Message{}, false
}

// Append commits one user/agent exchange and increments the iteration by
// exactly one. A message whose id is already in the log (the in-flight user
// bubble or placeholder) is finalized in place; otherwise it is pushed.
func (h History) Append(user, agent Message, now time.Time) (History, error) {
	if h.AtLimit() {
		return h, fmt.Errorf("%w: %d/%d", ErrIterationLimit, h.CurrentIteration, h.MaxIterations)
	}
	if user.ID == "" || user.Sender != SenderUser {
		return h, fmt.Errorf("%w: user message must have an id and sender %q", ErrInvalidMessage, SenderUser)
	}
	if agent.ID == "" || agent.Sender != SenderAgent {
		return h, fmt.Errorf("%w: agent message must have an id and sender %q", ErrInvalidMessage, SenderAgent)
	}

	out := h.clone()
	for _, m := range []Message{user, agent} {
		m.IsLoading = false
		m.IsError = false
		m.ErrorKind = ""
		if i := out.index(m.ID); i >= 0 {
			out.Messages[i] = m
		} else {
			out.Messages = append(out.Messages, m)
		}
	}
	out.CurrentIteration++
	out.UpdatedAt = now
	return out, nil
}

// AppendUser pushes a user message without committing an exchange.
func (h History) AppendUser(m Message, now time.Time) (History, error) {
	if m.ID == "" || m.Sender != SenderUser {
		return h, fmt.Errorf("%w: user message must have an id and sender %q", ErrInvalidMessage, SenderUser)
	}
	if h.index(m.ID) >= 0 {
		return h, fmt.Errorf("%w: duplicate id %s", ErrInvalidMessage, m.ID)
	}
	out := h.clone()
	out.Messages = append(out.Messages, m)
	out.UpdatedAt = now
	return out, nil
}

// AppendLoadingPlaceholder pushes an agent message in the loading state.
func (h History) AppendLoadingPlaceholder(id string, now time.Time) (History, error) {
	if id == "" {
		return h, fmt.Errorf("%w: placeholder id is empty", ErrInvalidMessage)
	}
	if h.index(id) >= 0 {
		return h, fmt.Errorf("%w: duplicate id %s", ErrInvalidMessage, id)
	}
	out := h.clone()
	out.Messages = append(out.Messages, Message{
		ID:        id,
		Sender:    SenderAgent,
		Content:   LoadingText,
		Timestamp: now,
		IsLoading: true,
	})
	out.UpdatedAt = now
	return out, nil
}

func (h History) update(id string, now time.Time, fn func(m *Message)) (History, error) {
	i := h.index(id)
	if i < 0 {
		return h, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	out := h.clone()
	fn(&out.Messages[i])
	out.UpdatedAt = now
	return out, nil
}

// ResolvePlaceholder sets final content on message id and clears its loading
// and error state. The iteration counter is not touched.
func (h History) ResolvePlaceholder(id, content string, now time.Time) (History, error) {
	return h.update(id, now, func(m *Message) {
		m.Content = content
		m.Timestamp = now
		m.IsLoading = false
		m.IsError = false
		m.ErrorKind = ""
	})
}

// MarkError flags message id as failed with kind. A placeholder's content is
// replaced by summary; settled content is kept when summary is empty.
func (h History) MarkError(id string, kind ErrorKind, summary string, now time.Time) (History, error) {
	return h.update(id, now, func(m *Message) {
		if summary != "" || m.IsLoading {
			m.Content = summary
		}
		m.IsLoading = false
		m.IsError = true
		m.ErrorKind = kind
	})
}

// ResetToLoading turns an errored agent message back into a placeholder so a
// retry resolves the same bubble.
func (h History) ResetToLoading(id string, now time.Time) (History, error) {
	i := h.index(id)
	if i < 0 {
		return h, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if h.Messages[i].Sender != SenderAgent {
		return h, fmt.Errorf("%w: %s is not an agent message", ErrInvalidMessage, id)
	}
	return h.update(id, now, func(m *Message) {
		m.Content = LoadingText
		m.IsLoading = true
		m.IsError = false
		m.ErrorKind = ""
	})
}

// Remove erases message id without trace. Removing an absent id is a no-op.
func (h History) Remove(id string, now time.Time) History {
	i := h.index(id)
	if i < 0 {
		return h
	}
	out := h.clone()
	out.Messages = append(out.Messages[:i], out.Messages[i+1:]...)
	out.UpdatedAt = now
	return out
}

// Clear empties the log and resets the iteration counter, keeping the
// conversation identity and limit.
func (h History) Clear(now time.Time) History {
	out := h
	out.Messages = []Message{}
	out.CurrentIteration = 0
	out.UpdatedAt = now
	return out
}

// Settled returns messages belonging to completed exchanges, in order.
// Loading and errored messages are skipped, as are user messages whose
// answer is not settled.
func (h History) Settled() []Message {
	var out []Message
	for i, m := range h.Messages {
		if !m.Settled() {
			continue
		}
		if m.Sender == SenderUser {
			if i+1 >= len(h.Messages) {
				continue
			}
			next := h.Messages[i+1]
			if next.Sender != SenderAgent || !next.Settled() {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// Interrupted marks placeholders left over from a previous process as
// failed. It reports whether anything changed.
func (h History) Interrupted(now time.Time) (History, bool) {
	changed := false
	out := h.clone()
	for i := range out.Messages {
		if out.Messages[i].IsLoading {
			out.Messages[i].IsLoading = false
			out.Messages[i].IsError = true
			out.Messages[i].ErrorKind = ErrUnknown
			out.Messages[i].Content = "Request was interrupted before it finished."
			changed = true
		}
	}
	if !changed {
		return h, false
	}
	out.UpdatedAt = now
	return out, true
}
