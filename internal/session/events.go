package session

import (
	"sync"

	"github.com/leiMizzou/cc-wf-studio/internal/conversation"
	"github.com/leiMizzou/cc-wf-studio/internal/metrics"
	"github.com/leiMizzou/cc-wf-studio/internal/workflow"
)

type EventType string

const (
	EventMessageAdded    EventType = "message_added"
	EventMessageUpdated  EventType = "message_updated"
	EventMessageRemoved  EventType = "message_removed"
	EventProcessing      EventType = "processing"
	EventHistoryCleared  EventType = "history_cleared"
	EventWorkflowUpdated EventType = "workflow_updated"
	EventDeleted         EventType = "conversation_deleted"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind loses events.
const subscriberBuffer = 64

// Event is what the presentation layer sees of a conversation: message
// content, loading and error flags, iteration counts and the workflow.
type Event struct {
	Type             EventType             `json:"type"`
	ConversationID   string                `json:"conversationId"`
	Message          *conversation.Message `json:"message,omitempty"`
	MessageID        string                `json:"messageId,omitempty"`
	Processing       bool                  `json:"processing"`
	RequestID        string                `json:"requestId,omitempty"`
	CurrentIteration int                   `json:"currentIteration"`
	MaxIterations    int                   `json:"maxIterations"`
	// RemainingIterations is how many more exchanges the budget allows.
	RemainingIterations int                `json:"remainingIterations"`
	Workflow            *workflow.Workflow `json:"workflow,omitempty"`
}

type subscriber struct {
	conversationID string
	ch             chan Event
}

// broker fans events out to subscribers without blocking publishers.
type broker struct {
	mu   sync.Mutex
	next int
	subs map[int]subscriber
}

func newBroker() *broker {
	return &broker{subs: make(map[int]subscriber)}
}

func (b *broker) subscribe(conversationID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	sub := subscriber{conversationID: conversationID, ch: make(chan Event, subscriberBuffer)}
	b.subs[id] = sub
	metrics.EventSubscribers.Inc()

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; !ok {
			return
		}
		delete(b.subs, id)
		close(sub.ch)
		metrics.EventSubscribers.Dec()
	}
}

func (b *broker) publish(events ...Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range events {
		for _, sub := range b.subs {
			if sub.conversationID != "" && sub.conversationID != ev.ConversationID {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
				metrics.EventsDropped.Inc()
			}
		}
	}
}

func (b *broker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
		metrics.EventSubscribers.Dec()
	}
}
