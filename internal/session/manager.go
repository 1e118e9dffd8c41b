// Package session bridges conversations to callers. It owns each open
// conversation's live state, starts refinement requests, applies their
// outcomes and publishes the resulting changes as events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leiMizzou/cc-wf-studio/internal/conversation"
	"github.com/leiMizzou/cc-wf-studio/internal/refine"
	"github.com/leiMizzou/cc-wf-studio/internal/storage"
	"github.com/leiMizzou/cc-wf-studio/internal/workflow"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrBusy         = errors.New("a refinement is already in progress for this conversation")
	ErrNotOpen      = errors.New("conversation is not open")
	ErrNotRetryable = errors.New("message cannot be retried")
	ErrClosed       = errors.New("session manager is shut down")
)

// Refiner produces exactly one outcome per request. Implemented by
// refine.Coordinator.
type Refiner interface {
	Refine(ctx context.Context, req refine.Request) refine.Outcome
}

// Canceller terminates the process of a request. Implemented by
// agent.Supervisor.
type Canceller interface {
	Cancel(requestID string) bool
}

// Repository persists conversations and the run audit log. Implemented by
// storage.Store.
type Repository interface {
	LoadConversation(id string) (storage.Conversation, error)
	SaveConversation(h conversation.History, wf *workflow.Workflow) error
	DeleteConversation(id string) error
	SaveRun(r storage.Run) error
}

type Options struct {
	// Timeout is the budget of every request, first attempts and retries alike.
	Timeout       time.Duration
	MaxIterations int
	Repository    Repository
	Canceller     Canceller
	Logger        *slog.Logger
}

// Ticket identifies a started request. Done is closed once its outcome has
// been applied to the conversation.
type Ticket struct {
	RequestID string          `json:"requestId"`
	MessageID string          `json:"messageId"`
	Done      <-chan struct{} `json:"-"`
}

// Manager owns every open conversation.
type Manager struct {
	refiner       Refiner
	canceller     Canceller
	repo          Repository
	timeout       time.Duration
	maxIterations int
	logger        *slog.Logger
	events        *broker
	now           func() time.Time
	newID         func() string

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	requests map[string]*inflight
	closed   bool
}

func NewManager(refiner Refiner, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = conversation.DefaultMaxIterations
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		refiner:       refiner,
		canceller:     opts.Canceller,
		repo:          opts.Repository,
		timeout:       opts.Timeout,
		maxIterations: opts.MaxIterations,
		logger:        opts.Logger,
		events:        newBroker(),
		now:           time.Now,
		newID:         uuid.NewString,
		ctx:           ctx,
		stop:          stop,
		sessions:      make(map[string]*session),
		requests:      make(map[string]*inflight),
	}
}

// Timeout is the effective timeout applied to every request.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// Subscribe streams events of conversationID, or of every conversation when
// conversationID is empty. The returned function ends the subscription.
func (m *Manager) Subscribe(conversationID string) (<-chan Event, func()) {
	return m.events.subscribe(conversationID)
}

// lookup returns the open session for id, loading it from the repository
// when it is not in memory. With create set, an unknown id starts a new
// conversation instead of failing with ErrNotOpen.
func (m *Manager) lookup(id string, create bool) (*session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("conversation id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}

	now := m.now()
	s := &session{id: id}
	found, dirty := false, false
	if m.repo != nil {
		c, err := m.repo.LoadConversation(id)
		switch {
		case err == nil:
			s.history, s.workflow = c.History, c.Workflow
			found = true
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("loading conversation %s: %w", id, err)
		}
	}
	if !found {
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrNotOpen, id)
		}
		s.history = conversation.New(id, m.maxIterations, now)
		dirty = true
	}

	// A placeholder that survived a restart will never be resolved.
	if h, changed := s.history.Interrupted(now); changed {
		m.logger.Warn("recovered interrupted requests", "conversation_id", id)
		s.history = h
		dirty = true
	}
	m.sessions[id] = s
	if dirty {
		m.persist(s)
	}
	return s, nil
}

// Open makes conversationID live, creating it if needed. A non-nil wf
// replaces the conversation's workflow.
func (m *Manager) Open(conversationID string, wf *workflow.Workflow) (Snapshot, error) {
	s, err := m.lookup(conversationID, true)
	if err != nil {
		return Snapshot{}, err
	}
	if wf != nil {
		if err := m.setWorkflow(s, *wf); err != nil {
			return Snapshot{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// View returns the state of an open or persisted conversation.
func (m *Manager) View(conversationID string) (Snapshot, error) {
	s, err := m.lookup(conversationID, false)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// SetWorkflow replaces the conversation's workflow. It is rejected while a
// request is live so an outcome never lands on a different document.
func (m *Manager) SetWorkflow(conversationID string, wf workflow.Workflow) error {
	s, err := m.lookup(conversationID, true)
	if err != nil {
		return err
	}
	return m.setWorkflow(s, wf)
}

func (m *Manager) setWorkflow(s *session, wf workflow.Workflow) error {
	cp, err := wf.Clone()
	if err != nil {
		return fmt.Errorf("copying workflow: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return fmt.Errorf("%w: %s", ErrNotOpen, s.id)
	}
	if s.live != nil {
		return ErrBusy
	}
	s.workflow = &cp
	s.history.UpdatedAt = m.now()
	m.persist(s)
	ev := s.event(EventWorkflowUpdated)
	ev.Workflow = &cp
	m.events.publish(ev)
	return nil
}

// Conversations returns the ids of open conversations, sorted.
func (m *Manager) Conversations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Submit appends the user message and a loading placeholder, then refines
// in the background. When the iteration budget is exhausted the request
// fails synchronously with an error wrapping conversation.ErrIterationLimit
// and no agent is started.
func (m *Manager) Submit(conversationID, text string) (Ticket, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Ticket{}, ErrEmptyMessage
	}
	s, err := m.lookup(conversationID, true)
	if err != nil {
		return Ticket{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return Ticket{}, fmt.Errorf("%w: %s", ErrNotOpen, s.id)
	}
	if s.live != nil {
		return Ticket{}, ErrBusy
	}

	now := m.now()
	userID, targetID := m.newID(), m.newID()
	h, err := s.history.AppendUser(conversation.UserMessage(userID, text, now), now)
	if err != nil {
		return Ticket{}, err
	}
	if h, err = h.AppendLoadingPlaceholder(targetID, now); err != nil {
		return Ticket{}, err
	}
	s.history = h

	req := refine.Request{
		RequestID:       m.newID(),
		ConversationID:  s.id,
		UserMessageID:   userID,
		TargetMessageID: targetID,
		UserText:        text,
	}
	return m.start(s, req, false)
}

// Retry re-sends the user text that produced the errored agent message
// messageID. The same bubble is resolved in place under a fresh request id.
func (m *Manager) Retry(conversationID, messageID string) (Ticket, error) {
	s, err := m.lookup(conversationID, false)
	if err != nil {
		return Ticket{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return Ticket{}, fmt.Errorf("%w: %s", ErrNotOpen, s.id)
	}
	if s.live != nil {
		return Ticket{}, ErrBusy
	}
	msg, ok := s.history.Find(messageID)
	if !ok {
		return Ticket{}, fmt.Errorf("%w: %s", conversation.ErrMessageNotFound, messageID)
	}
	if msg.Sender != conversation.SenderAgent || !msg.IsError || !msg.ErrorKind.Retryable() {
		return Ticket{}, fmt.Errorf("%w: %s", ErrNotRetryable, messageID)
	}
	user, ok := s.history.PrecedingUser(messageID)
	if !ok {
		return Ticket{}, fmt.Errorf("%w: no user message precedes %s", ErrNotRetryable, messageID)
	}

	h, err := s.history.ResetToLoading(messageID, m.now())
	if err != nil {
		return Ticket{}, err
	}
	s.history = h

	req := refine.Request{
		RequestID:       m.newID(),
		ConversationID:  s.id,
		UserMessageID:   user.ID,
		TargetMessageID: messageID,
		UserText:        user.Content,
	}
	return m.start(s, req, true)
}

// start hands req to the Refiner. Called with s.mu held and the target
// placeholder already in s.history.
func (m *Manager) start(s *session, req refine.Request, retry bool) (Ticket, error) {
	req.History = s.history
	req.Timeout = m.timeout
	if s.workflow != nil {
		req.Workflow = *s.workflow
	}

	ctx, cancel := context.WithCancel(m.ctx)
	l := &inflight{
		requestID:      req.RequestID,
		conversationID: s.id,
		retry:          retry,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	s.live = l
	m.persist(s)

	var events []Event
	if retry {
		events = append(events, s.messageEvent(EventMessageUpdated, req.TargetMessageID))
	} else {
		events = append(events,
			s.messageEvent(EventMessageAdded, req.UserMessageID),
			s.messageEvent(EventMessageAdded, req.TargetMessageID))
	}
	m.events.publish(append(events, s.event(EventProcessing))...)

	log := m.logger.With("conversation_id", s.id, "request_id", req.RequestID)
	ticket := Ticket{RequestID: req.RequestID, MessageID: req.TargetMessageID, Done: l.done}

	if s.history.AtLimit() {
		out := m.refiner.Refine(ctx, req)
		m.apply(s, l, req, out)
		cancel()
		close(l.done)
		log.Info("submit rejected", "reason", out.ErrorKind())
		if out.ErrorKind() == conversation.ErrIterationLimitReached {
			return ticket, fmt.Errorf("%w: %d/%d", conversation.ErrIterationLimit,
				s.history.CurrentIteration, s.history.MaxIterations)
		}
		return ticket, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		m.apply(s, l, req, refine.Outcome{RequestID: req.RequestID, Kind: refine.OutcomeCancelled})
		close(l.done)
		return Ticket{}, ErrClosed
	}
	m.requests[req.RequestID] = l
	m.wg.Add(1)
	m.mu.Unlock()

	log.Info("refinement started", "retry", retry, "timeout", req.Timeout)
	go m.run(ctx, s, l, req)
	return ticket, nil
}

func (m *Manager) run(ctx context.Context, s *session, l *inflight, req refine.Request) {
	defer m.wg.Done()

	out := m.refiner.Refine(ctx, req)
	l.cancel()

	// Past this point there is no process left to cancel.
	m.mu.Lock()
	delete(m.requests, l.requestID)
	m.mu.Unlock()

	s.mu.Lock()
	m.apply(s, l, req, out)
	s.mu.Unlock()
	close(l.done)
}

// apply folds out into the session. Called with s.mu held.
func (m *Manager) apply(s *session, l *inflight, req refine.Request, out refine.Outcome) {
	log := m.logger.With("conversation_id", s.id, "request_id", req.RequestID)
	if s.live != l {
		log.Warn("discarding stale outcome", "outcome", out.Kind)
		return
	}
	s.live = nil
	now := m.now()
	var events []Event

	switch out.Kind {
	case refine.OutcomeSuccess, refine.OutcomeClarification:
		user, ok := s.history.Find(req.UserMessageID)
		if !ok {
			user = conversation.UserMessage(req.UserMessageID, req.UserText, now)
		}
		h, err := s.history.Append(user, out.AgentMessage, now)
		if err != nil {
			log.Error("applying outcome", "error", err)
			s.history = m.markError(s.history, req.TargetMessageID, conversation.ErrUnknown, "Could not record the exchange.", now)
			events = append(events, s.messageEvent(EventMessageUpdated, req.TargetMessageID))
			break
		}
		s.history = h
		events = append(events, s.messageEvent(EventMessageUpdated, req.TargetMessageID))
		if out.Kind == refine.OutcomeSuccess {
			wf := out.Workflow
			s.workflow = &wf
			ev := s.event(EventWorkflowUpdated)
			ev.Workflow = &wf
			events = append(events, ev)
		}

	case refine.OutcomeFailed:
		f := out.Failure
		if f == nil {
			f = &refine.Failure{Kind: conversation.ErrUnknown, Message: "Refinement failed."}
		}
		if f.Kind == conversation.ErrConversationBusy {
			// Nothing was attempted; leave no trace of the request.
			s.history = s.history.Remove(req.TargetMessageID, now)
			events = append(events, s.messageEvent(EventMessageRemoved, req.TargetMessageID))
			if !l.retry {
				s.history = s.history.Remove(req.UserMessageID, now)
				events = append(events, s.messageEvent(EventMessageRemoved, req.UserMessageID))
			}
			break
		}
		s.history = m.markError(s.history, req.TargetMessageID, f.Kind, f.Message, now)
		events = append(events, s.messageEvent(EventMessageUpdated, req.TargetMessageID))

	case refine.OutcomeCancelled:
		s.history = s.history.Remove(req.TargetMessageID, now)
		events = append(events, s.messageEvent(EventMessageRemoved, req.TargetMessageID))
	}

	m.persist(s)
	m.saveRun(req, out, now)
	events = append(events, s.event(EventProcessing))
	m.events.publish(events...)
	log.Info("outcome applied", "outcome", out.Kind, "error_kind", out.ErrorKind(), "iteration", s.history.CurrentIteration)
}

func (m *Manager) markError(h conversation.History, id string, kind conversation.ErrorKind, msg string, now time.Time) conversation.History {
	out, err := h.MarkError(id, kind, msg, now)
	if err != nil {
		m.logger.Error("marking message failed", "message_id", id, "error", err)
		return h
	}
	return out
}

// Cancel stops request requestID. The outcome removes its placeholder. It
// reports whether a live request was cancelled by this call; repeated and
// unknown ids are a no-op.
func (m *Manager) Cancel(requestID string) bool {
	m.mu.Lock()
	l, ok := m.requests[requestID]
	m.mu.Unlock()
	if !ok || !l.cancelled.CompareAndSwap(false, true) {
		return false
	}
	l.cancel()
	if m.canceller != nil {
		m.canceller.Cancel(requestID)
	}
	m.logger.Info("refinement cancelled", "conversation_id", l.conversationID, "request_id", requestID)
	return true
}

// drain cancels the live request of s, if any, and waits until its outcome
// has been applied. It returns with s.mu held.
func (m *Manager) drain(s *session) {
	for {
		s.mu.Lock()
		l := s.live
		if l == nil {
			return
		}
		s.mu.Unlock()
		m.Cancel(l.requestID)
		<-l.done
	}
}

// Clear cancels any live request and empties the conversation, resetting its
// iteration budget. The conversation id and workflow are kept.
func (m *Manager) Clear(conversationID string) error {
	s, err := m.lookup(conversationID, false)
	if err != nil {
		return err
	}
	m.drain(s)
	defer s.mu.Unlock()
	if s.gone {
		return fmt.Errorf("%w: %s", ErrNotOpen, conversationID)
	}

	s.history = s.history.Clear(m.now())
	m.persist(s)
	m.events.publish(s.event(EventHistoryCleared))
	m.logger.Info("conversation cleared", "conversation_id", s.id)
	return nil
}

// Close cancels any live request and forgets the conversation. Its persisted
// state is kept.
func (m *Manager) Close(conversationID string) error {
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, conversationID)
	}
	m.drain(s)
	defer s.mu.Unlock()
	m.forget(s)
	return nil
}

// Delete cancels any live request and removes the conversation, persisted
// state included. Its runs stay in the audit log.
func (m *Manager) Delete(conversationID string) error {
	s, err := m.lookup(conversationID, false)
	if err != nil {
		return err
	}
	m.drain(s)
	defer s.mu.Unlock()
	if s.gone {
		return fmt.Errorf("%w: %s", ErrNotOpen, conversationID)
	}

	if m.repo != nil {
		if err := m.repo.DeleteConversation(conversationID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("deleting conversation %s: %w", conversationID, err)
		}
	}
	m.forget(s)
	m.events.publish(s.event(EventDeleted))
	m.logger.Info("conversation deleted", "conversation_id", s.id)
	return nil
}

// forget drops s from the open set. Called with s.mu held.
func (m *Manager) forget(s *session) {
	s.gone = true
	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
}

// Shutdown cancels every live request and waits for their outcomes to be
// applied, or for ctx to end. Later calls fail with ErrClosed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := make([]string, 0, len(m.requests))
	for id := range m.requests {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Cancel(id)
	}
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.events.closeAll()
	return nil
}

func (m *Manager) persist(s *session) {
	if m.repo == nil {
		return
	}
	if err := m.repo.SaveConversation(s.history, s.workflow); err != nil {
		m.logger.Error("persisting conversation", "conversation_id", s.id, "error", err)
	}
}

func (m *Manager) saveRun(req refine.Request, out refine.Outcome, now time.Time) {
	if m.repo == nil {
		return
	}
	trace := make([]string, len(out.Trace))
	for i, st := range out.Trace {
		trace[i] = string(st)
	}
	run := storage.Run{
		ID:             req.RequestID,
		ConversationID: req.ConversationID,
		MessageID:      req.TargetMessageID,
		UserText:       req.UserText,
		Outcome:        string(out.Kind),
		ErrorKind:      string(out.ErrorKind()),
		Trace:          trace,
		DurationMs:     out.Duration.Milliseconds(),
		CreatedAt:      now,
	}
	if out.Failure != nil {
		run.ErrorMessage = out.Failure.Message
	}
	if err := m.repo.SaveRun(run); err != nil {
		m.logger.Error("recording run", "request_id", req.RequestID, "error", err)
	}
}
