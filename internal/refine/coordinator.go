// Package refine orchestrates one refinement request: budget check, prompt,
// agent dispatch, classification, skill resolution, validation and commit.
package refine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leiMizzou/cc-wf-studio/internal/agent"
	"github.com/leiMizzou/cc-wf-studio/internal/classify"
	"github.com/leiMizzou/cc-wf-studio/internal/conversation"
	"github.com/leiMizzou/cc-wf-studio/internal/metrics"
	"github.com/leiMizzou/cc-wf-studio/internal/prompt"
	"github.com/leiMizzou/cc-wf-studio/internal/skills"
	"github.com/leiMizzou/cc-wf-studio/internal/workflow"
)

// Executor runs the agent. Implemented by agent.Supervisor.
type Executor interface {
	Execute(ctx context.Context, prompt string, timeout time.Duration, requestID string) (agent.Result, error)
}

// Options tunes a Coordinator.
type Options struct {
	// Timeout applies to requests that carry none.
	Timeout       time.Duration
	MaxSkills     int
	HistoryWindow int
	Logger        *slog.Logger
}

// Coordinator turns Requests into Outcomes. It admits at most one live
// request per conversation.
type Coordinator struct {
	exec      Executor
	schemas   workflow.SchemaProvider
	catalog   skills.Catalog
	builder   *prompt.Builder
	timeout   time.Duration
	maxSkills int
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]string
}

// New creates a Coordinator. catalog may be nil when no skills are available.
func New(exec Executor, schemas workflow.SchemaProvider, catalog skills.Catalog, opts Options) *Coordinator {
	if catalog == nil {
		catalog = skills.StaticCatalog(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		exec:      exec,
		schemas:   schemas,
		catalog:   catalog,
		builder:   prompt.New(opts.HistoryWindow),
		timeout:   opts.Timeout,
		maxSkills: opts.MaxSkills,
		logger:    opts.Logger,
		now:       time.Now,
		inflight:  make(map[string]string),
	}
}

// Timeout is the budget used for requests without their own.
func (c *Coordinator) Timeout() time.Duration { return c.timeout }

// Busy reports the live request id for conversationID, if any.
func (c *Coordinator) Busy(conversationID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.inflight[conversationID]
	return id, ok
}

func (c *Coordinator) acquire(conversationID, requestID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.inflight[conversationID]; ok {
		return cur, false
	}
	c.inflight[conversationID] = requestID
	return "", true
}

func (c *Coordinator) release(conversationID, requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[conversationID] == requestID {
		delete(c.inflight, conversationID)
	}
}

// run accumulates the trace of one request.
type run struct {
	req   Request
	start time.Time
	trace []State
	log   *slog.Logger
}

func (r *run) enter(s State) {
	r.trace = append(r.trace, s)
	r.log.Debug("refinement state", "state", s)
}

func (r *run) done(o Outcome) Outcome {
	o.RequestID = r.req.RequestID
	o.Trace = r.trace
	o.Duration = time.Since(r.start)
	metrics.RecordRefinement(string(o.Kind), string(o.ErrorKind()), o.Duration)
	if o.Failure != nil {
		r.log.Info("refinement failed", "kind", o.Failure.Kind, "message", o.Failure.Message, "duration", o.Duration)
	} else {
		r.log.Info("refinement finished", "outcome", o.Kind, "duration", o.Duration)
	}
	return o
}

func (r *run) fail(kind conversation.ErrorKind, msg, details string) Outcome {
	return r.done(Outcome{Kind: OutcomeFailed, Failure: &Failure{Kind: kind, Message: msg, Details: details}})
}

func checkRequest(req Request) error {
	var missing []string
	if req.RequestID == "" {
		missing = append(missing, "request id")
	}
	if req.ConversationID == "" {
		missing = append(missing, "conversation id")
	}
	if strings.TrimSpace(req.UserText) == "" {
		missing = append(missing, "user text")
	}
	if len(missing) > 0 {
		return fmt.Errorf("refinement request is missing %s", strings.Join(missing, ", "))
	}
	if req.History.ConversationID != "" && req.History.ConversationID != req.ConversationID {
		return fmt.Errorf("history belongs to conversation %s, not %s", req.History.ConversationID, req.ConversationID)
	}
	return nil
}

// Refine processes req and returns exactly one Outcome. It never mutates
// req.Workflow or req.History; committed state is in the Outcome.
func (c *Coordinator) Refine(ctx context.Context, req Request) Outcome {
	r := &run{
		req:   req,
		start: time.Now(),
		log:   c.logger.With("request_id", req.RequestID, "conversation_id", req.ConversationID),
	}
	r.enter(StateReceived)

	if err := checkRequest(req); err != nil {
		r.log.Error("invalid refinement request", "error", err)
		return r.fail(conversation.ErrUnknown, "Internal error: invalid refinement request.", err.Error())
	}

	if cur, ok := c.acquire(req.ConversationID, req.RequestID); !ok {
		r.enter(StateRejected)
		return r.fail(conversation.ErrConversationBusy,
			"Another refinement is already running for this conversation.",
			fmt.Sprintf("live request %s", cur))
	}
	defer c.release(req.ConversationID, req.RequestID)

	if req.UserMessageID == "" {
		req.UserMessageID = uuid.New().String()
	}
	if req.TargetMessageID == "" {
		req.TargetMessageID = uuid.New().String()
	}

	r.enter(StateIterationChecked)
	if req.History.AtLimit() {
		r.enter(StateRejected)
		return r.fail(conversation.ErrIterationLimitReached,
			fmt.Sprintf("Iteration limit reached (%d/%d). Clear the conversation to continue refining.",
				req.History.CurrentIteration, req.History.MaxIterations), "")
	}

	schema, err := c.schemas.LoadSchema()
	if err != nil {
		r.log.Error("loading workflow schema", "error", err)
		return r.fail(conversation.ErrUnknown, "Could not load the workflow schema.", err.Error())
	}

	available, err := c.catalog.ListAvailable(ctx)
	if err != nil {
		r.log.Warn("skill catalog unavailable, continuing without skills", "error", err)
		available = nil
	}

	text, err := c.builder.Build(prompt.Input{
		Workflow: req.Workflow,
		History:  req.History,
		UserText: req.UserText,
		Schema:   schema,
		Skills:   skills.Rank(req.UserText, available, c.maxSkills),
	})
	if err != nil {
		r.log.Error("building prompt", "error", err)
		return r.fail(conversation.ErrUnknown, "Could not build the prompt.", err.Error())
	}
	tokens := prompt.EstimateTokens(text)
	metrics.RecordPrompt(len(text), tokens)
	r.log.Debug("prompt built", "bytes", len(text), "tokens_estimated", tokens)
	r.enter(StatePrompted)

	if ctx.Err() != nil {
		r.enter(StateCancelled)
		return r.done(Outcome{Kind: OutcomeCancelled})
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	r.enter(StateDispatched)
	res, err := c.exec.Execute(ctx, text, timeout, req.RequestID)
	if err != nil {
		return c.dispatchFailed(r, err, timeout)
	}

	result := classify.Classify(res.Output)
	r.enter(StateClassified)

	switch result.Kind {
	case classify.KindClarification:
		r.log.Debug("agent asked for clarification", "rule", result.Rule)
		return c.commit(r, req, result.Message, StateClarificationReady, OutcomeClarification, workflow.Workflow{}, nil)
	case classify.KindUnparseable:
		r.enter(StateParseFailed)
		details := fmt.Sprintf("%v; output: %s", result.Err, classify.Excerpt(res.Output, 500))
		if res.Truncated {
			details = fmt.Sprintf("agent output exceeded %d bytes and was cut off; %s", len(res.Output), details)
		}
		return r.fail(conversation.ErrParse,
			"The agent's response was not a valid workflow. Try again or rephrase the request.",
			details)
	}

	resolved, missing, err := skills.Resolve(result.Workflow, available)
	if err != nil {
		r.enter(StateValidationFailed)
		return r.fail(conversation.ErrValidation, "The refined workflow could not be processed.", err.Error())
	}
	if err := workflow.Validate(resolved, schema); err != nil {
		r.enter(StateValidationFailed)
		return r.fail(conversation.ErrValidation, "The refined workflow is invalid: "+err.Error(), validationDetails(err))
	}
	r.enter(StateValidated)

	return c.commit(r, req, summarize(resolved, missing), StateCommitted, OutcomeSuccess, resolved, missing)
}

func (c *Coordinator) dispatchFailed(r *run, err error, timeout time.Duration) Outcome {
	var ae *agent.Error
	if !errors.As(err, &ae) {
		r.enter(StateProcessFailed)
		return r.fail(conversation.ErrUnknown, "The agent failed unexpectedly.", err.Error())
	}
	switch ae.Kind {
	case agent.KindCancelled:
		r.enter(StateCancelled)
		return r.done(Outcome{Kind: OutcomeCancelled})
	case agent.KindTimeout:
		r.enter(StateTimedOut)
		return r.fail(conversation.ErrTimeout,
			fmt.Sprintf("The agent did not respond within %s.", timeout), ae.Stderr)
	case agent.KindNotFound:
		r.enter(StateProcessFailed)
		return r.fail(conversation.ErrExecutableNotFound,
			"The agent executable was not found. Install it or set agent.command.", ae.Error())
	case agent.KindProcessFailed:
		r.enter(StateProcessFailed)
		return r.fail(conversation.ErrProcessFailure, ae.Message+".", classify.Excerpt(ae.Stderr, 2000))
	default:
		r.enter(StateProcessFailed)
		return r.fail(conversation.ErrUnknown, "The agent failed unexpectedly.", ae.Error())
	}
}

// commit appends the exchange to a copy of the request's history.
func (c *Coordinator) commit(r *run, req Request, content string, state State, kind OutcomeKind, wf workflow.Workflow, missing []skills.Reference) Outcome {
	now := c.now()
	user, ok := req.History.Find(req.UserMessageID)
	if !ok {
		user = conversation.UserMessage(req.UserMessageID, req.UserText, now)
	}
	agentMsg := conversation.AgentMessage(req.TargetMessageID, content, now)

	updated, err := req.History.Append(user, agentMsg, now)
	if err != nil {
		r.log.Error("committing exchange", "error", err)
		if errors.Is(err, conversation.ErrIterationLimit) {
			return r.fail(conversation.ErrIterationLimitReached, "Iteration limit reached.", err.Error())
		}
		return r.fail(conversation.ErrUnknown, "Could not record the exchange.", err.Error())
	}
	r.enter(state)
	return r.done(Outcome{
		Kind:           kind,
		Workflow:       wf,
		MissingSkills:  missing,
		AgentMessage:   agentMsg,
		UpdatedHistory: updated,
	})
}

func summarize(w workflow.Workflow, missing []skills.Reference) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Updated workflow %q: %d nodes, %d connections.", w.Name, len(w.Nodes), len(w.Connections))
	if len(missing) > 0 {
		names := make([]string, len(missing))
		for i, m := range missing {
			names[i] = fmt.Sprintf("%s (%s)", m.Name, m.Scope)
		}
		fmt.Fprintf(&sb, " Missing skills: %s.", strings.Join(names, ", "))
	}
	return sb.String()
}

func validationDetails(err error) string {
	var ve *workflow.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	lines := make([]string, len(ve.Problems))
	for i, p := range ve.Problems {
		lines[i] = p.String()
	}
	return strings.Join(lines, "\n")
}
