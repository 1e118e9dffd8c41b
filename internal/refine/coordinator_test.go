package refine

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/leiMizzou/cc-wf-studio/internal/agent"
	"github.com/leiMizzou/cc-wf-studio/internal/conversation"
	"github.com/leiMizzou/cc-wf-studio/internal/skills"
	"github.com/leiMizzou/cc-wf-studio/internal/workflow"
)

// mockExecutor is a test double for Executor.
type mockExecutor struct {
	mu      sync.Mutex
	output  string
	err     error
	calls   int
	prompts []string
	timeout time.Duration
	block   chan struct{}
	started chan struct{}
}

func (m *mockExecutor) Execute(ctx context.Context, prompt string, timeout time.Duration, requestID string) (agent.Result, error) {
	m.mu.Lock()
	m.calls++
	m.prompts = append(m.prompts, prompt)
	m.timeout = timeout
	block, started := m.block, m.started
	m.mu.Unlock()

	if started != nil {
		close(started)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return agent.Result{}, &agent.Error{Kind: agent.KindCancelled, Message: "cancelled"}
		}
	}
	if m.err != nil {
		return agent.Result{}, m.err
	}
	return agent.Result{Output: m.output}, nil
}

func (m *mockExecutor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type failingCatalog struct{}

func (failingCatalog) ListAvailable(context.Context) ([]skills.Skill, error) {
	return nil, errors.New("disk on fire")
}

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func baseWorkflow() workflow.Workflow {
	return workflow.Workflow{
		ID:   "wf-1",
		Name: "Review",
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.TypeStart, Name: "Start"},
			{ID: "p1", Type: workflow.TypePrompt, Name: "Review", Data: map[string]any{"prompt": "review the diff"}},
			{ID: "end", Type: workflow.TypeEnd, Name: "End"},
		},
		Connections: []workflow.Connection{
			{ID: "c1", From: "start", To: "p1"},
			{ID: "c2", From: "p1", To: "end"},
		},
	}
}

func encode(t *testing.T, w workflow.Workflow) string {
	t.Helper()
	b, err := json.Marshal(w)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

// pendingRequest builds a request whose history already holds the user
// message and loading placeholder, the way the session layer submits it.
func pendingRequest(t *testing.T, text string) Request {
	t.Helper()
	h := conversation.New("conv-1", 20, now)
	h, err := h.AppendUser(conversation.UserMessage("u1", text, now), now)
	if err != nil {
		t.Fatal(err)
	}
	h, err = h.AppendLoadingPlaceholder("a1", now)
	if err != nil {
		t.Fatal(err)
	}
	return Request{
		RequestID:       "req-1",
		ConversationID:  "conv-1",
		UserMessageID:   "u1",
		TargetMessageID: "a1",
		Workflow:        baseWorkflow(),
		History:         h,
		UserText:        text,
	}
}

func newCoordinator(exec Executor, catalog skills.Catalog) *Coordinator {
	c := New(exec, workflow.EmbeddedSchema{}, catalog, Options{Timeout: 90 * time.Second, MaxSkills: 5})
	c.now = func() time.Time { return now }
	return c
}

func TestRefine_IterationLimitShortCircuits(t *testing.T) {
	exec := &mockExecutor{}
	c := newCoordinator(exec, nil)

	req := pendingRequest(t, "add logging")
	req.History.CurrentIteration = 20
	req.History.MaxIterations = 20

	out := c.Refine(context.Background(), req)
	if out.Kind != OutcomeFailed || out.ErrorKind() != conversation.ErrIterationLimitReached {
		t.Fatalf("outcome = %+v, want Failed(ITERATION_LIMIT_REACHED)", out)
	}
	if exec.callCount() != 0 {
		t.Errorf("executor called %d times, want 0", exec.callCount())
	}
	if out.Failure.Kind.Retryable() {
		t.Error("iteration limit must not be retryable")
	}
}

func TestRefine_Clarification(t *testing.T) {
	exec := &mockExecutor{output: "Could you clarify which branch should run first?"}
	c := newCoordinator(exec, nil)

	req := pendingRequest(t, "reorder the branches")
	out := c.Refine(context.Background(), req)

	if out.Kind != OutcomeClarification {
		t.Fatalf("Kind = %s, want clarification (%+v)", out.Kind, out.Failure)
	}
	if out.AgentMessage.ID != "a1" || out.AgentMessage.Content != "Could you clarify which branch should run first?" {
		t.Errorf("AgentMessage = %+v", out.AgentMessage)
	}
	h := out.UpdatedHistory
	if h.CurrentIteration != 1 || len(h.Messages) != 2 {
		t.Fatalf("UpdatedHistory iteration=%d messages=%d", h.CurrentIteration, len(h.Messages))
	}
	if h.Messages[1].IsLoading {
		t.Error("placeholder still loading")
	}
	if req.History.CurrentIteration != 0 || !req.History.Messages[1].IsLoading {
		t.Error("request history was mutated")
	}
	want := []State{StateReceived, StateIterationChecked, StatePrompted, StateDispatched, StateClassified, StateClarificationReady}
	if !reflect.DeepEqual(out.Trace, want) {
		t.Errorf("Trace = %v, want %v", out.Trace, want)
	}
}

func TestRefine_Success(t *testing.T) {
	refined := baseWorkflow()
	refined.Nodes = []workflow.Node{
		refined.Nodes[0],
		refined.Nodes[1],
		{ID: "log", Type: workflow.TypeSkill, Name: "Log", Data: map[string]any{"name": "logger", "scope": "project"}},
		refined.Nodes[2],
	}
	refined.Connections = []workflow.Connection{
		{ID: "c1", From: "start", To: "p1"},
		{ID: "c2", From: "p1", To: "log"},
		{ID: "c3", From: "log", To: "end"},
	}

	exec := &mockExecutor{output: "```json\n" + encode(t, refined) + "\n```"}
	catalog := skills.StaticCatalog{{Name: "logger", Scope: skills.ScopeProject, Description: "Structured logging"}}
	c := newCoordinator(exec, catalog)

	req := pendingRequest(t, "add a logger skill after review")
	before := encode(t, req.Workflow)
	out := c.Refine(context.Background(), req)

	if out.Kind != OutcomeSuccess {
		t.Fatalf("Kind = %s, failure = %+v", out.Kind, out.Failure)
	}
	if len(out.Workflow.Nodes) != 4 {
		t.Errorf("Workflow nodes = %d", len(out.Workflow.Nodes))
	}
	if n, _ := out.Workflow.Node("log"); n.Data["validationStatus"] != skills.StatusValid {
		t.Errorf("skill node not resolved: %+v", n.Data)
	}
	if len(out.MissingSkills) != 0 {
		t.Errorf("MissingSkills = %+v", out.MissingSkills)
	}
	if out.UpdatedHistory.CurrentIteration != 1 {
		t.Errorf("iteration = %d", out.UpdatedHistory.CurrentIteration)
	}
	if !strings.Contains(out.AgentMessage.Content, "4 nodes") {
		t.Errorf("AgentMessage = %q", out.AgentMessage.Content)
	}
	if encode(t, req.Workflow) != before {
		t.Error("request workflow was mutated")
	}
	if exec.timeout != 90*time.Second {
		t.Errorf("timeout = %s, want the canonical default", exec.timeout)
	}
	if !strings.Contains(exec.prompts[0], "- logger (scope: project)") {
		t.Error("ranked skill missing from prompt")
	}
	if out.Trace[len(out.Trace)-1] != StateCommitted {
		t.Errorf("Trace = %v", out.Trace)
	}
}

func TestRefine_MissingSkillIsMarkedNotDropped(t *testing.T) {
	refined := baseWorkflow()
	refined.Nodes[1] = workflow.Node{ID: "p1", Type: workflow.TypeSkill, Name: "Gone", Data: map[string]any{"name": "gone", "scope": "user"}}
	exec := &mockExecutor{output: encode(t, refined)}
	c := newCoordinator(exec, nil)

	out := c.Refine(context.Background(), pendingRequest(t, "use the gone skill"))
	if out.Kind != OutcomeSuccess {
		t.Fatalf("Kind = %s, failure = %+v", out.Kind, out.Failure)
	}
	n, ok := out.Workflow.Node("p1")
	if !ok || n.Data["validationStatus"] != skills.StatusMissing {
		t.Errorf("node = %+v", n)
	}
	if len(out.MissingSkills) != 1 || !strings.Contains(out.AgentMessage.Content, "gone (user)") {
		t.Errorf("missing = %+v, message = %q", out.MissingSkills, out.AgentMessage.Content)
	}
}

func TestRefine_ValidationFailureLeavesStateUntouched(t *testing.T) {
	bad := baseWorkflow()
	bad.Nodes[1].Data["outputPorts"] = 3
	exec := &mockExecutor{output: encode(t, bad)}
	c := newCoordinator(exec, nil)

	req := pendingRequest(t, "split review into three")
	wfBefore := encode(t, req.Workflow)
	histBefore, _ := json.Marshal(req.History)

	out := c.Refine(context.Background(), req)
	if out.Kind != OutcomeFailed || out.ErrorKind() != conversation.ErrValidation {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(out.Failure.Message, `"p1"`) || !strings.Contains(out.Failure.Message, workflow.RulePortCount) {
		t.Errorf("Failure.Message = %q, want node id and rule", out.Failure.Message)
	}
	if encode(t, req.Workflow) != wfBefore {
		t.Error("workflow changed after validation failure")
	}
	if histAfter, _ := json.Marshal(req.History); string(histAfter) != string(histBefore) {
		t.Error("history changed after validation failure")
	}
	if out.UpdatedHistory.ConversationID != "" {
		t.Error("failed outcome carries an updated history")
	}
}

func TestRefine_TopLevelPortCountFailsValidation(t *testing.T) {
	exec := &mockExecutor{output: `{"id":"wf-1","name":"Review","nodes":[
		{"id":"start","type":"start","name":"Start"},
		{"id":"p1","type":"prompt","name":"Review","outputPorts":3,"data":{"prompt":"do"}},
		{"id":"end","type":"end","name":"End"}],
		"connections":[{"id":"c1","from":"start","to":"p1"},{"id":"c2","from":"p1","to":"end"}]}`}

	out := newCoordinator(exec, nil).Refine(context.Background(), pendingRequest(t, "give review three outputs"))
	if out.Kind != OutcomeFailed || out.ErrorKind() != conversation.ErrValidation {
		t.Fatalf("outcome = %+v, want VALIDATION_ERROR", out)
	}
	if !strings.Contains(out.Failure.Message, `"p1"`) || !strings.Contains(out.Failure.Message, workflow.RulePortCount) {
		t.Errorf("Failure.Message = %q, want node id and rule", out.Failure.Message)
	}
}

func TestRefine_ParseError(t *testing.T) {
	exec := &mockExecutor{output: "Done! I made the changes you asked for."}
	out := newCoordinator(exec, nil).Refine(context.Background(), pendingRequest(t, "x"))
	if out.ErrorKind() != conversation.ErrParse {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(out.Failure.Details, "Done!") {
		t.Errorf("Details = %q", out.Failure.Details)
	}
}

// truncatingExecutor returns output cut off at the capture limit.
type truncatingExecutor struct{ output string }

func (e truncatingExecutor) Execute(context.Context, string, time.Duration, string) (agent.Result, error) {
	return agent.Result{Output: e.output, Truncated: true}, nil
}

func TestRefine_TruncatedOutputIsNamedInDetails(t *testing.T) {
	out := newCoordinator(truncatingExecutor{output: `{"id":"wf-1","nodes":[{"id":"st`}, nil).
		Refine(context.Background(), pendingRequest(t, "x"))
	if out.ErrorKind() != conversation.ErrParse {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(out.Failure.Details, "cut off") {
		t.Errorf("Details = %q, want the truncation named", out.Failure.Details)
	}
}

func TestRefine_ParseErrorDetailsKeepRunesWhole(t *testing.T) {
	exec := &mockExecutor{output: strings.Repeat("é", 600)}
	out := newCoordinator(exec, nil).Refine(context.Background(), pendingRequest(t, "x"))
	if out.ErrorKind() != conversation.ErrParse {
		t.Fatalf("outcome = %+v", out)
	}
	if !utf8.ValidString(out.Failure.Details) {
		t.Errorf("Details is not valid UTF-8: %q", out.Failure.Details)
	}
	if !strings.HasSuffix(out.Failure.Details, strings.Repeat("é", 500)+"...") {
		t.Errorf("Details does not end with a 500-rune excerpt")
	}
}

func TestRefine_SupervisorFailureMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind OutcomeKind
		want conversation.ErrorKind
	}{
		{"not found", &agent.Error{Kind: agent.KindNotFound, Message: "no claude"}, OutcomeFailed, conversation.ErrExecutableNotFound},
		{"timeout", &agent.Error{Kind: agent.KindTimeout, Message: "slow"}, OutcomeFailed, conversation.ErrTimeout},
		{"exit", &agent.Error{Kind: agent.KindProcessFailed, Message: "agent exited with status 2", ExitCode: 2}, OutcomeFailed, conversation.ErrProcessFailure},
		{"unknown", &agent.Error{Kind: agent.KindUnknown, Message: "?"}, OutcomeFailed, conversation.ErrUnknown},
		{"plain error", errors.New("weird"), OutcomeFailed, conversation.ErrUnknown},
		{"cancelled", &agent.Error{Kind: agent.KindCancelled, Message: "bye"}, OutcomeCancelled, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &mockExecutor{err: tt.err}
			out := newCoordinator(exec, nil).Refine(context.Background(), pendingRequest(t, "x"))
			if out.Kind != tt.kind || out.ErrorKind() != tt.want {
				t.Fatalf("outcome = %s/%s, want %s/%s", out.Kind, out.ErrorKind(), tt.kind, tt.want)
			}
			if exec.callCount() != 1 {
				t.Errorf("executor called %d times, want exactly 1 (no local retry)", exec.callCount())
			}
		})
	}
}

func TestRefine_TimeoutMessageUsesEffectiveTimeout(t *testing.T) {
	exec := &mockExecutor{err: &agent.Error{Kind: agent.KindTimeout}}
	req := pendingRequest(t, "x")
	req.Timeout = 90 * time.Second
	out := newCoordinator(exec, nil).Refine(context.Background(), req)
	if !strings.Contains(out.Failure.Message, "1m30s") {
		t.Errorf("Failure.Message = %q", out.Failure.Message)
	}
	if exec.timeout != 90*time.Second {
		t.Errorf("timeout = %s", exec.timeout)
	}
}

func TestRefine_RejectsSecondRequestForSameConversation(t *testing.T) {
	exec := &mockExecutor{output: "Would you like more detail?", block: make(chan struct{}), started: make(chan struct{})}
	c := newCoordinator(exec, nil)

	firstReq := pendingRequest(t, "one")
	first := make(chan Outcome, 1)
	go func() { first <- c.Refine(context.Background(), firstReq) }()
	<-exec.started

	if id, busy := c.Busy("conv-1"); !busy || id != "req-1" {
		t.Errorf("Busy = %q, %v", id, busy)
	}

	second := pendingRequest(t, "two")
	second.RequestID = "req-2"
	out := c.Refine(context.Background(), second)
	if out.ErrorKind() != conversation.ErrConversationBusy {
		t.Fatalf("second outcome = %+v, want CONVERSATION_BUSY", out)
	}

	close(exec.block)
	if got := <-first; got.Kind != OutcomeClarification {
		t.Errorf("first outcome = %s", got.Kind)
	}
	if exec.callCount() != 1 {
		t.Errorf("executor called %d times", exec.callCount())
	}
	if _, busy := c.Busy("conv-1"); busy {
		t.Error("conversation still marked busy")
	}
}

func TestRefine_InvalidRequest(t *testing.T) {
	exec := &mockExecutor{}
	c := newCoordinator(exec, nil)

	req := pendingRequest(t, "x")
	req.RequestID = ""
	req.UserText = "  "
	out := c.Refine(context.Background(), req)
	if out.ErrorKind() != conversation.ErrUnknown {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(out.Failure.Details, "request id") || !strings.Contains(out.Failure.Details, "user text") {
		t.Errorf("Details = %q", out.Failure.Details)
	}

	req = pendingRequest(t, "x")
	req.ConversationID = "someone-else"
	if out := c.Refine(context.Background(), req); out.ErrorKind() != conversation.ErrUnknown {
		t.Errorf("mismatched history: %+v", out)
	}
	if exec.callCount() != 0 {
		t.Error("executor called for invalid request")
	}
}

func TestRefine_CancelledBeforeDispatch(t *testing.T) {
	exec := &mockExecutor{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := newCoordinator(exec, nil).Refine(ctx, pendingRequest(t, "x"))
	if out.Kind != OutcomeCancelled {
		t.Fatalf("Kind = %s", out.Kind)
	}
	if exec.callCount() != 0 {
		t.Error("executor called after cancellation")
	}
}

func TestRefine_CatalogFailureDegrades(t *testing.T) {
	exec := &mockExecutor{output: encode(t, baseWorkflow())}
	out := newCoordinator(exec, failingCatalog{}).Refine(context.Background(), pendingRequest(t, "x"))
	if out.Kind != OutcomeSuccess {
		t.Fatalf("Kind = %s, failure = %+v", out.Kind, out.Failure)
	}
}

func TestRefine_MintsMessageIDs(t *testing.T) {
	exec := &mockExecutor{output: "Do you want a summary step?"}
	req := Request{
		RequestID:      "req-1",
		ConversationID: "conv-1",
		Workflow:       baseWorkflow(),
		History:        conversation.New("conv-1", 20, now),
		UserText:       "summarize",
	}
	out := newCoordinator(exec, nil).Refine(context.Background(), req)
	if out.Kind != OutcomeClarification {
		t.Fatalf("Kind = %s", out.Kind)
	}
	msgs := out.UpdatedHistory.Messages
	if len(msgs) != 2 || msgs[0].ID == "" || msgs[1].ID == "" || msgs[0].Content != "summarize" {
		t.Errorf("Messages = %+v", msgs)
	}
}
