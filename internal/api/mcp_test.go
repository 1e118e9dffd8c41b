package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/leiMizzou/cc-wf-studio/internal/conversation"
	"github.com/leiMizzou/cc-wf-studio/internal/refine"
	"github.com/leiMizzou/cc-wf-studio/internal/session"
	"github.com/leiMizzou/cc-wf-studio/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T, refiner session.Refiner) (MCPDeps, *session.Manager) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mgr := session.NewManager(refiner, session.Options{
		Timeout:       90 * time.Second,
		MaxIterations: 20,
		Repository:    store,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})
	return MCPDeps{Sessions: mgr, Records: store}, mgr
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func failWith(kind conversation.ErrorKind) refinerFunc {
	return func(_ context.Context, req refine.Request) refine.Outcome {
		return refine.Outcome{
			RequestID: req.RequestID,
			Kind:      refine.OutcomeFailed,
			Failure:   &refine.Failure{Kind: kind, Message: "It failed."},
		}
	}
}

// --- tests ---

func TestMCPTool_RefineWorkflow(t *testing.T) {
	deps, _ := newTestMCPDeps(t, refineTo("Refined"))
	handler := mcpRefineWorkflow(deps)

	wf, _ := json.Marshal(testWorkflow("Original"))
	result, err := handler(context.Background(), makeCallToolRequest("refine_workflow", map[string]interface{}{
		"conversation_id": "c1",
		"message":         "rename it",
		"workflow":        string(wf),
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var res refineResult
	if err := json.Unmarshal([]byte(toolText(t, result)), &res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if res.Reply == nil || res.Reply.Content != "Renamed to Refined." {
		t.Errorf("reply = %+v", res.Reply)
	}
	if res.Workflow == nil || res.Workflow.Name != "Refined" {
		t.Errorf("workflow = %+v", res.Workflow)
	}
	if res.CurrentIteration != 1 || res.MaxIterations != 20 {
		t.Errorf("iterations = %d/%d", res.CurrentIteration, res.MaxIterations)
	}
}

func TestMCPTool_RefineWorkflow_Failure(t *testing.T) {
	deps, _ := newTestMCPDeps(t, failWith(conversation.ErrParse))

	result, err := mcpRefineWorkflow(deps)(context.Background(), makeCallToolRequest("refine_workflow", map[string]interface{}{
		"conversation_id": "c1",
		"message":         "rename it",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	if !strings.Contains(toolText(t, result), string(conversation.ErrParse)) {
		t.Errorf("text = %q", toolText(t, result))
	}
}

func TestMCPTool_RefineWorkflow_Validation(t *testing.T) {
	deps, _ := newTestMCPDeps(t, refineTo("x"))
	handler := mcpRefineWorkflow(deps)

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing conversation", map[string]interface{}{"message": "hi"}},
		{"missing message", map[string]interface{}{"conversation_id": "c1"}},
		{"blank message", map[string]interface{}{"conversation_id": "c1", "message": "   "}},
		{"bad workflow", map[string]interface{}{"conversation_id": "c1", "message": "hi", "workflow": "{"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handler(context.Background(), makeCallToolRequest("refine_workflow", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.IsError {
				t.Errorf("expected tool error, got %q", toolText(t, result))
			}
		})
	}
}

func TestMCPTool_RefineWorkflow_CallCancelledCancelsRequest(t *testing.T) {
	deps, mgr := newTestMCPDeps(t, refinerFunc(blockUntilCancelled))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *mcp.CallToolResult)
	go func() {
		result, _ := mcpRefineWorkflow(deps)(ctx, makeCallToolRequest("refine_workflow", map[string]interface{}{
			"conversation_id": "c1",
			"message":         "rename it",
		}))
		done <- result
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := mgr.View("c1")
		if err == nil && snap.Processing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	result := <-done
	if !result.IsError {
		t.Errorf("expected tool error, got %q", toolText(t, result))
	}

	for {
		snap, _ := mgr.View("c1")
		if !snap.Processing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request still live after the call ended")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMCPTool_IterationLimit(t *testing.T) {
	limit := refinerFunc(func(ctx context.Context, req refine.Request) refine.Outcome {
		if req.History.AtLimit() {
			return failWith(conversation.ErrIterationLimitReached)(ctx, req)
		}
		return refineTo("x")(ctx, req)
	})
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	mgr := session.NewManager(limit, session.Options{Timeout: time.Minute, MaxIterations: 1, Repository: store})
	deps := MCPDeps{Sessions: mgr, Records: store}
	handler := mcpRefineWorkflow(deps)

	args := map[string]interface{}{"conversation_id": "c1", "message": "again"}
	if result, _ := handler(context.Background(), makeCallToolRequest("refine_workflow", args)); result.IsError {
		t.Fatalf("first call failed: %s", toolText(t, result))
	}
	result, _ := handler(context.Background(), makeCallToolRequest("refine_workflow", args))
	if !result.IsError || !strings.Contains(toolText(t, result), "clear_conversation") {
		t.Errorf("result = %q", toolText(t, result))
	}

	result, _ = mcpClearConversation(deps)(context.Background(), makeCallToolRequest("clear_conversation", map[string]interface{}{
		"conversation_id": "c1",
	}))
	if result.IsError {
		t.Fatalf("clear failed: %s", toolText(t, result))
	}
	if result, _ = handler(context.Background(), makeCallToolRequest("refine_workflow", args)); result.IsError {
		t.Errorf("call after clear failed: %s", toolText(t, result))
	}
}

func TestMCPTool_RetryMessage(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	deps, _ := newTestMCPDeps(t, refinerFunc(func(ctx context.Context, req refine.Request) refine.Outcome {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return failWith(conversation.ErrTimeout)(ctx, req)
		}
		return refineTo("Second")(ctx, req)
	}))

	result, _ := mcpRefineWorkflow(deps)(context.Background(), makeCallToolRequest("refine_workflow", map[string]interface{}{
		"conversation_id": "c1",
		"message":         "rename it",
	}))
	if !result.IsError {
		t.Fatal("expected first attempt to fail")
	}
	var first refineResult
	if err := json.Unmarshal([]byte(toolText(t, result)), &first); err != nil {
		t.Fatalf("decoding result: %v", err)
	}

	result, _ = mcpRetryMessage(deps)(context.Background(), makeCallToolRequest("retry_message", map[string]interface{}{
		"conversation_id": "c1",
		"message_id":      first.Reply.ID,
	}))
	if result.IsError {
		t.Fatalf("retry failed: %s", toolText(t, result))
	}
	var second refineResult
	if err := json.Unmarshal([]byte(toolText(t, result)), &second); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if second.Reply.ID != first.Reply.ID || second.RequestID == first.RequestID {
		t.Errorf("first = %+v, second = %+v", first, second)
	}
}

func TestMCPTool_GetConversation(t *testing.T) {
	deps, mgr := newTestMCPDeps(t, refineTo("x"))
	handler := mcpGetConversation(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("get_conversation", map[string]interface{}{
		"conversation_id": "missing",
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("missing conversation result = %q", toolText(t, result))
	}

	if _, err := mgr.Open("c1", nil); err != nil {
		t.Fatal(err)
	}
	result, _ = handler(context.Background(), makeCallToolRequest("get_conversation", map[string]interface{}{
		"conversation_id": "c1",
	}))
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	var snap session.Snapshot
	if err := json.Unmarshal([]byte(toolText(t, result)), &snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	if snap.ConversationID != "c1" || snap.History.MaxIterations != 20 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMCPTool_CancelRequest(t *testing.T) {
	deps, mgr := newTestMCPDeps(t, refinerFunc(blockUntilCancelled))
	handler := mcpCancelRequest(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("cancel_request", map[string]interface{}{
		"request_id": "unknown",
	}))
	if result.IsError || !strings.Contains(toolText(t, result), "not running") {
		t.Errorf("unknown request result = %q", toolText(t, result))
	}

	ticket, err := mgr.Submit("c1", "rename it")
	if err != nil {
		t.Fatal(err)
	}
	result, _ = handler(context.Background(), makeCallToolRequest("cancel_request", map[string]interface{}{
		"request_id": ticket.RequestID,
	}))
	if result.IsError || !strings.Contains(toolText(t, result), "Cancelled") {
		t.Errorf("cancel result = %q", toolText(t, result))
	}
	select {
	case <-ticket.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("request never settled")
	}
}

func TestMCPResource_RecentRuns(t *testing.T) {
	deps, mgr := newTestMCPDeps(t, refineTo("x"))

	ticket, err := mgr.Submit("c1", strings.Repeat("a", 300))
	if err != nil {
		t.Fatal(err)
	}
	<-ticket.Done

	contents, err := mcpResourceRecentRuns(deps)(context.Background(), makeReadResourceRequest("runs://recent"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var runs []struct {
		ID      string   `json:"id"`
		Request string   `json:"request"`
		Outcome string   `json:"outcome"`
		Trace   []string `json:"trace"`
	}
	if err := json.Unmarshal([]byte(tc.Text), &runs); err != nil {
		t.Fatalf("decoding runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != ticket.RequestID || runs[0].Outcome != "success" {
		t.Fatalf("runs = %+v", runs)
	}
	if !strings.HasSuffix(runs[0].Request, "...") || len([]rune(runs[0].Request)) != 203 {
		t.Errorf("request not truncated: %d runes", len([]rune(runs[0].Request)))
	}
}

func TestMCPServer_ConcurrentConversations(t *testing.T) {
	deps, mgr := newTestMCPDeps(t, refineTo("x"))
	if NewMCPServer(deps) == nil {
		t.Fatal("NewMCPServer returned nil")
	}
	handler := mcpRefineWorkflow(deps)

	var wg sync.WaitGroup
	errs := make(chan string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := makeCallToolRequest("refine_workflow", map[string]interface{}{
				"conversation_id": fmt.Sprintf("c%d", i),
				"message":         "rename it",
			})
			result, err := handler(context.Background(), req)
			if err != nil {
				errs <- err.Error()
				return
			}
			if result.IsError {
				errs <- toolText(t, result)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for msg := range errs {
		t.Errorf("concurrent call failed: %s", msg)
	}
	if got := len(mgr.Conversations()); got != 5 {
		t.Errorf("conversations = %d, want 5", got)
	}
}
