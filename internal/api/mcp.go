package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/leiMizzou/cc-wf-studio/internal/conversation"
	"github.com/leiMizzou/cc-wf-studio/internal/session"
	"github.com/leiMizzou/cc-wf-studio/internal/workflow"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Sessions Sessions
	Records  Records
}

// NewMCPServer creates an MCP server exposing workflow refinement as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"wfstudio",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("wfstudio refines agent workflows through conversation. Describe the change you want and the workflow is rewritten and validated."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("refine_workflow",
			mcp.WithDescription("Ask for a change to a workflow. Waits for the refined workflow or a clarifying question."),
			mcp.WithString("conversation_id", mcp.Description("Conversation to continue or start"), mcp.Required()),
			mcp.WithString("message", mcp.Description("What to change"), mcp.Required()),
			mcp.WithString("workflow", mcp.Description("Workflow JSON to refine. Replaces the conversation's workflow when given.")),
		),
		mcpRefineWorkflow(deps),
	)

	s.AddTool(
		mcp.NewTool("get_conversation",
			mcp.WithDescription("Return the messages, iteration count and current workflow of a conversation."),
			mcp.WithString("conversation_id", mcp.Description("Conversation id"), mcp.Required()),
		),
		mcpGetConversation(deps),
	)

	s.AddTool(
		mcp.NewTool("clear_conversation",
			mcp.WithDescription("Delete every message of a conversation and reset its iteration budget. The workflow is kept."),
			mcp.WithString("conversation_id", mcp.Description("Conversation id"), mcp.Required()),
		),
		mcpClearConversation(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_message",
			mcp.WithDescription("Retry a failed agent reply. Waits for the new outcome."),
			mcp.WithString("conversation_id", mcp.Description("Conversation id"), mcp.Required()),
			mcp.WithString("message_id", mcp.Description("Id of the errored agent message"), mcp.Required()),
		),
		mcpRetryMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_request",
			mcp.WithDescription("Cancel an in-flight refinement request."),
			mcp.WithString("request_id", mcp.Description("Request id returned when the refinement started"), mcp.Required()),
		),
		mcpCancelRequest(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"runs://recent",
			"Recent Refinements",
			mcp.WithResourceDescription("Last 10 refinement runs with their outcome and state trace"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentRuns(deps),
	)

	return s
}

// refineResult is the tool payload after a refinement settles.
type refineResult struct {
	RequestID        string                `json:"request_id"`
	Reply            *conversation.Message `json:"reply,omitempty"`
	Removed          bool                  `json:"removed,omitempty"`
	CurrentIteration int                   `json:"current_iteration"`
	MaxIterations    int                   `json:"max_iterations"`
	Workflow         *workflow.Workflow    `json:"workflow,omitempty"`
}

func mcpRefineWorkflow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		convID, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		var wf *workflow.Workflow
		if raw := req.GetString("workflow", ""); raw != "" {
			parsed, err := workflow.Parse([]byte(raw))
			if err != nil {
				return mcpError(fmt.Sprintf("invalid workflow: %v", err)), nil
			}
			wf = &parsed
		}
		if _, err := deps.Sessions.Open(convID, wf); err != nil {
			return mcpError(fmt.Sprintf("failed to open conversation: %v", err)), nil
		}

		ticket, err := deps.Sessions.Submit(convID, message)
		if errors.Is(err, conversation.ErrIterationLimit) {
			return mcpError(fmt.Sprintf("%v; call clear_conversation to start over", err)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to start refinement: %v", err)), nil
		}
		return awaitTicket(ctx, deps, convID, ticket)
	}
}

func mcpRetryMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		convID, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		msgID, err := req.RequireString("message_id")
		if err != nil {
			return mcpError("message_id is required"), nil
		}

		ticket, err := deps.Sessions.Retry(convID, msgID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to retry: %v", err)), nil
		}
		return awaitTicket(ctx, deps, convID, ticket)
	}
}

// awaitTicket waits for the outcome of ticket. If the MCP call ends first the
// request is cancelled, since no one is left to read its result.
func awaitTicket(ctx context.Context, deps MCPDeps, convID string, ticket session.Ticket) (*mcp.CallToolResult, error) {
	select {
	case <-ticket.Done:
	case <-ctx.Done():
		deps.Sessions.Cancel(ticket.RequestID)
		return mcpError("refinement cancelled"), nil
	}

	snap, err := deps.Sessions.View(convID)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to read conversation: %v", err)), nil
	}

	res := refineResult{
		RequestID:        ticket.RequestID,
		CurrentIteration: snap.History.CurrentIteration,
		MaxIterations:    snap.History.MaxIterations,
		Workflow:         snap.Workflow,
	}
	msg, ok := snap.History.Find(ticket.MessageID)
	if ok {
		res.Reply = &msg
	} else {
		res.Removed = true
	}

	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	if ok && msg.IsError {
		return mcpError(string(b)), nil
	}
	return mcpText(string(b)), nil
}

func mcpGetConversation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		convID, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}

		snap, err := deps.Sessions.View(convID)
		if errors.Is(err, session.ErrNotOpen) {
			return mcpError(fmt.Sprintf("conversation %q not found", convID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read conversation: %v", err)), nil
		}

		b, err := json.Marshal(snap)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversation: %w", err)
		}
		return mcpText(string(b)), nil
	}
}

func mcpClearConversation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		convID, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		if err := deps.Sessions.Clear(convID); err != nil {
			return mcpError(fmt.Sprintf("failed to clear conversation: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Cleared conversation %s.", convID)), nil
	}
}

func mcpCancelRequest(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("request_id")
		if err != nil {
			return mcpError("request_id is required"), nil
		}
		if !deps.Sessions.Cancel(id) {
			return mcpText(fmt.Sprintf("Request %s is not running.", id)), nil
		}
		return mcpText(fmt.Sprintf("Cancelled request %s.", id)), nil
	}
}

func mcpResourceRecentRuns(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Records.GetRecentRuns("", 10)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent runs: %w", err)
		}

		type runSummary struct {
			ID             string   `json:"id"`
			ConversationID string   `json:"conversation_id"`
			CreatedAt      string   `json:"created_at"`
			Request        string   `json:"request"`
			Outcome        string   `json:"outcome"`
			ErrorKind      string   `json:"error_kind,omitempty"`
			Trace          []string `json:"trace"`
		}

		summaries := make([]runSummary, len(runs))
		for i, r := range runs {
			text := r.UserText
			if utf8.RuneCountInString(text) > 200 {
				runes := []rune(text)
				text = string(runes[:200]) + "..."
			}
			summaries[i] = runSummary{
				ID:             r.ID,
				ConversationID: r.ConversationID,
				CreatedAt:      r.CreatedAt.Format(time.RFC3339),
				Request:        text,
				Outcome:        r.Outcome,
				ErrorKind:      r.ErrorKind,
				Trace:          r.Trace,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal runs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
