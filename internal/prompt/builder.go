// Package prompt renders the text sent to the agent for one refinement.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/leiMizzou/cc-wf-studio/internal/conversation"
	"github.com/leiMizzou/cc-wf-studio/internal/skills"
	"github.com/leiMizzou/cc-wf-studio/internal/workflow"
)

// DefaultHistoryWindow is the number of recent settled messages included
// (three user/agent pairs).
const DefaultHistoryWindow = 6

// Input is everything a prompt is built from.
type Input struct {
	Workflow workflow.Workflow
	History  conversation.History
	UserText string
	Schema   workflow.Schema
	Skills   []skills.Skill
}

// Builder renders prompts. Its output depends only on Input: no clock, no
// randomness, and map keys are emitted in sorted order.
type Builder struct {
	HistoryWindow int
}

// New creates a Builder. If window <= 0, DefaultHistoryWindow is used.
func New(window int) *Builder {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	return &Builder{HistoryWindow: window}
}

// Build renders the prompt for in.
func (b *Builder) Build(in Input) (string, error) {
	doc, err := json.MarshalIndent(in.Workflow, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding workflow: %w", err)
	}

	var sb strings.Builder

	sb.WriteString("You are an expert workflow designer. Refine the workflow below according to the user's request.\n\n")

	sb.WriteString("## Current workflow\n\n```json\n")
	sb.Write(doc)
	sb.WriteString("\n```\n\n")

	if recent := Window(in.History, b.HistoryWindow); len(recent) > 0 {
		sb.WriteString("## Conversation so far\n\n")
		for _, m := range recent {
			fmt.Fprintf(&sb, "%s: %s\n", speaker(m.Sender), m.Content)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## User request\n\n")
	sb.WriteString(strings.TrimSpace(in.UserText))
	sb.WriteString("\n\n")

	if len(in.Skills) > 0 {
		sb.WriteString("## Available skills\n\n")
		sb.WriteString("Reference a skill with a node of type \"skill\" whose data has \"name\" and \"scope\" exactly as listed.\n\n")
		for _, s := range in.Skills {
			fmt.Fprintf(&sb, "- %s (scope: %s): %s\n", s.Name, s.Scope, s.Description)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Structural constraints\n\n")
	writeConstraints(&sb, in.Schema)
	sb.WriteString("\n")

	sb.WriteString("## Workflow schema\n\n```json\n")
	sb.WriteString(strings.TrimSpace(in.Schema.Raw))
	sb.WriteString("\n```\n\n")

	sb.WriteString("## Output format\n\n")
	sb.WriteString("If the request is clear, respond with ONLY the complete refined workflow as a single JSON object. ")
	sb.WriteString("Do not add commentary before or after it. Keep the workflow id unchanged.\n")
	sb.WriteString("If the request is ambiguous, do not return JSON. Ask one short clarification question in plain text instead.\n")

	return sb.String(), nil
}

func writeConstraints(sb *strings.Builder, schema workflow.Schema) {
	sb.WriteString("- Keep exactly one start node and at least one end node.\n")
	sb.WriteString("- Every connection must reference existing node ids; node and connection ids must be unique.\n")
	sb.WriteString("- A skill node has exactly one outgoing connection.\n")
	sb.WriteString("- Each output of a branching node must target a distinct downstream node. Never chain the outputs of the same branch serially.\n")
	if schema.MaxNodes > 0 {
		fmt.Fprintf(sb, "- Use at most %d nodes.\n", schema.MaxNodes)
	}
	for _, kind := range schema.Kinds() {
		rule := schema.NodeTypes[kind]
		if rule.MinOutputs == rule.MaxOutputs {
			fmt.Fprintf(sb, "- %s: exactly %d output port(s)", kind, rule.MinOutputs)
		} else {
			fmt.Fprintf(sb, "- %s: %d to %d output ports", kind, rule.MinOutputs, rule.MaxOutputs)
		}
		if rule.PortsFrom != "" {
			fmt.Fprintf(sb, ", one per entry in data.%s, with outputPorts equal to that count", rule.PortsFrom)
		}
		sb.WriteString(".\n")
	}
}

func speaker(s conversation.Sender) string {
	if s == conversation.SenderUser {
		return "User"
	}
	return "Assistant"
}

// Window returns at most n of the most recent settled messages of h.
func Window(h conversation.History, n int) []conversation.Message {
	settled := h.Settled()
	if len(settled) > n {
		settled = settled[len(settled)-n:]
	}
	return settled
}

// EstimateTokens approximates the agent's token count for a prompt at four
// characters per token, counting runes so non-ASCII text is not overcounted.
func EstimateTokens(prompt string) int {
	return (utf8.RuneCountInString(prompt) + 3) / 4
}
