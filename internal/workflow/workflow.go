// Package workflow defines the workflow document refined by the agent, the
// schema describing its node kinds, and structural validation.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType names a step kind.
type NodeType string

const (
	TypeStart           NodeType = "start"
	TypeEnd             NodeType = "end"
	TypePrompt          NodeType = "prompt"
	TypeSubAgent        NodeType = "subAgent"
	TypeAskUserQuestion NodeType = "askUserQuestion"
	TypeBranch          NodeType = "branch"
	TypeIfElse          NodeType = "ifElse"
	TypeSwitch          NodeType = "switch"
	TypeSkill           NodeType = "skill"
	TypeMCP             NodeType = "mcp"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Node struct {
	ID       string   `json:"id"`
	Type     NodeType `json:"type"`
	Name     string   `json:"name"`
	Position Position `json:"position"`
	// Ports is the top-level outputPorts count. Older documents carry it
	// in data.outputPorts instead.
	Ports *int           `json:"outputPorts,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// OutputPorts returns the declared output port count, preferring the
// top-level field over data.outputPorts.
func (n Node) OutputPorts() (int, bool) {
	if n.Ports != nil {
		return *n.Ports, true
	}
	v, ok := n.Data["outputPorts"]
	if !ok {
		return 0, false
	}
	switch p := v.(type) {
	case float64:
		return int(p), true
	case int:
		return p, true
	case json.Number:
		i, err := p.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// DataString returns data[key] when it is a string.
func (n Node) DataString(key string) string {
	s, _ := n.Data[key].(string)
	return s
}

// DataList returns the length of data[key] when it is an array.
func (n Node) DataList(key string) (int, bool) {
	l, ok := n.Data[key].([]any)
	return len(l), ok
}

type Connection struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	FromPort  string `json:"fromPort,omitempty"`
	ToPort    string `json:"toPort,omitempty"`
	Condition string `json:"condition,omitempty"`
}

type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Version     string         `json:"version,omitempty"`
	Nodes       []Node         `json:"nodes"`
	Connections []Connection   `json:"connections"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   *time.Time     `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time     `json:"updatedAt,omitempty"`
}

// Clone returns a deep copy of w, including node data.
func (w Workflow) Clone() (Workflow, error) {
	raw, err := json.Marshal(w)
	if err != nil {
		return Workflow{}, fmt.Errorf("cloning workflow: %w", err)
	}
	var out Workflow
	if err := json.Unmarshal(raw, &out); err != nil {
		return Workflow{}, fmt.Errorf("cloning workflow: %w", err)
	}
	return out, nil
}

// Node returns the node with the given id.
func (w Workflow) Node(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Outgoing returns connections leaving node id, in document order.
func (w Workflow) Outgoing(id string) []Connection {
	var out []Connection
	for _, c := range w.Connections {
		if c.From == id {
			out = append(out, c)
		}
	}
	return out
}

// Parse decodes a workflow document.
func Parse(data []byte) (Workflow, error) {
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return Workflow{}, err
	}
	return w, nil
}
