package workflow

import (
	"fmt"
	"strings"
)

// Rule identifiers reported in validation errors.
const (
	RuleRequiredField  = "required-field"
	RuleUniqueID       = "unique-id"
	RuleUnknownType    = "unknown-type"
	RuleStartCount     = "start-count"
	RuleEndCount       = "end-count"
	RuleMaxNodes       = "max-nodes"
	RulePortCount      = "port-count"
	RuleDanglingEdge   = "dangling-connection"
	RuleInputPorts     = "input-ports"
	RuleOutgoingCount  = "outgoing-count"
	RuleDistinctBranch = "distinct-branch-targets"
	RuleSingleOutgoing = "single-outgoing"
)

// Problem is one violated rule.
type Problem struct {
	NodeID  string
	Rule    string
	Message string
}

func (p Problem) String() string {
	if p.NodeID == "" {
		return fmt.Sprintf("[%s] %s", p.Rule, p.Message)
	}
	return fmt.Sprintf("node %q [%s] %s", p.NodeID, p.Rule, p.Message)
}

// ValidationError lists every problem found in a workflow.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.String()
	}
	return "invalid workflow: " + strings.Join(parts, "; ")
}

type validator struct {
	schema   Schema
	problems []Problem
}

func (v *validator) add(nodeID, rule, format string, args ...any) {
	v.problems = append(v.problems, Problem{NodeID: nodeID, Rule: rule, Message: fmt.Sprintf(format, args...)})
}

// Validate checks w against the structural rules in schema and returns a
// *ValidationError naming each offending node and rule, or nil.
func Validate(w Workflow, schema Schema) error {
	v := &validator{schema: schema}
	v.document(w)
	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: v.problems}
}

func (v *validator) document(w Workflow) {
	if strings.TrimSpace(w.ID) == "" {
		v.add("", RuleRequiredField, "workflow id is empty")
	}
	if strings.TrimSpace(w.Name) == "" {
		v.add("", RuleRequiredField, "workflow name is empty")
	}
	if len(w.Nodes) == 0 {
		v.add("", RuleRequiredField, "workflow has no nodes")
		return
	}
	if v.schema.MaxNodes > 0 && len(w.Nodes) > v.schema.MaxNodes {
		v.add("", RuleMaxNodes, "workflow has %d nodes, at most %d allowed", len(w.Nodes), v.schema.MaxNodes)
	}

	seen := make(map[string]bool, len(w.Nodes))
	starts, ends := 0, 0
	for _, n := range w.Nodes {
		if n.ID == "" {
			v.add("", RuleRequiredField, "node %q has an empty id", n.Name)
			continue
		}
		if seen[n.ID] {
			v.add(n.ID, RuleUniqueID, "node id is used more than once")
		}
		seen[n.ID] = true
		switch n.Type {
		case TypeStart:
			starts++
		case TypeEnd:
			ends++
		}
		v.node(n)
	}
	if starts != 1 {
		v.add("", RuleStartCount, "workflow must have exactly one start node, found %d", starts)
	}
	if ends < 1 {
		v.add("", RuleEndCount, "workflow must have at least one end node")
	}

	connIDs := make(map[string]bool, len(w.Connections))
	incoming := make(map[string]int)
	for _, c := range w.Connections {
		if c.ID == "" {
			v.add(c.From, RuleRequiredField, "connection %s -> %s has an empty id", c.From, c.To)
		} else if connIDs[c.ID] {
			v.add(c.From, RuleUniqueID, "connection id %q is used more than once", c.ID)
		}
		connIDs[c.ID] = true
		if !seen[c.From] {
			v.add(c.From, RuleDanglingEdge, "connection %q starts at unknown node %q", c.ID, c.From)
		}
		if !seen[c.To] {
			v.add(c.To, RuleDanglingEdge, "connection %q ends at unknown node %q", c.ID, c.To)
		}
		incoming[c.To]++
	}

	for _, n := range w.Nodes {
		rule, ok := v.schema.NodeTypes[n.Type]
		if !ok || n.ID == "" {
			continue
		}
		if rule.InputPorts == 0 && incoming[n.ID] > 0 {
			v.add(n.ID, RuleInputPorts, "%s nodes accept no incoming connections, found %d", n.Type, incoming[n.ID])
		}
		v.edges(n, rule, w.Outgoing(n.ID))
	}
}

func (v *validator) node(n Node) {
	rule, ok := v.schema.NodeTypes[n.Type]
	if !ok {
		v.add(n.ID, RuleUnknownType, "unknown node type %q", n.Type)
		return
	}
	if strings.TrimSpace(n.Name) == "" {
		v.add(n.ID, RuleRequiredField, "node name is empty")
	}
	for _, field := range rule.Required {
		val, present := n.Data[field]
		if !present || val == nil || val == "" {
			v.add(n.ID, RuleRequiredField, "%s nodes require data.%s", n.Type, field)
		}
	}

	declared, hasDeclared := n.OutputPorts()
	if hasDeclared && (declared < rule.MinOutputs || declared > rule.MaxOutputs) {
		v.add(n.ID, RulePortCount, "%s", portRange(n.Type, rule, declared))
	}
	if rule.PortsFrom != "" {
		if derived, ok := n.DataList(rule.PortsFrom); ok {
			if derived < rule.MinOutputs || derived > rule.MaxOutputs {
				v.add(n.ID, RulePortCount, "%s has %d entries, %s nodes need between %d and %d",
					rule.PortsFrom, derived, n.Type, rule.MinOutputs, rule.MaxOutputs)
			} else if hasDeclared && declared != derived {
				v.add(n.ID, RulePortCount, "outputPorts is %d but %s has %d entries", declared, rule.PortsFrom, derived)
			}
		}
	}
}

func portRange(t NodeType, rule NodeRule, got int) string {
	if rule.MinOutputs == rule.MaxOutputs {
		return fmt.Sprintf("%s nodes have exactly %d output port(s), got outputPorts=%d", t, rule.MinOutputs, got)
	}
	return fmt.Sprintf("%s nodes have between %d and %d output ports, got outputPorts=%d", t, rule.MinOutputs, rule.MaxOutputs, got)
}

// ports is the number of outputs node n actually exposes.
func ports(n Node, rule NodeRule) int {
	if p, ok := n.OutputPorts(); ok {
		return p
	}
	if rule.PortsFrom != "" {
		if p, ok := n.DataList(rule.PortsFrom); ok {
			return p
		}
	}
	return rule.MaxOutputs
}

func (v *validator) edges(n Node, rule NodeRule, out []Connection) {
	if rule.ExactlyOneOutgoing && len(out) != 1 {
		v.add(n.ID, RuleSingleOutgoing, "%s nodes must have exactly one outgoing connection, found %d", n.Type, len(out))
		return
	}
	if limit := ports(n, rule); len(out) > limit {
		v.add(n.ID, RuleOutgoingCount, "%d outgoing connections exceed %d output port(s)", len(out), limit)
	}
	if !rule.Branching {
		return
	}
	targets := make(map[string]string, len(out))
	for _, c := range out {
		if prev, dup := targets[c.To]; dup {
			v.add(n.ID, RuleDistinctBranch, "outputs %q and %q both target %q; each branch must lead to a distinct node",
				portName(prev), portName(c.FromPort), c.To)
			continue
		}
		targets[c.To] = c.FromPort
	}
}

func portName(p string) string {
	if p == "" {
		return "output"
	}
	return p
}
