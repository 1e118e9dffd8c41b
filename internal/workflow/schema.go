package workflow

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
)

//go:embed schema.json
var embeddedSchema []byte

// NodeRule is the structural contract of one node kind.
type NodeRule struct {
	Description        string   `json:"description"`
	InputPorts         int      `json:"inputPorts"`
	MinOutputs         int      `json:"minOutputs"`
	MaxOutputs         int      `json:"maxOutputs"`
	Required           []string `json:"required"`
	PortsFrom          string   `json:"portsFrom,omitempty"`
	Branching          bool     `json:"branching,omitempty"`
	ExactlyOneOutgoing bool     `json:"exactlyOneOutgoing,omitempty"`
}

// Schema is the parsed workflow schema plus its verbatim text.
type Schema struct {
	Raw       string
	MaxNodes  int
	NodeTypes map[NodeType]NodeRule
}

// Kinds returns the known node types in sorted order.
func (s Schema) Kinds() []NodeType {
	kinds := make([]NodeType, 0, len(s.NodeTypes))
	for k := range s.NodeTypes {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// SchemaProvider supplies the schema used in prompts and validation.
type SchemaProvider interface {
	LoadSchema() (Schema, error)
}

// EmbeddedSchema serves the schema compiled into the binary.
type EmbeddedSchema struct{}

func (EmbeddedSchema) LoadSchema() (Schema, error) {
	return ParseSchema(embeddedSchema)
}

// ParseSchema decodes schema text.
func ParseSchema(data []byte) (Schema, error) {
	var doc struct {
		Workflow struct {
			MaxNodes int `json:"maxNodes"`
		} `json:"workflow"`
		NodeTypes map[NodeType]NodeRule `json:"nodeTypes"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return Schema{}, fmt.Errorf("parsing workflow schema: %w", err)
	}
	if len(doc.NodeTypes) == 0 {
		return Schema{}, fmt.Errorf("parsing workflow schema: no node types defined")
	}
	return Schema{
		Raw:       string(data),
		MaxNodes:  doc.Workflow.MaxNodes,
		NodeTypes: doc.NodeTypes,
	}, nil
}
