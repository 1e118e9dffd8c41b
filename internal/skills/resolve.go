package skills

import (
	"github.com/leiMizzou/cc-wf-studio/internal/workflow"
)

const (
	StatusValid   = "valid"
	StatusMissing = "missing"
)

// Reference identifies a skill from a workflow node.
type Reference struct {
	NodeID string
	Name   string
	Scope  Scope
}

// Resolve returns a copy of w in which every skill node carries
// data.validationStatus. A reference whose name and scope are not in
// available is kept and marked missing. The missing references are returned
// in node order.
func Resolve(w workflow.Workflow, available []Skill) (workflow.Workflow, []Reference, error) {
	out, err := w.Clone()
	if err != nil {
		return workflow.Workflow{}, nil, err
	}

	index := make(map[Reference]Skill, len(available))
	for _, s := range available {
		index[Reference{Name: s.Name, Scope: s.Scope}] = s
	}

	var missing []Reference
	for i := range out.Nodes {
		n := &out.Nodes[i]
		if n.Type != workflow.TypeSkill {
			continue
		}
		if n.Data == nil {
			n.Data = map[string]any{}
		}
		ref := Reference{Name: n.DataString("name"), Scope: Scope(n.DataString("scope"))}
		s, ok := index[ref]
		if !ok {
			n.Data["validationStatus"] = StatusMissing
			ref.NodeID = n.ID
			missing = append(missing, ref)
			continue
		}
		n.Data["validationStatus"] = StatusValid
		n.Data["skillPath"] = s.Path
		if n.DataString("description") == "" && s.Description != "" {
			n.Data["description"] = s.Description
		}
	}
	return out, missing, nil
}
