// Package classify decides what an agent's raw output is: a refined
// workflow document, a clarification question, or something unusable.
package classify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/leiMizzou/cc-wf-studio/internal/workflow"
)

type Kind int

const (
	KindUnparseable Kind = iota
	KindWorkflow
	KindClarification
)

func (k Kind) String() string {
	switch k {
	case KindWorkflow:
		return "workflow"
	case KindClarification:
		return "clarification"
	default:
		return "unparseable"
	}
}

// Result is the classification of one output.
type Result struct {
	Kind     Kind
	Workflow workflow.Workflow
	// Message is the clarification prose.
	Message string
	// Rule names the clarification pattern that matched.
	Rule string
	// Err explains why the output is unparseable.
	Err error
}

// ErrEmptyOutput is reported for blank output.
var ErrEmptyOutput = errors.New("agent returned no output")

type rule struct {
	name    string
	pattern *regexp.Regexp
}

// clarificationRules is the complete table of phrasings treated as a
// request for clarification. Order matters only for the reported rule name.
var clarificationRules = []rule{
	{"could-you", regexp.MustCompile(`(?i)\bcould you (please )?(clarify|specify|explain|confirm|provide|tell me|let me know)\b`)},
	{"can-you", regexp.MustCompile(`(?i)\bcan you (please )?(clarify|specify|confirm|provide|tell me|let me know)\b`)},
	{"please-clarify", regexp.MustCompile(`(?i)\bplease (clarify|specify|confirm|elaborate)\b`)},
	{"which-option", regexp.MustCompile(`(?i)\bwhich (option|one|branch|step|node|approach|of these|of the following)\b`)},
	{"do-you-want", regexp.MustCompile(`(?i)\bdo you (want|mean|prefer)\b`)},
	{"would-you-like", regexp.MustCompile(`(?i)\bwould you (like|prefer)\b`)},
	{"need-more-info", regexp.MustCompile(`(?i)\b(i )?(need|needs|require|requires) (more |some |additional )?(clarification|details|information|context)\b`)},
	{"ambiguous", regexp.MustCompile(`(?i)\b(is|seems|was|looks) (a bit |somewhat )?(ambiguous|unclear)\b`)},
	{"not-sure", regexp.MustCompile(`(?i)\bi'?m not sure (what|which|whether|how|if)\b`)},
	{"before-i", regexp.MustCompile(`(?i)\bbefore i (proceed|continue|make (these|the|any) changes)\b.*\?`)},
}

var (
	fencedBlock   = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*\\s*\\n.*?```")
	trailingFence = regexp.MustCompile("(?s)\\s*```[A-Za-z0-9_-]*\\s*\\n.*?```\\s*$")
)

// Classify inspects raw agent output. It is a pure function.
func Classify(raw string) Result {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Result{Kind: KindUnparseable, Err: ErrEmptyOutput}
	}

	// A document that is entirely one JSON object is an answer even if a
	// node description happens to contain a clarification phrase.
	w, err := parseWorkflow(text)
	if err == nil {
		return Result{Kind: KindWorkflow, Workflow: w}
	}

	if name, ok := MatchClarification(text); ok {
		return Result{Kind: KindClarification, Message: stripTrailingStructure(text), Rule: name}
	}
	return Result{Kind: KindUnparseable, Err: err}
}

// MatchClarification reports the first clarification rule matching text
// once fenced code blocks are removed.
func MatchClarification(text string) (string, bool) {
	prose := fencedBlock.ReplaceAllString(text, " ")
	for _, r := range clarificationRules {
		if r.pattern.MatchString(prose) {
			return r.name, true
		}
	}
	return "", false
}

// stripTrailingStructure drops fenced blocks and a bare JSON value at the
// end of a clarification so only the question remains.
func stripTrailingStructure(text string) string {
	out := text
	for {
		trimmed := trailingFence.ReplaceAllString(out, "")
		if trimmed == out {
			break
		}
		out = trimmed
	}
	if i := strings.LastIndex(out, "\n{"); i >= 0 && json.Valid([]byte(strings.TrimSpace(out[i:]))) {
		out = out[:i]
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return strings.TrimSpace(text)
	}
	return out
}

// unwrapFence removes one optional ``` fence around text.
func unwrapFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") || !strings.HasSuffix(t, "```") || len(t) < 6 {
		return t
	}
	nl := strings.IndexByte(t, '\n')
	if nl < 0 {
		return t
	}
	return strings.TrimSpace(t[nl+1 : len(t)-3])
}

func parseWorkflow(text string) (workflow.Workflow, error) {
	body := unwrapFence(text)
	if body == "" {
		return workflow.Workflow{}, ErrEmptyOutput
	}
	if !strings.HasPrefix(body, "{") {
		return workflow.Workflow{}, fmt.Errorf("output is not a JSON object: starts with %q", Excerpt(body, 40))
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	var w workflow.Workflow
	if err := dec.Decode(&w); err != nil {
		return workflow.Workflow{}, fmt.Errorf("decoding workflow: %w", err)
	}
	if dec.More() {
		return workflow.Workflow{}, errors.New("decoding workflow: trailing data after JSON object")
	}
	return w, nil
}

// Excerpt returns at most n runes of s, marking a cut with "...". It never
// splits a multi-byte character.
func Excerpt(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + "..."
		}
		i++
	}
	return s
}
