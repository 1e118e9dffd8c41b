// Package skills discovers reusable workflow steps (skills) on disk, ranks
// them against a user request, and resolves skill references in workflows.
package skills

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

type Scope string

const (
	ScopeUser    Scope = "user"
	ScopeProject Scope = "project"
)

// Skill is one catalog entry.
type Skill struct {
	Name        string `json:"name"`
	Scope       Scope  `json:"scope"`
	Description string `json:"description"`
	Path        string `json:"path,omitempty"`
}

var (
	ErrMissingFrontMatter   = errors.New("skills: missing frontmatter")
	ErrMalformedFrontMatter = errors.New("skills: malformed frontmatter")
)

type frontMatter struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	AllowedTools string `yaml:"allowed-tools,omitempty"`
}

// parseFrontMatter reads the YAML block fenced by `---` lines at the top of
// a SKILL.md file.
func parseFrontMatter(content []byte) (frontMatter, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return frontMatter{}, ErrMissingFrontMatter
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---"), 2)
	if len(parts) < 2 {
		return frontMatter{}, ErrMalformedFrontMatter
	}
	var fm frontMatter
	if err := yaml.Unmarshal(parts[0], &fm); err != nil {
		return frontMatter{}, fmt.Errorf("%w: %v", ErrMalformedFrontMatter, err)
	}
	return fm, nil
}
