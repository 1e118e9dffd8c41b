package skills

import (
	"sort"
	"strings"
	"unicode"
)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "add": true, "use": true,
	"step": true, "workflow": true, "node": true, "please": true, "then": true,
}

func tokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) < 3 || stopWords[f] {
			continue
		}
		out[f] = true
	}
	return out
}

type scored struct {
	skill Skill
	score int
}

// Rank returns the skills relevant to text, best first, at most limit
// entries (limit <= 0 means no cap). A name token match counts double a
// description match. Skills with no overlap are dropped.
func Rank(text string, available []Skill, limit int) []Skill {
	want := tokens(text)
	if len(want) == 0 {
		return nil
	}

	var hits []scored
	for _, s := range available {
		score := 0
		for t := range tokens(s.Name) {
			if want[t] {
				score += 2
			}
		}
		for t := range tokens(s.Description) {
			if want[t] {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{skill: s, score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		if hits[i].skill.Scope != hits[j].skill.Scope {
			return hits[i].skill.Scope == ScopeProject
		}
		return hits[i].skill.Name < hits[j].skill.Name
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Skill, len(hits))
	for i, h := range hits {
		out[i] = h.skill
	}
	return out
}
