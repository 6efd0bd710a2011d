// Package workflow picks which execution workflow the external agent
// should invoke for a given task description.
package workflow

import "strings"

// Workflow identifiers understood by the agent CLI.
const (
	Default   = "default"
	Plan      = "plan"
	Review    = "review"
	Implement = "implement"
)

// Selector names an execution workflow given a task description and
// optional free-form context.
type Selector interface {
	Select(description, context string) string
}

// KeywordSelector is the default selector: coarse keyword matching over
// the description. Context wins over description when both match.
type KeywordSelector struct{}

func NewKeywordSelector() *KeywordSelector { return &KeywordSelector{} }

func (k *KeywordSelector) Select(description, context string) string {
	for _, text := range []string{context, description} {
		t := strings.ToLower(text)
		switch {
		case t == "":
			continue
		case containsAny(t, "review", "check over", "look over"):
			return Review
		case containsAny(t, "plan", "design", "spec out"):
			return Plan
		case containsAny(t, "implement", "build", "fix", "add "):
			return Implement
		}
	}
	return Default
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
