package workflow

import "testing"

func TestKeywordSelector(t *testing.T) {
	t.Parallel()
	sel := NewKeywordSelector()

	tests := []struct {
		name        string
		description string
		context     string
		want        string
	}{
		{name: "review keyword", description: "review the auth changes", want: Review},
		{name: "plan keyword", description: "plan the migration", want: Plan},
		{name: "design keyword", description: "design a cache layer", want: Plan},
		{name: "implement keyword", description: "implement retry logic", want: Implement},
		{name: "fix keyword", description: "fix the flaky test", want: Implement},
		{name: "no keyword", description: "question about the readme", want: Default},
		{name: "context wins", description: "fix the tests", context: "review only, do not change code", want: Review},
		{name: "case insensitive", description: "REVIEW this PR", want: Review},
		{name: "empty", description: "", want: Default},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := sel.Select(tt.description, tt.context); got != tt.want {
				t.Fatalf("Select(%q, %q) = %q, want %q", tt.description, tt.context, got, tt.want)
			}
		})
	}
}
