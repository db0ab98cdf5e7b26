// ABOUTME: Token cost estimation for conversation history budgeting
// ABOUTME: Pluggable Counter interface with cheap heuristic implementations

package tokens

import "strings"

// Counter maps text to an integer token cost. Implementations must be pure:
// the cost of a string depends on nothing but the string.
type Counter interface {
	Count(text string) int
}

// Estimator approximates token counts using the ~4 chars/token heuristic.
// Good enough for history trimming decisions, not billing-accurate.
type Estimator struct{}

// Count returns the estimated token count for text, rounding up.
func (Estimator) Count(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// WordEstimator approximates token counts as twice the whitespace-separated
// word count. Matches deployments where the real model tokenizer is unknown
// and over-counting is safer than under-counting.
type WordEstimator struct{}

// Count returns twice the number of whitespace-separated fields in text.
func (WordEstimator) Count(text string) int {
	return len(strings.Fields(text)) * 2
}

// TurnCost returns the cost of a single turn as the counter applied to
// "role: content", so role overhead is accounted consistently.
func TurnCost(c Counter, role, content string) int {
	return c.Count(role + ": " + content)
}
