// ABOUTME: Budget enforcer - selects the in-budget slice of history sent to the model
// ABOUTME: Keep-most-recent, drop-oldest; a deliberate lossy-compaction strategy

package budget

import (
	"github.com/hallryn/attache/internal/store"
	"github.com/hallryn/attache/internal/tokens"
)

// Enforcer trims candidate history to a token ceiling.
type Enforcer struct {
	counter tokens.Counter
	ceiling int
}

// New creates an enforcer with the given counter and token ceiling.
func New(counter tokens.Counter, ceiling int) *Enforcer {
	return &Enforcer{counter: counter, ceiling: ceiling}
}

// Select returns the subsequence of turns forwarded to the model:
//
//   - the system turn, if present, is always included first and its cost
//     always counts against the ceiling
//   - remaining turns are taken newest-first, stopping before any turn that
//     would push the cumulative cost over the ceiling
//   - the result preserves chronological order with no gaps
//   - the most recent turn is always included, even when it alone exceeds
//     the ceiling: the ceiling is a soft target for history trimming, not a
//     hard truncation of a turn's content
func (e *Enforcer) Select(turns []*store.Turn) []*store.Turn {
	if len(turns) == 0 {
		return nil
	}

	var system *store.Turn
	rest := make([]*store.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role == store.RoleSystem && system == nil {
			system = t
			continue
		}
		rest = append(rest, t)
	}

	used := 0
	if system != nil {
		used = tokens.TurnCost(e.counter, system.Role, system.Content)
	}

	// Walk backward from the most recent turn. The newest turn is admitted
	// unconditionally; after that, stop before the first turn that would
	// overflow.
	cut := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		cost := tokens.TurnCost(e.counter, rest[i].Role, rest[i].Content)
		if i < len(rest)-1 && used+cost > e.ceiling {
			break
		}
		used += cost
		cut = i
	}

	selected := make([]*store.Turn, 0, len(rest)-cut+1)
	if system != nil {
		selected = append(selected, system)
	}
	selected = append(selected, rest[cut:]...)
	return selected
}
