package scheduler

import (
	"sync"
	"time"
)

// governor is the sliding-window rate limit on think cycles. It exists
// to stop feedback loops (an agent arguing with its own TaskCompleted
// events, two agents echoing each other) from burning the model budget.
type governor struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  []time.Time
}

func newGovernor(limit int, window time.Duration) *governor {
	return &governor{limit: limit, window: window}
}

// allow records a think cycle at now and reports whether it was inside
// the budget. A false return means the caller must cool down.
func (g *governor) allow(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-g.window)
	kept := g.calls[:0]
	for _, t := range g.calls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.calls = kept

	if len(g.calls) >= g.limit {
		return false
	}
	g.calls = append(g.calls, now)
	return true
}
