package progress

import "sync"

// StatusGuard enforces monotonic status transitions per job. A snapshot whose
// status ranks below the highest one seen for its job is a regression.
type StatusGuard struct {
	mu   sync.Mutex
	seen map[string]Status
}

// NewStatusGuard returns an empty guard.
func NewStatusGuard() *StatusGuard {
	return &StatusGuard{seen: make(map[string]Status)}
}

// Accept records p and reports whether it moves forward or holds steady.
// Regressions are not recorded.
func (g *StatusGuard) Accept(p JobProgress) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev, ok := g.seen[p.JobID]
	if ok && p.Status.Rank() < prev.Rank() {
		return false
	}
	if ok && prev.Terminal() && p.Status != prev {
		// completed and failed share a rank but neither may follow the other.
		return false
	}
	g.seen[p.JobID] = p.Status
	return true
}

// Last returns the highest status recorded for jobID.
func (g *StatusGuard) Last(jobID string) (Status, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.seen[jobID]
	return s, ok
}

// Reset forgets jobID so a new attempt may start from pending again.
func (g *StatusGuard) Reset(jobID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, jobID)
}
