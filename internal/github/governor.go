package github

import (
	"sync"
	"time"

	"github.com/nucleus/prsync-core/internal/model"
)

// Governor tracks the request quota the upstream API reports about itself.
// It never sleeps: when the quota is gone it refuses the next call with a
// *model.QuotaError so the caller can checkpoint and hand control back to
// the scheduler. Construct one per job execution and inject it; it is not
// shared process-wide state.
type Governor struct {
	mu        sync.Mutex
	floor     int
	remaining int
	resetAt   time.Time
	known     bool
}

// NewGovernor returns a governor that refuses calls once the reported
// remaining quota drops to floor or below. Quota is unknown (and calls are
// allowed) until the first response has been observed.
func NewGovernor(floor int) *Governor {
	if floor < 0 {
		floor = 0
	}
	return &Governor{floor: floor}
}

// Before is consulted ahead of every upstream call. A nil return permits
// the call; a *model.QuotaError means the caller must pause.
func (g *Governor) Before() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.known && g.remaining <= g.floor {
		return &model.QuotaError{Remaining: g.remaining, ResetAt: g.resetAt}
	}
	return nil
}

// Observe records the quota metadata carried by an upstream response.
func (g *Governor) Observe(remaining int, resetAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.known = true
	g.remaining = remaining
	g.resetAt = resetAt
}

// Remaining reports the last observed quota, and whether any response has
// been observed yet.
func (g *Governor) Remaining() (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remaining, g.known
}
