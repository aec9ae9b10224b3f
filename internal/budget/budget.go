// Package budget enforces per-user daily LLM spend limits. The gate is
// consulted before every provider call; a user-granted override lifts
// the limit for the rest of the calendar day.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/trellis/internal/store/kv"
)

// Ledger is the spend source. *kv.DB implements it.
type Ledger interface {
	CostSince(ctx context.Context, userID string, since time.Time) (float64, error)
	RecordUsage(ctx context.Context, ev kv.UsageEvent) error
}

// Status is the outcome of one budget check.
type Status struct {
	Allowed    bool
	SpentUSD   float64
	LimitUSD   float64
	Overridden bool
}

// Gate tracks overrides in memory; spend itself lives in the ledger.
type Gate struct {
	ledger Ledger
	mu     sync.Mutex
	// userID -> override expiry (midnight after the grant)
	overrides map[string]time.Time
	now       func() time.Time
}

func NewGate(ledger Ledger) *Gate {
	return &Gate{ledger: ledger, overrides: make(map[string]time.Time), now: time.Now}
}

// SetClock overrides the gate clock. Test hook.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// Check reports whether the user may spend. A limit of zero or less
// means unlimited.
func (g *Gate) Check(ctx context.Context, userID string, limitUSD float64) (Status, error) {
	if limitUSD <= 0 {
		return Status{Allowed: true, LimitUSD: limitUSD}, nil
	}

	now := g.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	spent, err := g.ledger.CostSince(ctx, userID, dayStart)
	if err != nil {
		return Status{}, fmt.Errorf("budget check: %w", err)
	}

	st := Status{SpentUSD: spent, LimitUSD: limitUSD}
	if spent < limitUSD {
		st.Allowed = true
		return st, nil
	}

	g.mu.Lock()
	expiry, ok := g.overrides[userID]
	if ok && !now.Before(expiry) {
		delete(g.overrides, userID)
		ok = false
	}
	g.mu.Unlock()

	if ok {
		st.Allowed = true
		st.Overridden = true
		return st, nil
	}

	slog.Info("budget.exhausted", "user", userID, "spent_usd", spent, "limit_usd", limitUSD)
	return st, nil
}

// GrantOverride lifts the limit for the user until the end of the
// current calendar day.
func (g *Gate) GrantOverride(userID string) {
	now := g.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	g.mu.Lock()
	g.overrides[userID] = midnight
	g.mu.Unlock()
	slog.Info("budget.override_granted", "user", userID, "until", midnight)
}

// Record appends spend to the ledger.
func (g *Gate) Record(ctx context.Context, ev kv.UsageEvent) error {
	return g.ledger.RecordUsage(ctx, ev)
}
