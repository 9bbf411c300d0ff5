package engine

import (
	"encoding/json"
	"sync"

	"github.com/basket/go-cortex/internal/agent"
)

// Budget is the session cost governor. The total only grows, and exhaustion
// is reported exactly once, the first time a positive ceiling is met.
type Budget struct {
	mu      sync.Mutex
	ceiling float64
	total   float64
	perRole map[agent.Role]float64
	fired   bool
}

func NewBudget(ceiling float64) *Budget {
	if ceiling < 0 {
		ceiling = 0
	}
	return &Budget{ceiling: ceiling, perRole: make(map[agent.Role]float64)}
}

// Add records cost for role and reports whether this call exhausted the
// session budget. Negative costs are ignored.
func (b *Budget) Add(role agent.Role, cost float64) bool {
	if cost <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += cost
	b.perRole[role] += cost
	return b.checkLocked()
}

// SetCeiling replaces the ceiling and reports whether the current total
// already meets it.
func (b *Budget) SetCeiling(ceiling float64) bool {
	if ceiling < 0 {
		ceiling = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ceiling = ceiling
	return b.checkLocked()
}

func (b *Budget) checkLocked() bool {
	if b.fired || b.ceiling <= 0 || b.total < b.ceiling {
		return false
	}
	b.fired = true
	return true
}

func (b *Budget) Total() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *Budget) Ceiling() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ceiling
}

func (b *Budget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fired
}

// PerRole returns a copy of the informational per-role totals.
func (b *Budget) PerRole() map[agent.Role]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[agent.Role]float64, len(b.perRole))
	for k, v := range b.perRole {
		out[k] = v
	}
	return out
}

// JSON is the budgets_spent column of the lifecycle record.
func (b *Budget) JSON() string {
	b.mu.Lock()
	doc := struct {
		Total   float64                `json:"total"`
		Ceiling float64                `json:"ceiling"`
		PerRole map[agent.Role]float64 `json:"per_role"`
	}{b.total, b.ceiling, make(map[agent.Role]float64, len(b.perRole))}
	for k, v := range b.perRole {
		doc.PerRole[k] = v
	}
	b.mu.Unlock()
	out, err := json.Marshal(doc)
	if err != nil {
		return "{}"
	}
	return string(out)
}
