package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handle is a snapshot of one role's registry entry.
type Handle struct {
	Role            Role    `json:"role"`
	Token           Token   `json:"token,omitempty"`
	Busy            bool    `json:"busy"`
	Enabled         bool    `json:"enabled"`
	InvocationCount int     `json:"invocation_count"`
	CostTotal       float64 `json:"cost_total"`
	LastCost        float64 `json:"last_cost"`
}

type handleState struct {
	cfg         RoleConfig
	token       Token
	busy        bool
	idle        chan struct{} // closed while not busy
	invocations int
	costTotal   float64
	lastCost    float64
}

// Registry holds one handle per enabled role for the life of the process.
// Handles survive session resets; only Release mutates the token.
type Registry struct {
	mu      sync.Mutex
	handles map[Role]*handleState
}

// NewRegistry creates handles for the given role configs. Roles absent from
// configs are disabled.
func NewRegistry(configs []RoleConfig) (*Registry, error) {
	r := &Registry{handles: make(map[Role]*handleState, len(configs))}
	for _, cfg := range configs {
		if cfg.Role == "" {
			return nil, fmt.Errorf("role config with empty role")
		}
		if _, dup := r.handles[cfg.Role]; dup {
			return nil, fmt.Errorf("duplicate role %q", cfg.Role)
		}
		idle := make(chan struct{})
		close(idle)
		r.handles[cfg.Role] = &handleState{cfg: cfg, idle: idle}
	}
	return r, nil
}

// Enabled reports whether role has a handle.
func (r *Registry) Enabled(role Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[role]
	return ok
}

func (r *Registry) Config(role Role) (RoleConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[role]
	if !ok {
		return RoleConfig{}, false
	}
	return h.cfg, true
}

// TryAcquire marks role busy and returns its current token. It fails when
// the role is disabled or already busy; callers never wait here.
func (r *Registry) TryAcquire(role Role) (Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[role]
	if !ok || h.busy {
		return "", false
	}
	h.busy = true
	h.idle = make(chan struct{})
	return h.token, true
}

// Release clears the busy flag and records the settled invocation. A non-empty
// token replaces the stored one when the role persists sessions.
func (r *Registry) Release(role Role, token Token, cost float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[role]
	if !ok || !h.busy {
		return
	}
	if token != "" && h.cfg.PersistSession {
		h.token = token
	}
	h.invocations++
	h.lastCost = cost
	h.costTotal += cost
	h.busy = false
	close(h.idle)
}

func (r *Registry) Busy(role Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[role]
	return ok && h.busy
}

// WaitIdle blocks until role is not busy or ctx is done. Disabled roles are
// always idle.
func (r *Registry) WaitIdle(ctx context.Context, role Role) error {
	r.mu.Lock()
	h, ok := r.handles[role]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	idle := h.idle
	r.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot lists every role, enabled or not, in Roles order.
func (r *Registry) Snapshot() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(Roles))
	for _, role := range Roles {
		h, ok := r.handles[role]
		if !ok {
			out = append(out, Handle{Role: role})
			continue
		}
		out = append(out, Handle{
			Role:            role,
			Token:           h.token,
			Busy:            h.busy,
			Enabled:         true,
			InvocationCount: h.invocations,
			CostTotal:       h.costTotal,
			LastCost:        h.lastCost,
		})
	}
	return out
}

// SummaryJSON is the worker_handles column of the lifecycle record.
func (r *Registry) SummaryJSON() string {
	type entry struct {
		Role     Role   `json:"role"`
		HasToken bool   `json:"has_token"`
		Busy     bool   `json:"busy"`
		Status   string `json:"status"`
	}
	var entries []entry
	for _, h := range r.Snapshot() {
		if !h.Enabled {
			continue
		}
		status := "idle"
		if h.Busy {
			status = "busy"
		}
		entries = append(entries, entry{Role: h.Role, HasToken: h.Token != "", Busy: h.Busy, Status: status})
	}
	raw, err := json.Marshal(entries)
	if err != nil || entries == nil {
		return "[]"
	}
	return string(raw)
}
