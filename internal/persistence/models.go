package persistence

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrIllegalTransition is returned when a status change is not allowed.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrVersionConflict is returned when a compaction version is not the next one.
	ErrVersionConflict = errors.New("compaction version conflict")
)

// DefaultClaimLimit bounds one poll cycle.
const DefaultClaimLimit = 10

// ItemKind is the closed set of work item kinds. Values outside the set are
// stored verbatim and routed as no-ops.
type ItemKind string

const (
	KindQuery              ItemKind = "query"
	KindObservation        ItemKind = "observation"
	KindMaintenanceTrigger ItemKind = "maintenance_trigger"
	KindCompactionTrigger  ItemKind = "compaction_trigger"
	KindReset              ItemKind = "reset"
	KindLifecycleEvent     ItemKind = "lifecycle_event"
)

// ItemKinds lists every known kind.
var ItemKinds = []ItemKind{
	KindQuery,
	KindObservation,
	KindMaintenanceTrigger,
	KindCompactionTrigger,
	KindReset,
	KindLifecycleEvent,
}

// Known reports whether k is one of ItemKinds.
func (k ItemKind) Known() bool {
	for _, known := range ItemKinds {
		if k == known {
			return true
		}
	}
	return false
}

type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// itemTransitions: pending -> processing -> {completed|failed}, plus the
// explicit requeue processing -> pending and shutdown failing of pending items.
var itemTransitions = map[ItemStatus]map[ItemStatus]struct{}{
	ItemPending: {
		ItemProcessing: {},
		ItemFailed:     {},
	},
	ItemProcessing: {
		ItemCompleted: {},
		ItemFailed:    {},
		ItemPending:   {},
	},
}

// CanTransition reports whether an item may move from one status to another.
func CanTransition(from, to ItemStatus) bool {
	next, ok := itemTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// WorkItem is one unit of inbound work for a session.
type WorkItem struct {
	ID        int64      `json:"id" db:"id"`
	SessionID string     `json:"session_id" db:"session_id"`
	Kind      ItemKind   `json:"kind" db:"kind"`
	Payload   string     `json:"payload" db:"payload"`
	Status    ItemStatus `json:"status" db:"status"`
	ClaimedBy string     `json:"claimed_by,omitempty" db:"claimed_by"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// ItemEvent is one row of the item transition audit trail.
type ItemEvent struct {
	EventID   int64      `json:"event_id" db:"event_id"`
	ItemID    int64      `json:"item_id" db:"item_id"`
	SessionID string     `json:"session_id" db:"session_id"`
	RunID     string     `json:"run_id,omitempty" db:"run_id"`
	TraceID   string     `json:"trace_id" db:"trace_id"`
	StateFrom ItemStatus `json:"state_from" db:"state_from"`
	StateTo   ItemStatus `json:"state_to" db:"state_to"`
	Reason    string     `json:"reason" db:"reason"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

type ResultKind string

const (
	ResultHit  ResultKind = "hit"
	ResultMiss ResultKind = "miss"
)

// RetrievalResult is written once per query attempt per retriever.
type RetrievalResult struct {
	ID           int64      `json:"id" db:"id"`
	SessionID    string     `json:"session_id" db:"session_id"`
	Fingerprint  string     `json:"fingerprint" db:"fingerprint"`
	Kind         ResultKind `json:"kind" db:"kind"`
	Text         string     `json:"text,omitempty" db:"text"`
	Confidence   float64    `json:"confidence" db:"confidence"`
	SourceWorker string     `json:"source_worker" db:"source_worker"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

type LifecycleStatus string

const (
	StatusStarting LifecycleStatus = "starting"
	StatusRunning  LifecycleStatus = "running"
	StatusStopping LifecycleStatus = "stopping"
	StatusStopped  LifecycleStatus = "stopped"
	StatusCrashed  LifecycleStatus = "crashed"
	StatusClearing LifecycleStatus = "clearing"
	StatusCleared  LifecycleStatus = "cleared"
	StatusReplaced LifecycleStatus = "replaced"
)

// Terminal reports whether no further status change is expected.
func (s LifecycleStatus) Terminal() bool {
	switch s {
	case StatusStopped, StatusCrashed, StatusCleared, StatusReplaced:
		return true
	}
	return false
}

// lifecycleFrom lists, per target status, the statuses a conditional
// finalize may overwrite. Terminal statuses never appear as a source, and
// "clearing" (set by a competing actor) only yields to cleared/replaced.
var lifecycleFrom = map[LifecycleStatus][]LifecycleStatus{
	StatusRunning:  {StatusStarting, StatusRunning},
	StatusStopping: {StatusStarting, StatusRunning},
	StatusStopped:  {StatusStarting, StatusRunning, StatusStopping},
	StatusCrashed:  {StatusStarting, StatusRunning, StatusStopping},
	StatusClearing: {StatusStarting, StatusRunning},
	StatusCleared:  {StatusStarting, StatusRunning, StatusStopping, StatusClearing},
	StatusReplaced: {StatusStarting, StatusRunning, StatusStopping, StatusClearing},
}

// FinalizeSources returns the statuses that may be overwritten by to.
func FinalizeSources(to LifecycleStatus) []LifecycleStatus {
	return lifecycleFrom[to]
}

// OrchestratorRecord is the per-session-identity lifecycle row.
type OrchestratorRecord struct {
	SessionID       string          `json:"session_id" db:"session_id"`
	ProcessID       int             `json:"process_id" db:"process_id"`
	ParentProcessID int             `json:"parent_process_id,omitempty" db:"parent_process_id"`
	Status          LifecycleStatus `json:"status" db:"status"`
	WorkerHandles   string          `json:"worker_handles" db:"worker_handles"` // JSON summary
	BudgetsSpent    string          `json:"budgets_spent" db:"budgets_spent"`   // JSON map role -> USD
	HeartbeatAt     *time.Time      `json:"heartbeat_at,omitempty" db:"heartbeat_at"`
	StartedAt       time.Time       `json:"started_at" db:"started_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// CompactionRecord is an append-only versioned summary.
type CompactionRecord struct {
	SessionID     string    `json:"session_id" db:"session_id"`
	Version       int       `json:"version" db:"version"`
	Summary       string    `json:"summary" db:"summary"`
	Tail          string    `json:"tail" db:"tail"`
	TokenEstimate int       `json:"token_estimate" db:"token_estimate"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

type UsageStatus string

const (
	UsageDisabled UsageStatus = "disabled"
	UsageIdle     UsageStatus = "idle"
	UsageBusy     UsageStatus = "busy"
)

// AgentUsage is the monitoring projection upserted on each heartbeat.
type AgentUsage struct {
	SessionID       string      `json:"session_id" db:"session_id"`
	Role            string      `json:"role" db:"role"`
	InvocationCount int         `json:"invocation_count" db:"invocation_count"`
	CostTotal       float64     `json:"cost_total" db:"cost_total"`
	LastCost        float64     `json:"last_cost" db:"last_cost"`
	Status          UsageStatus `json:"status" db:"status"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}
