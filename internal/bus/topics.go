package bus

// Work item topics.
const (
	TopicItemClaimed  = "item.claimed"
	TopicItemSettled  = "item.settled"
	TopicItemRequeued = "item.requeued"
)

// Worker and policy topics.
const (
	TopicWorkerSettled   = "worker.settled"
	TopicBudgetExhausted = "budget.exhausted"
	TopicCompactionSaved = "compaction.saved"
	TopicCuratorReport   = "curator.report"
)

// Lifecycle topics.
const (
	TopicLifecycleStatus = "lifecycle.status"
	TopicSessionReset    = "lifecycle.session_reset"
)

// ItemEvent is published when a work item is claimed, settled or requeued.
type ItemEvent struct {
	ItemID    int64
	SessionID string
	Kind      string
	Status    string
}

// WorkerSettledEvent is published after every worker invocation, success or not.
type WorkerSettledEvent struct {
	SessionID string
	Role      string
	Outcome   string // "hit", "miss", "completed", "failed", "skipped"
	CostUSD   float64
	Duration  float64 // seconds
}

// BudgetExhaustedEvent is published once when the session ceiling is reached.
type BudgetExhaustedEvent struct {
	SessionID  string
	TotalUSD   float64
	CeilingUSD float64
}

// CompactionSavedEvent is published after a summary row is appended.
type CompactionSavedEvent struct {
	SessionID     string
	Version       int
	TokenEstimate int
}

// CuratorReportEvent carries the short report of a maintenance pass.
type CuratorReportEvent struct {
	SessionID string
	Report    string
}

// LifecycleEvent is published on every process state transition.
type LifecycleEvent struct {
	SessionID string
	From      string
	To        string
	Reason    string
}

// SessionResetEvent is published when the active session identity changes.
type SessionResetEvent struct {
	OldSessionID string
	NewSessionID string
}
