package stack

// RunEventType enumerates structured run events.
//
// These values are persisted in the event log and the sqlite state store, and
// are consumed by `stackctl stack status --follow` and the run console.
type RunEventType string

const (
	RunStarted   RunEventType = "RUN_STARTED"
	RunCompleted RunEventType = "RUN_COMPLETED"

	NodeMeta RunEventType = "NODE_META"

	NodeQueued    RunEventType = "NODE_QUEUED"
	NodeRunning   RunEventType = "NODE_RUNNING"
	NodeSubmitted RunEventType = "NODE_SUBMITTED"
	NodePolling   RunEventType = "NODE_POLLING"
	NodeSucceeded RunEventType = "NODE_SUCCEEDED"
	NodeFailed    RunEventType = "NODE_FAILED"
	NodeBlocked   RunEventType = "NODE_BLOCKED"
	NodeProtected RunEventType = "NODE_PROTECTED"

	HookStarted   RunEventType = "HOOK_STARTED"
	HookCompleted RunEventType = "HOOK_COMPLETED"
	HookSkipped   RunEventType = "HOOK_SKIPPED"

	BudgetWait     RunEventType = "BUDGET_WAIT"
	RetryScheduled RunEventType = "RETRY_SCHEDULED"

	// NodeLog is an ephemeral, non-durable event used for verbose rendering.
	// It is not stored in the event log or sqlite.
	NodeLog RunEventType = "NODE_LOG"

	// RunConcurrency is ephemeral like NodeLog. It reports changes to the
	// dynamic concurrency target when adaptive concurrency is enabled.
	RunConcurrency RunEventType = "RUN_CONCURRENCY"
)

type RunEventObserver interface {
	ObserveRunEvent(RunEvent)
}

type RunEventObserverFunc func(RunEvent)

func (f RunEventObserverFunc) ObserveRunEvent(ev RunEvent) {
	if f == nil {
		return
	}
	f(ev)
}
