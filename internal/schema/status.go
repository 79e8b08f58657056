package schema

import "time"

// LoopStatus is the registry status of a strategy's execution loop.
type LoopStatus string

const (
	LoopStarting LoopStatus = "starting"
	LoopRunning  LoopStatus = "running"
	LoopStopping LoopStatus = "stopping"
	LoopStopped  LoopStatus = "stopped"
	LoopError    LoopStatus = "error"
)

// IsTerminal reports whether the loop has exited.
func (s LoopStatus) IsTerminal() bool {
	return s == LoopStopped || s == LoopError
}

// LoopEntry binds a strategy identity to its running loop.
type LoopEntry struct {
	StrategyID string
	Status     LoopStatus
	StartedAt  time.Time
	StoppedAt  time.Time
	Error      string
}

// Operation is a lifecycle operation kind.
type Operation string

const (
	OperationStart    Operation = "start"
	OperationShutdown Operation = "shutdown"
)

// OperationStatus is the sub-state of a lifecycle operation.
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"

	// start
	OperationValidating   OperationStatus = "validating"
	OperationStartingLoop OperationStatus = "starting_loop"
	OperationPublishing   OperationStatus = "publishing"

	// shutdown
	OperationWaitingChain OperationStatus = "waiting_for_chain"
	OperationStoppingLoop OperationStatus = "stopping_loop"
	OperationTearingDown  OperationStatus = "tearing_down"
)

// IsTerminal reports whether the operation reached completed or failed.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationCompleted || s == OperationFailed
}

// OperationState tracks a start or shutdown operation in progress for a strategy.
type OperationState struct {
	ID          string
	StrategyID  string
	Operation   Operation
	Status      OperationStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string
}
