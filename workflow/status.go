package workflow

// ExecutionStatus represents the state of a workflow execution.
type ExecutionStatus string

const (
	// ExecutionPending indicates the execution has been created but not started.
	ExecutionPending ExecutionStatus = "pending"
	// ExecutionRunning indicates node execution is in progress.
	ExecutionRunning ExecutionStatus = "running"
	// ExecutionSucceeded indicates every scheduled node succeeded.
	ExecutionSucceeded ExecutionStatus = "succeeded"
	// ExecutionFailed indicates the trigger or a non-recoverable node failed.
	ExecutionFailed ExecutionStatus = "failed"
	// ExecutionPartial indicates one or more nodes ended in the DLQ but the
	// graph still produced a terminal output.
	ExecutionPartial ExecutionStatus = "partial"
)

// String returns the string representation of the status.
func (s ExecutionStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known execution status.
func (s ExecutionStatus) IsValid() bool {
	switch s {
	case ExecutionPending, ExecutionRunning, ExecutionSucceeded, ExecutionFailed, ExecutionPartial:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the execution can no longer change state.
// Terminal executions are never reopened; retries create a new execution
// linked via ParentExecutionID.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionPartial:
		return true
	default:
		return false
	}
}

// NodeStatus represents the state of a single node execution.
type NodeStatus string

const (
	// NodePending indicates the node has been scheduled but not started.
	NodePending NodeStatus = "pending"
	// NodeRunning indicates an attempt is in flight.
	NodeRunning NodeStatus = "running"
	// NodeSucceeded indicates the node produced an output.
	NodeSucceeded NodeStatus = "succeeded"
	// NodeFailed indicates the node failed terminally without entering the DLQ.
	NodeFailed NodeStatus = "failed"
	// NodeRetrying indicates the node failed and a further attempt is scheduled.
	// The state remains retrying between attempts.
	NodeRetrying NodeStatus = "retrying"
	// NodeDLQ indicates retries exhausted and the attempt moved to the dead-letter queue.
	NodeDLQ NodeStatus = "dlq"
	// NodeSkipped indicates a branch deselected the node; it never ran.
	NodeSkipped NodeStatus = "skipped"
)

// String returns the string representation of the status.
func (s NodeStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known node status.
func (s NodeStatus) IsValid() bool {
	switch s {
	case NodePending, NodeRunning, NodeSucceeded, NodeFailed, NodeRetrying, NodeDLQ, NodeSkipped:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the node execution can no longer change state.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeDLQ, NodeSkipped:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the status can transition to the target status.
func (s NodeStatus) CanTransitionTo(target NodeStatus) bool {
	switch s {
	case NodePending:
		return target == NodeRunning || target == NodeSkipped
	case NodeRunning:
		return target == NodeSucceeded || target == NodeFailed || target == NodeRetrying
	case NodeRetrying:
		return target == NodeRunning || target == NodeDLQ
	case NodeFailed:
		return target == NodeDLQ
	default:
		return false
	}
}
