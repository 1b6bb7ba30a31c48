package schema

// Event type constants for the run/step event stream. Types are dotted
// strings so downstream consumers can subscribe by prefix.
const (
	EventRunCreated   = "run.created"
	EventRunStarted   = "run.started"
	EventRunSucceeded = "run.succeeded"
	EventRunFailed    = "run.failed"
	EventRunCancelled = "run.cancelled"
	EventRunResumed   = "run.resumed"

	EventStepQueued    = "step.queued"
	EventStepStarted   = "step.started"
	EventStepSucceeded = "step.succeeded"
	EventStepFailed    = "step.failed"
	EventStepWaiting   = "step.waiting"
	EventStepRetry     = "step.retry"
	EventStepTimeout   = "step.timeout"
	EventStepCancelled = "step.cancelled"

	EventGateCreated = "gate.created"
	EventGateWaiting = "gate.waiting"
	EventGatePassed  = "gate.passed"
	EventGateFailed  = "gate.failed"

	EventDBWriteSucceeded = "db.write.succeeded"
	EventDBWriteDenied    = "db.write.denied"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusQueued    StepStatus = "queued"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusTimedOut  StepStatus = "timed_out"
	StepStatusCancelled StepStatus = "cancelled"
	StepStatusManual    StepStatus = "manual"
)

// Terminal reports whether the step status is final. The manual status is a
// suspension, not a terminal state: a human action moves it onward.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusTimedOut, StepStatusCancelled:
		return true
	}
	return false
}

// Retryable reports whether a step in this status may be reset by the retry
// controller. Succeeded steps are never retryable through that path.
func (s StepStatus) Retryable() bool {
	switch s {
	case StepStatusFailed, StepStatusTimedOut, StepStatusCancelled:
		return true
	}
	return false
}

// GateStatus represents the approval state of a gate record.
type GateStatus string

const (
	GateStatusPending GateStatus = "pending"
	GateStatusPassed  GateStatus = "passed"
	GateStatusFailed  GateStatus = "failed"
	GateStatusWaived  GateStatus = "waived"
)

// Approved reports whether the gate allows the guarded operation to proceed.
func (s GateStatus) Approved() bool {
	return s == GateStatusPassed || s == GateStatusWaived
}
