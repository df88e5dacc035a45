// Package types holds the data contracts shared by every component of the
// cognitive runtime: role identifiers, event kinds, failure attribution
// levels, operation options, and the error taxonomy returned by the Core APIs.
package types

import (
	"errors"
	"fmt"
	"time"
)

// Role identifies which reasoning role an LLM call belongs to.
type Role string

const (
	RolePlanner   Role = "planner"
	RoleExecutor  Role = "executor"
	RoleReflector Role = "reflector"
)

// EventKind labels one event on an operation's topic.
type EventKind string

const (
	EventGraphChanged         EventKind = "graph.changed"
	EventGraphRejected        EventKind = "graph.rejected"
	EventStepCompleted        EventKind = "execution.step.completed"
	EventLLMRequest           EventKind = "llm.request"
	EventLLMResponse          EventKind = "llm.response"
	EventInterventionRequired EventKind = "intervention.required"
	EventInterventionResolved EventKind = "intervention.resolved"
	EventPhaseChanged         EventKind = "phase.changed"
	EventMissionAccomplished  EventKind = "mission.accomplished"
	EventOperationAborted     EventKind = "operation.aborted"
	EventHeartbeat            EventKind = "heartbeat"

	// EventOverflow is synthesized per subscriber when its queue was
	// truncated; it never enters the replay ring.
	EventOverflow EventKind = "overflow"
)

// Event is the wire record delivered to subscribers. Seq is monotonic per
// operation.
type Event struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Event     EventKind      `json:"event"`
	Role      Role           `json:"role,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Phase names carried by phase.changed events.
type Phase string

const (
	PhasePlanning   Phase = "planning"
	PhaseExecuting  Phase = "executing"
	PhaseReflecting Phase = "reflecting"
)

// FailureLevel is the Reflector's attribution for a failed subtask.
// Levels drive the Scheduler's recovery choice: L0/L1 retry, L2 parent
// re-plan, L3/L4 operation re-plan, L5 abort.
type FailureLevel int

const (
	FailureTransient    FailureLevel = iota // L0: environmental, retry may help
	FailureToolTransport                    // L1: tool transport failure
	FailureToolMisuse                       // L2: wrong arguments or schema
	FailureReasoning                        // L3: hypothesis wrong, no evidence
	FailureInfeasible                       // L4: goal infeasible given evidence
	FailureFatal                            // L5: unrecoverable
)

func (l FailureLevel) String() string { return fmt.Sprintf("L%d", int(l)) }

// ParseFailureLevel accepts "L0".."L5".
func ParseFailureLevel(s string) (FailureLevel, error) {
	switch s {
	case "L0":
		return FailureTransient, nil
	case "L1":
		return FailureToolTransport, nil
	case "L2":
		return FailureToolMisuse, nil
	case "L3":
		return FailureReasoning, nil
	case "L4":
		return FailureInfeasible, nil
	case "L5":
		return FailureFatal, nil
	}
	return 0, fmt.Errorf("unknown failure level %q", s)
}

// OutputMode controls console verbosity.
type OutputMode string

const (
	OutputSimple  OutputMode = "simple"
	OutputDefault OutputMode = "default"
	OutputDebug   OutputMode = "debug"
)

// Options configures one operation.
type Options struct {
	MaxParallel    int        `json:"max_parallel" yaml:"max_parallel"`
	StepBudget     int        `json:"step_budget" yaml:"step_budget"`
	HITL           bool       `json:"hitl" yaml:"hitl"`
	PlannerModel   string     `json:"planner_model,omitempty" yaml:"planner_model"`
	ExecutorModel  string     `json:"executor_model,omitempty" yaml:"executor_model"`
	ReflectorModel string     `json:"reflector_model,omitempty" yaml:"reflector_model"`
	OutputMode     OutputMode `json:"output_mode" yaml:"output_mode"`
}

// DefaultOptions fills the defaults used when the caller leaves a field zero.
func DefaultOptions() Options {
	return Options{
		MaxParallel: 4,
		StepBudget:  64,
		OutputMode:  OutputDefault,
	}
}

// Normalize applies defaults to unset fields.
func (o Options) Normalize() Options {
	d := DefaultOptions()
	if o.MaxParallel <= 0 {
		o.MaxParallel = d.MaxParallel
	}
	if o.StepBudget <= 0 {
		o.StepBudget = d.StepBudget
	}
	if o.OutputMode == "" {
		o.OutputMode = d.OutputMode
	}
	return o
}

// OperationStatus is the user-visible lifecycle state of an operation.
type OperationStatus string

const (
	OpPending   OperationStatus = "pending"
	OpRunning   OperationStatus = "running"
	OpSucceeded OperationStatus = "succeeded"
	OpFailed    OperationStatus = "failed"
	OpAborted   OperationStatus = "aborted"
	OpStalled   OperationStatus = "stalled"
)

// Terminal reports whether the status admits no further transitions.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OpSucceeded, OpFailed, OpAborted, OpStalled:
		return true
	}
	return false
}

// InterventionAction is a human decision on a pending plan batch.
type InterventionAction string

const (
	InterventionApprove InterventionAction = "APPROVE"
	InterventionModify  InterventionAction = "MODIFY"
	InterventionReject  InterventionAction = "REJECT"
)

// ErrorKind classifies every error surfaced by Core APIs.
type ErrorKind string

const (
	ErrTransport  ErrorKind = "transport"
	ErrValidation ErrorKind = "validation"
	ErrInvariant  ErrorKind = "invariant"
	ErrBudget     ErrorKind = "budget"
	ErrCancelled  ErrorKind = "cancelled"
	ErrFatal      ErrorKind = "fatal"
)

// CoreError wraps an error with its taxonomy kind and the operation that
// produced it.
type CoreError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *CoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *CoreError) Unwrap() error { return e.Err }

// Errorf builds a CoreError with a formatted cause.
func Errorf(kind ErrorKind, op, format string, args ...any) *CoreError {
	return &CoreError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WrapError attaches a kind to err; nil in, nil out.
func WrapError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &CoreError{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the taxonomy kind from err, or "" if err carries none.
func KindOf(err error) ErrorKind {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
