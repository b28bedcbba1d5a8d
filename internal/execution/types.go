// Package execution defines the execution lifecycle: its data model, the
// state machine transition table, submission validation, lifecycle events,
// and the boundary service consumed by request-handling collaborators.
package execution

import (
	"context"
	"time"
)

// Failure reasons recorded on FAILED executions. Reasons may carry a detail
// suffix after ": ".
const (
	ReasonProvisioningError   = "provisioning_error"
	ReasonPlatformUnreachable = "platform_unreachable"
	ReasonPlatformError       = "platform_error"
	ReasonExitCode            = "exit_code"
	ReasonOOMKilled           = "oom_killed"
	ReasonContainerLost       = "container_lost"
	ReasonStaleTimeout        = "stale_timeout"
	ReasonTimeout             = "timeout"
	ReasonCancelled           = "cancelled"
)

// Spec describes the workload an execution runs.
type Spec struct {
	Image          string            `json:"image"`
	Command        string            `json:"command,omitempty"`
	CPU            float64           `json:"cpu"`
	Memory         int               `json:"memory"` // MB
	Environment    map[string]string `json:"environment,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
	Meta           map[string]string `json:"meta,omitempty"`
	Callback       *Callback         `json:"callback,omitempty"`
}

// Callback represents callback configuration for an execution.
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Key    string   `json:"key,omitempty"` // HMAC signing key
}

// Execution is the durable record of one submitted job.
type Execution struct {
	ID              string     `json:"id"`
	OwnerRef        string     `json:"ownerRef"`
	State           State      `json:"state"`
	Spec            Spec       `json:"spec"`
	ContainerRef    string     `json:"containerRef,omitempty"`
	FailureReason   string     `json:"failureReason,omitempty"`
	ExitCode        *int       `json:"exitCode,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
	ReleasedAt      *time.Time `json:"releasedAt,omitempty"`
}

// Redacted returns a copy safe to hand to collaborators: the callback
// signing key is removed.
func (e *Execution) Redacted() *Execution {
	out := *e
	if e.Spec.Callback != nil {
		cb := *e.Spec.Callback
		cb.Key = ""
		out.Spec.Callback = &cb
	}
	return &out
}

// Deadline returns when a running execution exceeds its timeout.
// The second result is false when the execution has not started.
func (e *Execution) Deadline() (time.Time, bool) {
	if e.StartedAt == nil || e.Spec.TimeoutSeconds <= 0 {
		return time.Time{}, false
	}
	return e.StartedAt.Add(time.Duration(e.Spec.TimeoutSeconds) * time.Second), true
}

// TransitionMeta carries the fields a transition may set.
type TransitionMeta struct {
	// From, when set, is the state the caller observed. The transition
	// is refused if the execution has moved on since.
	From          State
	ContainerRef  string
	FailureReason string
	ExitCode      *int
}

// Filter selects executions for list queries. Zero values are ignored.
type Filter struct {
	IDs             []string
	States          []State
	OwnerRef        string
	CreatedAfter    time.Time
	CreatedBefore   time.Time
	FinishedBefore  time.Time
	HeartbeatBefore time.Time // matches RUNNING executions with no heartbeat started before this time too
	Unreleased      bool
	Limit           int
}

// Registry is the durable store of executions.
type Registry interface {
	// Create inserts a new PENDING execution.
	Create(ctx context.Context, ownerRef string, spec Spec) (*Execution, error)

	// Transition moves an execution to target if the transition table
	// allows it and no concurrent writer changed the state first.
	Transition(ctx context.Context, id string, target State, meta TransitionMeta) (*Execution, error)

	Get(ctx context.Context, id string) (*Execution, error)
	List(ctx context.Context, filter Filter) ([]*Execution, error)

	// Heartbeat records liveness for RUNNING executions and returns the
	// number of records updated.
	Heartbeat(ctx context.Context, ids []string, at time.Time) (int64, error)

	// MarkReleased records that container resources were removed.
	// Reports false when the execution was already released.
	MarkReleased(ctx context.Context, id string, at time.Time) (bool, error)
}

// Runner drives the container side of the lifecycle.
type Runner interface {
	// Provision creates the container for a PENDING execution.
	Provision(ctx context.Context, exec *Execution) (*Execution, error)

	// Cancel stops and removes the container, then records CANCELLED.
	Cancel(ctx context.Context, exec *Execution) (*Execution, error)

	// Reconcile polls a RUNNING execution and finalizes it when its
	// container has stopped.
	Reconcile(ctx context.Context, exec *Execution) (*Execution, error)
}
