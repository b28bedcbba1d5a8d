// Package orchestrator maps executions onto containers. It owns the only
// code path that creates or removes execution containers and translates
// container runtime status into registry transitions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"executor/internal/execution"
)

// Phase is the platform-independent lifecycle position of a container.
type Phase string

// Container phases.
const (
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseExited   Phase = "exited"
	PhaseMissing  Phase = "missing" // the platform has no such container
)

// Alive reports whether a container in this phase is starting or running.
func (p Phase) Alive() bool {
	return p == PhaseStarting || p == PhaseRunning
}

// Usage is a point-in-time resource reading for a container.
type Usage struct {
	CPUPercent  float64 `json:"cpuPercent"`
	MemoryBytes uint64  `json:"memoryBytes"`
}

// RuntimeStatus is what the platform reports about one container.
// ExitCode, Error and OOMKilled are meaningful only in PhaseExited.
type RuntimeStatus struct {
	Phase      Phase     `json:"phase"`
	ExitCode   int       `json:"exitCode"`
	Error      string    `json:"error,omitempty"`
	OOMKilled  bool      `json:"oomKilled,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
	Usage      Usage     `json:"usage"`
}

// Alive reports whether the container is starting or running.
func (s RuntimeStatus) Alive() bool {
	return s.Phase.Alive()
}

// Terminal reports whether the container has stopped for good.
func (s RuntimeStatus) Terminal() bool {
	return s.Phase == PhaseExited || s.Phase == PhaseMissing
}

// CreateRequest describes the container to provision for an execution.
type CreateRequest struct {
	ExecutionID string
	OwnerRef    string
	Name        string
	Spec        execution.Spec
}

// Platform is the container platform as seen by the orchestrator.
type Platform interface {
	// Create provisions and starts a container. The returned reference
	// identifies the attempted container even when err is non-nil, or is
	// empty if nothing was attempted.
	Create(ctx context.Context, req CreateRequest) (string, error)

	// Inspect reads a container's status. A container the platform does
	// not know is reported as PhaseMissing, not as an error.
	Inspect(ctx context.Context, ref string) (RuntimeStatus, error)

	// Remove force-stops and deletes a container. Removing a missing
	// container succeeds.
	Remove(ctx context.Context, ref string) error

	// Ready checks the platform is reachable.
	Ready(ctx context.Context) error
}

// Node is one machine of the cluster.
type Node struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Ready       bool   `json:"ready"`
	CPUs        int    `json:"cpus"`
	MemoryBytes int64  `json:"memoryBytes"`
	Error       string `json:"error,omitempty"`
}

// Task is one managed container as seen in a cluster-wide listing.
type Task struct {
	Ref         string    `json:"ref"`
	NodeID      string    `json:"nodeId"`
	ExecutionID string    `json:"executionId"`
	OwnerRef    string    `json:"ownerRef,omitempty"`
	Phase       Phase     `json:"phase"`
	CPU         float64   `json:"cpu"`
	MemoryMB    int       `json:"memoryMb"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Inventory is the read-only, batched view of the cluster used by the
// status collector. Each call costs O(nodes) platform requests.
type Inventory interface {
	Nodes(ctx context.Context) ([]Node, error)
	Tasks(ctx context.Context) ([]Task, error)
}

// Platform error classes. Implementations wrap native errors with
// Transient or Rejected so the retry policy can tell them apart.
var (
	ErrTransient        = errors.New("transient platform error")
	ErrRejected         = errors.New("platform rejected request")
	ErrRetriesExhausted = errors.New("platform retries exhausted")
)

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Rejected marks err as a final platform refusal.
func Rejected(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrRejected, err)
}

// ContainerName is the deterministic container name for an execution.
func ContainerName(executionID string) string {
	return "exec-" + executionID
}
