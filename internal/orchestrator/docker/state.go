package docker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"executor/internal/orchestrator"
)

// Container labels.
const (
	labelManagedBy = "managed-by"
	labelExecution = "execution.id"
	labelOwner     = "execution.owner"
	labelCPU       = "execution.cpu"
	labelMemory    = "execution.memory"

	managedBy = "executor"
)

// phaseOf maps a Docker container state onto a platform phase.
func phaseOf(state string) orchestrator.Phase {
	switch state {
	case "created", "restarting":
		return orchestrator.PhaseStarting
	case "running", "paused":
		return orchestrator.PhaseRunning
	case "removing", "exited", "dead":
		return orchestrator.PhaseExited
	default:
		return orchestrator.PhaseMissing
	}
}

// runtimeStatus converts a container inspection into a runtime status.
func runtimeStatus(state *container.State) orchestrator.RuntimeStatus {
	if state == nil {
		return orchestrator.RuntimeStatus{Phase: orchestrator.PhaseMissing}
	}
	status := orchestrator.RuntimeStatus{Phase: phaseOf(string(state.Status))}
	if status.Phase != orchestrator.PhaseExited {
		return status
	}
	status.ExitCode = state.ExitCode
	status.OOMKilled = state.OOMKilled
	status.Error = state.Error
	if t, err := time.Parse(time.RFC3339Nano, state.FinishedAt); err == nil && !t.IsZero() && t.Year() > 1 {
		status.FinishedAt = t
	}
	return status
}

// usageOf computes a resource reading from a stats sample. CPU is only
// available when the sample carries a previous reading.
func usageOf(stats *container.StatsResponse) orchestrator.Usage {
	u := orchestrator.Usage{MemoryBytes: stats.MemoryStats.Usage}
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if stats.PreCPUStats.SystemUsage > 0 && cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(stats.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = 1
		}
		u.CPUPercent = cpuDelta / sysDelta * cpus * 100
	}
	return u
}

// taskOf converts a container listing entry into a cluster task.
func taskOf(nodeID string, c *container.Summary) orchestrator.Task {
	name := c.ID
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	t := orchestrator.Task{
		Ref:         ref(nodeID, name),
		NodeID:      nodeID,
		ExecutionID: c.Labels[labelExecution],
		OwnerRef:    c.Labels[labelOwner],
		Phase:       phaseOf(string(c.State)),
		CreatedAt:   time.Unix(c.Created, 0).UTC(),
	}
	t.CPU, _ = strconv.ParseFloat(c.Labels[labelCPU], 64)
	t.MemoryMB, _ = strconv.Atoi(c.Labels[labelMemory])
	return t
}

func ref(nodeID, name string) string {
	return nodeID + "/" + name
}

// parseRef splits a container reference into node and container name.
func parseRef(r string) (nodeID, name string, err error) {
	nodeID, name, ok := strings.Cut(r, "/")
	if !ok || nodeID == "" || name == "" {
		return "", "", orchestrator.Rejected(fmt.Errorf("malformed container ref %q", r))
	}
	return nodeID, name, nil
}

// classify wraps a Docker error as transient or rejected. Requests the
// daemon refused on their merits, quota and resource exhaustion included,
// are rejected; connection failures and daemon-side errors are transient. Anything else is returned unclassified
// and is not retried.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	err = fmt.Errorf("%s: %w", op, err)
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case cerrdefs.IsInvalidArgument(err),
		cerrdefs.IsNotFound(err),
		cerrdefs.IsConflict(err),
		cerrdefs.IsPermissionDenied(err),
		cerrdefs.IsUnauthorized(err),
		cerrdefs.IsFailedPrecondition(err),
		cerrdefs.IsResourceExhausted(err),
		cerrdefs.IsNotImplemented(err):
		return orchestrator.Rejected(err)
	case cerrdefs.IsUnavailable(err),
		cerrdefs.IsDeadlineExceeded(err),
		cerrdefs.IsInternal(err),
		client.IsErrConnectionFailed(err):
		return orchestrator.Transient(err)
	default:
		return err
	}
}
