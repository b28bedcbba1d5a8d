package docker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"

	"executor/internal/orchestrator"
)

func TestPhaseOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state string
		want  orchestrator.Phase
	}{
		{"created", orchestrator.PhaseStarting},
		{"restarting", orchestrator.PhaseStarting},
		{"running", orchestrator.PhaseRunning},
		{"paused", orchestrator.PhaseRunning},
		{"removing", orchestrator.PhaseExited},
		{"exited", orchestrator.PhaseExited},
		{"dead", orchestrator.PhaseExited},
		{"", orchestrator.PhaseMissing},
	}

	for _, tt := range tests {
		if got := phaseOf(tt.state); got != tt.want {
			t.Errorf("phaseOf(%q) = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestRuntimeStatus(t *testing.T) {
	t.Parallel()

	if got := runtimeStatus(nil); got.Phase != orchestrator.PhaseMissing {
		t.Errorf("nil state should be missing, got %s", got.Phase)
	}

	running := runtimeStatus(&container.State{Status: "running", Running: true, ExitCode: 0})
	if !running.Alive() || running.ExitCode != 0 {
		t.Errorf("unexpected running status %+v", running)
	}

	finished := "2024-05-01T12:00:00.123456789Z"
	exited := runtimeStatus(&container.State{
		Status:     "exited",
		ExitCode:   137,
		OOMKilled:  true,
		Error:      "",
		FinishedAt: finished,
	})
	if !exited.Terminal() || exited.ExitCode != 137 || !exited.OOMKilled {
		t.Errorf("unexpected exited status %+v", exited)
	}
	want, _ := time.Parse(time.RFC3339Nano, finished)
	if !exited.FinishedAt.Equal(want) {
		t.Errorf("expected finishedAt %v, got %v", want, exited.FinishedAt)
	}

	neverFinished := runtimeStatus(&container.State{Status: "dead", FinishedAt: "0001-01-01T00:00:00Z", Error: "mount failed"})
	if !neverFinished.FinishedAt.IsZero() || neverFinished.Error != "mount failed" {
		t.Errorf("unexpected dead status %+v", neverFinished)
	}
}

func TestUsageOf(t *testing.T) {
	t.Parallel()

	oneShot := &container.StatsResponse{}
	oneShot.MemoryStats.Usage = 64 << 20
	oneShot.CPUStats.CPUUsage.TotalUsage = 500
	oneShot.CPUStats.SystemUsage = 10000
	u := usageOf(oneShot)
	if u.MemoryBytes != 64<<20 || u.CPUPercent != 0 {
		t.Errorf("one-shot sample should only carry memory, got %+v", u)
	}

	sampled := &container.StatsResponse{}
	sampled.CPUStats.CPUUsage.TotalUsage = 300
	sampled.CPUStats.SystemUsage = 2000
	sampled.CPUStats.OnlineCPUs = 2
	sampled.PreCPUStats.CPUUsage.TotalUsage = 100
	sampled.PreCPUStats.SystemUsage = 1000
	if got := usageOf(sampled).CPUPercent; got != 40 {
		t.Errorf("expected 40%% cpu, got %v", got)
	}
}

func TestTaskOf(t *testing.T) {
	t.Parallel()
	c := &container.Summary{
		ID:      "abc123",
		Names:   []string{"/exec-42"},
		State:   "running",
		Created: 1714564800,
		Labels: map[string]string{
			labelManagedBy: managedBy,
			labelExecution: "42",
			labelOwner:     "user-1",
			labelCPU:       "0.5",
			labelMemory:    "256",
		},
	}

	task := taskOf("node-a", c)
	if task.Ref != "node-a/exec-42" || task.NodeID != "node-a" {
		t.Errorf("unexpected placement %q %q", task.Ref, task.NodeID)
	}
	if task.ExecutionID != "42" || task.OwnerRef != "user-1" {
		t.Errorf("unexpected labels %q %q", task.ExecutionID, task.OwnerRef)
	}
	if task.CPU != 0.5 || task.MemoryMB != 256 || task.Phase != orchestrator.PhaseRunning {
		t.Errorf("unexpected resources %+v", task)
	}
	if !task.CreatedAt.Equal(time.Unix(1714564800, 0)) {
		t.Errorf("unexpected createdAt %v", task.CreatedAt)
	}

	unnamed := taskOf("node-a", &container.Summary{ID: "abc123", State: "exited"})
	if unnamed.Ref != "node-a/abc123" || unnamed.ExecutionID != "" {
		t.Errorf("unexpected unnamed task %+v", unnamed)
	}
}

func TestParseRef(t *testing.T) {
	t.Parallel()
	nodeID, name, err := parseRef("node-a/exec-42")
	if err != nil || nodeID != "node-a" || name != "exec-42" {
		t.Fatalf("parseRef = %q %q %v", nodeID, name, err)
	}

	for _, bad := range []string{"", "exec-42", "/exec-42", "node-a/"} {
		if _, _, err := parseRef(bad); !errors.Is(err, orchestrator.ErrRejected) {
			t.Errorf("parseRef(%q) should be rejected, got %v", bad, err)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		transient bool
		rejected  bool
	}{
		{"nil", nil, false, false},
		{"not found", fmt.Errorf("no such image: %w", cerrdefs.ErrNotFound), false, true},
		{"conflict", cerrdefs.ErrConflict, false, true},
		{"invalid argument", cerrdefs.ErrInvalidArgument, false, true},
		{"permission denied", cerrdefs.ErrPermissionDenied, false, true},
		{"unavailable", cerrdefs.ErrUnavailable, true, false},
		{"deadline", context.DeadlineExceeded, true, false},
		{"resource exhausted", cerrdefs.ErrResourceExhausted, false, true},
		{"internal", cerrdefs.ErrInternal, true, false},
		{"cancelled", context.Canceled, false, false},
		{"unknown", errors.New("something odd"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := classify("docker.test", tt.err)
			if tt.err == nil {
				if err != nil {
					t.Fatalf("expected nil, got %v", err)
				}
				return
			}
			if got := errors.Is(err, orchestrator.ErrTransient); got != tt.transient {
				t.Errorf("transient = %v, want %v (%v)", got, tt.transient, err)
			}
			if got := errors.Is(err, orchestrator.ErrRejected); got != tt.rejected {
				t.Errorf("rejected = %v, want %v (%v)", got, tt.rejected, err)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("cause must be preserved: %v", err)
			}
		})
	}
}

func TestParseHosts(t *testing.T) {
	t.Parallel()

	hosts, err := ParseHosts([]string{"a=tcp://10.0.0.1:2376", "tcp://10.0.0.2:2376"})
	if err != nil {
		t.Fatalf("ParseHosts failed: %v", err)
	}
	want := []Host{{Name: "a", URL: "tcp://10.0.0.1:2376"}, {Name: "node-1", URL: "tcp://10.0.0.2:2376"}}
	if len(hosts) != len(want) || hosts[0] != want[0] || hosts[1] != want[1] {
		t.Errorf("ParseHosts = %+v, want %+v", hosts, want)
	}

	if _, err := ParseHosts([]string{"a=tcp://x", "a=tcp://y"}); err == nil {
		t.Error("expected duplicate name error")
	}
	if _, err := ParseHosts([]string{"a/b=tcp://x"}); err == nil {
		t.Error("expected invalid name error")
	}
}
