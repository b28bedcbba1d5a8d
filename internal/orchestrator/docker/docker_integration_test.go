//go:build integration

package docker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"executor/internal/execution"
	"executor/internal/orchestrator"
	"executor/internal/testutil"
)

func newIntegrationPlatform(t *testing.T) *Platform {
	t.Helper()
	p, err := New(Config{PullImages: true})
	if err != nil {
		t.Fatalf("Failed to create platform: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	if err := p.Ready(context.Background()); err != nil {
		t.Skipf("Docker not reachable: %v", err)
	}
	return p
}

func TestPlatform_RunToCompletion(t *testing.T) {
	ctx := context.Background()
	p := newIntegrationPlatform(t)

	id := fmt.Sprintf("it-%d", time.Now().UnixNano())
	ref, err := p.Create(ctx, orchestrator.CreateRequest{
		ExecutionID: id,
		OwnerRef:    "integration",
		Name:        orchestrator.ContainerName(id),
		Spec: execution.Spec{
			Image:   "alpine:latest",
			Command: "echo 'hello from executor' && sleep 1 && exit 3",
			CPU:     0.5,
			Memory:  64,
		},
	})
	if err != nil {
		t.Fatalf("Failed to create container: %v", err)
	}
	t.Cleanup(func() { _ = p.Remove(context.Background(), ref) })

	tasks, err := p.Tasks(ctx)
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	var found bool
	for _, task := range tasks {
		if task.Ref == ref {
			found = task.ExecutionID == id && task.MemoryMB == 64
		}
	}
	if !found {
		t.Errorf("Expected task %s in listing", ref)
	}

	var status orchestrator.RuntimeStatus
	testutil.MustWaitFor(t, func() bool {
		status, err = p.Inspect(ctx, ref)
		return err == nil && status.Terminal()
	}, testutil.WithTimeout(60*time.Second), testutil.WithInterval(time.Second))

	if status.Phase != orchestrator.PhaseExited || status.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %+v", status)
	}

	if err := p.Remove(ctx, ref); err != nil {
		t.Fatalf("Failed to remove container: %v", err)
	}
	status, err = p.Inspect(ctx, ref)
	if err != nil || status.Phase != orchestrator.PhaseMissing {
		t.Errorf("Expected missing after removal, got %+v %v", status, err)
	}
}

func TestPlatform_RemoveRunning(t *testing.T) {
	ctx := context.Background()
	p := newIntegrationPlatform(t)

	id := fmt.Sprintf("it-stop-%d", time.Now().UnixNano())
	ref, err := p.Create(ctx, orchestrator.CreateRequest{
		ExecutionID: id,
		OwnerRef:    "integration",
		Name:        orchestrator.ContainerName(id),
		Spec:        execution.Spec{Image: "alpine:latest", Command: "sleep 300", CPU: 0.5, Memory: 64},
	})
	if err != nil {
		t.Fatalf("Failed to create container: %v", err)
	}

	status, err := p.Inspect(ctx, ref)
	if err != nil || !status.Alive() {
		t.Fatalf("Expected live container, got %+v %v", status, err)
	}

	if err := p.Remove(ctx, ref); err != nil {
		t.Fatalf("Failed to remove container: %v", err)
	}
	status, err = p.Inspect(ctx, ref)
	if err != nil || status.Phase != orchestrator.PhaseMissing {
		t.Errorf("Expected missing after removal, got %+v %v", status, err)
	}
}

func TestPlatform_Nodes(t *testing.T) {
	p := newIntegrationPlatform(t)

	nodes, err := p.Nodes(context.Background())
	if err != nil {
		t.Fatalf("Failed to read nodes: %v", err)
	}
	if len(nodes) != 1 || !nodes[0].Ready || nodes[0].CPUs == 0 {
		t.Errorf("Unexpected nodes: %+v", nodes)
	}
}
