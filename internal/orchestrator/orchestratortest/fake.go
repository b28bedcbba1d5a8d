// Package orchestratortest provides an in-memory container platform for tests.
package orchestratortest

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"executor/internal/orchestrator"
)

// Platform is a fake orchestrator.Platform and orchestrator.Inventory.
// Containers start in PhaseRunning. Error hooks, when set, are consulted
// on every call; returning nil lets the call proceed.
type Platform struct {
	mu         sync.Mutex
	nodes      []orchestrator.Node
	containers map[string]*container

	PlaceErr   func() error
	CreateErr  func(req orchestrator.CreateRequest) error
	InspectErr func(ref string) error
	RemoveErr  func(ref string) error
	ListErr    func() error

	Creates  atomic.Int64
	Inspects atomic.Int64
	Removes  atomic.Int64
	Lists    atomic.Int64
}

type container struct {
	task   orchestrator.Task
	status orchestrator.RuntimeStatus
}

// New creates a fake platform with the given number of ready nodes.
func New(nodes int) *Platform {
	p := &Platform{containers: make(map[string]*container)}
	for i := range nodes {
		id := nodeID(i)
		p.nodes = append(p.nodes, orchestrator.Node{
			ID:          id,
			Name:        id,
			Ready:       true,
			CPUs:        8,
			MemoryBytes: 16 << 30,
		})
	}
	return p
}

func nodeID(i int) string {
	return "node-" + strconv.Itoa(i)
}

// Create places the container on the first node. A PlaceErr failure
// returns no ref, as when no node can take the container.
func (p *Platform) Create(_ context.Context, req orchestrator.CreateRequest) (string, error) {
	p.Creates.Add(1)
	if p.PlaceErr != nil {
		if err := p.PlaceErr(); err != nil {
			return "", err
		}
	}
	ref := p.nodes[0].ID + "/" + req.Name
	if p.CreateErr != nil {
		if err := p.CreateErr(req); err != nil {
			return ref, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.containers[ref] = &container{
		task: orchestrator.Task{
			Ref:         ref,
			NodeID:      p.nodes[0].ID,
			ExecutionID: req.ExecutionID,
			OwnerRef:    req.OwnerRef,
			Phase:       orchestrator.PhaseRunning,
			CPU:         req.Spec.CPU,
			MemoryMB:    req.Spec.Memory,
			CreatedAt:   time.Now(),
		},
		status: orchestrator.RuntimeStatus{Phase: orchestrator.PhaseRunning},
	}
	return ref, nil
}

// Inspect returns the stored status, or PhaseMissing.
func (p *Platform) Inspect(_ context.Context, ref string) (orchestrator.RuntimeStatus, error) {
	p.Inspects.Add(1)
	if p.InspectErr != nil {
		if err := p.InspectErr(ref); err != nil {
			return orchestrator.RuntimeStatus{}, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.containers[ref]
	if !ok {
		return orchestrator.RuntimeStatus{Phase: orchestrator.PhaseMissing}, nil
	}
	return c.status, nil
}

// Remove deletes the container; missing containers are fine.
func (p *Platform) Remove(_ context.Context, ref string) error {
	p.Removes.Add(1)
	if p.RemoveErr != nil {
		if err := p.RemoveErr(ref); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.containers, ref)
	return nil
}

// Ready always succeeds.
func (p *Platform) Ready(context.Context) error {
	return nil
}

// Nodes returns the configured nodes.
func (p *Platform) Nodes(context.Context) ([]orchestrator.Node, error) {
	p.Lists.Add(1)
	if p.ListErr != nil {
		if err := p.ListErr(); err != nil {
			return nil, err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]orchestrator.Node(nil), p.nodes...), nil
}

// Tasks returns every container.
func (p *Platform) Tasks(context.Context) ([]orchestrator.Task, error) {
	p.Lists.Add(1)
	if p.ListErr != nil {
		if err := p.ListErr(); err != nil {
			return nil, err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]orchestrator.Task, 0, len(p.containers))
	for _, c := range p.containers {
		t := c.task
		t.Phase = c.status.Phase
		out = append(out, t)
	}
	return out, nil
}

// SetStatus overrides the runtime status of a container.
func (p *Platform) SetStatus(ref string, status orchestrator.RuntimeStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.containers[ref]; ok {
		c.status = status
	}
}

// Exit marks a container as exited with code.
func (p *Platform) Exit(ref string, code int) {
	p.SetStatus(ref, orchestrator.RuntimeStatus{Phase: orchestrator.PhaseExited, ExitCode: code, FinishedAt: time.Now()})
}

// AddContainer registers a container the platform did not create through
// Create, such as one left behind by a crashed process.
func (p *Platform) AddContainer(task orchestrator.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if task.Phase == "" {
		task.Phase = orchestrator.PhaseRunning
	}
	p.containers[task.Ref] = &container{task: task, status: orchestrator.RuntimeStatus{Phase: task.Phase}}
}

// Has reports whether a container exists.
func (p *Platform) Has(ref string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.containers[ref]
	return ok
}

// Count returns the number of containers.
func (p *Platform) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.containers)
}

var (
	_ orchestrator.Platform  = (*Platform)(nil)
	_ orchestrator.Inventory = (*Platform)(nil)
)
