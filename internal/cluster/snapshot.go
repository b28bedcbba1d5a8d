package cluster

import (
	"slices"
	"time"

	"executor/internal/execution"
	"executor/internal/orchestrator"
)

// Source tells where a snapshot read was served from.
type Source string

// Cache sources.
const (
	SourceHit   Source = "hit"   // fresh cached value
	SourceMiss  Source = "miss"  // refreshed synchronously
	SourceStale Source = "stale" // refresh failed, expired value served
)

// Orphan reasons.
const (
	OrphanUnknown    = "unknown_execution"
	OrphanTerminal   = "terminal_execution"
	OrphanUnlabelled = "unlabelled"
)

// NodeStatus is a node with its derived reservation and utilisation.
type NodeStatus struct {
	orchestrator.Node
	Tasks            int     `json:"tasks"`
	CPUReserved      float64 `json:"cpuReserved"`
	MemoryReservedMB int     `json:"memoryReservedMb"`
	CPUUtilization   float64 `json:"cpuUtilization"`    // reserved / capacity
	MemUtilization   float64 `json:"memoryUtilization"` // reserved / capacity
}

// Orphan is a managed container no live execution owns.
type Orphan struct {
	Task   orchestrator.Task `json:"task"`
	Reason string            `json:"reason"`
	State  execution.State   `json:"state,omitempty"` // for terminal_execution
}

// Snapshot is the derived cluster view at one point in time.
type Snapshot struct {
	Nodes       []NodeStatus        `json:"nodes"`
	Tasks       []orchestrator.Task `json:"tasks"`
	Placement   map[string]string   `json:"placement"` // execution id -> node id
	Orphans     []Orphan            `json:"orphans"`
	CollectedAt time.Time           `json:"collectedAt"`
}

// Result is a snapshot read.
type Result struct {
	Snapshot *Snapshot `json:"snapshot"`
	Source   Source    `json:"source"`
	Age      float64   `json:"ageSeconds"`
}

// derive builds a snapshot from raw platform data. states maps the
// execution ids seen on tasks to their registry state; ids absent from
// states are unknown to the registry.
func derive(nodes []orchestrator.Node, tasks []orchestrator.Task, states map[string]execution.State, at time.Time) *Snapshot {
	s := &Snapshot{
		Tasks:       tasks,
		Placement:   make(map[string]string, len(tasks)),
		CollectedAt: at,
	}

	byNode := make(map[string]*NodeStatus, len(nodes))
	s.Nodes = make([]NodeStatus, len(nodes))
	for i, n := range nodes {
		s.Nodes[i] = NodeStatus{Node: n}
		byNode[n.ID] = &s.Nodes[i]
	}

	for _, t := range tasks {
		if t.ExecutionID == "" {
			s.Orphans = append(s.Orphans, Orphan{Task: t, Reason: OrphanUnlabelled})
			continue
		}
		state, known := states[t.ExecutionID]
		switch {
		case !known:
			s.Orphans = append(s.Orphans, Orphan{Task: t, Reason: OrphanUnknown})
		case state.IsTerminal():
			s.Orphans = append(s.Orphans, Orphan{Task: t, Reason: OrphanTerminal, State: state})
		}

		if !t.Phase.Alive() {
			continue
		}
		s.Placement[t.ExecutionID] = t.NodeID
		if n, ok := byNode[t.NodeID]; ok {
			n.Tasks++
			n.CPUReserved += t.CPU
			n.MemoryReservedMB += t.MemoryMB
		}
	}

	for i := range s.Nodes {
		n := &s.Nodes[i]
		if n.CPUs > 0 {
			n.CPUUtilization = n.CPUReserved / float64(n.CPUs)
		}
		if n.MemoryBytes > 0 {
			n.MemUtilization = float64(n.MemoryReservedMB) * 1024 * 1024 / float64(n.MemoryBytes)
		}
	}

	slices.SortFunc(s.Orphans, func(a, b Orphan) int {
		return a.Task.CreatedAt.Compare(b.Task.CreatedAt)
	})
	return s
}

// LiveExecutions returns the ids of executions with a live container.
func (s *Snapshot) LiveExecutions() []string {
	ids := make([]string, 0, len(s.Placement))
	for id := range s.Placement {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
