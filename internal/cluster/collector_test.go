package cluster_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"executor/internal/apperrors"
	"executor/internal/cache"
	"executor/internal/cluster"
	"executor/internal/execution"
	"executor/internal/orchestrator"
	"executor/internal/orchestrator/orchestratortest"
	"executor/internal/registry"
	"executor/internal/registry/registrytest"
	"executor/internal/testutil"
	"executor/pkg/circuitbreaker"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	collector *cluster.Collector
	platform  *orchestratortest.Platform
	registry  *registry.Store
	cache     *cache.Memory
	clock     *testutil.Clock
}

func newFixture(t *testing.T, cfg cluster.Config) *fixture {
	t.Helper()
	clock := testutil.NewClock(epoch)
	f := &fixture{
		platform: orchestratortest.New(2),
		registry: registrytest.New(t, registry.WithClock(clock.Now)),
		cache:    cache.NewMemory(cache.WithClock(clock.Now)),
		clock:    clock,
	}
	f.collector = cluster.New(f.platform, f.registry, f.cache, cfg, cluster.WithClock(clock.Now))
	return f
}

// start creates an execution and its container and records it RUNNING.
func (f *fixture) start(t *testing.T, cpu float64, memory int) *execution.Execution {
	t.Helper()
	ctx := context.Background()
	exec, err := f.registry.Create(ctx, "user-1", execution.Spec{Image: "alpine", CPU: cpu, Memory: memory, TimeoutSeconds: 60})
	require.NoError(t, err)
	ref, err := f.platform.Create(ctx, orchestrator.CreateRequest{
		ExecutionID: exec.ID,
		Name:        orchestrator.ContainerName(exec.ID),
		Spec:        exec.Spec,
	})
	require.NoError(t, err)
	exec, err = f.registry.Transition(ctx, exec.ID, execution.StateRunning, execution.TransitionMeta{ContainerRef: ref})
	require.NoError(t, err)
	return exec
}

func TestCollect_DerivesSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cluster.Config{})
	ctx := context.Background()

	running := f.start(t, 2, 1024)
	finished := f.start(t, 1, 512)
	code := 0
	_, err := f.registry.Transition(ctx, finished.ID, execution.StateFinished, execution.TransitionMeta{ExitCode: &code})
	require.NoError(t, err)
	f.platform.Exit(finished.ContainerRef, 0)
	f.platform.AddContainer(orchestrator.Task{Ref: "node-1/exec-ghost", NodeID: "node-1", ExecutionID: "ghost", CreatedAt: epoch.Add(-time.Hour)})
	f.platform.AddContainer(orchestrator.Task{Ref: "node-1/stray", NodeID: "node-1", CreatedAt: epoch.Add(-2 * time.Hour)})

	f.clock.Advance(time.Minute)
	snap, err := f.collector.Collect(ctx)
	require.NoError(t, err)

	assert.Equal(t, f.clock.Now(), snap.CollectedAt)
	require.Len(t, snap.Nodes, 2)
	assert.Len(t, snap.Tasks, 4)

	node0 := snap.Nodes[0]
	assert.Equal(t, "node-0", node0.ID)
	assert.Equal(t, 1, node0.Tasks, "exited containers hold no reservation")
	assert.Equal(t, 2.0, node0.CPUReserved)
	assert.Equal(t, 1024, node0.MemoryReservedMB)
	assert.InDelta(t, 0.25, node0.CPUUtilization, 1e-9)
	assert.InDelta(t, 1.0/16, node0.MemUtilization, 1e-9)

	assert.Equal(t, "node-0", snap.Placement[running.ID])
	assert.NotContains(t, snap.Placement, finished.ID)

	require.Len(t, snap.Orphans, 3)
	reasons := map[string]string{}
	for _, o := range snap.Orphans {
		reasons[o.Task.Ref] = o.Reason
	}
	assert.Equal(t, cluster.OrphanUnlabelled, reasons["node-1/stray"])
	assert.Equal(t, cluster.OrphanUnknown, reasons["node-1/exec-ghost"])
	assert.Equal(t, cluster.OrphanTerminal, reasons[finished.ContainerRef])
	assert.Equal(t, "node-1/stray", snap.Orphans[0].Task.Ref, "oldest orphan first")

	// Collection never changes execution state, only heartbeats.
	got, err := f.registry.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StateRunning, got.State)
	require.NotNil(t, got.LastHeartbeatAt)
	assert.Equal(t, f.clock.Now(), *got.LastHeartbeatAt)

	got, err = f.registry.Get(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StateFinished, got.State)
	assert.True(t, f.platform.Has(finished.ContainerRef), "orphans are reported, not removed")
}

func TestSnapshot_Hit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cluster.Config{Interval: 30 * time.Second})
	ctx := context.Background()
	f.start(t, 1, 128)

	_, err := f.collector.Collect(ctx)
	require.NoError(t, err)
	lists := f.platform.Lists.Load()

	f.clock.Advance(10 * time.Second)
	res, err := f.collector.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, cluster.SourceHit, res.Source)
	assert.Equal(t, 10.0, res.Age)
	assert.Len(t, res.Snapshot.Tasks, 1)
	assert.Equal(t, lists, f.platform.Lists.Load(), "a hit must not touch the platform")
}

func TestSnapshot_MissRefreshes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cluster.Config{})
	f.start(t, 1, 128)

	res, err := f.collector.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cluster.SourceMiss, res.Source)
	assert.Len(t, res.Snapshot.Tasks, 1)
	assert.Equal(t, int64(2), f.platform.Lists.Load(), "one nodes and one tasks listing")

	res, err = f.collector.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cluster.SourceHit, res.Source)
}

func TestSnapshot_StaleOnRefreshFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cluster.Config{Interval: 30 * time.Second, TTL: 45 * time.Second})
	ctx := context.Background()
	f.start(t, 1, 128)

	first, err := f.collector.Collect(ctx)
	require.NoError(t, err)

	f.platform.ListErr = func() error { return orchestrator.Transient(errors.New("daemon down")) }
	f.clock.Advance(time.Minute)

	res, err := f.collector.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, cluster.SourceStale, res.Source)
	assert.Equal(t, first.CollectedAt, res.Snapshot.CollectedAt)
	assert.Equal(t, 60.0, res.Age)
}

func TestSnapshot_NothingCachedAndPlatformDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cluster.Config{})
	f.platform.ListErr = func() error { return orchestrator.Transient(errors.New("daemon down")) }

	_, err := f.collector.Snapshot(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, cache.ErrMiss)
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)
	assert.Equal(t, 503, apperrors.HTTPStatus(err))
}

func TestSnapshot_SynchronousRefreshIsRateLimited(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cluster.Config{RefreshEvery: 10 * time.Second})
	f.platform.ListErr = func() error { return orchestrator.Transient(errors.New("daemon down")) }
	ctx := context.Background()

	_, err := f.collector.Snapshot(ctx)
	require.Error(t, err)
	calls := f.platform.Lists.Load()
	require.Positive(t, calls)

	_, err = f.collector.Snapshot(ctx)
	require.Error(t, err)
	assert.Equal(t, calls, f.platform.Lists.Load(), "second refresh within the window must not reach the platform")

	f.clock.Advance(11 * time.Second)
	f.platform.ListErr = nil
	res, err := f.collector.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, cluster.SourceMiss, res.Source)
}

func TestCollect_BreakerShieldsPlatform(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cluster.Config{Breaker: circuitbreaker.Config{Threshold: 2, Cooldown: time.Minute}})
	f.platform.ListErr = func() error { return orchestrator.Transient(errors.New("daemon down")) }
	ctx := context.Background()

	for range 2 {
		_, err := f.collector.Collect(ctx)
		require.Error(t, err)
	}
	calls := f.platform.Lists.Load()

	_, err := f.collector.Collect(ctx)
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, calls, f.platform.Lists.Load())

	f.platform.ListErr = nil
	f.clock.Advance(2 * time.Minute)
	_, err = f.collector.Collect(ctx)
	assert.NoError(t, err, "half-open probe should go through")
}

func TestWarm(t *testing.T) {
	t.Parallel()
	f := newFixture(t, cluster.Config{})

	require.NoError(t, f.collector.Warm(context.Background()))
	_, err := f.cache.Get(context.Background(), cluster.SnapshotKey)
	assert.NoError(t, err)
}
