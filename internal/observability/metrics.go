package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests, provisioning and background passes take
// - Traffic: Request/execution throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (running executions, queue sizes)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Execution metrics (Latency, Traffic, Errors, Saturation)
	ExecutionDuration       metric.Float64Histogram
	ExecutionsTotal         metric.Int64Counter
	ExecutionsTerminalTotal metric.Int64Counter
	ExecutionsActive        metric.Int64UpDownCounter

	// Platform metrics (Latency, Errors)
	ProvisioningDuration metric.Float64Histogram
	PlatformRetries      metric.Int64Counter
	PollErrors           metric.Int64Counter
	ContainerReleases    metric.Int64Counter

	// Cluster status metrics (Latency, Errors, Saturation)
	CollectionDuration metric.Float64Histogram
	CollectionErrors   metric.Int64Counter
	ClusterNodes       metric.Int64Gauge
	ClusterTasks       metric.Int64Gauge
	ClusterOrphans     metric.Int64Gauge
	CacheLookups       metric.Int64Counter

	// Aggregate stats metrics (Latency, Errors)
	StatsRefreshDuration metric.Float64Histogram
	StatsRefreshErrors   metric.Int64Counter

	// Reclamation and scheduler metrics (Latency, Traffic, Errors)
	SweepReclaimed   metric.Int64Counter
	SweepFailed      metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	TaskErrorsTotal  metric.Int64Counter
	TaskSkippedTotal metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration   metric.Float64Histogram
	DispatcherDelivered  metric.Int64Counter
	DispatcherFailed     metric.Int64Counter
	DispatcherDropped    metric.Int64Counter
	DispatcherRequeued   metric.Int64Counter
	DispatcherQueueSize  metric.Int64Gauge
	DispatcherBufferSize int64 // config value for saturation calculation
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("executor")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Execution metrics
	m.ExecutionDuration, err = meter.Float64Histogram(
		"execution_duration_seconds",
		metric.WithDescription("Execution run time from RUNNING to a terminal state in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ExecutionsTotal, err = meter.Int64Counter(
		"executions_total",
		metric.WithDescription("Total number of executions submitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ExecutionsTerminalTotal, err = meter.Int64Counter(
		"executions_terminal_total",
		metric.WithDescription("Total number of executions reaching a terminal state"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ExecutionsActive, err = meter.Int64UpDownCounter(
		"executions_running",
		metric.WithDescription("Number of executions currently RUNNING (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Platform metrics
	m.ProvisioningDuration, err = meter.Float64Histogram(
		"provisioning_duration_seconds",
		metric.WithDescription("Container provisioning latency including retries in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PlatformRetries, err = meter.Int64Counter(
		"platform_retries_total",
		metric.WithDescription("Total number of retried platform calls"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PollErrors, err = meter.Int64Counter(
		"poll_errors_total",
		metric.WithDescription("Total number of failed container status polls"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ContainerReleases, err = meter.Int64Counter(
		"container_releases_total",
		metric.WithDescription("Total number of container removal attempts for terminal executions"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Cluster status metrics
	m.CollectionDuration, err = meter.Float64Histogram(
		"cluster_collection_duration_seconds",
		metric.WithDescription("Cluster status collection latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CollectionErrors, err = meter.Int64Counter(
		"cluster_collection_errors_total",
		metric.WithDescription("Total number of failed cluster status collections"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ClusterNodes, err = meter.Int64Gauge(
		"cluster_nodes",
		metric.WithDescription("Nodes seen by the last cluster status collection"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ClusterTasks, err = meter.Int64Gauge(
		"cluster_tasks",
		metric.WithDescription("Managed containers seen by the last cluster status collection"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ClusterOrphans, err = meter.Int64Gauge(
		"cluster_orphans",
		metric.WithDescription("Managed containers without a live execution"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheLookups, err = meter.Int64Counter(
		"cache_lookups_total",
		metric.WithDescription("Total number of cache lookups by result (hit, stale, miss)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Aggregate stats metrics
	m.StatsRefreshDuration, err = meter.Float64Histogram(
		"stats_refresh_duration_seconds",
		metric.WithDescription("Aggregate statistic computation latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StatsRefreshErrors, err = meter.Int64Counter(
		"stats_refresh_errors_total",
		metric.WithDescription("Total number of failed aggregate statistic computations"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Reclamation and scheduler metrics
	m.SweepReclaimed, err = meter.Int64Counter(
		"sweep_reclaimed_total",
		metric.WithDescription("Total number of executions or containers reclaimed by sweeps"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SweepFailed, err = meter.Int64Counter(
		"sweep_failed_total",
		metric.WithDescription("Total number of sweep items that failed and will be retried"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram(
		"scheduler_task_duration_seconds",
		metric.WithDescription("Background task run latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TaskErrorsTotal, err = meter.Int64Counter(
		"scheduler_task_errors_total",
		metric.WithDescription("Total number of failed or panicked background task runs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TaskSkippedTotal, err = meter.Int64Counter(
		"scheduler_task_skipped_total",
		metric.WithDescription("Total number of ticks skipped because the previous run was still active"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordExecutionCreated records a new execution being submitted.
func (m *Metrics) RecordExecutionCreated(ctx context.Context, image string) {
	m.ExecutionsTotal.Add(ctx, 1, metric.WithAttributes(imageAttr(image)))
}

// RecordExecutionStarted records an execution reaching RUNNING.
func (m *Metrics) RecordExecutionStarted(ctx context.Context, image string) {
	m.ExecutionsActive.Add(ctx, 1, metric.WithAttributes(imageAttr(image)))
}

// RecordExecutionTerminal records an execution reaching a terminal state.
// started reports whether it was RUNNING before, in which case the running
// gauge is decremented and the run time recorded.
func (m *Metrics) RecordExecutionTerminal(ctx context.Context, image, state string, started bool, durationSeconds float64) {
	attrs := metric.WithAttributes(imageAttr(image), stateAttr(state))
	m.ExecutionsTerminalTotal.Add(ctx, 1, attrs)
	if started {
		m.ExecutionDuration.Record(ctx, durationSeconds, attrs)
		m.ExecutionsActive.Add(ctx, -1, metric.WithAttributes(imageAttr(image)))
	}
}

// RecordProvisioning records a provisioning attempt and its latency.
func (m *Metrics) RecordProvisioning(ctx context.Context, success bool, durationSeconds float64) {
	m.ProvisioningDuration.Record(ctx, durationSeconds, metric.WithAttributes(successAttr(success)))
}

// RecordPlatformRetry records a retried platform call.
func (m *Metrics) RecordPlatformRetry(ctx context.Context, op string) {
	m.PlatformRetries.Add(ctx, 1, metric.WithAttributes(opAttr(op)))
}

// RecordPollError records a failed status poll.
func (m *Metrics) RecordPollError(ctx context.Context) {
	m.PollErrors.Add(ctx, 1)
}

// RecordContainerRelease records a container removal for a terminal execution.
func (m *Metrics) RecordContainerRelease(ctx context.Context, success bool) {
	m.ContainerReleases.Add(ctx, 1, metric.WithAttributes(successAttr(success)))
}

// RecordCollection records a cluster status collection. Gauges are only
// updated on success.
func (m *Metrics) RecordCollection(ctx context.Context, success bool, durationSeconds float64, nodes, tasks, orphans int) {
	m.CollectionDuration.Record(ctx, durationSeconds, metric.WithAttributes(successAttr(success)))
	if !success {
		m.CollectionErrors.Add(ctx, 1)
		return
	}
	m.ClusterNodes.Record(ctx, int64(nodes))
	m.ClusterTasks.Record(ctx, int64(tasks))
	m.ClusterOrphans.Record(ctx, int64(orphans))
}

// RecordCacheLookup records a cache read by result: hit, stale or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, cache, result string) {
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(cacheAttr(cache), resultAttr(result)))
}

// RecordStatsRefresh records one aggregate statistic computation.
func (m *Metrics) RecordStatsRefresh(ctx context.Context, group string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(groupAttr(group), successAttr(success))
	m.StatsRefreshDuration.Record(ctx, durationSeconds, attrs)
	if !success {
		m.StatsRefreshErrors.Add(ctx, 1, metric.WithAttributes(groupAttr(group)))
	}
}

// RecordSweep records the outcome of one reclamation sweep.
func (m *Metrics) RecordSweep(ctx context.Context, sweep string, reclaimed, failed int) {
	attrs := metric.WithAttributes(sweepAttr(sweep))
	if reclaimed > 0 {
		m.SweepReclaimed.Add(ctx, int64(reclaimed), attrs)
	}
	if failed > 0 {
		m.SweepFailed.Add(ctx, int64(failed), attrs)
	}
}

// RecordTaskRun records a background task run.
func (m *Metrics) RecordTaskRun(ctx context.Context, task string, success bool, durationSeconds float64) {
	m.TaskDuration.Record(ctx, durationSeconds, metric.WithAttributes(taskAttr(task), successAttr(success)))
	if !success {
		m.TaskErrorsTotal.Add(ctx, 1, metric.WithAttributes(taskAttr(task)))
	}
}

// RecordTaskSkipped records a tick dropped because the task was still running.
func (m *Metrics) RecordTaskSkipped(ctx context.Context, task string) {
	m.TaskSkippedTotal.Add(ctx, 1, metric.WithAttributes(taskAttr(task)))
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
