package tracing

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SubscriberCounter provides subscriber count metrics.
type SubscriberCounter interface {
	TotalSubscriberCount() int
	SubscriberMapKeyCount() int
}

// RunCounter provides run count metrics.
type RunCounter interface {
	RunCount() int
}

// MetricsCollector collects Prometheus-compatible metrics for run execution
// and worker dispatch.
type MetricsCollector struct {
	meter metric.Meter

	// Counters
	runsTotal        metric.Int64Counter
	nodesTotal       metric.Int64Counter
	dispatchTotal    metric.Int64Counter
	sessionsTotal    metric.Int64Counter
	auditDroppedTotal metric.Int64Counter

	// Histograms
	runDuration      metric.Float64Histogram
	nodeDuration     metric.Float64Histogram
	dispatchLatency  metric.Float64Histogram

	// Gauges (using observable gauges)
	activeRuns     map[string]bool
	activeRunsMu   sync.RWMutex
	queueDepth     int64
	queueDepthMu   sync.RWMutex
	auditDepth     int64
	auditDepthMu   sync.RWMutex

	// Memory metrics sources
	subscriberCounter SubscriberCounter
	runCounter        RunCounter
	subscriberMu      sync.RWMutex
	runCounterMu      sync.RWMutex
}

// NewMetricsCollector creates a new metrics collector using the given meter provider
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("control-plane")

	mc := &MetricsCollector{
		meter:      meter,
		activeRuns: make(map[string]bool),
	}

	var err error

	mc.runsTotal, err = meter.Int64Counter(
		"controlplane_runs_total",
		metric.WithDescription("Total number of workflow runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	mc.nodesTotal, err = meter.Int64Counter(
		"controlplane_nodes_total",
		metric.WithDescription("Total number of node results recorded"),
		metric.WithUnit("{node}"),
	)
	if err != nil {
		return nil, err
	}

	mc.dispatchTotal, err = meter.Int64Counter(
		"controlplane_dispatch_attempts_total",
		metric.WithDescription("Total number of dispatch attempts made to workers"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	mc.sessionsTotal, err = meter.Int64Counter(
		"controlplane_sessions_total",
		metric.WithDescription("Total number of worker sessions established"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	mc.auditDroppedTotal, err = meter.Int64Counter(
		"controlplane_audit_dropped_total",
		metric.WithDescription("Total number of audit events dropped due to queue overflow"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	mc.runDuration, err = meter.Float64Histogram(
		"controlplane_run_duration_seconds",
		metric.WithDescription("Workflow run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.nodeDuration, err = meter.Float64Histogram(
		"controlplane_node_duration_seconds",
		metric.WithDescription("Node execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.dispatchLatency, err = meter.Float64Histogram(
		"controlplane_dispatch_latency_seconds",
		metric.WithDescription("Time from dispatch to ack in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"controlplane_active_runs",
		metric.WithDescription("Number of currently active workflow runs"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.activeRunsMu.RLock()
			count := len(mc.activeRuns)
			mc.activeRunsMu.RUnlock()
			observer.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"controlplane_dispatch_queue_depth",
		metric.WithDescription("Number of nodes waiting on dispatch"),
		metric.WithUnit("{node}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.queueDepthMu.RLock()
			depth := mc.queueDepth
			mc.queueDepthMu.RUnlock()
			observer.Observe(depth)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"controlplane_sse_subscribers",
		metric.WithDescription("Number of active SSE subscribers across all runs"),
		metric.WithUnit("{subscriber}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.subscriberMu.RLock()
			counter := mc.subscriberCounter
			mc.subscriberMu.RUnlock()
			if counter != nil {
				observer.Observe(int64(counter.TotalSubscriberCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"controlplane_goroutines",
		metric.WithDescription("Number of active goroutines"),
		metric.WithUnit("{goroutine}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(runtime.NumGoroutine()))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"controlplane_runs_in_memory",
		metric.WithDescription("Number of runs held in the registry"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.runCounterMu.RLock()
			counter := mc.runCounter
			mc.runCounterMu.RUnlock()
			if counter != nil {
				observer.Observe(int64(counter.RunCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"controlplane_audit_queue_depth",
		metric.WithDescription("Number of audit events buffered awaiting the sink"),
		metric.WithUnit("{event}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.auditDepthMu.RLock()
			depth := mc.auditDepth
			mc.auditDepthMu.RUnlock()
			observer.Observe(depth)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"controlplane_heap_bytes",
		metric.WithDescription("Current heap allocation in bytes"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			observer.Observe(int64(m.HeapAlloc))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordRunStart records the start of a workflow run
func (mc *MetricsCollector) RecordRunStart(ctx context.Context, runID, workflowID string) {
	mc.activeRunsMu.Lock()
	mc.activeRuns[runID] = true
	mc.activeRunsMu.Unlock()
}

// RecordRunComplete records the completion of a workflow run
func (mc *MetricsCollector) RecordRunComplete(ctx context.Context, runID, workflowID, status string, duration time.Duration) {
	mc.activeRunsMu.Lock()
	delete(mc.activeRuns, runID)
	mc.activeRunsMu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("workflow", workflowID),
		attribute.String("status", status),
	}

	mc.runsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordNodeComplete records the completion of a single node.
func (mc *MetricsCollector) RecordNodeComplete(ctx context.Context, workflowID, nodeType, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("workflow", workflowID),
		attribute.String("node_type", nodeType),
		attribute.String("status", status),
	}

	mc.nodesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.nodeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordDispatchAttempt records a dispatch attempt made to a worker.
func (mc *MetricsCollector) RecordDispatchAttempt(ctx context.Context, workerName, outcome string, latency time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("worker", workerName),
		attribute.String("outcome", outcome),
	}

	mc.dispatchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if latency > 0 {
		mc.dispatchLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordSessionEstablished records a worker session coming online.
func (mc *MetricsCollector) RecordSessionEstablished(ctx context.Context, workerName string, resumed bool) {
	mc.sessionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("worker", workerName),
		attribute.Bool("resumed", resumed),
	))
}

// IncrementQueueDepth increments the pending dispatch queue depth
func (mc *MetricsCollector) IncrementQueueDepth() {
	mc.queueDepthMu.Lock()
	mc.queueDepth++
	mc.queueDepthMu.Unlock()
}

// DecrementQueueDepth decrements the pending dispatch queue depth
func (mc *MetricsCollector) DecrementQueueDepth() {
	mc.queueDepthMu.Lock()
	if mc.queueDepth > 0 {
		mc.queueDepth--
	}
	mc.queueDepthMu.Unlock()
}

// IncDropped implements audit.Counters, incrementing the audit-drop
// counter on queue overflow.
func (mc *MetricsCollector) IncDropped() {
	mc.auditDroppedTotal.Add(context.Background(), 1)
}

// SetDepth implements audit.Counters, recording the audit queue's
// current buffered length.
func (mc *MetricsCollector) SetDepth(n int) {
	mc.auditDepthMu.Lock()
	mc.auditDepth = int64(n)
	mc.auditDepthMu.Unlock()
}

// SetSubscriberCounter sets the subscriber counter for memory metrics.
func (mc *MetricsCollector) SetSubscriberCounter(counter SubscriberCounter) {
	mc.subscriberMu.Lock()
	mc.subscriberCounter = counter
	mc.subscriberMu.Unlock()
}

// SetRunCounter sets the run counter for memory metrics.
func (mc *MetricsCollector) SetRunCounter(counter RunCounter) {
	mc.runCounterMu.Lock()
	mc.runCounter = counter
	mc.runCounterMu.Unlock()
}
