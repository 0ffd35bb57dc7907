// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package orchestrator turns the Run Registry's readiness signal into
// actual worker dispatches: it selects a worker per strategy, tracks
// ack deadlines, re-queues a node whose deadline lapses or whose send
// fails, and forwards worker results back into the registry. A
// re-queued node is ready for dispatch again at once: the configured
// Backoff is reported by RetryDelay but no delay is applied before a
// redispatch.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/control-plane/internal/log"
	"github.com/flowmesh/control-plane/internal/registry"
	"github.com/flowmesh/control-plane/internal/tracing"
	"github.com/flowmesh/control-plane/internal/types"
)

// Catalogue is the worker-lookup surface the orchestrator needs. The
// gateway package's worker catalogue implements this; tests use a fake.
type Catalogue interface {
	Candidates(nodeType string, pkg types.PackageRef, affinity string) []*types.WorkerRecord
	IncrementInFlight(workerName string)
	DecrementInFlight(workerName string)
}

// Dispatcher sends a dispatch request to a specific worker over its
// active session. The gateway's session manager implements this.
type Dispatcher interface {
	Dispatch(ctx context.Context, workerName string, req DispatchRequest) error
}

// DispatchRequest is what a worker receives for one task. Its shape
// mirrors spec §4.2's dispatch request exactly: {run_id, tenant,
// node_id, task_id, node_type, package_name, package_version,
// parameters, resource_refs, affinity?, concurrency_key, seq,
// dispatch_id, host_node_id?, middleware_chain[]?, chain_index?}.
type DispatchRequest struct {
	RunID          string
	Tenant         string
	NodeID         string
	HostNodeID     string
	TaskID         string
	DispatchID     string
	NodeType       string
	Package        types.PackageRef
	Parameters     map[string]any
	ResourceRefs   map[string]any
	Affinity       string
	ConcurrencyKey string
	Seq            uint64
	AckDeadline    time.Time

	// MiddlewareChain and ChainIndex carry the middleware-dispatch
	// invariants from spec §4.2: MiddlewareChain is the host's
	// middleware chain (empty when the host has none) on host and
	// middleware dispatches alike; ChainIndex is nil for a host
	// dispatch and, for a middleware hop, points at this request's
	// position within MiddlewareChain.
	MiddlewareChain []string
	ChainIndex      *int
}

// ackEntry tracks one outstanding dispatch awaiting either an ack or a
// result.
type ackEntry struct {
	runID      string
	nodeID     string
	workerName string
	deadline   time.Time
}

// Orchestrator is the Dispatch component described in the design: it
// owns no run state of its own (the registry does), only the
// in-flight-dispatch bookkeeping needed to detect ack timeouts.
type Orchestrator struct {
	reg        *registry.Registry
	catalogue  Catalogue
	dispatcher Dispatcher
	metrics    *tracing.MetricsCollector
	logger     *slog.Logger

	strategy    Strategy
	backoff     Backoff
	ackTimeout  time.Duration
	maxAttempts int
	clock       func() time.Time

	mu      sync.Mutex
	pending map[string]*ackEntry // dispatchID -> entry

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

func WithStrategy(s Strategy) Option          { return func(o *Orchestrator) { o.strategy = s } }
func WithBackoff(b Backoff) Option            { return func(o *Orchestrator) { o.backoff = b; o.maxAttempts = b.MaxAttempts } }
func WithAckTimeout(d time.Duration) Option   { return func(o *Orchestrator) { o.ackTimeout = d } }
func WithMetrics(m *tracing.MetricsCollector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// New wires an Orchestrator to the given registry, worker catalogue, and
// dispatcher. Call Start to begin the ack-sweeper loop and
// reg.SetOnReady(o.OnRunReady) at startup (left to the caller, since
// SetOnReady is a Registry-owned hook other components may also need).
func New(reg *registry.Registry, catalogue Catalogue, dispatcher Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		reg:         reg,
		catalogue:   catalogue,
		dispatcher:  dispatcher,
		strategy:    StrategyDefault,
		backoff:     DefaultBackoff,
		maxAttempts: DefaultBackoff.MaxAttempts,
		ackTimeout:  30 * time.Second,
		clock:       time.Now,
		pending:     make(map[string]*ackEntry),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches the background ack-deadline sweeper. Safe to call once.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.sweepLoop()
}

// Stop halts the ack sweeper and waits for it to exit.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

// OnRunReady is the callback to install via registry.SetOnReady. It
// collects every currently-ready node for runID and dispatches each.
func (o *Orchestrator) OnRunReady(runID string) {
	ctx := context.Background()
	ready, err := o.reg.CollectReadyNodes(ctx, runID)
	if err != nil {
		if o.logger != nil {
			o.logger.Error("collect ready nodes failed", log.String("run_id", runID), log.Error(err))
		}
		return
	}
	for _, rn := range ready {
		o.dispatchOne(ctx, rn)
	}
}

func (o *Orchestrator) dispatchOne(ctx context.Context, rn types.ReadyNode) {
	record, err := o.reg.Get(ctx, rn.RunID)
	if err != nil {
		return
	}

	var nodeType string
	var pkg types.PackageRef
	var resourceRefs map[string]any
	var affinity, concurrencyKey string
	if rn.IsMiddleware {
		_, mw, ok := record.Workflow.MiddlewareByID(rn.NodeID)
		if !ok {
			return
		}
		nodeType, pkg = mw.Type, mw.Package
	} else {
		n, ok := record.Workflow.NodeByID(rn.NodeID)
		if !ok {
			return
		}
		nodeType, pkg = n.Type, n.Package
		resourceRefs, affinity, concurrencyKey = n.ResourceRefs, n.Affinity, n.ConcurrencyKey
	}

	candidates := o.catalogue.Candidates(nodeType, pkg, affinity)
	worker := selectWorker(o.strategy, candidates)
	if worker == nil {
		if o.logger != nil {
			o.logger.Warn("no worker available for node type",
				log.String("run_id", rn.RunID), log.String("node_type", nodeType))
		}
		return
	}

	state, _ := stateForRead(record, rn.NodeID)
	dispatchID := uuid.NewString()
	taskID := uuid.NewString()
	deadline := o.clock().Add(o.ackTimeout)
	seq := uint64(0)
	if state != nil && state.SeqUsed != nil {
		seq = *state.SeqUsed + 1
	}

	req := DispatchRequest{
		RunID: rn.RunID, Tenant: record.Tenant, NodeID: rn.NodeID, HostNodeID: rn.HostNodeID,
		TaskID: taskID, DispatchID: dispatchID, NodeType: nodeType, Package: pkg,
		ResourceRefs: resourceRefs, Affinity: affinity, ConcurrencyKey: concurrencyKey,
		Seq: seq, AckDeadline: deadline,
	}
	if state != nil {
		req.Parameters = state.Parameters
	}
	if hostState := record.Nodes[rn.HostNodeID]; hostState != nil && len(hostState.MiddlewareChain) > 0 {
		req.MiddlewareChain = hostState.MiddlewareChain
	}
	if rn.IsMiddleware {
		idx := rn.MiddlewareIndex
		req.ChainIndex = &idx
	}

	if nextErr := validateDispatchRequest(req); nextErr != nil {
		if _, err := o.reg.FailNode(ctx, rn.RunID, rn.NodeID, nextErr); err != nil && o.logger != nil {
			o.logger.Error("fail node after dispatch validation error",
				log.String("run_id", rn.RunID), log.String("node_id", rn.NodeID), log.Error(err))
		}
		return
	}

	if _, err := o.reg.MarkDispatched(ctx, registry.MarkDispatchedRequest{
		RunID: rn.RunID, NodeID: rn.NodeID, WorkerName: worker.WorkerName,
		TaskID: taskID, DispatchID: dispatchID, Seq: seq, AckDeadline: deadline,
	}); err != nil {
		return
	}

	o.catalogue.IncrementInFlight(worker.WorkerName)
	o.track(rn.RunID, rn.NodeID, worker.WorkerName, deadline, dispatchID)

	start := o.clock()
	err = o.dispatcher.Dispatch(ctx, worker.WorkerName, req)
	if o.metrics != nil {
		outcome := "sent"
		if err != nil {
			outcome = "send_error"
		}
		o.metrics.RecordDispatchAttempt(ctx, worker.WorkerName, outcome, o.clock().Sub(start))
	}
	if err != nil {
		o.untrack(dispatchID)
		o.catalogue.DecrementInFlight(worker.WorkerName)
		o.requeue(ctx, rn.RunID, rn.NodeID)
	}
}

func stateForRead(record *types.RunRecord, nodeID string) (*types.NodeState, bool) {
	if s, ok := record.Nodes[nodeID]; ok {
		return s, true
	}
	if s, ok := record.MiddlewareState[nodeID]; ok {
		return s, true
	}
	return nil, false
}

func (o *Orchestrator) track(runID, nodeID, workerName string, deadline time.Time, dispatchID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[dispatchID] = &ackEntry{runID: runID, nodeID: nodeID, workerName: workerName, deadline: deadline}
}

func (o *Orchestrator) untrack(dispatchID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pending, dispatchID)
}

func (o *Orchestrator) untrackByNode(runID, nodeID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, e := range o.pending {
		if e.runID == runID && e.nodeID == nodeID {
			delete(o.pending, id)
		}
	}
}

// requeue is the ack-timeout and send-failure path: both funnel through
// ResetAfterWorkerCancel, the shared attempt-increment primitive.
func (o *Orchestrator) requeue(ctx context.Context, runID, nodeID string) {
	// Callers (sweepOnce, dispatchOne's send-failure path) have already
	// decremented the worker's in-flight count before calling this; by the
	// time ResetAfterWorkerCancel returns, WorkerName has been cleared, so
	// there is nothing left to decrement here.
	o.untrackByNode(runID, nodeID)
	_, err := o.reg.ResetAfterWorkerCancel(ctx, registry.ResetAfterWorkerCancelRequest{
		RunID: runID, NodeID: nodeID, MaxAttempts: o.maxAttempts,
	})
	if err != nil && o.logger != nil {
		o.logger.Error("reset after worker cancel failed", log.String("run_id", runID), log.Error(err))
	}
}

func (o *Orchestrator) sweepLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.sweepOnce()
		}
	}
}

func (o *Orchestrator) sweepOnce() {
	now := o.clock()
	var expired []*ackEntry

	o.mu.Lock()
	for id, e := range o.pending {
		if now.After(e.deadline) {
			expired = append(expired, e)
			delete(o.pending, id)
		}
	}
	o.mu.Unlock()

	ctx := context.Background()
	for _, e := range expired {
		o.catalogue.DecrementInFlight(e.workerName)
		o.requeue(ctx, e.runID, e.nodeID)
	}
}

// HandleResult applies a worker's reported result and dispatches any
// newly-ready nodes.
func (o *Orchestrator) HandleResult(ctx context.Context, runID string, payload types.ResultPayload) error {
	record, _ := o.reg.Get(ctx, runID)

	app, err := o.reg.RecordResult(ctx, runID, payload)
	if err != nil {
		return err
	}

	if record != nil {
		for nodeID, s := range record.Nodes {
			if s.TaskID == payload.TaskID {
				o.untrackByNode(runID, nodeID)
				if s.WorkerName != "" {
					o.catalogue.DecrementInFlight(s.WorkerName)
				}
			}
		}
		for mwID, s := range record.MiddlewareState {
			if s.TaskID == payload.TaskID {
				o.untrackByNode(runID, mwID)
				if s.WorkerName != "" {
					o.catalogue.DecrementInFlight(s.WorkerName)
				}
			}
		}
	}

	for _, rn := range app.NewlyReady {
		o.dispatchOne(ctx, rn)
	}
	return nil
}

// HandleWorkerCancel applies a worker-reported cancel. permanent selects
// between the two terminal-vs-retryable paths the design calls for.
func (o *Orchestrator) HandleWorkerCancel(ctx context.Context, runID, nodeID string, permanent bool, reason string) error {
	o.untrackByNode(runID, nodeID)

	record, err := o.reg.Get(ctx, runID)
	if err == nil {
		if s, ok := stateForRead(record, nodeID); ok && s.WorkerName != "" {
			o.catalogue.DecrementInFlight(s.WorkerName)
		}
	}

	if permanent {
		_, err := o.reg.FailNode(ctx, runID, nodeID, &types.NodeError{
			Code: "worker_cancelled_permanent", Message: reason,
		})
		return err
	}

	_, err = o.reg.ResetAfterWorkerCancel(ctx, registry.ResetAfterWorkerCancelRequest{
		RunID: runID, NodeID: nodeID, MaxAttempts: o.maxAttempts,
	})
	return err
}

// RetryDelay returns the configured backoff delay before the given
// attempt. No dispatch path applies it: requeue makes a node ready
// again immediately.
func (o *Orchestrator) RetryDelay(attempt int) time.Duration {
	return o.backoff.Duration(attempt)
}
