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

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/control-plane/internal/auth"
	"github.com/flowmesh/control-plane/internal/gateway/transport"
	"github.com/flowmesh/control-plane/internal/log"
	"github.com/flowmesh/control-plane/internal/orchestrator"
	"github.com/flowmesh/control-plane/internal/types"
)

// ResultApplier is the subset of the orchestrator the gateway drives on
// worker events. orchestrator.Orchestrator satisfies it directly.
type ResultApplier interface {
	HandleResult(ctx context.Context, runID string, payload types.ResultPayload) error
	HandleWorkerCancel(ctx context.Context, runID, nodeID string, permanent bool, reason string) error
}

// Config controls the gateway's protocol-level behaviour. Zero values
// are replaced with spec.md §6 defaults by NewGateway.
type Config struct {
	WindowSize        int
	HeartbeatInterval time.Duration
	// OfflineAfter is 3x the heartbeat interval by default: a worker is
	// declared offline once that many intervals pass with no heartbeat.
	OfflineAfter   time.Duration
	ResumeGrace    time.Duration
	ResumeTokenTTL time.Duration
	Auth           auth.Config
	Allowlist      auth.WorkerTokenAllowlist
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = 64
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = 3 * c.HeartbeatInterval
	}
	if c.ResumeGrace <= 0 {
		c.ResumeGrace = 2 * time.Minute
	}
	if c.ResumeTokenTTL <= 0 {
		c.ResumeTokenTTL = c.ResumeGrace
	}
	return c
}

// Gateway is the Worker Gateway / Session Manager: it terminates every
// worker connection, runs the handshake/resume protocol, owns the worker
// Catalogue, and is the orchestrator.Dispatcher the dispatch loop
// drives. One Gateway serves every worker in the fleet.
type Gateway struct {
	cfg       Config
	catalogue *Catalogue
	orch      ResultApplier
	logger    *slog.Logger
	rpcLog    *log.RPCMiddleware
	clock     func() time.Time
	idGen     func() string

	mu         sync.RWMutex
	sessions   map[string]*Session // by session id
	byWorker   map[string]*Session // by worker name
	discByWork map[string]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	sweepWG  sync.WaitGroup
}

// NewGateway constructs a Gateway bound to catalogue and orch. orch is
// the orchestrator.Orchestrator driving dispatch for the fleet this
// gateway terminates sessions for.
func NewGateway(cfg Config, catalogue *Catalogue, orch ResultApplier, logger *slog.Logger) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		cfg:        cfg,
		catalogue:  catalogue,
		orch:       orch,
		logger:     logger,
		rpcLog:     log.NewRPCMiddleware(logger),
		clock:      time.Now,
		idGen:      func() string { return uuid.NewString() },
		sessions:   make(map[string]*Session),
		byWorker:   make(map[string]*Session),
		discByWork: make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}
}

// SetResultApplier installs the orchestrator the gateway forwards
// worker results and cancellations to. Separate from NewGateway
// because the orchestrator's own constructor takes the gateway as its
// Dispatcher: the two are mutually dependent, and one side must be
// wired after both exist. Call once, before Start.
func (g *Gateway) SetResultApplier(orch ResultApplier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orch = orch
}

// Start launches the background sweep that expires disconnected
// sessions whose resume grace window has elapsed and that marks
// workers offline once their heartbeat goes stale.
func (g *Gateway) Start() {
	g.sweepWG.Add(1)
	go g.sweepLoop()
}

// Stop halts the sweep loop and every active session.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.sweepWG.Wait()

	g.mu.Lock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()
	for _, s := range sessions {
		s.Stop()
	}
}

func (g *Gateway) sweepLoop() {
	defer g.sweepWG.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.sweepOfflineWorkers()
			g.sweepExpiredGrace()
		}
	}
}

func (g *Gateway) sweepOfflineWorkers() {
	newlyOffline := g.catalogue.SweepOffline(g.cfg.OfflineAfter)
	for _, name := range newlyOffline {
		if g.logger != nil {
			g.logger.Warn("worker marked offline on stale heartbeat", log.String("worker_name", name))
		}
	}
}

func (g *Gateway) sweepExpiredGrace() {
	now := g.clock()

	g.mu.Lock()
	var expired []string
	for workerName, deadline := range g.discByWork {
		if now.After(deadline) {
			expired = append(expired, workerName)
		}
	}
	var sessionsToStop []*Session
	for _, workerName := range expired {
		delete(g.discByWork, workerName)
		if s, ok := g.byWorker[workerName]; ok {
			delete(g.byWorker, workerName)
			delete(g.sessions, s.ID)
			sessionsToStop = append(sessionsToStop, s)
		}
		g.catalogue.Remove(workerName)
	}
	g.mu.Unlock()

	for _, s := range sessionsToStop {
		s.Stop()
		if g.logger != nil {
			g.logger.Info("session expired after resume grace window", log.String("worker_name", s.WorkerName), log.String("session_id", s.ID))
		}
	}
}

// Accept performs the handshake on a freshly connected transport: the
// first frame must be KindHello. It blocks until the worker's session
// is bound and running, or the handshake fails.
func (g *Gateway) Accept(ctx context.Context, conn transport.FrameConn) error {
	f, err := conn.ReadFrame(ctx)
	if err != nil {
		return fmt.Errorf("gateway: read hello: %w", err)
	}
	if f.Kind != transport.KindHello {
		_ = conn.Close()
		return fmt.Errorf("gateway: expected hello, got %s", f.Kind)
	}
	var hello HelloPayload
	if err := f.DecodePayload(&hello); err != nil {
		_ = conn.Close()
		return fmt.Errorf("gateway: decode hello: %w", err)
	}

	if !g.cfg.Allowlist.Allowed(hello.Token) {
		_ = conn.Close()
		return fmt.Errorf("gateway: worker %s presented an invalid token", hello.WorkerName)
	}

	if hello.PriorSessionID != "" {
		return g.resume(ctx, conn, hello)
	}
	return g.handshakeNew(ctx, conn, hello)
}

func (g *Gateway) handshakeNew(ctx context.Context, conn transport.FrameConn, hello HelloPayload) error {
	g.mu.Lock()
	if existing, ok := g.byWorker[hello.WorkerName]; ok && existing.State() != types.SessionClosed {
		g.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("gateway: worker %s already has an active session", hello.WorkerName)
	}
	g.mu.Unlock()

	sessionID := g.idGen()
	session := NewSession(sessionID, hello.WorkerName, conn, g.cfg.WindowSize, g.cfg.HeartbeatInterval, g, g.clock)
	session.SetState(types.SessionActive)

	g.mu.Lock()
	g.sessions[sessionID] = session
	g.byWorker[hello.WorkerName] = session
	delete(g.discByWork, hello.WorkerName)
	g.mu.Unlock()

	g.catalogue.Register(&types.WorkerRecord{
		WorkerName:      hello.WorkerName,
		RegisteredAt:    g.clock(),
		LastHeartbeatAt: g.clock(),
		Capabilities:    hello.Capabilities,
		Queue:           hello.Queue,
		Affinity:        hello.Affinity,
		Status:          types.WorkerOnline,
		SessionID:       sessionID,
	})

	ack := HelloAckPayload{SessionID: sessionID, WindowSize: g.cfg.WindowSize}
	if len(g.cfg.Auth.Secret) > 0 {
		tok, err := auth.IssueSessionToken(sessionID, hello.WorkerName, g.cfg.ResumeTokenTTL, g.cfg.Auth)
		if err == nil {
			ack.ResumeToken = tok
		}
	}
	if _, err := session.Send(ctx, transport.KindHelloAck, ack); err != nil {
		g.forget(session)
		return fmt.Errorf("gateway: send hello-ack: %w", err)
	}

	session.Start()
	if g.logger != nil {
		g.logger.Info("worker session established", log.String("worker_name", hello.WorkerName), log.String("session_id", sessionID))
	}
	return nil
}

func (g *Gateway) resume(ctx context.Context, conn transport.FrameConn, hello HelloPayload) error {
	g.mu.Lock()
	session, ok := g.sessions[hello.PriorSessionID]
	g.mu.Unlock()

	if !ok || session.WorkerName != hello.WorkerName {
		_ = conn.Close()
		return fmt.Errorf("gateway: no resumable session %s for worker %s", hello.PriorSessionID, hello.WorkerName)
	}

	if len(g.cfg.Auth.Secret) > 0 {
		sessionID, workerName, err := auth.ValidateSessionToken(hello.ResumeToken, g.cfg.Auth)
		if err != nil || sessionID != hello.PriorSessionID || workerName != hello.WorkerName {
			_ = conn.Close()
			return fmt.Errorf("gateway: invalid resume token for worker %s", hello.WorkerName)
		}
	}

	session.SetState(types.SessionResuming)
	session.rebindConn(conn)
	if hello.LastAckedSeq > 0 {
		session.applyAck(&transport.Ack{UpTo: hello.LastAckedSeq})
	}

	g.mu.Lock()
	g.byWorker[hello.WorkerName] = session
	delete(g.discByWork, hello.WorkerName)
	g.mu.Unlock()

	g.catalogue.Heartbeat(hello.WorkerName, g.clock())
	g.catalogue.SetStatus(hello.WorkerName, types.WorkerOnline)

	ack := HelloAckPayload{SessionID: session.ID, WindowSize: g.cfg.WindowSize, Resumed: true}
	if len(g.cfg.Auth.Secret) > 0 {
		tok, err := auth.IssueSessionToken(session.ID, hello.WorkerName, g.cfg.ResumeTokenTTL, g.cfg.Auth)
		if err == nil {
			ack.ResumeToken = tok
		}
	}
	if _, err := session.Send(ctx, transport.KindHelloAck, ack); err != nil {
		return fmt.Errorf("gateway: send resume hello-ack: %w", err)
	}
	if err := session.replay(ctx); err != nil {
		return fmt.Errorf("gateway: replay on resume: %w", err)
	}

	session.SetState(types.SessionActive)
	session.Start()
	if g.logger != nil {
		g.logger.Info("worker session resumed", log.String("worker_name", hello.WorkerName), log.String("session_id", session.ID))
	}
	return nil
}

func (g *Gateway) forget(s *Session) {
	g.mu.Lock()
	delete(g.sessions, s.ID)
	if g.byWorker[s.WorkerName] == s {
		delete(g.byWorker, s.WorkerName)
	}
	g.mu.Unlock()
	g.catalogue.Remove(s.WorkerName)
}

// Dispatch implements orchestrator.Dispatcher: it routes a dispatch
// request to the session currently bound to workerName.
func (g *Gateway) Dispatch(ctx context.Context, workerName string, req orchestrator.DispatchRequest) error {
	g.mu.RLock()
	session, ok := g.byWorker[workerName]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gateway: no active session for worker %s", workerName)
	}

	payload := DispatchPayload{
		RunID:           req.RunID,
		Tenant:          req.Tenant,
		NodeID:          req.NodeID,
		HostNodeID:      req.HostNodeID,
		TaskID:          req.TaskID,
		DispatchID:      req.DispatchID,
		NodeType:        req.NodeType,
		Package:         req.Package,
		Parameters:      req.Parameters,
		ResourceRefs:    req.ResourceRefs,
		Affinity:        req.Affinity,
		ConcurrencyKey:  req.ConcurrencyKey,
		Seq:             req.Seq,
		AckDeadline:     req.AckDeadline.Format(time.RFC3339),
		MiddlewareChain: req.MiddlewareChain,
		ChainIndex:      req.ChainIndex,
	}
	_, err := session.Send(ctx, transport.KindDispatch, payload)
	return err
}

// IssueAdminCommand sends an admin command to the session bound to
// workerName and logs it as an RPC round trip (the response arrives
// asynchronously via OnAdminResult, so only the send half is timed
// here).
func (g *Gateway) IssueAdminCommand(ctx context.Context, workerName string, cmd AdminCommand, args map[string]any) error {
	g.mu.RLock()
	session, ok := g.byWorker[workerName]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gateway: no active session for worker %s", workerName)
	}

	req := &log.RPCRequest{MessageType: string(cmd), RemoteAddr: workerName}
	return g.rpcLog.Handler(req, func() error {
		_, err := session.Send(ctx, transport.KindAdminCmd, AdminCmdPayload{Command: cmd, Args: args})
		return err
	})
}

// Workers returns a snapshot of every worker in the catalogue.
func (g *Gateway) Workers() []types.WorkerRecord {
	return g.catalogue.List()
}

// Worker returns a single worker's catalogue entry.
func (g *Gateway) Worker(name string) (types.WorkerRecord, bool) {
	return g.catalogue.Get(name)
}

// --- Handler implementation: processes frames from active sessions ---

// OnDispatchAck is transport-level delivery confirmation only; the
// registry already transitioned the node to running when the
// orchestrator sent the dispatch, so there is nothing further to do
// here beyond an optional debug log.
func (g *Gateway) OnDispatchAck(s *Session, payload DispatchAckPayload) {
	if g.logger != nil {
		g.logger.Debug("dispatch acked", log.String("worker_name", s.WorkerName), log.String("task_id", payload.TaskID))
	}
}

// OnProgress receives a worker's progress updates and does nothing with
// them: progress is neither stored nor published to the event stream.
func (g *Gateway) OnProgress(s *Session, payload map[string]any) {}

// OnResult converts the wire-level result into a registry result
// application and folds the observed duration into the worker's
// latency estimate.
func (g *Gateway) OnResult(s *Session, payload ResultPayload) {
	ctx := context.Background()
	result := types.ResultPayload{
		TaskID:     payload.TaskID,
		Status:     types.NodeStatus(payload.Status),
		Result:     payload.Result,
		Error:      payload.Error,
		Metadata:   payload.Metadata,
		DurationMS: payload.DurationMS,
	}
	if err := g.orch.HandleResult(ctx, payload.RunID, result); err != nil && g.logger != nil {
		g.logger.Error("handle result failed", log.String("run_id", payload.RunID), log.Error(err))
	}
	if payload.DurationMS > 0 {
		g.catalogue.ObserveLatency(s.WorkerName, float64(payload.DurationMS))
	}
}

// OnWorkerCancel forwards a worker-initiated cancellation to the
// orchestrator.
func (g *Gateway) OnWorkerCancel(s *Session, payload WorkerCancelPayload) {
	ctx := context.Background()
	if err := g.orch.HandleWorkerCancel(ctx, payload.RunID, payload.NodeID, payload.Permanent, payload.Reason); err != nil && g.logger != nil {
		g.logger.Error("handle worker cancel failed", log.String("run_id", payload.RunID), log.Error(err))
	}
}

// OnAdminResult logs the completion of an admin command issued via
// IssueAdminCommand.
func (g *Gateway) OnAdminResult(s *Session, payload AdminResultPayload) {
	if g.logger == nil {
		return
	}
	if payload.Success {
		g.logger.Info("admin command completed", log.String("worker_name", s.WorkerName), log.String("command", string(payload.Command)))
	} else {
		g.logger.Warn("admin command failed", log.String("worker_name", s.WorkerName), log.String("command", string(payload.Command)), log.String("error", payload.Error))
	}
}

// OnClosed marks the worker offline and starts its resume grace
// window. In-flight tasks are deliberately left alone: the
// orchestrator's own ack-deadline sweeper will requeue any dispatch
// that never receives a result, whatever the cause, so there is no
// separate recovery path to wire here.
func (g *Gateway) OnClosed(s *Session) {
	g.catalogue.SetStatus(s.WorkerName, types.WorkerOffline)

	g.mu.Lock()
	g.discByWork[s.WorkerName] = g.clock().Add(g.cfg.ResumeGrace)
	g.mu.Unlock()

	if g.logger != nil {
		g.logger.Info("worker session disconnected", log.String("worker_name", s.WorkerName), log.String("session_id", s.ID))
	}
}
