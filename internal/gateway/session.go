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
	"sync"
	"time"

	"github.com/flowmesh/control-plane/internal/gateway/transport"
	"github.com/flowmesh/control-plane/internal/types"
)

// Handler processes frames a session has received, after sequencing and
// duplicate-detection has already been applied. The worker gateway is
// the production implementation; tests use a fake.
type Handler interface {
	OnDispatchAck(s *Session, payload DispatchAckPayload)
	OnProgress(s *Session, payload map[string]any)
	OnResult(s *Session, payload ResultPayload)
	OnWorkerCancel(s *Session, payload WorkerCancelPayload)
	OnAdminResult(s *Session, payload AdminResultPayload)
	OnClosed(s *Session)
}

// pendingFrame is one outbound frame still awaiting acknowledgement.
type pendingFrame struct {
	seq         uint64
	frame       transport.Frame
	ackedBitmap bool
}

// Session is the runtime, in-process counterpart to types.SessionRecord:
// one logical bidirectional channel to a single worker, with its own
// send sequence, sliding-window outbound queue, and inbound
// duplicate/ordering tracking. A Session outlives its underlying
// FrameConn: resuming a session after reconnect swaps in the new conn
// (rebindConn) and restarts the reader and heartbeat loops (see
// Gateway.resume).
type Session struct {
	ID         string
	WorkerName string

	conn       transport.FrameConn
	windowSize int
	handler    Handler
	clock      func() time.Time

	mu          sync.Mutex
	sendSeq     uint64
	unacked     []pendingFrame
	recvSeqNext uint64
	state       types.SessionState
	createdAt   time.Time
	lastSeenAt  time.Time

	sendSlot chan struct{}

	heartbeatInterval time.Duration

	// stopCh ends the session for good (explicit close or grace expiry).
	// connStopCh ends only the current connection's reader/heartbeat
	// loops, so a resumed session can start a fresh pair bound to its
	// new transport without disturbing the outer session lifetime.
	stopOnce   sync.Once
	stopCh     chan struct{}
	connStopCh chan struct{}
	runWG      sync.WaitGroup
}

// NewSession constructs a brand-new session bound to conn, with its send
// and receive sequences starting from zero. A resumed session is not
// rebuilt here: Gateway.resume rebinds the existing Session to the new
// conn and purges what the worker reports as acked before replaying.
func NewSession(id, workerName string, conn transport.FrameConn, windowSize int, heartbeatInterval time.Duration, handler Handler, clock func() time.Time) *Session {
	if clock == nil {
		clock = time.Now
	}
	now := clock()
	return &Session{
		ID:                id,
		WorkerName:        workerName,
		conn:              conn,
		windowSize:        windowSize,
		handler:           handler,
		clock:             clock,
		state:             types.SessionHandshaking,
		createdAt:         now,
		lastSeenAt:        now,
		sendSlot:          make(chan struct{}, windowSize),
		heartbeatInterval: heartbeatInterval,
		stopCh:            make(chan struct{}),
	}
}

// Start launches the reader and heartbeat loops bound to the session's
// current transport. Called once after a fresh handshake and again
// after every successful resume (with a new conn already bound via
// rebindConn).
func (s *Session) Start() {
	s.mu.Lock()
	connStop := make(chan struct{})
	s.connStopCh = connStop
	s.mu.Unlock()

	s.runWG.Add(2)
	go s.readLoop(connStop)
	go s.heartbeatLoop(connStop)
}

// Stop ends the session for good: closes the transport, halts the
// current generation's loops, and prevents any future Start. Safe to
// call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		_ = s.conn.Close()
	})
	s.runWG.Wait()
}

// State returns the session's current lifecycle state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the session's lifecycle state.
func (s *Session) SetState(st types.SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// LastSeenAt returns the last time any frame was received on this
// session.
func (s *Session) LastSeenAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeenAt
}

// Send queues and writes an outbound frame of the given kind, blocking
// if the sliding window is full (backpressure, per spec.md's "window
// full: the sender blocks, never overruns"). It returns the seq
// assigned to the frame.
func (s *Session) Send(ctx context.Context, kind transport.Kind, payload any) (uint64, error) {
	data, err := transport.EncodePayload(payload)
	if err != nil {
		return 0, fmt.Errorf("gateway: encode %s payload: %w", kind, err)
	}

	select {
	case s.sendSlot <- struct{}{}:
	case <-s.stopCh:
		return 0, fmt.Errorf("gateway: session %s stopped", s.ID)
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	s.mu.Lock()
	s.sendSeq++
	seq := s.sendSeq
	frame := transport.Frame{Kind: kind, Seq: seq, Payload: data}
	if s.recvSeqNext > 0 {
		upTo := s.recvSeqNext - 1
		frame.Ack = &transport.Ack{UpTo: upTo}
	}
	s.unacked = append(s.unacked, pendingFrame{seq: seq, frame: frame})
	s.mu.Unlock()

	if err := s.conn.WriteFrame(ctx, frame); err != nil {
		return seq, fmt.Errorf("gateway: write frame: %w", err)
	}
	return seq, nil
}

// applyAck purges the session's unacked queue per the peer's
// acknowledgement and releases the corresponding window slots. Applying
// the same Ack twice is idempotent: entries already purged are simply
// absent from the queue the second time (the "ack replay leaves
// unacked identical" invariant).
func (s *Session) applyAck(ack *transport.Ack) {
	if ack == nil {
		return
	}
	s.mu.Lock()
	kept := s.unacked[:0:0]
	purged := 0
	for _, pf := range s.unacked {
		if pf.seq <= ack.UpTo {
			purged++
			continue
		}
		if ack.Bitmap != nil {
			bit := pf.seq - ack.UpTo - 1
			if bit < 64 && (*ack.Bitmap)&(1<<bit) != 0 {
				pf.ackedBitmap = true
			}
		}
		// A selectively bitmap-acked frame is acknowledged just as much
		// as a cumulatively-acked one: the peer has it, so it no longer
		// occupies the window and must not be replayed on resume.
		if pf.ackedBitmap {
			purged++
			continue
		}
		kept = append(kept, pf)
	}
	s.unacked = kept
	s.mu.Unlock()

	for i := 0; i < purged; i++ {
		select {
		case <-s.sendSlot:
		default:
		}
	}
}

// UnackedCount reports how many outbound frames are still awaiting
// acknowledgement (used by tests and admin introspection).
func (s *Session) UnackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unacked)
}

// replay resends every still-unacked frame, in original seq order, with
// its original seq preserved, per spec.md's resume semantics.
func (s *Session) replay(ctx context.Context) error {
	s.mu.Lock()
	frames := make([]transport.Frame, len(s.unacked))
	for i, pf := range s.unacked {
		frames[i] = pf.frame
	}
	s.mu.Unlock()

	for _, f := range frames {
		if err := s.conn.WriteFrame(ctx, f); err != nil {
			return fmt.Errorf("gateway: replay seq %d: %w", f.Seq, err)
		}
	}
	return nil
}

// rebindConn swaps in a new transport after a successful resume,
// without disturbing sendSeq, unacked, or recvSeqNext.
func (s *Session) rebindConn(conn transport.FrameConn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) readLoop(connStop chan struct{}) {
	defer s.runWG.Done()
	ctx := context.Background()
	for {
		select {
		case <-s.stopCh:
			return
		case <-connStop:
			return
		default:
		}

		f, err := s.conn.ReadFrame(ctx)
		if err != nil {
			select {
			case <-connStop:
			default:
				close(connStop)
			}
			if s.handler != nil {
				s.handler.OnClosed(s)
			}
			return
		}

		now := s.clock()
		s.mu.Lock()
		s.lastSeenAt = now
		s.mu.Unlock()

		if f.Ack != nil {
			s.applyAck(f.Ack)
		}

		s.mu.Lock()
		expected := s.recvSeqNext
		var duplicate bool
		if f.Seq < expected {
			duplicate = true
		} else {
			s.recvSeqNext = f.Seq + 1
		}
		s.mu.Unlock()

		if duplicate {
			continue
		}

		s.dispatchInbound(ctx, f)
	}
}

func (s *Session) dispatchInbound(ctx context.Context, f transport.Frame) {
	switch f.Kind {
	case transport.KindPing:
		_, _ = s.Send(ctx, transport.KindPong, nil)
	case transport.KindPong:
		// lastSeenAt already updated above; nothing further to do.
	case transport.KindDispatchAck:
		var p DispatchAckPayload
		if err := f.DecodePayload(&p); err == nil && s.handler != nil {
			s.handler.OnDispatchAck(s, p)
		}
	case transport.KindProgress:
		var p map[string]any
		if err := f.DecodePayload(&p); err == nil && s.handler != nil {
			s.handler.OnProgress(s, p)
		}
	case transport.KindResult:
		var p ResultPayload
		if err := f.DecodePayload(&p); err == nil && s.handler != nil {
			s.handler.OnResult(s, p)
		}
	case transport.KindWorkerCancel:
		var p WorkerCancelPayload
		if err := f.DecodePayload(&p); err == nil && s.handler != nil {
			s.handler.OnWorkerCancel(s, p)
		}
	case transport.KindAdminResult:
		var p AdminResultPayload
		if err := f.DecodePayload(&p); err == nil && s.handler != nil {
			s.handler.OnAdminResult(s, p)
		}
	case transport.KindBye:
		if s.handler != nil {
			s.handler.OnClosed(s)
		}
	}
}

func (s *Session) heartbeatLoop(connStop chan struct{}) {
	defer s.runWG.Done()
	if s.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-s.stopCh:
			return
		case <-connStop:
			return
		case <-ticker.C:
			_, _ = s.Send(ctx, transport.KindPing, nil)
		}
	}
}
