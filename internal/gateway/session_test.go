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
	"sync"
	"testing"
	"time"

	"github.com/flowmesh/control-plane/internal/gateway/transport"
)

// fakeHandler records every callback invoked on it, guarded by a mutex
// since the session's reader goroutine calls these concurrently with
// test assertions.
type fakeHandler struct {
	mu       sync.Mutex
	results  []ResultPayload
	cancels  []WorkerCancelPayload
	acks     []DispatchAckPayload
	closed   int
	closedCh chan struct{}
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{closedCh: make(chan struct{}, 1)}
}

func (h *fakeHandler) OnDispatchAck(s *Session, payload DispatchAckPayload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acks = append(h.acks, payload)
}

func (h *fakeHandler) OnProgress(s *Session, payload map[string]any) {}

func (h *fakeHandler) OnResult(s *Session, payload ResultPayload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, payload)
}

func (h *fakeHandler) OnWorkerCancel(s *Session, payload WorkerCancelPayload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancels = append(h.cancels, payload)
}

func (h *fakeHandler) OnAdminResult(s *Session, payload AdminResultPayload) {}

func (h *fakeHandler) OnClosed(s *Session) {
	h.mu.Lock()
	h.closed++
	h.mu.Unlock()
	select {
	case h.closedCh <- struct{}{}:
	default:
	}
}

func (h *fakeHandler) resultCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.results)
}

func newTestSession(t *testing.T, conn transport.FrameConn, windowSize int, handler Handler) *Session {
	t.Helper()
	return NewSession("sess-1", "worker-a", conn, windowSize, 0, handler, time.Now)
}

func TestSessionSendAndReceive(t *testing.T) {
	serverConn, workerConn := transport.NewChannelPair(8)
	handler := newFakeHandler()
	s := newTestSession(t, serverConn, 8, handler)
	s.Start()
	defer s.Stop()

	ctx := context.Background()
	seq, err := s.Send(ctx, transport.KindDispatch, DispatchPayload{RunID: "run-1", TaskID: "task-1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected seq 1, got %d", seq)
	}

	frame, err := workerConn.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Kind != transport.KindDispatch || frame.Seq != 1 {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	encoded, _ := transport.EncodePayload(ResultPayload{RunID: "run-1", TaskID: "task-1", Status: "succeeded"})
	if err := workerConn.WriteFrame(ctx, transport.Frame{Kind: transport.KindResult, Seq: 1, Payload: encoded}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	deadline := time.After(time.Second)
	for handler.resultCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("result was never delivered to handler")
		case <-time.After(time.Millisecond):
		}
	}
	handler.mu.Lock()
	got := handler.results[0]
	handler.mu.Unlock()
	if got.TaskID != "task-1" || got.Status != "succeeded" {
		t.Fatalf("unexpected result payload: %+v", got)
	}
}

func TestSessionWindowBackpressure(t *testing.T) {
	serverConn, workerConn := transport.NewChannelPair(8)
	handler := newFakeHandler()
	s := newTestSession(t, serverConn, 1, handler)
	s.Start()
	defer s.Stop()

	ctx := context.Background()
	if _, err := s.Send(ctx, transport.KindDispatch, nil); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if _, err := workerConn.ReadFrame(ctx); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		_, err := s.Send(ctx, transport.KindDispatch, nil)
		blocked <- err
	}()

	select {
	case <-blocked:
		t.Fatal("second Send should have blocked on a full window")
	case <-time.After(50 * time.Millisecond):
	}

	ackPayload, _ := transport.EncodePayload(DispatchAckPayload{TaskID: "t1"})
	if err := workerConn.WriteFrame(ctx, transport.Frame{Kind: transport.KindDispatchAck, Seq: 1, Ack: &transport.Ack{UpTo: 1}, Payload: ackPayload}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	select {
	case err := <-blocked:
		if err != nil {
			t.Fatalf("second Send: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second Send never unblocked after ack")
	}
}

func TestSessionDuplicateFrameDropped(t *testing.T) {
	serverConn, workerConn := transport.NewChannelPair(8)
	handler := newFakeHandler()
	s := newTestSession(t, serverConn, 8, handler)
	s.Start()
	defer s.Stop()

	ctx := context.Background()
	payload, _ := transport.EncodePayload(WorkerCancelPayload{RunID: "run-1", NodeID: "n1", TaskID: "t1"})
	frame := transport.Frame{Kind: transport.KindWorkerCancel, Seq: 1, Payload: payload}

	if err := workerConn.WriteFrame(ctx, frame); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := workerConn.WriteFrame(ctx, frame); err != nil {
		t.Fatalf("WriteFrame duplicate: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		handler.mu.Lock()
		n := len(handler.cancels)
		handler.mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker cancel was never delivered")
		case <-time.After(time.Millisecond):
		}
	}

	time.Sleep(20 * time.Millisecond)
	handler.mu.Lock()
	n := len(handler.cancels)
	handler.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one delivered cancel, got %d", n)
	}
}

func TestSessionAckReplayIdempotent(t *testing.T) {
	serverConn, _ := transport.NewChannelPair(8)
	handler := newFakeHandler()
	s := newTestSession(t, serverConn, 8, handler)

	ctx := context.Background()
	if _, err := s.Send(ctx, transport.KindDispatch, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := s.Send(ctx, transport.KindDispatch, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	s.applyAck(&transport.Ack{UpTo: 1})
	if got := s.UnackedCount(); got != 1 {
		t.Fatalf("expected 1 unacked frame, got %d", got)
	}

	s.applyAck(&transport.Ack{UpTo: 1})
	if got := s.UnackedCount(); got != 1 {
		t.Fatalf("replaying the same ack should leave unacked count unchanged, got %d", got)
	}
}

// TestSessionBitmapAckReleasesWindowSlot exercises the out-of-order,
// selectively-acked case: seq 3 acked via the bitmap while seq 2 is
// still outstanding. A bitmap ack must drop its frame from unacked (and
// free its window slot) exactly like a cumulative ack does, not merely
// flag it.
func TestSessionBitmapAckReleasesWindowSlot(t *testing.T) {
	serverConn, _ := transport.NewChannelPair(8)
	handler := newFakeHandler()
	s := newTestSession(t, serverConn, 3, handler)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.Send(ctx, transport.KindDispatch, nil); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if got := s.UnackedCount(); got != 3 {
		t.Fatalf("expected 3 unacked frames, got %d", got)
	}

	// up_to=1 leaves seq 2 and 3 outstanding; bit 1 (seq 3, relative to
	// up_to) is set to selectively ack seq 3 out of order.
	bitmap := uint64(1 << 1)
	s.applyAck(&transport.Ack{UpTo: 1, Bitmap: &bitmap})

	if got := s.UnackedCount(); got != 1 {
		t.Fatalf("expected only seq 2 still unacked after bitmap-acking seq 3, got %d", got)
	}

	// The window is full (3 of 3 slots) unless the bitmap ack above
	// actually freed seq 3's slot; if it didn't, this Send blocks
	// forever since nothing else will ever release a slot.
	done := make(chan error, 1)
	go func() {
		_, err := s.Send(ctx, transport.KindDispatch, nil)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send after bitmap ack: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send blocked: bitmap-acked frame never released its window slot")
	}
}

func TestSessionResumeReplaysUnacked(t *testing.T) {
	serverConn, _ := transport.NewChannelPair(8)
	handler := newFakeHandler()
	s := newTestSession(t, serverConn, 8, handler)

	ctx := context.Background()
	if _, err := s.Send(ctx, transport.KindDispatch, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := s.Send(ctx, transport.KindDispatch, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	newServerConn, newWorkerConn := transport.NewChannelPair(8)
	s.rebindConn(newServerConn)
	if err := s.replay(ctx); err != nil {
		t.Fatalf("replay: %v", err)
	}

	first, err := newWorkerConn.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	second, err := newWorkerConn.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("expected replay to preserve original seqs, got %d, %d", first.Seq, second.Seq)
	}
}

func TestSessionCloseUnblocksReaderAndHeartbeat(t *testing.T) {
	serverConn, _ := transport.NewChannelPair(8)
	handler := newFakeHandler()
	s := NewSession("sess-2", "worker-b", serverConn, 8, 5*time.Millisecond, handler, time.Now)
	s.Start()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return promptly")
	}

	select {
	case <-handler.closedCh:
	case <-time.After(time.Second):
		t.Fatal("OnClosed was never invoked after the connection closed")
	}
}
