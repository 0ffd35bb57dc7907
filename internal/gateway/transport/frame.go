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

// Package transport defines the wire framing for the worker gateway's
// duplex session protocol and the two implementations of it: a
// WebSocket connection for production, and an in-memory channel pair
// for tests. internal/gateway's session layer only ever talks to the
// FrameConn interface, never to a concrete transport, the same split
// the teacher's rpc package draws between its websocket server and its
// protocol-level Message type.
package transport

import (
	"context"
	"encoding/json"
)

// Kind identifies the role a Frame plays in the session protocol.
type Kind string

const (
	KindHello        Kind = "hello"
	KindHelloAck     Kind = "hello_ack"
	KindPing         Kind = "ping"
	KindPong         Kind = "pong"
	KindDispatch     Kind = "dispatch"
	KindDispatchAck  Kind = "dispatch_ack"
	KindProgress     Kind = "progress"
	KindResult       Kind = "result"
	KindCancel       Kind = "cancel"
	KindWorkerCancel Kind = "worker_cancel"
	KindAdminCmd     Kind = "admin_cmd"
	KindAdminResult  Kind = "admin_result"
	KindAck          Kind = "ack"
	KindResume       Kind = "resume"
	KindBye          Kind = "bye"
)

// Ack carries cumulative-plus-bitmap acknowledgement info, rooted at
// UpTo: bit i of Bitmap (if non-nil) acknowledges seq UpTo+1+i.
type Ack struct {
	UpTo   uint64  `json:"up_to"`
	Bitmap *uint64 `json:"bitmap,omitempty"`
}

// Frame is one message on the wire: every send carries a strictly
// monotonic Seq (per spec.md's session invariant), an optional Ack
// piggy-backed on the same frame, and a kind-specific Payload.
type Frame struct {
	Kind    Kind            `json:"kind"`
	Seq     uint64          `json:"seq"`
	Ack     *Ack            `json:"ack,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodePayload marshals v into the frame's Payload.
func EncodePayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// DecodePayload unmarshals the frame's Payload into v.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

// FrameConn is the transport-agnostic duplex the session layer talks
// to. ReadFrame and WriteFrame are each single-owner per the
// concurrency model (§5): one reader goroutine, one writer goroutine,
// enforced by the session above this interface rather than here.
type FrameConn interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}
