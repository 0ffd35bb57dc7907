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

package types

import "time"

// SessionState is the lifecycle state of a control-plane session.
type SessionState string

const (
	SessionHandshaking SessionState = "handshaking"
	SessionActive      SessionState = "active"
	SessionResuming    SessionState = "resuming"
	SessionClosed      SessionState = "closed"
)

// UnackedMessage is one outbound message awaiting acknowledgement,
// retained so it can be replayed verbatim on resume.
type UnackedMessage struct {
	Seq     uint64
	Kind    string
	Payload []byte
	SentAt  time.Time
}

// SessionRecord is the server-side bookkeeping for one worker's logical
// bidirectional channel.
type SessionRecord struct {
	SessionID   string       `json:"session_id"`
	WorkerName  string       `json:"worker_name"`
	CreatedAt   time.Time    `json:"created_at"`
	LastSeenAt  time.Time    `json:"last_seen_at"`
	SendSeq     uint64       `json:"send_seq"`
	RecvSeqNext uint64       `json:"recv_seq_next"`
	Unacked     []UnackedMessage `json:"-"`
	AckBase     uint64       `json:"ack_base"`
	AckBitmap   uint64       `json:"ack_bitmap"`
	State       SessionState `json:"state"`
}
