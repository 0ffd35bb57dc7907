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

package transport

import (
	"context"
	"testing"
	"time"
)

func TestChannelConnRoundTrip(t *testing.T) {
	a, b := NewChannelPair(4)
	ctx := context.Background()

	payload, err := EncodePayload(map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}

	if err := a.WriteFrame(ctx, Frame{Kind: KindHello, Seq: 1, Payload: payload}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := b.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Kind != KindHello || got.Seq != 1 {
		t.Fatalf("unexpected frame: %+v", got)
	}
	var decoded map[string]string
	if err := got.DecodePayload(&decoded); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded["hello"] != "world" {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
}

func TestChannelConnCloseUnblocksRead(t *testing.T) {
	a, b := NewChannelPair(0)
	_ = a

	errCh := make(chan error, 1)
	go func() {
		_, err := b.ReadFrame(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if err != ErrClosed {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadFrame did not unblock after Close")
	}
}

func TestChannelConnWriteAfterCloseFails(t *testing.T) {
	a, b := NewChannelPair(1)
	_ = b
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.WriteFrame(context.Background(), Frame{Kind: KindPing, Seq: 1}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestChannelConnContextCancelDuringRead(t *testing.T) {
	_, b := NewChannelPair(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.ReadFrame(ctx); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
