/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package source

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chainguard-dev/clog/slogtest"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/chainguard-dev/partcsv/pkg/record"
)

type fakeMessage struct {
	data  []byte
	acks  *atomic.Int32
	nacks *atomic.Int32
}

func (m fakeMessage) Data() []byte { return m.data }
func (m fakeMessage) Ack()         { m.acks.Add(1) }
func (m fakeMessage) Nack()        { m.nacks.Add(1) }

// fakeReceiver delivers its payloads one at a time, then blocks until its
// context is done or returns err if set.
type fakeReceiver struct {
	payloads []string
	err      error
	gate     <-chan struct{} // closed before the first delivery, if set

	acks, nacks atomic.Int32
	mu          sync.Mutex
	stopped     bool
}

func (r *fakeReceiver) Receive(ctx context.Context, f func(context.Context, Message)) error {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil
		}
	}
	for _, p := range r.payloads {
		if ctx.Err() != nil {
			break
		}
		f(ctx, fakeMessage{data: []byte(p), acks: &r.acks, nacks: &r.nacks})
	}
	if r.err != nil {
		return r.err
	}
	<-ctx.Done()
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	return nil
}

func (r *fakeReceiver) wasStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPubSubIdleCutoff(t *testing.T) {
	ctx := slogtest.Context(t)
	clock := clockwork.NewFakeClock()
	rcv := &fakeReceiver{payloads: []string{
		`{"id": "1", "v": 1}`,
		`not json`,
		`{"id": "2", "v": 2}`,
	}}

	go func() {
		// Two decoded messages are acked, plus the undecodable one.
		for rcv.acks.Load() < 3 {
			time.Sleep(time.Millisecond)
		}
		clock.Advance(time.Minute)
	}()

	var got []record.Record
	done := make(chan error, 1)
	go func() {
		for rec, err := range PubSub(ctx, rcv, WithIdleTimeout(time.Minute), WithClock(clock)) {
			if err != nil {
				done <- err
				return
			}
			got = append(got, rec)
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("PubSub() = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("PubSub() did not end at the idle cutoff")
	}

	want := []record.Record{record.Of("id", "1", "v", json.Number("1")), record.Of("id", "2", "v", json.Number("2"))}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("PubSub() (-want +got): %s", diff)
	}
	if n := rcv.nacks.Load(); n != 0 {
		t.Errorf("nacks = %d, want 0", n)
	}
	if !rcv.wasStopped() {
		t.Error("receiver was not stopped")
	}
}

func TestPubSubIdleResetsOnMessage(t *testing.T) {
	ctx := slogtest.Context(t)
	clock := clockwork.NewFakeClock()
	gate := make(chan struct{})
	rcv := &fakeReceiver{payloads: []string{`{"id": "1"}`}, gate: gate}

	out := make(chan record.Record)
	go func() {
		defer close(out)
		for rec, err := range PubSub(ctx, rcv, WithIdleTimeout(time.Minute), WithClock(clock)) {
			if err != nil {
				t.Errorf("PubSub() = %v", err)
				return
			}
			out <- rec
		}
	}()

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("BlockUntilContext() = %v", err)
	}
	clock.Advance(50 * time.Second)
	close(gate)
	if _, ok := <-out; !ok {
		t.Fatal("sequence ended before the message")
	}
	waitFor(t, "ack", func() bool { return rcv.acks.Load() == 1 })

	// The cutoff restarted with the message, so 50s more is not enough.
	clock.Advance(50 * time.Second)
	select {
	case <-out:
		t.Fatal("sequence ended before the idle cutoff")
	case <-time.After(50 * time.Millisecond):
	}
	clock.Advance(10 * time.Second)
	select {
	case rec, ok := <-out:
		if ok {
			t.Errorf("got %v, want the end of the sequence", rec)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("sequence did not end at the idle cutoff")
	}
}

func TestPubSubConsumerStopsEarly(t *testing.T) {
	ctx := slogtest.Context(t)
	rcv := &fakeReceiver{payloads: []string{`{"id": "1"}`, `{"id": "2"}`, `{"id": "3"}`}}

	for range PubSub(ctx, rcv) {
		break
	}
	waitFor(t, "receiver to stop", rcv.wasStopped)
	if n := rcv.acks.Load(); n != 0 {
		t.Errorf("acks = %d, want 0", n)
	}
	if n := rcv.nacks.Load(); n < 1 {
		t.Errorf("nacks = %d, want the abandoned message nacked", n)
	}
}

func TestPubSubReceiveError(t *testing.T) {
	ctx := slogtest.Context(t)
	boom := errors.New("boom")
	rcv := &fakeReceiver{payloads: []string{`{"id": "1"}`}, err: boom}

	var (
		n   int
		err error
	)
	for _, e := range PubSub(ctx, rcv) {
		if e != nil {
			err = e
			break
		}
		n++
	}
	if !errors.Is(err, boom) {
		t.Errorf("PubSub() = %v, want %v", err, boom)
	}
	if n != 1 {
		t.Errorf("got %d records, want 1", n)
	}
}

func TestPubSubContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(slogtest.Context(t))
	rcv := &fakeReceiver{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, err := range PubSub(ctx, rcv) {
			if err != nil {
				t.Errorf("PubSub() = %v", err)
			}
		}
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("PubSub() did not end after cancel")
	}
}
