/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package source

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/chainguard-dev/clog"
	"github.com/jonboulle/clockwork"

	"github.com/chainguard-dev/partcsv/pkg/record"
)

// Message is a single delivery from a subscription.
type Message interface {
	Data() []byte
	Ack()
	Nack()
}

// Receiver calls f for every message delivered until ctx is done.
type Receiver interface {
	Receive(ctx context.Context, f func(context.Context, Message)) error
}

// FromSubscriber adapts a Pub/Sub subscriber to a Receiver.
func FromSubscriber(sub *pubsub.Subscriber) Receiver {
	return subscriber{sub: sub}
}

type subscriber struct {
	sub *pubsub.Subscriber
}

func (s subscriber) Receive(ctx context.Context, f func(context.Context, Message)) error {
	return s.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		f(ctx, message{m: m})
	})
}

type message struct {
	m *pubsub.Message
}

func (m message) Data() []byte { return m.m.Data }
func (m message) Ack()         { m.m.Ack() }
func (m message) Nack()        { m.m.Nack() }

type pubSubConfig struct {
	idle  time.Duration
	clock clockwork.Clock
}

// PubSubOption configures PubSub.
type PubSubOption func(*pubSubConfig)

// WithIdleTimeout ends the sequence once no message arrived for d.  Zero
// keeps receiving until the context is done.
func WithIdleTimeout(d time.Duration) PubSubOption {
	return func(c *pubSubConfig) {
		c.idle = d
	}
}

// WithClock replaces the clock timing the idle cutoff.
func WithClock(clock clockwork.Clock) PubSubOption {
	return func(c *pubSubConfig) {
		c.clock = clock
	}
}

type delivery struct {
	rec record.Record
	msg Message
}

// PubSub yields one record per message received, each message holding a
// JSON object.  A message is acked once its record has been taken by the
// consumer and nacked if the consumer stops first.  Messages that do not
// decode are logged and acked so they are not redelivered forever.
//
// The sequence ends cleanly at the idle cutoff or when ctx is done.
func PubSub(ctx context.Context, rcv Receiver, opts ...PubSubOption) iter.Seq2[record.Record, error] {
	cfg := pubSubConfig{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(yield func(record.Record, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		deliveries := make(chan delivery)
		errCh := make(chan error, 1)
		go func() {
			errCh <- rcv.Receive(ctx, func(ctx context.Context, m Message) {
				var rec record.Record
				if err := rec.UnmarshalJSON(m.Data()); err != nil {
					clog.WarnContextf(ctx, "Dropping undecodable message: %v", err)
					m.Ack()
					return
				}
				select {
				case deliveries <- delivery{rec: rec, msg: m}:
				case <-ctx.Done():
					m.Nack()
				}
			})
		}()

		var (
			timer   clockwork.Timer
			idleCh  <-chan time.Time
			resetFn = func() {}
		)
		if cfg.idle > 0 {
			timer = cfg.clock.NewTimer(cfg.idle)
			defer timer.Stop()
			idleCh = timer.Chan()
			resetFn = func() {
				if !timer.Stop() {
					select {
					case <-timer.Chan():
					default:
					}
				}
				timer.Reset(cfg.idle)
			}
		}

		for {
			select {
			case d := <-deliveries:
				if !yield(d.rec, nil) {
					d.msg.Nack()
					return
				}
				resetFn()
				d.msg.Ack()

			case <-idleCh:
				clog.InfoContextf(ctx, "No message for %v, ending the subscription", cfg.idle)
				cancel()
				if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
					yield(nil, fmt.Errorf("receiving: %w", err))
				}
				return

			case err := <-errCh:
				if err != nil && ctx.Err() == nil {
					yield(nil, fmt.Errorf("receiving: %w", err))
				}
				return
			}
		}
	}
}
