/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package director routes batches of records from the shared ingestion
// queue to per-shard queues.
package director

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/chainguard-dev/clog"

	"github.com/chainguard-dev/partcsv/pkg/metrics"
	"github.com/chainguard-dev/partcsv/pkg/partition"
	"github.com/chainguard-dev/partcsv/pkg/queue"
	"github.com/chainguard-dev/partcsv/pkg/record"
)

// Batch is the unit placed on the ingestion queue.
type Batch = []record.Record

// Assigner picks the shard of a record.
type Assigner interface {
	Assign(record.Record) (partition.ShardID, error)
}

// Sink accepts messages for a single shard without blocking.
type Sink interface {
	Send(queue.Item[record.Record])
}

// Routes maps every shard to the sink that feeds its writer.  It is built
// once before any director starts and only read afterwards.
type Routes map[partition.ShardID]Sink

// Director drains the ingestion queue.  Any number of directors may share
// one ingestion queue and one set of routes.
type Director struct {
	id       int
	assigner Assigner
	routes   Routes
}

// New creates a director.  The id only labels its logs and errors.
func New(id int, assigner Assigner, routes Routes) (*Director, error) {
	if assigner == nil {
		return nil, errors.New("director needs an assigner")
	}
	if len(routes) == 0 {
		return nil, errors.New("director needs at least one route")
	}
	return &Director{
		id:       id,
		assigner: assigner,
		routes:   routes,
	}, nil
}

// Run routes every record it receives from in until it takes one end of
// stream marker off in, or in is closed.  It then sends one end of stream
// marker to every route and returns.
//
// On error the director stops immediately without broadcasting; the caller
// is expected to tear the whole pipeline down.
func (d *Director) Run(ctx context.Context, in <-chan queue.Item[Batch]) (err error) {
	logger := clog.FromContext(ctx).With("director", d.id)
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("director panicked: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("director %d: panic: %v", d.id, r)
		}
	}()

	routed := 0
	for {
		var (
			item queue.Item[Batch]
			open bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, open = <-in:
		}

		batch, ok := item.Get()
		if !ok || !open {
			d.broadcastEnd()
			logger.Debug("Director finished", "records", routed)
			return nil
		}
		for _, rec := range batch {
			if err := d.route(rec); err != nil {
				return fmt.Errorf("director %d: %w", d.id, err)
			}
			routed++
		}
	}
}

func (d *Director) route(rec record.Record) error {
	id, err := d.assigner.Assign(rec)
	if err != nil {
		return err
	}
	sink, ok := d.routes[id]
	if !ok {
		return fmt.Errorf("no route for shard %q", id)
	}
	sink.Send(queue.Value(rec))
	metrics.RecordRouted(string(id))
	return nil
}

func (d *Director) broadcastEnd() {
	for _, sink := range d.routes {
		sink.Send(queue.EndOfStream[record.Record]())
	}
}
