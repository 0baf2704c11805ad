/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package partcsv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"sync/atomic"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/chainguard-dev/partcsv/pkg/director"
	"github.com/chainguard-dev/partcsv/pkg/metrics"
	"github.com/chainguard-dev/partcsv/pkg/partition"
	"github.com/chainguard-dev/partcsv/pkg/queue"
	"github.com/chainguard-dev/partcsv/pkg/record"
	"github.com/chainguard-dev/partcsv/pkg/shard"
)

// State is the lifecycle stage of a Runner.
type State int32

const (
	// Created: writers are running, directors are built but idle.
	Created State = iota
	// Started: directors are running.
	Started
	// Feeding: input records are being placed on the ingestion queue.
	Feeding
	// Draining: the input is exhausted and the workers are being joined.
	Draining
	// Joined: every worker finished and every shard file is complete.
	Joined
	// Killed: the run failed and every worker was torn down.
	Killed
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Started:
		return "Started"
	case Feeding:
		return "Feeding"
	case Draining:
		return "Draining"
	case Joined:
		return "Joined"
	case Killed:
		return "Killed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrAlreadyRun is returned by Run on a Runner that already ran.
var ErrAlreadyRun = errors.New("runner already ran")

var tracer = otel.Tracer("github.com/chainguard-dev/partcsv")

// Runner partitions one input sequence into shard files.
type Runner struct {
	cfg      config
	dir      string
	runID    string
	assigner *partition.Assigner

	ingest    chan queue.Item[director.Batch]
	writers   []*shard.Writer
	directors []*director.Director
	limiter   *rate.Limiter

	// ctx scopes every worker of the run; cancelling it is the kill switch.
	ctx    context.Context
	cancel context.CancelCauseFunc

	writerGroup   errgroup.Group
	directorGroup errgroup.Group
	// Zero is Created.  Only compare-and-swap moves it: writers can kill
	// the run before New returns.
	state atomic.Int32
}

// New creates a Runner writing shardCount files into dir, routed on the
// named key.  The shard writers start immediately and live until the
// Runner is run to completion or killed; the directors start with Run.
// Callers must eventually call Run or Kill, or the writers are leaked.
func New(ctx context.Context, dir, key string, shardCount int, opts ...Option) (*Runner, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	assigner, err := partition.New(key, shardCount, cfg.partitionType)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", shard.ErrResource, err)
	}

	r := &Runner{
		cfg:      cfg,
		dir:      dir,
		runID:    uuid.NewString(),
		assigner: assigner,
		ingest:   make(chan queue.Item[director.Batch], cfg.ingestCapacity(shardCount)),
	}
	if cfg.feedRate != rate.Inf {
		r.limiter = rate.NewLimiter(cfg.feedRate, 1)
	}

	logger := clog.FromContext(ctx).With("run_id", r.runID)
	r.ctx, r.cancel = context.WithCancelCause(clog.WithLogger(ctx, logger))

	routes := make(director.Routes, shardCount)
	for _, id := range partition.IDs(shardCount) {
		w := shard.New(dir, id,
			shard.WithAppend(cfg.append),
			shard.WithProducers(cfg.directorCount),
		)
		r.writers = append(r.writers, w)
		routes[id] = w
	}
	for i := range cfg.directorCount {
		d, err := director.New(i, assigner, routes)
		if err != nil {
			r.cancel(err)
			return nil, err
		}
		r.directors = append(r.directors, d)
	}

	for _, w := range r.writers {
		r.writerGroup.Go(func() error {
			return r.guard(w.Run(r.ctx))
		})
	}
	logger.Info("Shard writers started", "dir", dir, "shards", shardCount, "key", key,
		"partition_type", cfg.partitionType.String(), "directors", cfg.directorCount,
		"ingest_capacity", cap(r.ingest))
	return r, nil
}

// State returns the current lifecycle stage.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Paths returns the shard files of the run, in shard order.
func (r *Runner) Paths() []string {
	paths := make([]string, len(r.writers))
	for i, w := range r.writers {
		paths[i] = w.Path()
	}
	return paths
}

// Run starts the directors, feeds every record of seq through them, and
// waits until every shard file is complete.
//
// The first error raised anywhere, including by seq or by the
// cancellation of ctx, kills every worker without finishing the shard
// files and is returned.
func (r *Runner) Run(ctx context.Context, seq iter.Seq2[record.Record, error]) (err error) {
	ctx, span := tracer.Start(ctx, "partcsv.Run", trace.WithAttributes(
		attribute.String("partcsv.run_id", r.runID),
		attribute.String("partcsv.key", r.assigner.Key()),
		attribute.Int("partcsv.shards", r.assigner.ShardCount()),
		attribute.Int("partcsv.directors", r.cfg.directorCount),
	))
	defer span.End()
	logger := clog.FromContext(ctx).With("run_id", r.runID)
	start := time.Now()
	defer func() {
		metrics.RunFinished(err, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if !r.state.CompareAndSwap(int32(Created), int32(Started)) {
		if r.State() != Killed {
			return ErrAlreadyRun
		}
		// A writer failed before we got going.
		r.writerGroup.Wait() //nolint:errcheck // the cause is on r.ctx
		return r.failure(ctx)
	}

	stop := context.AfterFunc(ctx, func() {
		r.kill(context.Cause(ctx))
	})
	defer stop()

	for _, d := range r.directors {
		r.directorGroup.Go(func() error {
			return r.guard(d.Run(r.ctx, r.ingest))
		})
	}

	if r.state.CompareAndSwap(int32(Started), int32(Feeding)) {
		if err := r.feed(seq); err != nil {
			r.kill(err)
		} else if r.state.CompareAndSwap(int32(Feeding), int32(Draining)) {
			for range r.directors {
				if err := r.put(queue.EndOfStream[director.Batch](), 0); err != nil {
					break
				}
			}
		}
	}

	r.directorGroup.Wait() //nolint:errcheck // the cause is on r.ctx
	r.writerGroup.Wait()   //nolint:errcheck // the cause is on r.ctx

	if r.state.CompareAndSwap(int32(Draining), int32(Joined)) {
		r.cancel(nil)
		logger.Info("Partitioned input", "dir", r.dir, "elapsed", time.Since(start))
		return nil
	}
	return r.failure(ctx)
}

// Kill tears the run down with the given cause and waits for every worker
// to exit.  It is a no-op once the Runner has joined or been killed.
func (r *Runner) Kill(cause error) {
	r.kill(cause)
	r.directorGroup.Wait() //nolint:errcheck
	r.writerGroup.Wait()   //nolint:errcheck
}

func (r *Runner) kill(cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	for {
		s := r.state.Load()
		if s == int32(Joined) || s == int32(Killed) {
			return
		}
		if r.state.CompareAndSwap(s, int32(Killed)) {
			r.cancel(cause)
			return
		}
	}
}

// guard kills the run when a worker fails.
func (r *Runner) guard(err error) error {
	if err != nil {
		r.kill(err)
	}
	return err
}

func (r *Runner) failure(ctx context.Context) error {
	cause := context.Cause(r.ctx)
	if cause == nil {
		cause = errors.New("run killed")
	}
	clog.FromContext(ctx).With("run_id", r.runID).Errorf("killed every worker after: %v", cause)
	return cause
}

// feed places the records of seq on the ingestion queue in batches,
// blocking whenever the queue is full.
func (r *Runner) feed(seq iter.Seq2[record.Record, error]) error {
	batch := make(director.Batch, 0, r.cfg.batchSize)
	for rec, err := range seq {
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(r.ctx); err != nil {
				return context.Cause(r.ctx)
			}
		}
		batch = append(batch, rec)
		if len(batch) < r.cfg.batchSize {
			continue
		}
		if err := r.put(queue.Value(batch), len(batch)); err != nil {
			return err
		}
		batch = make(director.Batch, 0, r.cfg.batchSize)
	}
	if len(batch) > 0 {
		return r.put(queue.Value(batch), len(batch))
	}
	return nil
}

func (r *Runner) put(item queue.Item[director.Batch], records int) error {
	start := time.Now()
	select {
	case r.ingest <- item:
	case <-r.ctx.Done():
		return context.Cause(r.ctx)
	}
	if records > 0 {
		metrics.RecordsFed(records, time.Since(start))
	}
	return nil
}

// Partition routes every record of seq into shardCount gzip-compressed CSV
// files under dir, hashing the value of key.
func Partition(ctx context.Context, seq iter.Seq2[record.Record, error], key string, shardCount int, dir string, opts ...Option) error {
	r, err := New(ctx, dir, key, shardCount, opts...)
	if err != nil {
		return err
	}
	return r.Run(ctx, seq)
}
