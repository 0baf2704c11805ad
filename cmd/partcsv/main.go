/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"iter"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/chainguard-dev/clog"
	_ "github.com/chainguard-dev/clog/gcp/init"
	"github.com/sethvargo/go-envconfig"

	"github.com/chainguard-dev/partcsv/pkg/metrics"
	"github.com/chainguard-dev/partcsv/pkg/partcsv"
	"github.com/chainguard-dev/partcsv/pkg/partition"
	"github.com/chainguard-dev/partcsv/pkg/profiler"
	"github.com/chainguard-dev/partcsv/pkg/record"
	"github.com/chainguard-dev/partcsv/pkg/source"
	"github.com/chainguard-dev/partcsv/pkg/upload"
)

type envConfig struct {
	// Input is a JSON-lines file, optionally gzipped, or "-" for stdin.
	// It is ignored when a subscription is configured.
	Input         string `env:"INPUT, default=-"`
	PartitionKey  string `env:"PARTITION_KEY, required"`
	ShardCount    int    `env:"SHARD_COUNT, required"`
	OutputDir     string `env:"OUTPUT_DIR, required"`
	PartitionType string `env:"PARTITION_TYPE, default=string"`

	SlotPerPartition int     `env:"SLOT_PER_PARTITION, default=1000"`
	DirectorCount    int     `env:"DIRECTOR_COUNT, default=2"`
	BatchSize        int     `env:"BATCH_SIZE, default=100"`
	Append           bool    `env:"APPEND, default=false"`
	FeedRate         float64 `env:"FEED_RATE"`

	Bucket            string `env:"BUCKET"`
	BucketPrefix      string `env:"BUCKET_PREFIX"`
	UploadConcurrency int    `env:"UPLOAD_CONCURRENCY, default=8"`
	RemoveLocal       bool   `env:"REMOVE_LOCAL, default=false"`

	PubSubProject      string        `env:"PUBSUB_PROJECT"`
	PubSubSubscription string        `env:"PUBSUB_SUBSCRIPTION"`
	PubSubIdle         time.Duration `env:"PUBSUB_IDLE, default=10s"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var env envConfig
	envconfig.MustProcess(ctx, &env)

	profiler.SetupProfiler()
	defer metrics.SetupTracer(ctx)()
	go metrics.ServeMetrics(ctx)
	go metrics.ScrapeDiskUsage(ctx, env.OutputDir)

	typ, err := partition.ParseType(env.PartitionType)
	if err != nil {
		clog.FatalContextf(ctx, "Invalid PARTITION_TYPE: %v", err)
	}
	opts := []partcsv.Option{
		partcsv.WithPartitionType(typ),
		partcsv.WithSlotPerPartition(env.SlotPerPartition),
		partcsv.WithDirectorCount(env.DirectorCount),
		partcsv.WithBatchSize(env.BatchSize),
		partcsv.WithAppend(env.Append),
	}
	if env.FeedRate > 0 {
		opts = append(opts, partcsv.WithFeedRate(env.FeedRate))
	}

	var seq iter.Seq2[record.Record, error]
	if env.PubSubSubscription != "" {
		project := env.PubSubProject
		if project == "" {
			project = pubsub.DetectProjectID
		}
		client, err := pubsub.NewClient(ctx, project)
		if err != nil {
			clog.FatalContextf(ctx, "pubsub.NewClient: %v", err)
		}
		defer client.Close()
		sub := client.Subscriber(env.PubSubSubscription)
		seq = source.PubSub(ctx, source.FromSubscriber(sub), source.WithIdleTimeout(env.PubSubIdle))
		clog.InfoContextf(ctx, "Reading records from subscription %s", env.PubSubSubscription)
	} else {
		seq = source.File(env.Input)
		clog.InfoContextf(ctx, "Reading records from %s", env.Input)
	}

	r, err := partcsv.New(ctx, env.OutputDir, env.PartitionKey, env.ShardCount, opts...)
	if err != nil {
		clog.FatalContextf(ctx, "Failed to set up the run: %v", err)
	}
	if err := r.Run(ctx, seq); err != nil {
		clog.FatalContextf(ctx, "Failed to partition input: %v", err)
	}

	if env.Bucket == "" {
		return
	}
	u := upload.New(env.Bucket, env.BucketPrefix,
		upload.WithConcurrency(env.UploadConcurrency),
		upload.WithRemoveLocal(env.RemoveLocal),
	)
	// Shards are complete at this point, so publish them even if we are
	// being asked to stop.
	if err := u.Upload(context.WithoutCancel(ctx), r.Paths()); err != nil {
		clog.FatalContextf(ctx, "Failed to upload shards: %v", err)
	}
}
