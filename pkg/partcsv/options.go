/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package partcsv

import (
	"fmt"

	"golang.org/x/time/rate"

	"github.com/chainguard-dev/partcsv/pkg/partition"
)

// Defaults for the tunables of a run.
const (
	DefaultSlotPerPartition = 1000
	DefaultDirectorCount    = 2
	DefaultBatchSize        = 100
)

type config struct {
	partitionType    partition.Type
	slotPerPartition int
	directorCount    int
	batchSize        int
	append           bool
	feedRate         rate.Limit
}

func newConfig(opts []Option) (config, error) {
	c := config{
		partitionType:    partition.String,
		slotPerPartition: DefaultSlotPerPartition,
		directorCount:    DefaultDirectorCount,
		batchSize:        DefaultBatchSize,
		feedRate:         rate.Inf,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.slotPerPartition < 1 {
		return c, fmt.Errorf("slot per partition must be positive, got %d", c.slotPerPartition)
	}
	if c.directorCount < 1 {
		return c, fmt.Errorf("director count must be positive, got %d", c.directorCount)
	}
	if c.batchSize < 1 {
		return c, fmt.Errorf("batch size must be positive, got %d", c.batchSize)
	}
	if c.feedRate <= 0 {
		return c, fmt.Errorf("feed rate must be positive, got %v", c.feedRate)
	}
	return c, nil
}

// ingestCapacity is the number of batches the ingestion queue holds.
func (c config) ingestCapacity(shardCount int) int {
	return max(1, shardCount*c.slotPerPartition/c.batchSize)
}

// Option configures a Runner.
type Option func(*config)

// WithPartitionType sets how the partition key value is canonicalized
// before hashing.  The default is partition.String.
func WithPartitionType(t partition.Type) Option {
	return func(c *config) {
		c.partitionType = t
	}
}

// WithSlotPerPartition sizes the ingestion queue: it holds roughly
// shardCount*n records before the feeder blocks.
func WithSlotPerPartition(n int) Option {
	return func(c *config) {
		c.slotPerPartition = n
	}
}

// WithDirectorCount sets the number of concurrent routing workers.
func WithDirectorCount(n int) Option {
	return func(c *config) {
		c.directorCount = n
	}
}

// WithBatchSize sets how many records travel together on the ingestion
// queue.
func WithBatchSize(n int) Option {
	return func(c *config) {
		c.batchSize = n
	}
}

// WithAppend appends to existing shard files instead of truncating them.
func WithAppend(enabled bool) Option {
	return func(c *config) {
		c.append = enabled
	}
}

// WithFeedRate caps the number of records fed per second.
func WithFeedRate(perSecond float64) Option {
	return func(c *config) {
		c.feedRate = rate.Limit(perSecond)
	}
}
