/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package partcsv splits a stream of records into a fixed number of
// gzip-compressed CSV files, one per shard, choosing the shard of each
// record from a hash of one of its fields.
//
// A run is a small pipeline:
//
//	input -> ingestion queue -> directors -> shard queues -> writers -> <id>.csv.gz
//
// The ingestion queue is bounded, so a fast input blocks instead of
// buffering without limit.  Directors are interchangeable and drain the
// ingestion queue concurrently; each one ends by sending an end of stream
// marker to every shard.  A writer finishes its file once it has seen one
// marker from every director, not on the first marker it receives: a
// director that is done says nothing about records another director is
// still routing to the same shard.
//
// Any failure, in the input, a director, or a writer, kills the whole run:
// every worker stops and the partially written files are left without a
// gzip trailer.
package partcsv
