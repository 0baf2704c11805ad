/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package partition assigns records to a fixed number of shards by hashing
// the value of a single key field.
//
// The key value is first canonicalized to bytes according to a Type:
//
//	String: the UTF-8 bytes of the string
//	Float:  the exact hexadecimal form of the float64 bits, [-]0x1.<13 hex>p<exp>
//	Bytes:  the bytes unchanged
//	Other:  the fmt.Sprint form of the value
//
// and then routed with:
//
//	md5(bytes) as a big-endian uint128 % shardCount -> shard index
//
// This ensures:
//   - Deterministic routing: the same value always lands on the same shard,
//     independent of process, record order or worker count
//   - Even distribution without any global statistics over the keys
//   - Floats that print the same in decimal but differ in their bits are
//     never conflated
//
// Shard indices are rendered as zero-padded decimal ShardIDs whose width is
// the digit count of shardCount-1.
package partition
