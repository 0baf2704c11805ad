/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package partition

import (
	"crypto/md5" //nolint:gosec // used for distribution, not security
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"

	"github.com/chainguard-dev/partcsv/pkg/record"
)

var (
	// ErrKeyMissing is returned when a record lacks the partition key.
	ErrKeyMissing = errors.New("partition key missing")

	// ErrUnsupportedValue is returned when the key value cannot be
	// canonicalized under the configured Type.
	ErrUnsupportedValue = errors.New("unsupported partition value")
)

// Type selects how a key value is turned into bytes before hashing.
type Type int

const (
	String Type = iota
	Float
	Bytes
	Other
)

func (t Type) String() string {
	switch t {
	case String:
		return "string"
	case Float:
		return "float"
	case Bytes:
		return "bytes"
	case Other:
		return "other"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ParseType parses the textual form of a Type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "string", "str":
		return String, nil
	case "float", "float64":
		return Float, nil
	case "bytes":
		return Bytes, nil
	case "other":
		return Other, nil
	default:
		return 0, fmt.Errorf("unknown partition type %q", s)
	}
}

// ShardID names a shard: a zero-padded decimal index.
type ShardID string

// Width returns the number of digits used for the shard ids of shardCount
// shards.
func Width(shardCount int) int {
	if shardCount <= 1 {
		return 1
	}
	return len(strconv.Itoa(shardCount - 1))
}

// IDs returns the ids of shardCount shards, in index order.
func IDs(shardCount int) []ShardID {
	w := Width(shardCount)
	ids := make([]ShardID, shardCount)
	for i := range ids {
		ids[i] = formatID(i, w)
	}
	return ids
}

func formatID(i, width int) ShardID {
	return ShardID(fmt.Sprintf("%0*d", width, i))
}

// Assigner routes records to shards.  It is immutable and safe for
// concurrent use.
type Assigner struct {
	key   string
	count int
	typ   Type
	width int
}

// New creates an Assigner hashing the given key across shardCount shards.
func New(key string, shardCount int, typ Type) (*Assigner, error) {
	if key == "" {
		return nil, errors.New("partition key must not be empty")
	}
	if shardCount < 1 {
		return nil, fmt.Errorf("shard count must be positive, got %d", shardCount)
	}
	if typ < String || typ > Other {
		return nil, fmt.Errorf("invalid partition type %v", typ)
	}
	return &Assigner{
		key:   key,
		count: shardCount,
		typ:   typ,
		width: Width(shardCount),
	}, nil
}

// Key returns the name of the field the Assigner hashes.
func (a *Assigner) Key() string { return a.key }

// ShardCount returns the number of shards the Assigner routes across.
func (a *Assigner) ShardCount() int { return a.count }

// Assign returns the shard the record belongs to.
func (a *Assigner) Assign(rec record.Record) (ShardID, error) {
	v, ok := rec.Get(a.key)
	if !ok {
		return "", fmt.Errorf("%w: %q not in record with fields %v", ErrKeyMissing, a.key, rec.Keys())
	}
	b, err := Canonicalize(v, a.typ)
	if err != nil {
		return "", err
	}
	return formatID(Index(b, a.count), a.width), nil
}

// Index hashes the canonical bytes of a key value onto [0, shardCount).
func Index(b []byte, shardCount int) int {
	sum := md5.Sum(b) //nolint:gosec
	hi := binary.BigEndian.Uint64(sum[:8])
	lo := binary.BigEndian.Uint64(sum[8:])
	return int(bits.Rem64(hi, lo, uint64(shardCount)))
}

// Canonicalize turns a key value into the bytes that get hashed.
func Canonicalize(v any, typ Type) ([]byte, error) {
	switch typ {
	case String:
		switch v := v.(type) {
		case string:
			return []byte(v), nil
		case json.Number:
			// Numbers are not strings even though they print as one.
		case fmt.Stringer:
			return []byte(v.String()), nil
		}
	case Float:
		switch v := v.(type) {
		case float64:
			return []byte(FloatHex(v)), nil
		case float32:
			return []byte(FloatHex(float64(v))), nil
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return nil, fmt.Errorf("%w: %q under %v: %w", ErrUnsupportedValue, v, typ, err)
			}
			return []byte(FloatHex(f)), nil
		}
	case Bytes:
		switch v := v.(type) {
		case []byte:
			return v, nil
		case string:
			return []byte(v), nil
		}
	case Other:
		return []byte(record.Format(v)), nil
	}
	return nil, fmt.Errorf("%w: %T under %v", ErrUnsupportedValue, v, typ)
}

// FloatHex renders the exact bits of f in hexadecimal scientific notation,
// always with a 13 digit fraction: 0.1 is 0x1.999999999999ap-4.
func FloatHex(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	u := math.Float64bits(f)
	sign := ""
	if u>>63 != 0 {
		sign = "-"
	}
	exp := int(u>>52) & 0x7ff
	frac := u & (1<<52 - 1)
	switch {
	case exp == 0 && frac == 0:
		return sign + "0x0.0p+0"
	case exp == 0:
		// subnormal
		return fmt.Sprintf("%s0x0.%013xp-1022", sign, frac)
	default:
		return fmt.Sprintf("%s0x1.%013xp%+d", sign, frac, exp-1023)
	}
}
