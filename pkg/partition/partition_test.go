/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package partition

import (
	"crypto/md5" //nolint:gosec
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"math/big"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/chainguard-dev/partcsv/pkg/record"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		count   int
		typ     Type
		wantErr bool
	}{{
		name:  "single shard succeeds",
		key:   "a",
		count: 1,
	}, {
		name:  "many shards succeeds",
		key:   "a",
		count: 1000,
		typ:   Float,
	}, {
		name:    "empty key returns error",
		count:   3,
		wantErr: true,
	}, {
		name:    "zero shards returns error",
		key:     "a",
		wantErr: true,
	}, {
		name:    "negative shards returns error",
		key:     "a",
		count:   -2,
		wantErr: true,
	}, {
		name:    "bogus type returns error",
		key:     "a",
		count:   2,
		typ:     Type(42),
		wantErr: true,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.key, tt.count, tt.typ)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWidthAndIDs(t *testing.T) {
	for _, c := range []struct {
		count int
		width int
		first ShardID
		last  ShardID
	}{
		{1, 1, "0", "0"},
		{2, 1, "0", "1"},
		{10, 1, "0", "9"},
		{11, 2, "00", "10"},
		{15, 2, "00", "14"},
		{100, 2, "00", "99"},
		{101, 3, "000", "100"},
	} {
		if got := Width(c.count); got != c.width {
			t.Errorf("Width(%d) = %d, want %d", c.count, got, c.width)
		}
		ids := IDs(c.count)
		if len(ids) != c.count {
			t.Fatalf("len(IDs(%d)) = %d", c.count, len(ids))
		}
		if ids[0] != c.first || ids[len(ids)-1] != c.last {
			t.Errorf("IDs(%d) spans %q..%q, want %q..%q", c.count, ids[0], ids[len(ids)-1], c.first, c.last)
		}
		seen := make(map[ShardID]bool, len(ids))
		for _, id := range ids {
			if len(id) != c.width {
				t.Errorf("IDs(%d) contains %q with width %d", c.count, id, len(id))
			}
			if seen[id] {
				t.Errorf("IDs(%d) contains duplicate %q", c.count, id)
			}
			seen[id] = true
		}
	}
}

func TestFloatHex(t *testing.T) {
	for _, c := range []struct {
		in   float64
		want string
	}{
		{0.1, "0x1.999999999999ap-4"},
		{1, "0x1.0000000000000p+0"},
		{-2.5, "-0x1.4000000000000p+1"},
		{1024, "0x1.0000000000000p+10"},
		{0, "0x0.0p+0"},
		{math.Copysign(0, -1), "-0x0.0p+0"},
		{5e-324, "0x0.0000000000001p-1022"},
		{math.MaxFloat64, "0x1.fffffffffffffp+1023"},
		{math.Inf(1), "inf"},
		{math.Inf(-1), "-inf"},
		{math.NaN(), "nan"},
	} {
		if got := FloatHex(c.in); got != c.want {
			t.Errorf("FloatHex(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name    string
		v       any
		typ     Type
		want    string
		wantErr bool
	}{
		{name: "string", v: "héllo", typ: String, want: "héllo"},
		{name: "float64", v: 0.5, typ: Float, want: "0x1.0000000000000p-1"},
		{name: "float32 widens", v: float32(0.5), typ: Float, want: "0x1.0000000000000p-1"},
		{name: "bytes identity", v: []byte{0, 1, 2}, typ: Bytes, want: "\x00\x01\x02"},
		{name: "other int", v: 42, typ: Other, want: "42"},
		{name: "other float", v: 2.5, typ: Other, want: "2.5"},
		{name: "other string", v: "x", typ: Other, want: "x"},
		{name: "float json number", v: json.Number("0.5"), typ: Float, want: "0x1.0000000000000p-1"},
		{name: "float json integer", v: json.Number("3"), typ: Float, want: "0x1.8000000000000p+1"},
		{name: "other json integer keeps digits", v: json.Number("12345678901234567"), typ: Other, want: "12345678901234567"},
		{name: "string strategy rejects float", v: 1.5, typ: String, wantErr: true},
		{name: "string strategy rejects json number", v: json.Number("10"), typ: String, wantErr: true},
		{name: "float strategy rejects bad json number", v: json.Number("1e999"), typ: Float, wantErr: true},
		{name: "float strategy rejects string", v: "1.5", typ: Float, wantErr: true},
		{name: "bytes strategy rejects int", v: 3, typ: Bytes, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.v, tt.typ)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedValue) {
					t.Errorf("Canonicalize() error = %v, want %v", err, ErrUnsupportedValue)
				}
				return
			}
			if err != nil {
				t.Fatalf("Canonicalize() = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Canonicalize() = %q, want %q", got, tt.want)
			}
		})
	}
}

// referenceIndex computes the shard index with arbitrary precision
// arithmetic.
func referenceIndex(b []byte, n int) int {
	sum := md5.Sum(b) //nolint:gosec
	v := new(big.Int).SetBytes(sum[:])
	return int(new(big.Int).Mod(v, big.NewInt(int64(n))).Int64())
}

func TestIndexMatchesBigIntReduction(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 2000; i++ {
		b := []byte(fmt.Sprintf("key-%d-%d", i, r.Uint64()))
		n := 1 + r.IntN(5000)
		if got, want := Index(b, n), referenceIndex(b, n); got != want {
			t.Fatalf("Index(%q, %d) = %d, want %d", b, n, got, want)
		}
	}
}

func TestAssignDeterministic(t *testing.T) {
	a, err := New("k", 15, Float)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	b, err := New("k", 15, Float)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	r := rand.New(rand.NewPCG(3, 4))
	for i := 0; i < 1000; i++ {
		v := r.Float64()
		rec := record.Of("other", i, "k", v)
		got1, err := a.Assign(rec)
		if err != nil {
			t.Fatalf("Assign() = %v", err)
		}
		got2, err := b.Assign(record.Of("k", v))
		if err != nil {
			t.Fatalf("Assign() = %v", err)
		}
		if got1 != got2 {
			t.Fatalf("Assign(%v) = %q and %q", v, got1, got2)
		}
		want := formatID(referenceIndex([]byte(FloatHex(v)), 15), 2)
		if got1 != want {
			t.Fatalf("Assign(%v) = %q, want %q", v, got1, want)
		}
	}
}

func TestAssignDistribution(t *testing.T) {
	const shards, n = 8, 80_000
	a, err := New("id", shards, String)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	counts := make(map[ShardID]int, shards)
	for i := 0; i < n; i++ {
		id, err := a.Assign(record.Of("id", fmt.Sprintf("user-%d", i)))
		if err != nil {
			t.Fatalf("Assign() = %v", err)
		}
		counts[id]++
	}
	if diff := cmp.Diff(IDs(shards), slices.Sorted(maps.Keys(counts))); diff != "" {
		t.Errorf("shards hit (-want +got): %s", diff)
	}
	expected := n / shards
	for id, c := range counts {
		// Allow 10% deviation from uniform.
		if c < expected*9/10 || c > expected*11/10 {
			t.Errorf("shard %s got %d keys, expected around %d", id, c, expected)
		}
	}
}

func TestAssignKeyMissing(t *testing.T) {
	a, err := New("a", 2, String)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	if _, err := a.Assign(record.Of("b", 10)); !errors.Is(err, ErrKeyMissing) {
		t.Errorf("Assign() error = %v, want %v", err, ErrKeyMissing)
	}
}

func TestParseType(t *testing.T) {
	for in, want := range map[string]Type{
		"":       String,
		"string": String,
		"FLOAT":  Float,
		"bytes":  Bytes,
		"other":  Other,
	} {
		got, err := ParseType(in)
		if err != nil {
			t.Errorf("ParseType(%q) = %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseType(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseType("decimal"); err == nil {
		t.Error("ParseType(decimal) = nil, want error")
	}
}

func TestAssignJSONNumberMatchesFloat(t *testing.T) {
	a, err := New("x", 7, Float)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	for _, f := range []float64{0, 0.1, -3.75, 1e300, 12345678} {
		want, err := a.Assign(record.Of("x", f))
		if err != nil {
			t.Fatalf("Assign(%v) = %v", f, err)
		}
		n := json.Number(fmt.Sprint(f))
		got, err := a.Assign(record.Of("x", n))
		if err != nil {
			t.Fatalf("Assign(%v) = %v", n, err)
		}
		if got != want {
			t.Errorf("Assign(%v) = %s, want %s as for float64 %v", n, got, want, f)
		}
	}
}
