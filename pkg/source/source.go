/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package source turns inputs into record sequences for partcsv.
package source

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/chainguard-dev/partcsv/pkg/record"
)

// MaxLineSize bounds a single JSON line.
var MaxLineSize = 64 * 1024 * 1024

// Slice yields recs in order.
func Slice(recs []record.Record) iter.Seq2[record.Record, error] {
	return func(yield func(record.Record, error) bool) {
		for _, rec := range recs {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// JSONLines yields one record per non-blank line of r, each line holding a
// JSON object.  Field order follows the object.  Iteration stops after the
// first error.
func JSONLines(r io.Reader) iter.Seq2[record.Record, error] {
	return func(yield func(record.Record, error) bool) {
		s := bufio.NewScanner(r)
		s.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
		line := 0
		for s.Scan() {
			line++
			b := bytes.TrimSpace(s.Bytes())
			if len(b) == 0 {
				continue
			}
			var rec record.Record
			if err := rec.UnmarshalJSON(b); err != nil {
				yield(nil, fmt.Errorf("line %d: %w", line, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := s.Err(); err != nil {
			yield(nil, fmt.Errorf("line %d: %w", line+1, err))
		}
	}
}

// Open opens a file for reading, decompressing it when its name ends in
// ".gz".  The name "-" is standard input.
func Open(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return &gzipFile{Reader: zr, f: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	zerr := g.Reader.Close()
	if err := g.f.Close(); err != nil {
		return err
	}
	return zerr
}

// File yields the records of a JSON-lines file opened with Open.
func File(path string) iter.Seq2[record.Record, error] {
	return func(yield func(record.Record, error) bool) {
		rc, err := Open(path)
		if err != nil {
			yield(nil, err)
			return
		}
		defer rc.Close()
		for rec, err := range JSONLines(rc) {
			if err != nil {
				err = fmt.Errorf("%s: %w", path, err)
			}
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}
