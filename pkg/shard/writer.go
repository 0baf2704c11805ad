/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package shard

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/klauspost/compress/gzip"

	"github.com/chainguard-dev/partcsv/pkg/metrics"
	"github.com/chainguard-dev/partcsv/pkg/partition"
	"github.com/chainguard-dev/partcsv/pkg/queue"
	"github.com/chainguard-dev/partcsv/pkg/record"
)

var (
	// ErrSchemaMismatch is returned when a record's fields differ from the
	// header locked in by the first record of its shard.
	ErrSchemaMismatch = errors.New("record fields do not match shard header")

	// ErrResource is returned when a shard file cannot be opened, read
	// or written.
	ErrResource = errors.New("shard file unavailable")
)

// Message is what flows into a Writer: a record or the end of a
// producer's stream.
type Message = queue.Item[record.Record]

// Extension is the suffix of every shard file.
const Extension = ".csv.gz"

// Path returns the location of the file holding shard id under dir.
func Path(dir string, id partition.ShardID) string {
	return filepath.Join(dir, string(id)+Extension)
}

// Option configures a Writer.
type Option func(*Writer)

// WithAppend opens an existing shard file for appending instead of
// truncating it.
func WithAppend(enabled bool) Option {
	return func(w *Writer) {
		w.append = enabled
	}
}

// WithProducers sets how many producers feed the Writer.  The Writer
// finishes once it has seen the end of the stream from each of them.
func WithProducers(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.producers = n
		}
	}
}

// Writer serializes the records of a single shard into a gzip-compressed
// CSV file.  It is the only writer of that file for its whole lifetime.
type Writer struct {
	id        partition.ShardID
	path      string
	append    bool
	producers int
	in        *queue.Unbounded[Message]
}

// New creates the Writer for shard id, writing to Path(dir, id).
func New(dir string, id partition.ShardID, opts ...Option) *Writer {
	w := &Writer{
		id:        id,
		path:      Path(dir, id),
		producers: 1,
		in:        queue.NewUnbounded[Message](),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the shard the Writer owns.
func (w *Writer) ID() partition.ShardID { return w.id }

// Path returns the file the Writer owns.
func (w *Writer) Path() string { return w.path }

// Send enqueues m for the Writer.  It never blocks.
func (w *Writer) Send(m Message) {
	w.in.Push(m)
}

// Run opens the shard file and drains the Writer's queue into it until
// every producer has signaled the end of its stream.  Extra end-of-stream
// markers are never waited for.
//
// The file is released exactly once, when Run returns.  If Run fails or
// ctx is cancelled, the file is closed without finishing the compressed
// stream, and its contents are unspecified.
func (w *Writer) Run(ctx context.Context) error {
	logger := clog.FromContext(ctx).With("shard", w.id)

	var header []string
	if w.append {
		h, err := readHeader(w.path)
		if err != nil {
			return fmt.Errorf("shard %s: %w: %w", w.id, ErrResource, err)
		}
		header = h
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if w.append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(w.path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("shard %s: %w: %w", w.id, ErrResource, err)
	}
	zw := gzip.NewWriter(f)
	s := &sink{
		id:     w.id,
		csv:    csv.NewWriter(zw),
		header: header,
	}

	rows, err := w.drain(ctx, s)
	if err != nil {
		if cerr := f.Close(); cerr != nil {
			logger.Warnf("failed to close %s: %v", w.path, cerr)
		}
		return err
	}

	if err := s.flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("shard %s: %w: %w", w.id, ErrResource, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("shard %s: %w: %w", w.id, ErrResource, err)
	}
	logger.Debug("Closed shard", "path", w.path, "rows", rows)
	return nil
}

func (w *Writer) drain(ctx context.Context, s *sink) (int, error) {
	rows, ends := 0, 0
	for {
		m, err := w.in.Pop(ctx)
		if err != nil {
			return rows, err
		}
		metrics.ShardBacklog(string(w.id), w.in.Len())

		rec, ok := m.Get()
		if !ok {
			ends++
			if ends >= w.producers {
				return rows, nil
			}
			continue
		}
		if err := s.write(rec); err != nil {
			return rows, err
		}
		rows++
		metrics.RowWritten(string(w.id))
	}
}

// sink is the CSV encoder of an open shard.
type sink struct {
	id     partition.ShardID
	csv    *csv.Writer
	header []string
}

func (s *sink) write(rec record.Record) error {
	if s.header == nil {
		s.header = rec.Keys()
		if err := s.csv.Write(s.header); err != nil {
			return fmt.Errorf("shard %s: %w: %w", s.id, ErrResource, err)
		}
	}
	if !rec.HasFields(s.header) {
		return fmt.Errorf("shard %s: %w: header %v, record fields %v", s.id, ErrSchemaMismatch, s.header, rec.Keys())
	}
	if err := s.csv.Write(rec.Row(s.header)); err != nil {
		return fmt.Errorf("shard %s: %w: %w", s.id, ErrResource, err)
	}
	return nil
}

func (s *sink) flush() error {
	s.csv.Flush()
	if err := s.csv.Error(); err != nil {
		return fmt.Errorf("shard %s: %w: %w", s.id, ErrResource, err)
	}
	return nil
}

// readHeader returns the header row of an existing shard file, or nil if
// the file is missing or holds no rows.
func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() == 0 {
		return nil, nil
	}

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	defer zr.Close()

	header, err := csv.NewReader(zr).Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", path, err)
	}
	return header, nil
}
