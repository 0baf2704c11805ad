/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package upload copies finished shard files to blob storage.
package upload

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"

	// gs:// and file:// bucket URLs.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"

	"github.com/chainguard-dev/partcsv/pkg/metrics"
)

// DefaultConcurrency is the number of files uploaded at once.
const DefaultConcurrency = 8

// Uploader copies local files into a bucket under a common prefix.
type Uploader struct {
	bucket      string
	prefix      string
	concurrency int
	removeLocal bool
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithConcurrency bounds the number of files uploaded at once.
func WithConcurrency(n int) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.concurrency = n
		}
	}
}

// WithRemoveLocal deletes each local file once its upload is closed.
func WithRemoveLocal(enabled bool) Option {
	return func(u *Uploader) {
		u.removeLocal = enabled
	}
}

// New returns an Uploader for the bucket URL, e.g. gs://my-bucket or
// file:///tmp/out.
func New(bucket, prefix string, opts ...Option) *Uploader {
	u := &Uploader{
		bucket:      bucket,
		prefix:      prefix,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Key is the object name a local file is uploaded under.
func (u *Uploader) Key(local string) string {
	return path.Join(u.prefix, filepath.Base(local))
}

// Upload copies every file in paths to the bucket.  It stops at the first
// failure; objects already written are left in place.
func (u *Uploader) Upload(ctx context.Context, paths []string) error {
	b, err := blob.OpenBucket(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("opening bucket %s: %w", u.bucket, err)
	}
	defer b.Close()
	return u.UploadTo(ctx, b, paths)
}

// UploadTo is Upload against an already open bucket.
func (u *Uploader) UploadTo(ctx context.Context, b *blob.Bucket, paths []string) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(u.concurrency)
	for _, p := range paths {
		eg.Go(func() error {
			return u.copy(ctx, b, p)
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	clog.InfoContextf(ctx, "Uploaded %d files to %s/%s", len(paths), u.bucket, u.prefix)
	return nil
}

func (u *Uploader) copy(ctx context.Context, b *blob.Bucket, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	key := u.Key(src)
	w, err := b.NewWriter(ctx, key, &blob.WriterOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return fmt.Errorf("creating %s: %w", key, err)
	}
	if _, err := w.ReadFrom(f); err != nil {
		w.Close()
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close blob file %s: %w", key, err)
	}
	metrics.ObjectUploaded()
	clog.FromContext(ctx).Debug("Uploaded shard", "file", src, "key", key)

	if u.removeLocal {
		if err := os.Remove(src); err != nil {
			return fmt.Errorf("failed to delete file %s: %w", src, err)
		}
	}
	return nil
}
