/*
Copyright 2024 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package metrics

import (
	"context"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v4/disk"
)

// DiskUsageScrapeInterval is how often ScrapeDiskUsage samples the output
// volume.
var DiskUsageScrapeInterval = 5 * time.Second

var (
	diskUsedBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partcsv_output_disk_used_bytes",
			Help: "Used bytes on the volume holding the shard files.",
		},
		[]string{"path"},
	)
	diskFreeBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partcsv_output_disk_free_bytes",
			Help: "Free bytes on the volume holding the shard files.",
		},
		[]string{"path"},
	)
)

// sampleDiskUsage reports the usage of the volume holding path, and
// whether the volume exposes usage statistics at all.
func sampleDiskUsage(ctx context.Context, path string) bool {
	s, err := disk.UsageWithContext(ctx, path)
	if err != nil || s == nil || s.Total == 0 {
		// Some sandboxed volumes don't implement usage stats.
		return false
	}
	diskUsedBytes.WithLabelValues(path).Set(float64(s.Used))
	diskFreeBytes.WithLabelValues(path).Set(float64(s.Free))
	return true
}

// ScrapeDiskUsage samples the volume holding path until ctx is done.
func ScrapeDiskUsage(ctx context.Context, path string) {
	logger := clog.FromContext(ctx)
	if !sampleDiskUsage(ctx, path) {
		logger.Warn("Disk usage not available, not scraping", "path", path)
		return
	}
	logger.Info("Starting disk usage scraper", "path", path, "interval", DiskUsageScrapeInterval)

	ticker := time.NewTicker(DiskUsageScrapeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sampleDiskUsage(ctx, path)
		case <-ctx.Done():
			return
		}
	}
}
