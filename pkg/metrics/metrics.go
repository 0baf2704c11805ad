/*
Copyright 2022 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goenvconfig "github.com/sethvargo/go-envconfig"
)

var env = goenvconfig.MustProcess(context.Background(), &struct {
	// https://cloud.google.com/run/docs/container-contract#services-env-vars
	KnativeServiceName  string `env:"K_SERVICE, default=unknown"`
	KnativeRevisionName string `env:"K_REVISION, default=unknown"`
}{})

// ServeMetrics serves the metrics endpoint on METRICS_PORT until ctx is
// done.
func ServeMetrics(ctx context.Context) {
	logger := clog.FromContext(ctx)

	var env struct {
		MetricsPort int  `envconfig:"METRICS_PORT" default:"2112" required:"true"`
		EnablePprof bool `envconfig:"ENABLE_PPROF" default:"false" required:"true"`
	}
	if err := envconfig.Process("", &env); err != nil {
		logger.Errorf("unable to process environment for METRICS_PORT, ENABLE_PPROF: %v", err)
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if env.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("registering handle for /debug/pprof")
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", env.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("listen and serve for http /metrics: %v", err)
	}
}

var (
	mRecordsFed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partcsv_records_fed_total",
			Help: "The number of input records placed on the ingestion queue.",
		},
		[]string{"service_name", "revision_name"},
	)
	mFeedBlocked = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "partcsv_feed_blocked_seconds",
			Help:    "The time the feeder spent blocked on a full ingestion queue, per batch.",
			Buckets: []float64{.0001, .001, .01, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"service_name", "revision_name"},
	)
	mRecordsRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partcsv_records_routed_total",
			Help: "The number of records routed to a shard queue.",
		},
		[]string{"shard", "service_name", "revision_name"},
	)
	mShardBacklog = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "partcsv_shard_backlog",
			Help: "The number of items waiting in a shard queue.",
		},
		[]string{"shard", "service_name", "revision_name"},
	)
	mRowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partcsv_rows_written_total",
			Help: "The number of data rows written to a shard file.",
		},
		[]string{"shard", "service_name", "revision_name"},
	)
	mRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partcsv_runs_total",
			Help: "The number of partitioning runs, by outcome.",
		},
		[]string{"outcome", "service_name", "revision_name"},
	)
	mRunLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "partcsv_run_latency_seconds",
			Help:    "The duration of a partitioning run.",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 30, 45, 60, 120, 240, 480, 960},
		},
		[]string{"outcome", "service_name", "revision_name"},
	)
	mObjectsUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partcsv_objects_uploaded_total",
			Help: "The number of shard files copied to blob storage.",
		},
		[]string{"service_name", "revision_name"},
	)
)

// RecordsFed counts n records handed to the ingestion queue after the
// feeder waited blocked for the given duration.
func RecordsFed(n int, blocked time.Duration) {
	mRecordsFed.WithLabelValues(env.KnativeServiceName, env.KnativeRevisionName).Add(float64(n))
	mFeedBlocked.WithLabelValues(env.KnativeServiceName, env.KnativeRevisionName).Observe(blocked.Seconds())
}

// RecordRouted counts one record sent to the named shard.
func RecordRouted(shard string) {
	mRecordsRouted.WithLabelValues(shard, env.KnativeServiceName, env.KnativeRevisionName).Inc()
}

// ShardBacklog reports the depth of the named shard's queue.
func ShardBacklog(shard string, depth int) {
	mShardBacklog.WithLabelValues(shard, env.KnativeServiceName, env.KnativeRevisionName).Set(float64(depth))
}

// RowWritten counts one data row written to the named shard.
func RowWritten(shard string) {
	mRowsWritten.WithLabelValues(shard, env.KnativeServiceName, env.KnativeRevisionName).Inc()
}

// RunFinished records the outcome and duration of a run.
func RunFinished(err error, d time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	mRuns.WithLabelValues(outcome, env.KnativeServiceName, env.KnativeRevisionName).Inc()
	mRunLatency.WithLabelValues(outcome, env.KnativeServiceName, env.KnativeRevisionName).Observe(d.Seconds())
}

// ObjectUploaded counts one shard file copied to blob storage.
func ObjectUploaded() {
	mObjectsUploaded.WithLabelValues(env.KnativeServiceName, env.KnativeRevisionName).Inc()
}
