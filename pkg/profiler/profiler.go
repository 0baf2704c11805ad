/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package profiler starts the Cloud Profiler agent when asked to.
package profiler

import (
	"context"

	"cloud.google.com/go/profiler"
	"github.com/chainguard-dev/clog"
	"github.com/sethvargo/go-envconfig"
)

var env = envconfig.MustProcess(context.Background(), &struct {
	EnableProfiler bool   `env:"ENABLE_PROFILER, default=false"`
	Service        string `env:"K_SERVICE, default=partcsv"`
	Version        string `env:"K_REVISION"`
}{})

// SetupProfiler starts profiling this process when ENABLE_PROFILER is set.
func SetupProfiler() {
	if !env.EnableProfiler {
		return
	}
	cfg := profiler.Config{
		Service:        env.Service,
		ServiceVersion: env.Version,
	}
	if err := profiler.Start(cfg); err != nil {
		clog.Fatalf("failed to start profiler: %v", err)
	}
}
