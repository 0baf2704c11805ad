/*
Copyright 2022 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package metrics

import (
	"context"
	"os"

	"cloud.google.com/go/compute/metadata"
	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/contrib/detectors/gcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/api/option"
)

func tracerOptionsGCP(ctx context.Context) ([]trace.TracerProviderOption, error) {
	traceExporter, err := texporter.New(
		// Avoid infinite recursion in trace uploads
		//   https://github.com/open-telemetry/opentelemetry-go/issues/1928
		texporter.WithTraceClientOptions([]option.ClientOption{option.WithTelemetryDisabled()}),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithDetectors(gcp.NewDetector()),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, err
	}
	return []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSpanProcessor(trace.NewBatchSpanProcessor(traceExporter)),
	}, nil
}

func tracerOptions(ctx context.Context) ([]trace.TracerProviderOption, error) {
	traceExporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	return []trace.TracerProviderOption{
		trace.WithResource(resource.Default()),
		trace.WithSpanProcessor(trace.NewBatchSpanProcessor(traceExporter)),
	}, nil
}

// SetupTracer installs the global tracer provider used for run spans.
// On GCP without an explicit OTLP endpoint spans go to Cloud Trace,
// otherwise to the OTLP/HTTP exporter.
//
// Expected usage:
//
//	defer metrics.SetupTracer(ctx)()
func SetupTracer(ctx context.Context) func() {
	logger := clog.FromContext(ctx)

	var (
		options []trace.TracerProviderOption
		err     error
	)
	projectID, _ := metadata.ProjectIDWithContext(ctx)
	if os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT") == "" && projectID != "" {
		options, err = tracerOptionsGCP(ctx)
	} else {
		options, err = tracerOptions(ctx)
	}
	if err != nil {
		logger.Warnf("tracing disabled: %v", err)
		return func() {}
	}

	tp := trace.NewTracerProvider(options...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Infof("Error shutting down tracer provider: %v", err)
		}
	}
}
