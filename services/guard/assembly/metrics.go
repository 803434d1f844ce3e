// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assembly

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for assembly operations.
var (
	tracer = otel.Tracer("contextguard.assembly")
	meter  = otel.Meter("contextguard.assembly")
)

// Metrics for assembly operations.
var (
	assembleLatency  metric.Float64Histogram
	assembleTotal    metric.Int64Counter
	segmentsRetained metric.Int64Histogram
	segmentsDropped  metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		assembleLatency, err = meter.Float64Histogram(
			"context_assemble_duration_seconds",
			metric.WithDescription("Duration of context assembly operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		assembleTotal, err = meter.Int64Counter(
			"context_assemble_total",
			metric.WithDescription("Total number of context assembly operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		segmentsRetained, err = meter.Int64Histogram(
			"context_segments_retained",
			metric.WithDescription("Number of segments retained per assembly"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		segmentsDropped, err = meter.Int64Histogram(
			"context_segments_dropped",
			metric.WithDescription("Number of segments dropped per assembly"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startAssembleSpan creates a span for an assembly operation.
func startAssembleSpan(ctx context.Context, inputSegments int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Assembler.AssembleWithReport",
		trace.WithAttributes(
			attribute.Int("assembly.input_segments", inputSegments),
		),
	)
}

// recordAssembleMetrics records the outcome of one assembly.
func recordAssembleMetrics(ctx context.Context, duration time.Duration, retained, dropped int) {
	if initMetrics() != nil {
		return
	}
	assembleLatency.Record(ctx, duration.Seconds())
	assembleTotal.Add(ctx, 1)
	segmentsRetained.Record(ctx, int64(retained))
	segmentsDropped.Record(ctx, int64(dropped))
}
