// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for index writes.
var (
	tracer = otel.Tracer("ipranger.index")
	meter  = otel.Meter("ipranger.index")
)

var (
	insertLatency metric.Float64Histogram
	insertTotal   metric.Int64Counter
	masksAdded    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		insertLatency, err = meter.Float64Histogram(
			"ipranger_insert_duration_seconds",
			metric.WithDescription("Duration of range insertions"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		insertTotal, err = meter.Int64Counter(
			"ipranger_insert_total",
			metric.WithDescription("Total range insertions by family and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		masksAdded, err = meter.Int64Counter(
			"ipranger_masks_added_total",
			metric.WithDescription("Prefix lengths added to a mask catalog"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startInsertSpan(ctx context.Context, rangeStr string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Ranger.InsertIPRange",
		trace.WithAttributes(attribute.String("ipranger.range", rangeStr)),
	)
}

func endInsertSpan(span trace.Span, family string, err error) {
	span.SetAttributes(attribute.String("ipranger.family", family))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func recordInsert(ctx context.Context, duration time.Duration, family string, err error) {
	if initMetrics() != nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("family", family),
		attribute.String("outcome", outcome),
	)
	insertLatency.Record(ctx, duration.Seconds(), attrs)
	insertTotal.Add(ctx, 1, attrs)
}

func recordMaskAdded(ctx context.Context, family string) {
	if initMetrics() != nil {
		return
	}
	masksAdded.Add(ctx, 1, metric.WithAttributes(attribute.String("family", family)))
}
