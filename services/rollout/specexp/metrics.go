// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package specexp

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for rollout operations.
var (
	tracer = otel.Tracer("aleutian.rollout.specexp")
	meter  = otel.Meter("aleutian.rollout.specexp")
)

var (
	assignmentsTotal metric.Int64Counter
	outcomesTotal    metric.Int64Counter
	recordFailures   metric.Int64Counter
	recordDrops      metric.Int64Counter
	evaluationsTotal metric.Int64Counter
	evaluateLatency  metric.Float64Histogram
	activeStage      metric.Int64Gauge

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		assignmentsTotal, err = meter.Int64Counter(
			"rollout_assignments_total",
			metric.WithDescription("Spec assignments served, by experiment, variant and gate"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		outcomesTotal, err = meter.Int64Counter(
			"rollout_outcomes_total",
			metric.WithDescription("Request outcomes recorded, by experiment and success"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		recordFailures, err = meter.Int64Counter(
			"rollout_record_failures_total",
			metric.WithDescription("Assignment records that failed to persist"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		recordDrops, err = meter.Int64Counter(
			"rollout_record_drops_total",
			metric.WithDescription("Assignment records dropped because the queue was full"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		evaluationsTotal, err = meter.Int64Counter(
			"rollout_evaluations_total",
			metric.WithDescription("Controller evaluations, by target and transition"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		evaluateLatency, err = meter.Float64Histogram(
			"rollout_evaluate_duration_seconds",
			metric.WithDescription("Duration of controller evaluations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		activeStage, err = meter.Int64Gauge(
			"rollout_active_stage",
			metric.WithDescription("Active rollout stage index per target"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordAssignmentMetric(ctx context.Context, res Result) {
	if err := initMetrics(); err != nil {
		return
	}
	assignmentsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("experiment", res.ExperimentKey),
		attribute.String("variant", res.VariantID),
		attribute.String("gate", string(res.Gate)),
	))
}

func recordOutcomeMetric(ctx context.Context, experimentKey string, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	outcomesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("experiment", experimentKey),
		attribute.Bool("success", success),
	))
}

func recordFailureMetric(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	recordFailures.Add(ctx, 1)
}

func recordDropMetric(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	recordDrops.Add(ctx, 1)
}

func recordEvaluateMetrics(ctx context.Context, target Target, eval Evaluation, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("target", target.Identity()),
		attribute.String("transition", string(eval.Transition)),
	)
	evaluationsTotal.Add(ctx, 1, attrs)
	evaluateLatency.Record(ctx, duration.Seconds(), attrs)
	activeStage.Record(ctx, int64(eval.StageIndex), metric.WithAttributes(
		attribute.String("target", target.Identity()),
	))
}

// startEvaluateSpan creates a span for a controller evaluation.
func startEvaluateSpan(ctx context.Context, target Target) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Controller.Evaluate",
		trace.WithAttributes(
			attribute.String("rollout.target", target.Identity()),
		),
	)
}

// setEvaluateSpanResult sets the result attributes on an evaluation span.
func setEvaluateSpanResult(span trace.Span, eval Evaluation) {
	span.SetAttributes(
		attribute.String("rollout.transition", string(eval.Transition)),
		attribute.Int("rollout.stage", eval.StageIndex),
		attribute.Bool("rollout.should_rollback", eval.ShouldRollback),
		attribute.Float64("rollout.latency_p99", eval.LatencyP99),
		attribute.Float64("rollout.error_rate", eval.ErrorRate),
	)
}
