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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianRollout/services/rollout/experiment"
)

// SampleSink records metric samples. *tracker.Tracker implements it.
type SampleSink interface {
	RecordSample(ctx context.Context, s experiment.MetricSample) error
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithSampleSink enables TrackOutcome.
func WithSampleSink(sink SampleSink) AdapterOption {
	return func(a *Adapter) { a.samples = sink }
}

// WithRecorder enables assignment recording.
func WithRecorder(r *AssignmentRecorder) AdapterOption {
	return func(a *Adapter) { a.recorder = r }
}

// WithAdapterLogger sets the logger.
func WithAdapterLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithAdapterClock sets the outcome timestamp source.
func WithAdapterClock(now func() time.Time) AdapterOption {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

// Adapter is the request-time entry point.
//
// Description:
//
//	GetBucketedSpec never fails a request: an unknown target yields false
//	and any assignment problem serves the control spec. Assignment records
//	are handed to the recorder without waiting. Both the recorder and the
//	sample sink are optional; without them nothing is recorded.
//
// Thread Safety: Safe for concurrent use.
type Adapter struct {
	registry *Registry
	runner   *Runner
	recorder *AssignmentRecorder
	samples  SampleSink
	logger   *slog.Logger
	now      func() time.Time
}

// NewAdapter creates an Adapter.
func NewAdapter(registry *Registry, runner *Runner, opts ...AdapterOption) (*Adapter, error) {
	if registry == nil || runner == nil {
		return nil, errors.New("adapter requires a registry and a runner")
	}
	a := &Adapter{
		registry: registry,
		runner:   runner,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Recording reports whether assignments are recorded.
func (a *Adapter) Recording() bool {
	return a.recorder != nil
}

// Tracking reports whether outcomes are recorded.
func (a *Adapter) Tracking() bool {
	return a.samples != nil
}

// GetBucketedSpec resolves the spec userID should receive for target.
//
// Outputs:
//   - *SpecAssignment: The spec to serve. Nil when ok is false.
//   - bool: False if no config is registered for target.
func (a *Adapter) GetBucketedSpec(ctx context.Context, target Target, userID string, attrs map[string]string) (*SpecAssignment, bool) {
	cfg, ok := a.registry.Get(target)
	if !ok {
		return nil, false
	}

	res, err := a.runner.Assign(cfg, userID, attrs)
	if err != nil {
		a.logger.Warn("assignment failed, serving control",
			slog.String("target", target.Identity()),
			slog.String("error", err.Error()),
		)
		return &SpecAssignment{Spec: cfg.Control, VariantID: ControlVariantID, ExperimentKey: cfg.ExperimentKey()}, true
	}

	recordAssignmentMetric(ctx, res)
	if a.recorder != nil {
		a.recorder.Enqueue(res.Assignment)
	}
	out := res.SpecAssignment
	return &out, true
}

// TrackOutcome records latency_ms and error_rate samples for one request.
// error_rate is 0 on success and 1 on failure. Without a sample sink it
// does nothing. A sample without a success flag is rejected with
// ErrInvalidOutcome.
func (a *Adapter) TrackOutcome(ctx context.Context, o OutcomeSample) error {
	if a.samples == nil {
		return nil
	}
	if o.Success == nil {
		return fmt.Errorf("%w: %s variant %s has no success flag", ErrInvalidOutcome, o.ExperimentKey, o.VariantID)
	}
	success := *o.Success
	ts := o.Timestamp
	if ts.IsZero() {
		ts = a.now()
	}
	errorValue := 1.0
	if success {
		errorValue = 0
	}

	samples := []experiment.MetricSample{
		{ExperimentKey: o.ExperimentKey, VariantID: o.VariantID, Metric: experiment.MetricLatencyMs, Value: o.LatencyMs, UserID: o.UserID, Timestamp: ts},
		{ExperimentKey: o.ExperimentKey, VariantID: o.VariantID, Metric: experiment.MetricErrorRate, Value: errorValue, UserID: o.UserID, Timestamp: ts},
	}
	var errs []error
	for _, s := range samples {
		if err := a.samples.RecordSample(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", s.Metric, err))
		}
	}
	recordOutcomeMetric(ctx, o.ExperimentKey, success)
	return errors.Join(errs...)
}

// Resolver picks the spec for one request. ok is false when the caller
// should use its default spec.
type Resolver func(ctx context.Context, rc RequestContext) (*SpecAssignment, bool)

// NewSpecVariantResolver adapts a to a per-request resolver for target.
//
// The bucketing key is the first non-empty of UserID, OrganizationID and
// Actor. Requests with none of them use the default spec.
func NewSpecVariantResolver(a *Adapter, target Target) Resolver {
	return func(ctx context.Context, rc RequestContext) (*SpecAssignment, bool) {
		userID, ok := rc.BucketingKey()
		if !ok {
			return nil, false
		}
		return a.GetBucketedSpec(ctx, target, userID, rc.Attributes)
	}
}
