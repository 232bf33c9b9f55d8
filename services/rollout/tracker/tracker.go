// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tracker records experiment assignments and metric samples.
//
// The Tracker is a thin facade over a pluggable Store. Backends:
//
//   - MemoryStore: process-local, for tests and single-node runs
//   - BadgerStore: embedded persistent key-value store
//   - InfluxStore: time-series storage in InfluxDB 2.x
//   - RedisStore: shared lists in Redis
//   - SQLStore: SQLite or PostgreSQL tables
//
// Records are append-only. Delivery is at-least-once and best effort: a
// backend may hold duplicates after retries and readers must tolerate them.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRollout/services/rollout/experiment"
)

// ErrNilStore is returned by New when no store is given.
var ErrNilStore = errors.New("tracker store must not be nil")

// Store persists assignments and samples.
//
// Implementations must be safe for concurrent use. List methods return
// records in insertion (timestamp) order; an unknown key yields an empty
// slice and no error.
type Store interface {
	SaveAssignment(ctx context.Context, a experiment.Assignment) error
	SaveSample(ctx context.Context, s experiment.MetricSample) error
	ListAssignments(ctx context.Context, experimentKey string) ([]experiment.Assignment, error)
	ListSamples(ctx context.Context, experimentKey, metric string) ([]experiment.MetricSample, error)
}

// Tracker records and reads experiment facts through a Store.
//
// Thread Safety: Safe for concurrent use if the Store is.
type Tracker struct {
	store Store
	now   func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the timestamp source for records missing one.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New creates a Tracker over store.
func New(store Store, opts ...Option) (*Tracker, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	t := &Tracker{store: store, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Store returns the underlying store.
func (t *Tracker) Store() Store {
	return t.store
}

// RecordAssignment persists an assignment. Missing ID and timestamp are filled in.
func (t *Tracker) RecordAssignment(ctx context.Context, a experiment.Assignment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = t.now()
	}
	if err := t.store.SaveAssignment(ctx, a); err != nil {
		return fmt.Errorf("record assignment %s/%s: %w", a.ExperimentKey, a.UserID, err)
	}
	return nil
}

// RecordSample persists a metric sample. Missing ID and timestamp are filled in.
func (t *Tracker) RecordSample(ctx context.Context, s experiment.MetricSample) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = t.now()
	}
	if err := t.store.SaveSample(ctx, s); err != nil {
		return fmt.Errorf("record sample %s/%s: %w", s.ExperimentKey, s.Metric, err)
	}
	return nil
}

// Assignments returns every assignment recorded for experimentKey.
func (t *Tracker) Assignments(ctx context.Context, experimentKey string) ([]experiment.Assignment, error) {
	out, err := t.store.ListAssignments(ctx, experimentKey)
	if err != nil {
		return nil, fmt.Errorf("list assignments %s: %w", experimentKey, err)
	}
	return out, nil
}

// Samples returns every sample of metric recorded for experimentKey.
func (t *Tracker) Samples(ctx context.Context, experimentKey, metric string) ([]experiment.MetricSample, error) {
	out, err := t.store.ListSamples(ctx, experimentKey, metric)
	if err != nil {
		return nil, fmt.Errorf("list samples %s/%s: %w", experimentKey, metric, err)
	}
	return out, nil
}
