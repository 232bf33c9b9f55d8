// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracker

import (
	"context"
	"maps"
	"sync"

	"github.com/AleutianAI/AleutianRollout/services/rollout/experiment"
)

type sampleKey struct {
	experiment string
	metric     string
}

// MemoryStore keeps records in process memory.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	assignments map[string][]experiment.Assignment
	samples     map[sampleKey][]experiment.MetricSample
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assignments: make(map[string][]experiment.Assignment),
		samples:     make(map[sampleKey][]experiment.MetricSample),
	}
}

// SaveAssignment implements Store.
func (m *MemoryStore) SaveAssignment(ctx context.Context, a experiment.Assignment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.Context = maps.Clone(a.Context)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[a.ExperimentKey] = append(m.assignments[a.ExperimentKey], a)
	return nil
}

// SaveSample implements Store.
func (m *MemoryStore) SaveSample(ctx context.Context, s experiment.MetricSample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := sampleKey{experiment: s.ExperimentKey, metric: s.Metric}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[key] = append(m.samples[key], s)
	return nil
}

// ListAssignments implements Store.
func (m *MemoryStore) ListAssignments(ctx context.Context, experimentKey string) ([]experiment.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.assignments[experimentKey]
	out := make([]experiment.Assignment, len(src))
	for i, a := range src {
		a.Context = maps.Clone(a.Context)
		out[i] = a
	}
	return out, nil
}

// ListSamples implements Store.
func (m *MemoryStore) ListSamples(ctx context.Context, experimentKey, metric string) ([]experiment.MetricSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.samples[sampleKey{experiment: experimentKey, metric: metric}]
	out := make([]experiment.MetricSample, len(src))
	copy(out, src)
	return out, nil
}
