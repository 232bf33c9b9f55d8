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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunOnce(t *testing.T) {
	registry := NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		cfg := newTestConfig([]float64{0.1, 1}, 0)
		cfg.Target = Target{Name: name, Version: 1}
		require.NoError(t, registry.Register(cfg))
	}
	analyzer, err := NewAnalyzer(newTestTracker(t), nil)
	require.NoError(t, err)
	controller, err := NewController(registry, analyzer)
	require.NoError(t, err)

	scheduler, err := NewScheduler(controller, SchedulerConfig{Parallelism: 2}, nil)
	require.NoError(t, err)

	round := scheduler.RunOnce(context.Background())
	assert.Equal(t, 3, round.Evaluated)
	assert.Zero(t, round.Failed)
	for _, name := range []string{"a", "b", "c"} {
		eval, ok := round.Results[name+".v1"]
		require.True(t, ok)
		assert.Equal(t, TransitionAdvance, eval.Transition)
	}

	round = scheduler.RunOnce(context.Background())
	for _, eval := range round.Results {
		assert.Equal(t, TransitionComplete, eval.Transition)
	}
}

func TestScheduler_ErrorsDoNotStopRound(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(newTestConfig([]float64{0.1, 1}, 0)))
	analyzer, err := NewAnalyzer(errorSource{err: assert.AnError}, nil)
	require.NoError(t, err)
	controller, err := NewController(registry, analyzer)
	require.NoError(t, err)

	scheduler, err := NewScheduler(controller, SchedulerConfig{}, nil)
	require.NoError(t, err)

	round := scheduler.RunOnce(context.Background())
	assert.Equal(t, 1, round.Evaluated)
	assert.Equal(t, 1, round.Failed)
	assert.Contains(t, round.Errors, "checkout.v2")
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(newTestConfig([]float64{0.1, 0.2, 0.3, 1}, 0)))
	analyzer, err := NewAnalyzer(newTestTracker(t), nil)
	require.NoError(t, err)
	controller, err := NewController(registry, analyzer)
	require.NoError(t, err)

	scheduler, err := NewScheduler(controller, SchedulerConfig{Interval: 5 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	require.Eventually(t, func() bool {
		cfg, _ := registry.Get(checkoutTarget)
		return cfg.Status == StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_RunEvaluatesBeforeFirstTick(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(newTestConfig([]float64{0.1, 0.5, 1}, 0)))
	analyzer, err := NewAnalyzer(newTestTracker(t), nil)
	require.NoError(t, err)
	controller, err := NewController(registry, analyzer)
	require.NoError(t, err)

	scheduler, err := NewScheduler(controller, SchedulerConfig{Interval: time.Hour}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	require.Eventually(t, func() bool {
		snap, _ := registry.Snapshot(checkoutTarget)
		return snap.Config.ActiveStageIndex == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	snap, _ := registry.Snapshot(checkoutTarget)
	assert.Equal(t, 1, snap.Config.ActiveStageIndex, "only the immediate round ran")
}

func TestNewScheduler_NilController(t *testing.T) {
	_, err := NewScheduler(nil, SchedulerConfig{}, nil)
	assert.Error(t, err)
}
