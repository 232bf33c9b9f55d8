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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRollout/services/rollout/experiment"
)

type errorSource struct {
	err error
}

func (e errorSource) Samples(context.Context, string, string) ([]experiment.MetricSample, error) {
	return nil, e.err
}

func TestP99(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []float64{7}, 7},
		{"hundred with one outlier", append(repeat(100, 99), 750), 750},
		{"ten values clamps to last", []float64{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}, 10},
		{"two hundred", append(repeat(1, 197), 5, 6, 7), 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, P99(tt.values))
		})
	}
}

func TestP99_DoesNotReorderInput(t *testing.T) {
	values := []float64{3, 1, 2}
	P99(values)
	assert.Equal(t, []float64{3, 1, 2}, values)
}

func TestErrorRate(t *testing.T) {
	assert.Equal(t, 0.0, ErrorRate(nil))
	assert.Equal(t, 0.25, ErrorRate([]float64{0, 1, 0, 0}))
	assert.Equal(t, 1.0, ErrorRate([]float64{1, 1}))
}

func TestAnalyzer_LatencyGuardrail(t *testing.T) {
	tr := newTestTracker(t)
	cfg := newTestConfig(nil, 0)
	seedLatency(t, tr, cfg.ExperimentKey(), append(repeat(100, 99), 750)...)

	analyzer, err := NewAnalyzer(tr, nil)
	require.NoError(t, err)

	eval, err := analyzer.Evaluate(context.Background(), cfg)
	require.NoError(t, err)

	assert.True(t, eval.ShouldRollback)
	assert.Equal(t, 750.0, eval.LatencyP99)
	require.Len(t, eval.Reasons, 1)
	assert.Contains(t, eval.Reasons[0], "750")
	assert.Contains(t, eval.Reasons[0], "500")
	assert.Equal(t, 100, eval.LatencySamples)
}

func TestAnalyzer_ErrorRateGuardrail(t *testing.T) {
	tr := newTestTracker(t)
	cfg := newTestConfig(nil, 0)
	seedErrors(t, tr, cfg.ExperimentKey(), 10, 2)

	analyzer, err := NewAnalyzer(tr, nil)
	require.NoError(t, err)

	eval, err := analyzer.Evaluate(context.Background(), cfg)
	require.NoError(t, err)

	assert.True(t, eval.ShouldRollback)
	assert.Equal(t, 0.2, eval.ErrorRate)
	require.Len(t, eval.Reasons, 1)
	assert.Contains(t, eval.Reasons[0], "0.2")
	assert.Contains(t, eval.Reasons[0], "0.05")
}

func TestAnalyzer_NoSamplesIsClean(t *testing.T) {
	analyzer, err := NewAnalyzer(newTestTracker(t), nil)
	require.NoError(t, err)

	eval, err := analyzer.Evaluate(context.Background(), newTestConfig(nil, 0))
	require.NoError(t, err)

	assert.False(t, eval.ShouldRollback)
	assert.Empty(t, eval.Reasons)
	assert.Zero(t, eval.LatencyP99)
	assert.Zero(t, eval.ErrorRate)
	assert.Nil(t, eval.PValue)
	assert.False(t, eval.Hold)
}

func TestAnalyzer_NoGuardrailsNeverRollsBack(t *testing.T) {
	tr := newTestTracker(t)
	cfg := newTestConfig(nil, 0)
	cfg.Guardrails = Guardrails{}
	seedLatency(t, tr, cfg.ExperimentKey(), 10000, 20000)
	seedErrors(t, tr, cfg.ExperimentKey(), 4, 4)

	analyzer, err := NewAnalyzer(tr, nil)
	require.NoError(t, err)

	eval, err := analyzer.Evaluate(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, eval.ShouldRollback)
}

func TestAnalyzer_SurfacesWinner(t *testing.T) {
	tr := newTestTracker(t)
	cfg := newTestConfig(nil, 0)
	cfg.Guardrails = Guardrails{}
	// Alternating seeding puts 100-ish values on A and 140-ish on B.
	seedLatency(t, tr, cfg.ExperimentKey(), 100, 140, 102, 138, 98, 142, 101, 141, 99, 139)

	analyzer, err := NewAnalyzer(tr, nil)
	require.NoError(t, err)

	eval, err := analyzer.Evaluate(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, "B", eval.Winner)
	require.NotNil(t, eval.PValue)
	assert.Less(t, *eval.PValue, 0.05)
}

func TestAnalyzer_HoldBelowMinimumSample(t *testing.T) {
	tr := newTestTracker(t)
	cfg := newTestConfig(nil, 0)
	cfg.Experiment.MinimumSample = 50
	seedLatency(t, tr, cfg.ExperimentKey(), repeat(100, 10)...)

	analyzer, err := NewAnalyzer(tr, nil)
	require.NoError(t, err)

	eval, err := analyzer.Evaluate(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, eval.Hold)
	assert.Contains(t, eval.HoldReason, "10 of 50")
}

func TestAnalyzer_BreachOverridesHold(t *testing.T) {
	tr := newTestTracker(t)
	cfg := newTestConfig(nil, 0)
	cfg.Experiment.MinimumSample = 1000
	seedLatency(t, tr, cfg.ExperimentKey(), 900)

	analyzer, err := NewAnalyzer(tr, nil)
	require.NoError(t, err)

	eval, err := analyzer.Evaluate(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, eval.ShouldRollback)
	assert.False(t, eval.Hold)
}

func TestAnalyzer_SourceError(t *testing.T) {
	boom := errors.New("store offline")
	analyzer, err := NewAnalyzer(errorSource{err: boom}, nil)
	require.NoError(t, err)

	_, err = analyzer.Evaluate(context.Background(), newTestConfig(nil, 0))
	assert.ErrorIs(t, err, boom)

	_, err = NewAnalyzer(nil, nil)
	assert.Error(t, err)
}
