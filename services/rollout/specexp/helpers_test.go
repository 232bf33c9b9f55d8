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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRollout/services/rollout/experiment"
	"github.com/AleutianAI/AleutianRollout/services/rollout/tracker"
)

func ptr(f float64) *float64 {
	return &f
}

var checkoutTarget = Target{Name: "checkout", Version: 2}

// newTestConfig builds a config with variants A and B bound to "spec-A"
// and "spec-B" and a control payload "spec-control".
func newTestConfig(stages []float64, index int) *Config {
	return &Config{
		Target: checkoutTarget,
		Experiment: &experiment.Definition{
			Key:           "checkout-flow",
			Version:       1,
			Goal:          "latency",
			PrimaryMetric: experiment.MetricLatencyMs,
			Variants: []experiment.Variant{
				{ID: "A", Weight: experiment.WeightOf(1)},
				{ID: "B", Weight: experiment.WeightOf(1)},
			},
		},
		Control: "spec-control",
		Variants: []VariantBinding{
			{ID: "A", Spec: "spec-A"},
			{ID: "B", Spec: "spec-B"},
		},
		RolloutStages:    stages,
		ActiveStageIndex: index,
		Status:           StatusRunning,
		Guardrails: Guardrails{
			LatencyP99ThresholdMs: ptr(500),
			ErrorRateThreshold:    ptr(0.05),
		},
	}
}

func newTestTracker(t *testing.T) *tracker.Tracker {
	t.Helper()
	tr, err := tracker.New(tracker.NewMemoryStore())
	require.NoError(t, err)
	return tr
}

// seedLatency records one latency_ms sample per value, alternating variants.
func seedLatency(t *testing.T, tr *tracker.Tracker, key string, values ...float64) {
	t.Helper()
	for i, v := range values {
		variant := "A"
		if i%2 == 1 {
			variant = "B"
		}
		require.NoError(t, tr.RecordSample(context.Background(), experiment.MetricSample{
			ExperimentKey: key, VariantID: variant, Metric: experiment.MetricLatencyMs,
			Value: v, Timestamp: time.Unix(int64(i), 0),
		}))
	}
}

// seedErrors records error_rate samples: failed ones valued 1, the rest 0.
func seedErrors(t *testing.T, tr *tracker.Tracker, key string, total, failed int) {
	t.Helper()
	for i := 0; i < total; i++ {
		v := 0.0
		if i < failed {
			v = 1
		}
		require.NoError(t, tr.RecordSample(context.Background(), experiment.MetricSample{
			ExperimentKey: key, VariantID: "A", Metric: experiment.MetricErrorRate, Value: v,
		}))
	}
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func userIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("user-%d", i)
	}
	return out
}
