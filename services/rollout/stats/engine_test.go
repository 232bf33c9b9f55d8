// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stats

import (
	"math"
	"testing"

	"github.com/AleutianAI/AleutianRollout/services/rollout/experiment"
)

func samplesFor(variant, metric string, values ...float64) []experiment.MetricSample {
	out := make([]experiment.MetricSample, 0, len(values))
	for _, v := range values {
		out = append(out, experiment.MetricSample{
			ExperimentKey: "exp.v1",
			VariantID:     variant,
			Metric:        metric,
			Value:         v,
		})
	}
	return out
}

// -----------------------------------------------------------------------------
// Summarize Tests
// -----------------------------------------------------------------------------

func TestEngine_Summarize(t *testing.T) {
	engine := NewEngine()

	t.Run("significant winner is highest mean", func(t *testing.T) {
		var samples []experiment.MetricSample
		samples = append(samples, samplesFor("A", "latency_ms", 100, 102, 98, 101, 99)...)
		samples = append(samples, samplesFor("B", "latency_ms", 140, 138, 142, 141, 139)...)

		got := engine.Summarize(samples, "latency_ms")

		if got.Winner != "B" {
			t.Errorf("expected winner B, got %q", got.Winner)
		}
		if !got.Compared {
			t.Fatalf("expected comparison to run")
		}
		if got.PValue >= 0.05 {
			t.Errorf("expected p < 0.05, got %.6f", got.PValue)
		}
		if got.Summaries[0].VariantID != "B" || got.Summaries[1].VariantID != "A" {
			t.Errorf("expected summaries sorted by descending mean, got %+v", got.Summaries)
		}
		if math.Abs(got.DegreesOfFreedom-8) > 1e-9 {
			t.Errorf("expected df=8, got %.4f", got.DegreesOfFreedom)
		}
		if got.Effect != EffectLarge {
			t.Errorf("expected large effect, got %s", got.Effect)
		}
	})

	t.Run("moments and improvement", func(t *testing.T) {
		var samples []experiment.MetricSample
		samples = append(samples, samplesFor("A", "latency_ms", 100, 102, 98, 101, 99)...)
		samples = append(samples, samplesFor("B", "latency_ms", 140, 138, 142, 141, 139)...)

		got := engine.Summarize(samples, "latency_ms")
		b, a := got.Summaries[0], got.Summaries[1]

		if b.Count != 5 || a.Count != 5 {
			t.Errorf("expected 5 samples each, got %d and %d", b.Count, a.Count)
		}
		if math.Abs(b.Mean-140) > 1e-9 || math.Abs(a.Mean-100) > 1e-9 {
			t.Errorf("unexpected means: %v %v", b.Mean, a.Mean)
		}
		if math.Abs(a.Variance-2.5) > 1e-9 {
			t.Errorf("expected Bessel-corrected variance 2.5, got %v", a.Variance)
		}
		if b.Improvement != 0 {
			t.Errorf("expected top improvement 0, got %v", b.Improvement)
		}
		if math.Abs(a.Improvement-(100-140)/140.0) > 1e-9 {
			t.Errorf("unexpected improvement %v", a.Improvement)
		}
	})

	t.Run("no significant difference", func(t *testing.T) {
		var samples []experiment.MetricSample
		samples = append(samples, samplesFor("A", "latency_ms", 100, 120, 80, 110, 90)...)
		samples = append(samples, samplesFor("B", "latency_ms", 101, 119, 82, 109, 92)...)

		got := engine.Summarize(samples, "latency_ms")
		if got.Winner != "" {
			t.Errorf("expected no winner, got %q (p=%.4f)", got.Winner, got.PValue)
		}
		if got.PValue < 0.05 {
			t.Errorf("expected non-significant p, got %.4f", got.PValue)
		}
	})

	t.Run("single group has no test", func(t *testing.T) {
		got := engine.Summarize(samplesFor("A", "latency_ms", 1, 2, 3), "latency_ms")
		if got.Compared || got.Winner != "" {
			t.Errorf("expected no comparison, got %+v", got)
		}
		if len(got.Summaries) != 1 {
			t.Errorf("expected one summary, got %d", len(got.Summaries))
		}
	})

	t.Run("filters by metric", func(t *testing.T) {
		var samples []experiment.MetricSample
		samples = append(samples, samplesFor("A", "latency_ms", 1, 2)...)
		samples = append(samples, samplesFor("B", "error_rate", 0, 1)...)

		got := engine.Summarize(samples, "latency_ms")
		if len(got.Summaries) != 1 || got.Summaries[0].VariantID != "A" {
			t.Errorf("expected only variant A, got %+v", got.Summaries)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		got := engine.Summarize(nil, "latency_ms")
		if len(got.Summaries) != 0 || got.Compared {
			t.Errorf("expected empty summary, got %+v", got)
		}
	})

	t.Run("zero variance is not significant", func(t *testing.T) {
		var samples []experiment.MetricSample
		samples = append(samples, samplesFor("A", "latency_ms", 5, 5, 5)...)
		samples = append(samples, samplesFor("B", "latency_ms", 9, 9, 9)...)

		got := engine.Summarize(samples, "latency_ms")
		if got.PValue != 1 || got.Winner != "" {
			t.Errorf("expected p=1 and no winner, got p=%v winner=%q", got.PValue, got.Winner)
		}
	})

	t.Run("zero top mean substitutes one", func(t *testing.T) {
		var samples []experiment.MetricSample
		samples = append(samples, samplesFor("A", "error_rate", 0, 0)...)
		samples = append(samples, samplesFor("B", "error_rate", -1, -1)...)

		got := engine.Summarize(samples, "error_rate")
		if math.IsInf(got.Summaries[1].Improvement, 0) || math.IsNaN(got.Summaries[1].Improvement) {
			t.Fatalf("improvement must be finite, got %v", got.Summaries[1].Improvement)
		}
		if got.Summaries[1].Improvement != -1 {
			t.Errorf("expected improvement -1, got %v", got.Summaries[1].Improvement)
		}
	})

	t.Run("three variants compare top two only", func(t *testing.T) {
		var samples []experiment.MetricSample
		samples = append(samples, samplesFor("low", "latency_ms", 10, 11, 9, 10, 10)...)
		samples = append(samples, samplesFor("mid", "latency_ms", 50, 51, 49, 50, 50)...)
		samples = append(samples, samplesFor("high", "latency_ms", 50, 52, 48, 51, 49)...)

		got := engine.Summarize(samples, "latency_ms")
		if len(got.Summaries) != 3 {
			t.Fatalf("expected 3 summaries, got %d", len(got.Summaries))
		}
		if got.Winner != "" {
			t.Errorf("top two are indistinguishable, expected no winner, got %q", got.Winner)
		}
	})
}

func TestWithAlpha(t *testing.T) {
	if NewEngine(WithAlpha(0.01)).Alpha() != 0.01 {
		t.Errorf("expected alpha 0.01")
	}
	if NewEngine(WithAlpha(2)).Alpha() != DefaultAlpha {
		t.Errorf("expected invalid alpha to be ignored")
	}
}
