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
	"math"
	"slices"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRollout/services/rollout/experiment"
	"github.com/AleutianAI/AleutianRollout/services/rollout/stats"
)

// SampleSource reads recorded metric samples. *tracker.Tracker implements it.
type SampleSource interface {
	Samples(ctx context.Context, experimentKey, metric string) ([]experiment.MetricSample, error)
}

// Analyzer turns recorded samples into a guardrail verdict.
//
// Thread Safety: Safe for concurrent use.
type Analyzer struct {
	source SampleSource
	engine *stats.Engine
}

// NewAnalyzer creates an Analyzer. A nil engine uses stats.NewEngine().
func NewAnalyzer(source SampleSource, engine *stats.Engine) (*Analyzer, error) {
	if source == nil {
		return nil, errors.New("analyzer requires a sample source")
	}
	if engine == nil {
		engine = stats.NewEngine()
	}
	return &Analyzer{source: source, engine: engine}, nil
}

// P99 returns the nearest-rank 99th percentile: the value at index
// floor(0.99*n) of the sorted values, clamped to the last index.
// Empty input returns 0.
func P99(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	idx := min(int(math.Floor(0.99*float64(len(sorted)))), len(sorted)-1)
	return sorted[idx]
}

// ErrorRate returns the share of values above zero. Empty input returns 0.
func ErrorRate(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	failed := 0
	for _, v := range values {
		if v > 0 {
			failed++
		}
	}
	return float64(failed) / float64(len(values))
}

func sampleValues(samples []experiment.MetricSample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Evaluate computes the guardrail verdict for cfg.
//
// Description:
//
//	Fetches latency_ms and error_rate samples concurrently, computes the
//	nearest-rank P99 latency and the error rate, and checks both against
//	the configured guardrails. A breach adds a reason naming the observed
//	value and the threshold and sets ShouldRollback. The latency summary
//	surfaces the leading variant and p-value. Missing samples yield zeros,
//	which never breach a guardrail.
//
// Outputs:
//   - Evaluation: The verdict. Controller fields are left empty.
//   - error: Non-nil if the samples cannot be read.
func (a *Analyzer) Evaluate(ctx context.Context, cfg *Config) (Evaluation, error) {
	key := cfg.ExperimentKey()

	var latency, errs []experiment.MetricSample
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		latency, err = a.source.Samples(gctx, key, experiment.MetricLatencyMs)
		if err != nil {
			return fmt.Errorf("read %s samples: %w", experiment.MetricLatencyMs, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		errs, err = a.source.Samples(gctx, key, experiment.MetricErrorRate)
		if err != nil {
			return fmt.Errorf("read %s samples: %w", experiment.MetricErrorRate, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Evaluation{}, err
	}

	eval := Evaluation{
		Reasons:        []string{},
		LatencyP99:     P99(sampleValues(latency)),
		ErrorRate:      ErrorRate(sampleValues(errs)),
		LatencySamples: len(latency),
		ErrorSamples:   len(errs),
	}

	if th := cfg.Guardrails.LatencyP99ThresholdMs; th != nil && eval.LatencyP99 > *th {
		eval.ShouldRollback = true
		eval.Reasons = append(eval.Reasons, fmt.Sprintf(
			"latency p99 %sms exceeds threshold %sms", formatNumber(eval.LatencyP99), formatNumber(*th)))
	}
	if th := cfg.Guardrails.ErrorRateThreshold; th != nil && eval.ErrorRate > *th {
		eval.ShouldRollback = true
		eval.Reasons = append(eval.Reasons, fmt.Sprintf(
			"error rate %s exceeds threshold %s", formatNumber(eval.ErrorRate), formatNumber(*th)))
	}

	summary := a.engine.Summarize(latency, experiment.MetricLatencyMs)
	if summary.Compared {
		p := summary.PValue
		eval.PValue = &p
		eval.Winner = summary.Winner
	}

	if minimum := cfg.Experiment.MinimumSample; !eval.ShouldRollback && minimum > 0 && eval.LatencySamples < minimum {
		eval.Hold = true
		eval.HoldReason = fmt.Sprintf("%d of %d required latency samples", eval.LatencySamples, minimum)
	}
	return eval, nil
}
