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
	"sort"

	"github.com/AleutianAI/AleutianRollout/services/rollout/experiment"
)

// DefaultAlpha is the significance level used to declare a winner.
const DefaultAlpha = 0.05

// VariantSummary is the per-variant view of one metric.
type VariantSummary struct {
	VariantID string  `json:"variant_id"`
	Count     int     `json:"count"`
	Mean      float64 `json:"mean"`
	Variance  float64 `json:"variance"`

	// Improvement is (Mean - topMean) / topMean, where topMean is the
	// highest mean across variants. Zero for the top variant.
	Improvement float64 `json:"improvement"`
}

// Summary is the result of summarizing one metric across variants.
type Summary struct {
	Metric string `json:"metric"`

	// Summaries are sorted by descending mean.
	Summaries []VariantSummary `json:"summaries"`

	// Compared is true when at least two variants were tested.
	Compared bool `json:"compared"`

	// Winner is the top-mean variant when the test is significant.
	Winner string `json:"winner,omitempty"`

	// PValue of the top-two comparison. Meaningful only when Compared.
	PValue float64 `json:"p_value,omitempty"`

	TStatistic       float64        `json:"t_statistic,omitempty"`
	DegreesOfFreedom float64        `json:"degrees_of_freedom,omitempty"`
	EffectSize       float64        `json:"effect_size,omitempty"`
	Effect           EffectCategory `json:"effect,omitempty"`
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAlpha overrides the significance level.
func WithAlpha(alpha float64) EngineOption {
	return func(e *Engine) {
		if alpha > 0 && alpha < 1 {
			e.alpha = alpha
		}
	}
}

// Engine summarizes metric samples and tests for a winner.
//
// Thread Safety: Safe for concurrent use. Engine holds no mutable state.
type Engine struct {
	alpha float64
}

// NewEngine creates an Engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{alpha: DefaultAlpha}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Alpha returns the configured significance level.
func (e *Engine) Alpha() float64 {
	return e.alpha
}

// Summarize groups samples of one metric by variant and compares the top two.
//
// Description:
//
//	Only samples whose Metric matches are considered. Summaries are sorted
//	by descending mean and the highest-mean variant is the baseline for
//	Improvement and for the significance test, whichever variant is the
//	actual control. Only the top two variants are tested; the rest are
//	summarized but never tested. The winner is the top-mean variant when
//	p < alpha. Never fails: sparse or degenerate data yields no winner.
//
// Inputs:
//   - samples: Raw samples, possibly of several metrics.
//   - metric: The metric to summarize.
//
// Outputs:
//   - Summary: Always populated; Summaries is empty without matching data.
//
// Thread Safety: Safe for concurrent use.
func (e *Engine) Summarize(samples []experiment.MetricSample, metric string) Summary {
	groups := make(map[string][]float64)
	for _, s := range samples {
		if s.Metric != metric {
			continue
		}
		groups[s.VariantID] = append(groups[s.VariantID], s.Value)
	}

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	moments := make(map[string]Moments, len(groups))
	summaries := make([]VariantSummary, 0, len(groups))
	for _, id := range ids {
		m := ComputeMoments(groups[id])
		moments[id] = m
		summaries = append(summaries, VariantSummary{
			VariantID: id,
			Count:     m.N,
			Mean:      m.Mean,
			Variance:  m.Variance,
		})
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].Mean > summaries[j].Mean
	})

	result := Summary{Metric: metric, Summaries: summaries}
	if len(summaries) == 0 {
		return result
	}

	topMean := summaries[0].Mean
	base := topMean
	if base == 0 {
		base = 1
	}
	for i := range summaries {
		summaries[i].Improvement = (summaries[i].Mean - topMean) / base
	}

	if len(summaries) < 2 {
		return result
	}

	top := moments[summaries[0].VariantID]
	runnerUp := moments[summaries[1].VariantID]
	test := WelchTTest(top, runnerUp, e.alpha)

	result.Compared = true
	result.PValue = test.PValue
	result.TStatistic = test.TStatistic
	result.DegreesOfFreedom = test.DegreesOfFreedom
	result.EffectSize = EffectSize(top, runnerUp)
	result.Effect = CategorizeEffect(result.EffectSize)
	if test.Significant {
		result.Winner = summaries[0].VariantID
	}
	return result
}
