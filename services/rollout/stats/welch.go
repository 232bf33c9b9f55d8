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

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// -----------------------------------------------------------------------------
// Moments
// -----------------------------------------------------------------------------

// Moments are the sufficient statistics of one sample group.
type Moments struct {
	// N is the sample count.
	N int

	// Mean is the arithmetic mean. Zero for an empty group.
	Mean float64

	// Variance is the Bessel-corrected sample variance. Zero when N <= 1.
	Variance float64
}

// ComputeMoments returns count, mean and sample variance of values.
//
// Thread Safety: This function is stateless and safe for concurrent use.
func ComputeMoments(values []float64) Moments {
	switch len(values) {
	case 0:
		return Moments{}
	case 1:
		return Moments{N: 1, Mean: values[0]}
	}
	mean, variance := stat.MeanVariance(values, nil)
	return Moments{N: len(values), Mean: mean, Variance: variance}
}

// -----------------------------------------------------------------------------
// Welch's t-test
// -----------------------------------------------------------------------------

// TTestResult holds the results of a Welch t-test.
type TTestResult struct {
	// TStatistic is |mean1 - mean2| / standard error.
	TStatistic float64

	// PValue is the two-tailed p-value. 1 for degenerate input.
	PValue float64

	// DegreesOfFreedom is the Welch-Satterthwaite df. Zero for degenerate input.
	DegreesOfFreedom float64

	// Significant is true if PValue < SignificanceLevel.
	Significant bool

	// SignificanceLevel is the alpha used (e.g., 0.05).
	SignificanceLevel float64
}

// WelchTTest compares two groups that may have unequal variances.
//
// Description:
//
//	Computes t = |mean1 - mean2| / sqrt(var1/n1 + var2/n2), derives the
//	degrees of freedom with the Welch-Satterthwaite equation and returns the
//	two-tailed Student's t p-value. Degenerate input (a group with fewer
//	than two samples, zero standard error, zero or non-finite df) never
//	errors: it yields PValue = 1 and Significant = false.
//
// Inputs:
//   - a: Moments of the first group.
//   - b: Moments of the second group.
//   - alpha: Significance level (e.g., 0.05).
//
// Outputs:
//   - TTestResult: Test results. Always populated.
//
// Thread Safety: This function is stateless and safe for concurrent use.
func WelchTTest(a, b Moments, alpha float64) TTestResult {
	result := TTestResult{PValue: 1, SignificanceLevel: alpha}
	if a.N < 2 || b.N < 2 {
		return result
	}

	n1 := float64(a.N)
	n2 := float64(b.N)
	se2 := a.Variance/n1 + b.Variance/n2
	if se2 <= 0 || math.IsNaN(se2) {
		return result
	}
	t := math.Abs(a.Mean-b.Mean) / math.Sqrt(se2)

	denom := math.Pow(a.Variance/n1, 2)/(n1-1) + math.Pow(b.Variance/n2, 2)/(n2-1)
	if denom == 0 {
		return result
	}
	df := se2 * se2 / denom
	if math.IsNaN(df) || math.IsInf(df, 0) || df <= 0 {
		return result
	}

	p := TwoTailedPValue(t, df)
	result.TStatistic = t
	result.DegreesOfFreedom = df
	result.PValue = p
	result.Significant = p < alpha
	return result
}

// TwoTailedPValue returns P(|T| >= t) for Student's t with df degrees of freedom.
//
// The tail is evaluated through the regularized incomplete beta function.
// Non-finite or non-positive inputs return 1.
func TwoTailedPValue(t, df float64) float64 {
	if math.IsNaN(t) || math.IsNaN(df) || math.IsInf(df, 0) || df <= 0 {
		return 1
	}
	if math.IsInf(t, 0) {
		return 0
	}
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p := 2 * dist.CDF(-math.Abs(t))
	switch {
	case math.IsNaN(p):
		return 1
	case p > 1:
		return 1
	case p < 0:
		return 0
	}
	return p
}

// -----------------------------------------------------------------------------
// Effect size
// -----------------------------------------------------------------------------

// EffectCategory categorizes effect sizes using Cohen's conventions.
type EffectCategory int

const (
	// EffectNegligible indicates |d| < 0.2
	EffectNegligible EffectCategory = iota
	// EffectSmall indicates 0.2 <= |d| < 0.5
	EffectSmall
	// EffectMedium indicates 0.5 <= |d| < 0.8
	EffectMedium
	// EffectLarge indicates |d| >= 0.8
	EffectLarge
)

// String returns the string representation.
func (e EffectCategory) String() string {
	switch e {
	case EffectNegligible:
		return "negligible"
	case EffectSmall:
		return "small"
	case EffectMedium:
		return "medium"
	case EffectLarge:
		return "large"
	default:
		return "unknown"
	}
}

// MarshalText encodes the category by name.
func (e EffectCategory) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// CategorizeEffect returns the category for a Cohen's d value.
func CategorizeEffect(d float64) EffectCategory {
	absD := math.Abs(d)
	switch {
	case absD < 0.2:
		return EffectNegligible
	case absD < 0.5:
		return EffectSmall
	case absD < 0.8:
		return EffectMedium
	default:
		return EffectLarge
	}
}

// EffectSize returns Cohen's d using the pooled standard deviation.
//
// Returns 0 when the pooled variance is zero or either group has fewer
// than two samples.
func EffectSize(a, b Moments) float64 {
	if a.N < 2 || b.N < 2 {
		return 0
	}
	n1 := float64(a.N)
	n2 := float64(b.N)
	pooled := ((n1-1)*a.Variance + (n2-1)*b.Variance) / (n1 + n2 - 2)
	if pooled <= 0 {
		return 0
	}
	return (a.Mean - b.Mean) / math.Sqrt(pooled)
}
