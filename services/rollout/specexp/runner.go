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
	"time"

	"github.com/AleutianAI/AleutianRollout/services/rollout/experiment"
)

// DefaultRolloutSalt salts the gating bucket so it is independent of the
// variant bucket.
const DefaultRolloutSalt = "rollout"

// GateReason explains why a user was served the control spec.
type GateReason string

const (
	GateNone           GateReason = ""
	GateRollout        GateReason = "rollout"
	GateMissingBinding GateReason = "missing_binding"
	GateInactive       GateReason = "inactive"
)

// Result is the outcome of one spec assignment.
type Result struct {
	SpecAssignment

	// Assignment is the fact to record. Its VariantID is the served
	// variant, ControlVariantID when gated.
	Assignment experiment.Assignment

	// BucketedVariant is the variant the user's bucket selected.
	BucketedVariant string

	// Rollout is the effective rollout fraction that was applied.
	Rollout float64

	// Gate is non-empty when the control spec was served.
	Gate GateReason
}

// Gated reports whether the control spec was served.
func (r Result) Gated() bool {
	return r.Gate != GateNone
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithExperimentRunner sets the runner that picks variant buckets.
func WithExperimentRunner(er *experiment.Runner) RunnerOption {
	return func(r *Runner) {
		if er != nil {
			r.experiments = er
		}
	}
}

// WithRolloutSalt sets the salt of the gating bucket.
func WithRolloutSalt(salt string) RunnerOption {
	return func(r *Runner) {
		if salt != "" {
			r.rolloutSalt = salt
		}
	}
}

// WithRunnerClock sets the clock used for experiment windows.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// Runner resolves which spec a user receives under a rollout config.
//
// Thread Safety: Safe for concurrent use. Assign only reads its config.
type Runner struct {
	experiments *experiment.Runner
	rolloutSalt string
	now         func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{rolloutSalt: DefaultRolloutSalt, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.experiments == nil {
		r.experiments = experiment.NewRunner(experiment.WithClock(r.now))
	}
	return r
}

// EffectiveRollout returns the traffic fraction allowed to see binding.
//
// The binding override wins, then the active stage, then 1.
func EffectiveRollout(cfg *Config, binding VariantBinding) float64 {
	if binding.RolloutPercentage != nil {
		return *binding.RolloutPercentage
	}
	if stage, ok := cfg.ActiveStage(); ok {
		return stage
	}
	return 1
}

// Assign resolves the spec for userID.
//
// Description:
//
//	Picks the variant bucket through the experiment runner, then applies an
//	independent rollout gate: when the effective rollout is below 1 the
//	user is served the variant only if a second bucket, salted with the
//	rollout salt, is strictly below the rollout. Otherwise, or when the
//	variant has no binding or the experiment window is closed, the control
//	spec is served under ControlVariantID.
//
//	The gating bucket depends only on the experiment key and user, so
//	raising the rollout only adds users; no admitted user is dropped.
//
// Outputs:
//   - Result: The served spec and the assignment to record.
//   - error: Non-nil only if the experiment has no variants.
func (r *Runner) Assign(cfg *Config, userID string, attrs map[string]string) (Result, error) {
	a, err := r.experiments.Assign(cfg.Experiment, userID, attrs)
	if err != nil {
		return Result{}, err
	}
	key := cfg.ExperimentKey()
	res := Result{BucketedVariant: a.VariantID, Rollout: 1}

	binding, ok := cfg.Binding(a.VariantID)
	switch {
	case !cfg.Experiment.Active(r.now()):
		res.Gate = GateInactive
	case !ok:
		res.Gate = GateMissingBinding
	default:
		res.Rollout = EffectiveRollout(cfg, binding)
		if res.Rollout < 1 && experiment.Bucket(key, userID, r.rolloutSalt) >= res.Rollout {
			res.Gate = GateRollout
		}
	}

	if res.Gated() {
		res.SpecAssignment = SpecAssignment{Spec: cfg.Control, VariantID: ControlVariantID, ExperimentKey: key}
	} else {
		res.SpecAssignment = SpecAssignment{Spec: binding.Spec, VariantID: binding.ID, ExperimentKey: key}
	}
	a.VariantID = res.VariantID
	res.Assignment = a
	return res, nil
}
