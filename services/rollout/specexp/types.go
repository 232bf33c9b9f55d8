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
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianRollout/services/rollout/experiment"
)

// ControlVariantID is the variant id recorded when the control spec is served.
const ControlVariantID = "control"

// Sentinel errors.
var (
	// ErrUnknownTarget is returned by control-loop operations for a target
	// with no registered config.
	ErrUnknownTarget = errors.New("unknown rollout target")

	// ErrVersionConflict is returned when a compare-and-swap observes a
	// newer config version than the one the caller read.
	ErrVersionConflict = errors.New("rollout config version conflict")

	// ErrInvalidConfig is returned when a config fails validation.
	ErrInvalidConfig = errors.New("invalid rollout config")

	// ErrInvalidOutcome is returned for an outcome without a success flag.
	ErrInvalidOutcome = errors.New("invalid outcome sample")
)

// Contract is an opaque spec payload. The engine stores and returns it by
// reference and never inspects it.
type Contract any

// Target names a versioned operation spec.
type Target struct {
	Name    string `json:"name" yaml:"name" validate:"required"`
	Version int    `json:"version" yaml:"version" validate:"gte=0"`
}

// Identity returns "name.v{version}".
func (t Target) Identity() string {
	return fmt.Sprintf("%s.v%d", t.Name, t.Version)
}

// String implements fmt.Stringer.
func (t Target) String() string {
	return t.Identity()
}

// Status is the lifecycle state of a rollout.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusRolledBack Status = "rolled_back"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is one of the known statuses. Empty counts as draft.
func (s Status) Valid() bool {
	switch s {
	case "", StatusDraft, StatusRunning, StatusPaused, StatusRolledBack, StatusCompleted:
		return true
	}
	return false
}

// VariantBinding binds an experiment variant id to a spec payload.
type VariantBinding struct {
	ID          string   `json:"id"`
	Spec        Contract `json:"spec"`
	Description string   `json:"description,omitempty"`

	// RolloutPercentage overrides the stage percentage for this variant.
	// Nil means "not set"; valid values are in [0, 1].
	RolloutPercentage *float64 `json:"rollout_percentage,omitempty"`
}

// Guardrails are the metric thresholds whose breach forces a rollback.
// Nil thresholds are not checked.
type Guardrails struct {
	ErrorRateThreshold    *float64 `json:"error_rate_threshold,omitempty"`
	LatencyP99ThresholdMs *float64 `json:"latency_p99_threshold_ms,omitempty"`
}

// Config is the rollout record for one target.
//
// A registered Config is immutable. The controller derives the next state
// from a snapshot and installs it with Registry.CompareAndSwap.
type Config struct {
	Target           Target                 `json:"target"`
	Experiment       *experiment.Definition `json:"experiment"`
	Control          Contract               `json:"control"`
	Variants         []VariantBinding       `json:"variants"`
	RolloutStages    []float64              `json:"rollout_stages,omitempty"`
	ActiveStageIndex int                    `json:"active_stage_index"`
	Status           Status                 `json:"status"`
	Guardrails       Guardrails             `json:"guardrails"`
}

// ExperimentKey returns the identity of the backing experiment.
func (c *Config) ExperimentKey() string {
	if c.Experiment == nil {
		return ""
	}
	return c.Experiment.Identity()
}

// Binding returns the binding with the given variant id.
func (c *Config) Binding(id string) (VariantBinding, bool) {
	for _, b := range c.Variants {
		if b.ID == id {
			return b, true
		}
	}
	return VariantBinding{}, false
}

// ActiveStage returns the traffic fraction of the active stage, or false
// when no stages are configured.
func (c *Config) ActiveStage() (float64, bool) {
	if len(c.RolloutStages) == 0 {
		return 0, false
	}
	i := min(max(c.ActiveStageIndex, 0), len(c.RolloutStages)-1)
	return c.RolloutStages[i], true
}

// EffectiveStatus returns Status, treating empty as draft.
func (c *Config) EffectiveStatus() Status {
	if c.Status == "" {
		return StatusDraft
	}
	return c.Status
}

// withState returns a shallow copy with a new stage index and status.
// Slices and payloads are shared; they are never written after registration.
func (c *Config) withState(stage int, status Status) *Config {
	next := *c
	next.ActiveStageIndex = stage
	next.Status = status
	return &next
}

func validFraction(f float64) bool {
	return f >= 0 && f <= 1
}

// Validate checks structural invariants.
func (c *Config) Validate() error {
	if c.Target.Name == "" {
		return fmt.Errorf("%w: target name is required", ErrInvalidConfig)
	}
	if c.Experiment == nil {
		return fmt.Errorf("%w: %s has no experiment", ErrInvalidConfig, c.Target)
	}
	if err := c.Experiment.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, c.Target, err)
	}
	seen := make(map[string]bool, len(c.Variants))
	for _, b := range c.Variants {
		if b.ID == "" {
			return fmt.Errorf("%w: %s has a variant binding without id", ErrInvalidConfig, c.Target)
		}
		if seen[b.ID] {
			return fmt.Errorf("%w: %s binds variant %q twice", ErrInvalidConfig, c.Target, b.ID)
		}
		seen[b.ID] = true
		if b.RolloutPercentage != nil && !validFraction(*b.RolloutPercentage) {
			return fmt.Errorf("%w: %s variant %q rollout %v outside [0,1]", ErrInvalidConfig, c.Target, b.ID, *b.RolloutPercentage)
		}
	}
	for i, s := range c.RolloutStages {
		if !validFraction(s) {
			return fmt.Errorf("%w: %s stage %d value %v outside [0,1]", ErrInvalidConfig, c.Target, i, s)
		}
	}
	if len(c.RolloutStages) > 0 && (c.ActiveStageIndex < 0 || c.ActiveStageIndex >= len(c.RolloutStages)) {
		return fmt.Errorf("%w: %s active stage %d out of range", ErrInvalidConfig, c.Target, c.ActiveStageIndex)
	}
	if len(c.RolloutStages) == 0 && c.ActiveStageIndex != 0 {
		return fmt.Errorf("%w: %s has an active stage but no stages", ErrInvalidConfig, c.Target)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("%w: %s status %q", ErrInvalidConfig, c.Target, c.Status)
	}
	return nil
}

// SpecAssignment is the resolved spec for one user.
type SpecAssignment struct {
	Spec          Contract `json:"spec"`
	VariantID     string   `json:"variant_id"`
	ExperimentKey string   `json:"experiment_key"`
}

// Transition is the state change decided by one controller evaluation.
type Transition string

const (
	TransitionNone     Transition = "none"
	TransitionAdvance  Transition = "advance"
	TransitionRollback Transition = "rollback"
	TransitionComplete Transition = "complete"
	TransitionRun      Transition = "run"
	TransitionHold     Transition = "hold"
	TransitionPause    Transition = "pause"
	TransitionResume   Transition = "resume"
)

// Evaluation is the verdict of one evaluation cycle.
type Evaluation struct {
	ShouldRollback bool     `json:"should_rollback"`
	Reasons        []string `json:"reasons"`
	LatencyP99     float64  `json:"latency_p99"`
	ErrorRate      float64  `json:"error_rate"`
	Winner         string   `json:"winner,omitempty"`
	PValue         *float64 `json:"p_value,omitempty"`

	// Hold is set when the experiment has fewer latency samples than its
	// minimum sample size. A held evaluation never advances a rollout.
	Hold           bool   `json:"hold,omitempty"`
	HoldReason     string `json:"hold_reason,omitempty"`
	LatencySamples int    `json:"latency_samples"`
	ErrorSamples   int    `json:"error_samples"`

	// Set by the controller.
	Transition Transition `json:"transition,omitempty"`
	StageIndex int        `json:"stage_index"`
	Status     Status     `json:"status,omitempty"`
}

// RequestContext carries the caller identity fields used for bucketing.
type RequestContext struct {
	UserID         string
	OrganizationID string
	Actor          string
	Attributes     map[string]string
}

// BucketingKey returns the first non-empty of UserID, OrganizationID and Actor.
func (rc RequestContext) BucketingKey() (string, bool) {
	for _, k := range []string{rc.UserID, rc.OrganizationID, rc.Actor} {
		if k != "" {
			return k, true
		}
	}
	return "", false
}

// OutcomeSample is one request outcome reported by the caller.
//
// Success is required: a missing flag must not be counted as a failure.
type OutcomeSample struct {
	ExperimentKey string    `json:"experiment_key" binding:"required"`
	VariantID     string    `json:"variant_id" binding:"required"`
	UserID        string    `json:"user_id,omitempty"`
	LatencyMs     float64   `json:"latency_ms" binding:"gte=0"`
	Success       *bool     `json:"success" binding:"required"`
	Timestamp     time.Time `json:"timestamp,omitempty"`
}

// BoolOf returns a pointer to b, for OutcomeSample literals.
func BoolOf(b bool) *bool {
	return &b
}
