// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiment

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNoVariants indicates an experiment definition has no variants to assign.
	ErrNoVariants = errors.New("experiment has no variants")

	// ErrAlreadyRegistered indicates a definition identity is already registered.
	ErrAlreadyRegistered = errors.New("experiment already registered")

	// ErrNotFound indicates no definition is registered under the identity.
	ErrNotFound = errors.New("experiment not found")

	// ErrInvalidDefinition indicates a definition failed validation.
	ErrInvalidDefinition = errors.New("invalid experiment definition")

	// ErrInvalidIdentity indicates a string is not of the form "key.vN".
	ErrInvalidIdentity = errors.New("invalid experiment identity")
)

// Well-known metric names recorded by the rollout engine.
const (
	// MetricLatencyMs is the request latency in milliseconds.
	MetricLatencyMs = "latency_ms"

	// MetricErrorRate encodes success as 0 and failure as 1.
	MetricErrorRate = "error_rate"
)

// -----------------------------------------------------------------------------
// Definitions
// -----------------------------------------------------------------------------

// Variant is one treatment arm of an experiment.
//
// Weight is relative, not normalized. A nil Weight defaults to 1; an explicit
// 0 turns the variant off.
type Variant struct {
	ID          string   `json:"id" yaml:"id" validate:"required"`
	Weight      *float64 `json:"weight,omitempty" yaml:"weight,omitempty" validate:"omitempty,gte=0"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// WeightOf returns a weight pointer for Variant literals.
func WeightOf(w float64) *float64 {
	return &w
}

// EffectiveWeight returns the weight used for bucketing.
func (v Variant) EffectiveWeight() float64 {
	switch {
	case v.Weight == nil:
		return 1
	case *v.Weight < 0:
		return 0
	}
	return *v.Weight
}

// Definition is a named, versioned set of weighted variants.
//
// Description:
//
//	A Definition is immutable once registered. Its identity is
//	"{Key}.v{Version}" and is used as the experiment key on every
//	assignment and metric sample.
//
// Thread Safety: Immutable after creation; safe for concurrent read access.
type Definition struct {
	Key              string     `json:"key" yaml:"key" validate:"required"`
	Version          int        `json:"version" yaml:"version" validate:"gte=0"`
	Goal             string     `json:"goal" yaml:"goal"`
	Audience         string     `json:"audience,omitempty" yaml:"audience,omitempty"`
	Variants         []Variant  `json:"variants" yaml:"variants" validate:"required,min=1,dive"`
	PrimaryMetric    string     `json:"primary_metric" yaml:"primary_metric" validate:"required"`
	GuardrailMetrics []string   `json:"guardrail_metrics,omitempty" yaml:"guardrail_metrics,omitempty"`
	StartDate        *time.Time `json:"start_date,omitempty" yaml:"start_date,omitempty"`
	EndDate          *time.Time `json:"end_date,omitempty" yaml:"end_date,omitempty"`
	MinimumSample    int        `json:"minimum_sample,omitempty" yaml:"minimum_sample,omitempty" validate:"gte=0"`
}

// Identity returns the "{key}.v{version}" experiment key.
func (d *Definition) Identity() string {
	return fmt.Sprintf("%s.v%d", d.Key, d.Version)
}

// ParseIdentity splits a "{key}.v{version}" identity. The key may itself
// contain dots; the version is taken after the last ".v".
func ParseIdentity(identity string) (key string, version int, err error) {
	i := strings.LastIndex(identity, ".v")
	if i <= 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	}
	version, err = strconv.Atoi(identity[i+2:])
	if err != nil || version < 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	}
	return identity[:i], version, nil
}

// Active reports whether now falls inside the optional start/end window.
//
// A definition without dates is always active. The end date is exclusive.
func (d *Definition) Active(now time.Time) bool {
	if d.StartDate != nil && now.Before(*d.StartDate) {
		return false
	}
	if d.EndDate != nil && !now.Before(*d.EndDate) {
		return false
	}
	return true
}

// HasVariant reports whether id names one of the definition's variants.
func (d *Definition) HasVariant(id string) bool {
	for _, v := range d.Variants {
		if v.ID == id {
			return true
		}
	}
	return false
}

// Validate checks structural invariants that do not need a validator instance.
//
// Outputs:
//   - error: Wraps ErrInvalidDefinition or ErrNoVariants on failure.
func (d *Definition) Validate() error {
	if d.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidDefinition)
	}
	if len(d.Variants) == 0 {
		return fmt.Errorf("%w: %s", ErrNoVariants, d.Identity())
	}
	seen := make(map[string]struct{}, len(d.Variants))
	for _, v := range d.Variants {
		if v.ID == "" {
			return fmt.Errorf("%w: %s has a variant without id", ErrInvalidDefinition, d.Identity())
		}
		if _, dup := seen[v.ID]; dup {
			return fmt.Errorf("%w: %s has duplicate variant %q", ErrInvalidDefinition, d.Identity(), v.ID)
		}
		seen[v.ID] = struct{}{}
	}
	if d.StartDate != nil && d.EndDate != nil && !d.EndDate.After(*d.StartDate) {
		return fmt.Errorf("%w: %s ends before it starts", ErrInvalidDefinition, d.Identity())
	}
	return nil
}

// -----------------------------------------------------------------------------
// Facts
// -----------------------------------------------------------------------------

// Assignment records that a user received a variant at a point in time.
//
// Assignments are append-only facts; nothing in this module mutates one
// after creation.
type Assignment struct {
	ID            string            `json:"id"`
	ExperimentKey string            `json:"experiment_key"`
	VariantID     string            `json:"variant_id"`
	UserID        string            `json:"user_id"`
	AssignedAt    time.Time         `json:"assigned_at"`
	Context       map[string]string `json:"context,omitempty"`
}

// MetricSample is one observed numeric outcome for a variant.
type MetricSample struct {
	ID            string    `json:"id"`
	ExperimentKey string    `json:"experiment_key"`
	VariantID     string    `json:"variant_id"`
	Metric        string    `json:"metric"`
	Value         float64   `json:"value"`
	UserID        string    `json:"user_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
