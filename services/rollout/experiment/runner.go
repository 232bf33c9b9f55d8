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
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// DefaultSalt is mixed into the variant bucket hash.
const DefaultSalt = "experiment"

// bucketResolution is the number of discrete buckets in [0,1).
const bucketResolution = 10000

// Bucket maps an identity onto a deterministic value in [0,1).
//
// Description:
//
//	Hashes "{experimentKey}:{userID}:{salt}" with SHA-256, reads the first
//	four bytes (the first 8 hex characters) as an unsigned integer, and
//	reduces it modulo 10,000. Identical inputs always produce the same
//	bucket, across calls and across process restarts.
//
// Inputs:
//   - experimentKey: The experiment identity ("key.vN").
//   - userID: The stable bucketing key of the user.
//   - salt: Distinguishes independent bucketings of the same user.
//
// Outputs:
//   - float64: Bucket value in [0,1) with a resolution of 1e-4.
//
// Thread Safety: This function is stateless and safe for concurrent use.
func Bucket(experimentKey, userID, salt string) float64 {
	sum := sha256.Sum256([]byte(experimentKey + ":" + userID + ":" + salt))
	n := binary.BigEndian.Uint32(sum[:4])
	return float64(n%bucketResolution) / bucketResolution
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSalt overrides the salt mixed into the bucket hash.
func WithSalt(salt string) RunnerOption {
	return func(r *Runner) { r.salt = salt }
}

// WithClock overrides the time source used for AssignedAt.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// Runner performs deterministic, weighted variant assignment.
//
// Thread Safety: Safe for concurrent use. Runner holds no mutable state.
type Runner struct {
	salt string
	now  func() time.Time
}

// NewRunner creates a Runner.
//
// Outputs:
//   - *Runner: The new runner. Never nil.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		salt: DefaultSalt,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Salt returns the salt used for variant bucketing.
func (r *Runner) Salt() string {
	return r.salt
}

// Assign selects a variant for the user.
//
// Description:
//
//	Normalizes variant weights so they sum to 1, computes the user's bucket
//	and selects the first variant whose cumulative weight reaches the
//	bucket. When floating error leaves no match, the last variant wins.
//
// Inputs:
//   - def: The experiment. Must have at least one variant.
//   - userID: Stable bucketing key.
//   - attrs: Optional request context copied onto the assignment.
//
// Outputs:
//   - Assignment: The assignment fact for this user.
//   - error: ErrNoVariants if the definition has no variants.
//
// Thread Safety: Safe for concurrent use.
func (r *Runner) Assign(def *Definition, userID string, attrs map[string]string) (Assignment, error) {
	if def == nil || len(def.Variants) == 0 {
		key := ""
		if def != nil {
			key = def.Identity()
		}
		return Assignment{}, fmt.Errorf("%w: %q", ErrNoVariants, key)
	}

	key := def.Identity()
	variant := pick(def.Variants, Bucket(key, userID, r.salt))

	return Assignment{
		ID:            uuid.NewString(),
		ExperimentKey: key,
		VariantID:     variant.ID,
		UserID:        userID,
		AssignedAt:    r.now(),
		Context:       maps.Clone(attrs),
	}, nil
}

// pick walks the cumulative normalized weight distribution. Zero-weight
// variants are never picked unless every weight is zero, in which case all
// variants share equally.
func pick(variants []Variant, bucket float64) Variant {
	weights := make([]float64, len(variants))
	var total float64
	for i, v := range variants {
		weights[i] = v.EffectiveWeight()
		total += weights[i]
	}
	if total <= 0 {
		for i := range weights {
			weights[i] = 1
		}
		total = float64(len(weights))
	}

	var cumulative float64
	last := len(variants) - 1
	for i, v := range variants {
		if weights[i] == 0 {
			continue
		}
		last = i
		cumulative += weights[i] / total
		if cumulative >= bucket {
			return v
		}
	}
	return variants[last]
}
