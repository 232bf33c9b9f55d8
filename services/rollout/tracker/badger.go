// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianRollout/services/rollout/experiment"
	rolloutbadger "github.com/AleutianAI/AleutianRollout/services/rollout/storage/badger"
)

const (
	assignmentPrefix = "assign/"
	samplePrefix     = "sample/"
)

// BadgerStore persists records in BadgerDB.
//
// Key layout:
//
//	assign/{experiment}/{unix-nanos, zero padded}/{id}
//	sample/{experiment}/{metric}/{unix-nanos, zero padded}/{id}
//
// Values are JSON. Zero padding keeps the iteration order chronological.
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db *rolloutbadger.DB
}

// NewBadgerStore creates a store over an open database. The caller owns db.
func NewBadgerStore(db *rolloutbadger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("badger db must not be nil")
	}
	return &BadgerStore{db: db}, nil
}

func assignmentKey(a experiment.Assignment) []byte {
	return fmt.Appendf(nil, "%s%s/%020d/%s", assignmentPrefix, a.ExperimentKey, a.AssignedAt.UnixNano(), a.ID)
}

func sampleKeyBytes(s experiment.MetricSample) []byte {
	return fmt.Appendf(nil, "%s%s/%s/%020d/%s", samplePrefix, s.ExperimentKey, s.Metric, s.Timestamp.UnixNano(), s.ID)
}

// SaveAssignment implements Store.
func (b *BadgerStore) SaveAssignment(ctx context.Context, a experiment.Assignment) error {
	return b.db.PutJSON(ctx, assignmentKey(a), a)
}

// SaveSample implements Store.
func (b *BadgerStore) SaveSample(ctx context.Context, s experiment.MetricSample) error {
	return b.db.PutJSON(ctx, sampleKeyBytes(s), s)
}

// ListAssignments implements Store.
func (b *BadgerStore) ListAssignments(ctx context.Context, experimentKey string) ([]experiment.Assignment, error) {
	prefix := []byte(assignmentPrefix + experimentKey + "/")
	out := []experiment.Assignment{}
	err := b.db.ScanPrefix(ctx, prefix, func(key, value []byte) error {
		var a experiment.Assignment
		if err := json.Unmarshal(value, &a); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		// Keys containing '/' can share a prefix with a longer key.
		if a.ExperimentKey == experimentKey {
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListSamples implements Store.
func (b *BadgerStore) ListSamples(ctx context.Context, experimentKey, metric string) ([]experiment.MetricSample, error) {
	prefix := []byte(samplePrefix + experimentKey + "/" + metric + "/")
	out := []experiment.MetricSample{}
	err := b.db.ScanPrefix(ctx, prefix, func(key, value []byte) error {
		var s experiment.MetricSample
		if err := json.Unmarshal(value, &s); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if s.ExperimentKey == experimentKey && s.Metric == metric {
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
