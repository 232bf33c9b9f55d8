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

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/AleutianRollout/services/rollout/experiment"
)

// DefaultRedisPrefix namespaces tracker keys in a shared Redis.
const DefaultRedisPrefix = "rollout"

// RedisStore appends JSON records to Redis lists.
//
// Key layout:
//
//	{prefix}:assign:{experiment}
//	{prefix}:sample:{experiment}:{metric}
//
// Thread Safety: Safe for concurrent use.
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
}

// NewRedisStore creates a store over rdb. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(rdb redis.Cmdable, prefix string) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("redis client must not be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (r *RedisStore) assignKey(experimentKey string) string {
	return r.prefix + ":assign:" + experimentKey
}

func (r *RedisStore) sampleKey(experimentKey, metric string) string {
	return r.prefix + ":sample:" + experimentKey + ":" + metric
}

// SaveAssignment implements Store.
func (r *RedisStore) SaveAssignment(ctx context.Context, a experiment.Assignment) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal assignment: %w", err)
	}
	return r.rdb.RPush(ctx, r.assignKey(a.ExperimentKey), data).Err()
}

// SaveSample implements Store.
func (r *RedisStore) SaveSample(ctx context.Context, s experiment.MetricSample) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}
	return r.rdb.RPush(ctx, r.sampleKey(s.ExperimentKey, s.Metric), data).Err()
}

// ListAssignments implements Store.
func (r *RedisStore) ListAssignments(ctx context.Context, experimentKey string) ([]experiment.Assignment, error) {
	raw, err := r.rdb.LRange(ctx, r.assignKey(experimentKey), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]experiment.Assignment, 0, len(raw))
	for _, item := range raw {
		var a experiment.Assignment
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			return nil, fmt.Errorf("decode assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// ListSamples implements Store.
func (r *RedisStore) ListSamples(ctx context.Context, experimentKey, metric string) ([]experiment.MetricSample, error) {
	raw, err := r.rdb.LRange(ctx, r.sampleKey(experimentKey, metric), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]experiment.MetricSample, 0, len(raw))
	for _, item := range raw {
		var s experiment.MetricSample
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			return nil, fmt.Errorf("decode sample: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}
