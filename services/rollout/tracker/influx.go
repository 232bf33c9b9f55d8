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
	"regexp"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/AleutianRollout/services/rollout/experiment"
)

const (
	measurementAssignment = "rollout_assignment"
	measurementSample     = "rollout_sample"
)

// ErrInvalidKey is returned when an experiment key or metric name contains
// characters that are not allowed inside a Flux string literal.
var ErrInvalidKey = errors.New("invalid key")

// keyPattern restricts keys interpolated into Flux queries.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._:\-]{1,128}$`)

// PointWriter is the subset of api.WriteAPIBlocking used by InfluxStore.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// FluxQuerier is the subset of api.QueryAPI used by InfluxStore.
type FluxQuerier interface {
	Query(ctx context.Context, query string) (*api.QueryTableResult, error)
}

// InfluxStore persists records as points in an InfluxDB 2.x bucket.
//
// Assignments go to measurement rollout_assignment with tags experiment,
// variant and id. Samples go to rollout_sample with tags experiment,
// variant, metric and id. The id tag keeps points written in the same
// nanosecond from overwriting each other.
//
// Thread Safety: Safe for concurrent use.
type InfluxStore struct {
	writer PointWriter
	reader FluxQuerier
	bucket string
}

// NewInfluxStore creates a store over the given write and query APIs.
func NewInfluxStore(writer PointWriter, reader FluxQuerier, bucket string) (*InfluxStore, error) {
	if writer == nil || reader == nil {
		return nil, errors.New("influx write and query APIs are required")
	}
	if !keyPattern.MatchString(bucket) {
		return nil, fmt.Errorf("%w: bucket %q", ErrInvalidKey, bucket)
	}
	return &InfluxStore{writer: writer, reader: reader, bucket: bucket}, nil
}

// NewInfluxStoreFromClient wires an InfluxStore to a client's blocking
// write API and query API. The caller owns the client.
func NewInfluxStoreFromClient(client influxdb2.Client, org, bucket string) (*InfluxStore, error) {
	return NewInfluxStore(client.WriteAPIBlocking(org, bucket), client.QueryAPI(org), bucket)
}

func validateKeys(keys ...string) error {
	for _, k := range keys {
		if !keyPattern.MatchString(k) {
			return fmt.Errorf("%w: %q", ErrInvalidKey, k)
		}
	}
	return nil
}

// SaveAssignment implements Store.
func (s *InfluxStore) SaveAssignment(ctx context.Context, a experiment.Assignment) error {
	if err := validateKeys(a.ExperimentKey); err != nil {
		return err
	}
	fields := map[string]interface{}{
		"user_id": a.UserID,
	}
	if len(a.Context) > 0 {
		raw, err := json.Marshal(a.Context)
		if err != nil {
			return fmt.Errorf("marshal assignment context: %w", err)
		}
		fields["context"] = string(raw)
	}
	p := influxdb2.NewPoint(
		measurementAssignment,
		map[string]string{
			"experiment": a.ExperimentKey,
			"variant":    a.VariantID,
			"id":         a.ID,
		},
		fields,
		a.AssignedAt,
	)
	if err := s.writer.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write assignment point: %w", err)
	}
	return nil
}

// SaveSample implements Store.
func (s *InfluxStore) SaveSample(ctx context.Context, m experiment.MetricSample) error {
	if err := validateKeys(m.ExperimentKey, m.Metric); err != nil {
		return err
	}
	p := influxdb2.NewPoint(
		measurementSample,
		map[string]string{
			"experiment": m.ExperimentKey,
			"variant":    m.VariantID,
			"metric":     m.Metric,
			"id":         m.ID,
		},
		map[string]interface{}{
			"value":   m.Value,
			"user_id": m.UserID,
		},
		m.Timestamp,
	)
	if err := s.writer.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write sample point: %w", err)
	}
	return nil
}

func (s *InfluxStore) assignmentQuery(experimentKey string) string {
	return fmt.Sprintf(`
        from(bucket: "%s")
          |> range(start: 0)
          |> filter(fn: (r) => r._measurement == "%s" and r.experiment == "%s")
          |> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
          |> group()
          |> sort(columns: ["_time"])
    `, s.bucket, measurementAssignment, experimentKey)
}

func (s *InfluxStore) sampleQuery(experimentKey, metric string) string {
	return fmt.Sprintf(`
        from(bucket: "%s")
          |> range(start: 0)
          |> filter(fn: (r) => r._measurement == "%s" and r.experiment == "%s" and r.metric == "%s")
          |> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
          |> group()
          |> sort(columns: ["_time"])
    `, s.bucket, measurementSample, experimentKey, metric)
}

// ListAssignments implements Store.
func (s *InfluxStore) ListAssignments(ctx context.Context, experimentKey string) ([]experiment.Assignment, error) {
	if err := validateKeys(experimentKey); err != nil {
		return nil, err
	}
	result, err := s.reader.Query(ctx, s.assignmentQuery(experimentKey))
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	out := []experiment.Assignment{}
	if result == nil {
		return out, nil
	}
	defer result.Close()
	for result.Next() {
		out = append(out, assignmentFromRecord(result.Record()))
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("read assignments: %w", result.Err())
	}
	return out, nil
}

// ListSamples implements Store.
func (s *InfluxStore) ListSamples(ctx context.Context, experimentKey, metric string) ([]experiment.MetricSample, error) {
	if err := validateKeys(experimentKey, metric); err != nil {
		return nil, err
	}
	result, err := s.reader.Query(ctx, s.sampleQuery(experimentKey, metric))
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	out := []experiment.MetricSample{}
	if result == nil {
		return out, nil
	}
	defer result.Close()
	for result.Next() {
		out = append(out, sampleFromRecord(result.Record()))
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("read samples: %w", result.Err())
	}
	return out, nil
}

func stringValue(rec *query.FluxRecord, key string) string {
	if v, ok := rec.ValueByKey(key).(string); ok {
		return v
	}
	return ""
}

func recordTime(rec *query.FluxRecord) time.Time {
	if v, ok := rec.ValueByKey("_time").(time.Time); ok {
		return v
	}
	return time.Time{}
}

// assignmentFromRecord decodes a pivoted rollout_assignment row.
func assignmentFromRecord(rec *query.FluxRecord) experiment.Assignment {
	a := experiment.Assignment{
		ID:            stringValue(rec, "id"),
		ExperimentKey: stringValue(rec, "experiment"),
		VariantID:     stringValue(rec, "variant"),
		UserID:        stringValue(rec, "user_id"),
		AssignedAt:    recordTime(rec),
	}
	if raw := stringValue(rec, "context"); raw != "" {
		var attrs map[string]string
		if err := json.Unmarshal([]byte(raw), &attrs); err == nil {
			a.Context = attrs
		}
	}
	return a
}

// sampleFromRecord decodes a pivoted rollout_sample row.
func sampleFromRecord(rec *query.FluxRecord) experiment.MetricSample {
	s := experiment.MetricSample{
		ID:            stringValue(rec, "id"),
		ExperimentKey: stringValue(rec, "experiment"),
		VariantID:     stringValue(rec, "variant"),
		Metric:        stringValue(rec, "metric"),
		UserID:        stringValue(rec, "user_id"),
		Timestamp:     recordTime(rec),
	}
	switch v := rec.ValueByKey("value").(type) {
	case float64:
		s.Value = v
	case int64:
		s.Value = float64(v)
	}
	return s
}
