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
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRollout/services/rollout/experiment"
)

// --- Mock InfluxDB WriteAPI ---

type mockWriteAPI struct {
	WritePointFunc func(ctx context.Context, point ...*write.Point) error
	WrittenPoints  []*write.Point
}

func (m *mockWriteAPI) WritePoint(ctx context.Context, point ...*write.Point) error {
	m.WrittenPoints = append(m.WrittenPoints, point...)
	if m.WritePointFunc != nil {
		return m.WritePointFunc(ctx, point...)
	}
	return nil
}

// --- Mock InfluxDB QueryAPI ---

type mockQueryAPI struct {
	QueryFunc func(ctx context.Context, query string) (*api.QueryTableResult, error)
	Queries   []string
}

func (m *mockQueryAPI) Query(ctx context.Context, q string) (*api.QueryTableResult, error) {
	m.Queries = append(m.Queries, q)
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, q)
	}
	return nil, nil
}

func newTestInflux(t *testing.T) (*InfluxStore, *mockWriteAPI, *mockQueryAPI) {
	w := &mockWriteAPI{}
	q := &mockQueryAPI{}
	store, err := NewInfluxStore(w, q, "rollout")
	require.NoError(t, err)
	return store, w, q
}

func tagMap(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, tag := range p.TagList() {
		out[tag.Key] = tag.Value
	}
	return out
}

func fieldMap(p *write.Point) map[string]interface{} {
	out := make(map[string]interface{})
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestInfluxStore_SaveSample(t *testing.T) {
	store, w, _ := newTestInflux(t)
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	err := store.SaveSample(context.Background(), experiment.MetricSample{
		ID: "s1", ExperimentKey: "checkout.v1", VariantID: "B",
		Metric: experiment.MetricLatencyMs, Value: 123.5, UserID: "u1", Timestamp: at,
	})
	require.NoError(t, err)
	require.Len(t, w.WrittenPoints, 1)

	p := w.WrittenPoints[0]
	assert.Equal(t, measurementSample, p.Name())
	assert.Equal(t, at, p.Time())
	assert.Equal(t, map[string]string{
		"experiment": "checkout.v1", "variant": "B", "metric": "latency_ms", "id": "s1",
	}, tagMap(p))
	fields := fieldMap(p)
	assert.Equal(t, 123.5, fields["value"])
	assert.Equal(t, "u1", fields["user_id"])
}

func TestInfluxStore_SaveAssignment(t *testing.T) {
	store, w, _ := newTestInflux(t)

	err := store.SaveAssignment(context.Background(), experiment.Assignment{
		ID: "a1", ExperimentKey: "checkout.v1", VariantID: "A", UserID: "u1",
		AssignedAt: time.Unix(10, 0), Context: map[string]string{"plan": "pro"},
	})
	require.NoError(t, err)
	require.Len(t, w.WrittenPoints, 1)

	p := w.WrittenPoints[0]
	assert.Equal(t, measurementAssignment, p.Name())
	assert.Equal(t, "A", tagMap(p)["variant"])
	assert.Equal(t, `{"plan":"pro"}`, fieldMap(p)["context"])
}

func TestInfluxStore_WriteError(t *testing.T) {
	store, w, _ := newTestInflux(t)
	boom := errors.New("influx down")
	w.WritePointFunc = func(context.Context, ...*write.Point) error { return boom }

	err := store.SaveSample(context.Background(), experiment.MetricSample{ExperimentKey: "k.v1", Metric: "m"})
	assert.ErrorIs(t, err, boom)
}

func TestInfluxStore_RejectsFluxInjection(t *testing.T) {
	store, w, q := newTestInflux(t)
	ctx := context.Background()
	bad := `x") |> drop() //`

	assert.ErrorIs(t, store.SaveSample(ctx, experiment.MetricSample{ExperimentKey: bad, Metric: "m"}), ErrInvalidKey)
	_, err := store.ListSamples(ctx, "k.v1", bad)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = store.ListAssignments(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidKey)

	assert.Empty(t, w.WrittenPoints)
	assert.Empty(t, q.Queries)

	_, err = NewInfluxStore(w, q, "bad bucket")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestInfluxStore_QueryShape(t *testing.T) {
	store, _, q := newTestInflux(t)

	got, err := store.ListSamples(context.Background(), "checkout.v1", "error_rate")
	require.NoError(t, err)
	assert.Empty(t, got)
	require.Len(t, q.Queries, 1)
	assert.Contains(t, q.Queries[0], `from(bucket: "rollout")`)
	assert.Contains(t, q.Queries[0], `r.experiment == "checkout.v1"`)
	assert.Contains(t, q.Queries[0], `r.metric == "error_rate"`)
	assert.True(t, strings.Contains(q.Queries[0], "pivot("))
}

func TestInfluxStore_QueryError(t *testing.T) {
	store, _, q := newTestInflux(t)
	q.QueryFunc = func(context.Context, string) (*api.QueryTableResult, error) {
		return nil, errors.New("timeout")
	}

	_, err := store.ListAssignments(context.Background(), "checkout.v1")
	assert.Error(t, err)
}

func TestRecordDecoding(t *testing.T) {
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	sample := sampleFromRecord(query.NewFluxRecord(0, map[string]interface{}{
		"_time": at, "id": "s1", "experiment": "k.v1", "variant": "A",
		"metric": "latency_ms", "value": 42.0, "user_id": "u1",
	}))
	assert.Equal(t, experiment.MetricSample{
		ID: "s1", ExperimentKey: "k.v1", VariantID: "A", Metric: "latency_ms",
		Value: 42, UserID: "u1", Timestamp: at,
	}, sample)

	intValue := sampleFromRecord(query.NewFluxRecord(0, map[string]interface{}{"value": int64(7)}))
	assert.Equal(t, 7.0, intValue.Value)

	assignment := assignmentFromRecord(query.NewFluxRecord(0, map[string]interface{}{
		"_time": at, "id": "a1", "experiment": "k.v1", "variant": "B",
		"user_id": "u2", "context": `{"region":"eu"}`,
	}))
	assert.Equal(t, "B", assignment.VariantID)
	assert.Equal(t, map[string]string{"region": "eu"}, assignment.Context)
	assert.Equal(t, at, assignment.AssignedAt)
}
