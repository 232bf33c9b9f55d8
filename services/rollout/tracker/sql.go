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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/AleutianAI/AleutianRollout/services/rollout/experiment"
)

// Dialect selects SQL placeholder syntax and the database/sql driver.
type Dialect string

const (
	// DialectSQLite uses the pure-Go modernc.org/sqlite driver.
	DialectSQLite Dialect = "sqlite"
	// DialectPostgres uses the lib/pq driver.
	DialectPostgres Dialect = "postgres"
)

// ErrUnknownDialect is returned for dialects other than sqlite and postgres.
var ErrUnknownDialect = errors.New("unknown sql dialect")

const schema = `
CREATE TABLE IF NOT EXISTS rollout_assignments (
	id             TEXT PRIMARY KEY,
	experiment_key TEXT NOT NULL,
	variant_id     TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	assigned_at    BIGINT NOT NULL,
	context        TEXT
);
CREATE INDEX IF NOT EXISTS idx_rollout_assignments_key ON rollout_assignments (experiment_key, assigned_at);
CREATE TABLE IF NOT EXISTS rollout_samples (
	id             TEXT PRIMARY KEY,
	experiment_key TEXT NOT NULL,
	variant_id     TEXT NOT NULL,
	metric         TEXT NOT NULL,
	value          DOUBLE PRECISION NOT NULL,
	user_id        TEXT,
	recorded_at    BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rollout_samples_key ON rollout_samples (experiment_key, metric, recorded_at);
`

// SQLStore persists records in SQL tables.
//
// Timestamps are stored as Unix nanoseconds so both dialects sort them the
// same way. Duplicate ids are ignored, which makes retried writes idempotent.
//
// Thread Safety: Safe for concurrent use.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLStore opens a database with the driver for dialect and migrates it.
func OpenSQLStore(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// SQLite allows one writer; in-memory databases exist per connection.
		db.SetMaxOpenConns(1)
	}
	store, err := NewSQLStore(db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database. Call Migrate before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("sql db must not be nil")
	}
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, dialect)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) insertIgnore(table, cols string, args int) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", args), ", ")
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO NOTHING", table, cols, marks)
	return s.rebind(q)
}

// SaveAssignment implements Store.
func (s *SQLStore) SaveAssignment(ctx context.Context, a experiment.Assignment) error {
	var attrs sql.NullString
	if len(a.Context) > 0 {
		raw, err := json.Marshal(a.Context)
		if err != nil {
			return fmt.Errorf("marshal assignment context: %w", err)
		}
		attrs = sql.NullString{String: string(raw), Valid: true}
	}
	q := s.insertIgnore("rollout_assignments", "id, experiment_key, variant_id, user_id, assigned_at, context", 6)
	_, err := s.db.ExecContext(ctx, q, a.ID, a.ExperimentKey, a.VariantID, a.UserID, a.AssignedAt.UnixNano(), attrs)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

// SaveSample implements Store.
func (s *SQLStore) SaveSample(ctx context.Context, m experiment.MetricSample) error {
	q := s.insertIgnore("rollout_samples", "id, experiment_key, variant_id, metric, value, user_id, recorded_at", 7)
	_, err := s.db.ExecContext(ctx, q, m.ID, m.ExperimentKey, m.VariantID, m.Metric, m.Value, m.UserID, m.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// ListAssignments implements Store.
func (s *SQLStore) ListAssignments(ctx context.Context, experimentKey string) ([]experiment.Assignment, error) {
	q := s.rebind(`SELECT id, experiment_key, variant_id, user_id, assigned_at, context
		FROM rollout_assignments WHERE experiment_key = ? ORDER BY assigned_at, id`)
	rows, err := s.db.QueryContext(ctx, q, experimentKey)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	out := []experiment.Assignment{}
	for rows.Next() {
		var (
			a     experiment.Assignment
			nanos int64
			attrs sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.ExperimentKey, &a.VariantID, &a.UserID, &nanos, &attrs); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.AssignedAt = time.Unix(0, nanos).UTC()
		if attrs.Valid && attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &a.Context); err != nil {
				return nil, fmt.Errorf("decode assignment context: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListSamples implements Store.
func (s *SQLStore) ListSamples(ctx context.Context, experimentKey, metric string) ([]experiment.MetricSample, error) {
	q := s.rebind(`SELECT id, experiment_key, variant_id, metric, value, user_id, recorded_at
		FROM rollout_samples WHERE experiment_key = ? AND metric = ? ORDER BY recorded_at, id`)
	rows, err := s.db.QueryContext(ctx, q, experimentKey, metric)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	out := []experiment.MetricSample{}
	for rows.Next() {
		var (
			m      experiment.MetricSample
			nanos  int64
			userID sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ExperimentKey, &m.VariantID, &m.Metric, &m.Value, &userID, &nanos); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		m.UserID = userID.String
		m.Timestamp = time.Unix(0, nanos).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
