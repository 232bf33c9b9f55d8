// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name string `json:"name"`
}

func TestOpenInMemory(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	assert.True(t, db.InMemory())
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

// TestOpen_Persistent verifies data survives a close and reopen.
func TestOpen_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = time.Hour

	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.PutJSON(ctx, []byte("k/1"), record{Name: "one"}))
	require.NoError(t, db.Close())

	db2, err := Open(cfg)
	require.NoError(t, err)
	defer db2.Close()

	var got []record
	require.NoError(t, db2.ScanPrefix(ctx, []byte("k/"), func(_, value []byte) error {
		var r record
		if err := json.Unmarshal(value, &r); err != nil {
			return err
		}
		got = append(got, r)
		return nil
	}))
	assert.Equal(t, []record{{Name: "one"}}, got)
}

func TestScanPrefix(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.PutJSON(ctx, []byte("a/2"), record{Name: "a2"}))
	require.NoError(t, db.PutJSON(ctx, []byte("a/1"), record{Name: "a1"}))
	require.NoError(t, db.PutJSON(ctx, []byte("b/1"), record{Name: "b1"}))

	var keys []string
	require.NoError(t, db.ScanPrefix(ctx, []byte("a/"), func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	assert.Equal(t, []string{"a/1", "a/2"}, keys)
}

func TestContextCancelled(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, db.PutJSON(ctx, []byte("k"), record{}))
	assert.Error(t, db.ScanPrefix(ctx, []byte("k"), func(_, _ []byte) error { return nil }))
}
