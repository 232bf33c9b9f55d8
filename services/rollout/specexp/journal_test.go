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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rolloutbadger "github.com/AleutianAI/AleutianRollout/services/rollout/storage/badger"
)

func runJournalSuite(t *testing.T, j Journal) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	other := Target{Name: "search", Version: 1}

	require.NoError(t, j.Append(ctx, JournalEntry{ID: "2", Target: checkoutTarget, Transition: TransitionRollback, At: base.Add(time.Minute), Reasons: []string{"p99"}}))
	require.NoError(t, j.Append(ctx, JournalEntry{ID: "1", Target: checkoutTarget, Transition: TransitionAdvance, At: base}))
	require.NoError(t, j.Append(ctx, JournalEntry{ID: "3", Target: other, Transition: TransitionAdvance, At: base}))

	entries, err := j.List(ctx, checkoutTarget)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	ids := []string{entries[0].ID, entries[1].ID}
	assert.ElementsMatch(t, []string{"1", "2"}, ids)

	empty, err := j.List(ctx, Target{Name: "missing"})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryJournal(t *testing.T) {
	runJournalSuite(t, NewMemoryJournal())
}

func TestBadgerJournal(t *testing.T) {
	db, err := rolloutbadger.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	j, err := NewBadgerJournal(db)
	require.NoError(t, err)
	runJournalSuite(t, j)

	// Badger keys sort chronologically.
	entries, err := j.List(context.Background(), checkoutTarget)
	require.NoError(t, err)
	assert.Equal(t, "1", entries[0].ID)
	assert.Equal(t, []string{"p99"}, entries[1].Reasons)

	_, err = NewBadgerJournal(nil)
	assert.Error(t, err)
}
