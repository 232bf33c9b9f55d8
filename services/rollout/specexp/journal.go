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
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	rolloutbadger "github.com/AleutianAI/AleutianRollout/services/rollout/storage/badger"
)

// JournalEntry records one controller transition for audit.
type JournalEntry struct {
	ID         string     `json:"id"`
	Target     Target     `json:"target"`
	Transition Transition `json:"transition"`
	FromStatus Status     `json:"from_status"`
	ToStatus   Status     `json:"to_status"`
	FromStage  int        `json:"from_stage"`
	ToStage    int        `json:"to_stage"`
	Version    uint64     `json:"version"`
	Reasons    []string   `json:"reasons,omitempty"`
	LatencyP99 float64    `json:"latency_p99"`
	ErrorRate  float64    `json:"error_rate"`
	At         time.Time  `json:"at"`
}

// Journal is an append-only log of transitions.
type Journal interface {
	Append(ctx context.Context, entry JournalEntry) error
	List(ctx context.Context, target Target) ([]JournalEntry, error)
}

// MemoryJournal keeps entries in process memory.
//
// Thread Safety: Safe for concurrent use.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string][]JournalEntry
}

// NewMemoryJournal creates an empty MemoryJournal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string][]JournalEntry)}
}

// Append implements Journal.
func (j *MemoryJournal) Append(ctx context.Context, entry JournalEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	id := entry.Target.Identity()
	j.entries[id] = append(j.entries[id], entry)
	return nil
}

// List implements Journal.
func (j *MemoryJournal) List(ctx context.Context, target Target) ([]JournalEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	src := j.entries[target.Identity()]
	out := make([]JournalEntry, len(src))
	copy(out, src)
	return out, nil
}

const journalPrefix = "journal/"

// BadgerJournal persists entries in BadgerDB under
// journal/{target}/{unix-nanos, zero padded}/{id}.
//
// Thread Safety: Safe for concurrent use.
type BadgerJournal struct {
	db *rolloutbadger.DB
}

// NewBadgerJournal creates a journal over an open database. The caller owns db.
func NewBadgerJournal(db *rolloutbadger.DB) (*BadgerJournal, error) {
	if db == nil {
		return nil, errors.New("badger db must not be nil")
	}
	return &BadgerJournal{db: db}, nil
}

// Append implements Journal.
func (j *BadgerJournal) Append(ctx context.Context, entry JournalEntry) error {
	key := fmt.Appendf(nil, "%s%s/%020d/%s", journalPrefix, entry.Target.Identity(), entry.At.UnixNano(), entry.ID)
	return j.db.PutJSON(ctx, key, entry)
}

// List implements Journal.
func (j *BadgerJournal) List(ctx context.Context, target Target) ([]JournalEntry, error) {
	out := []JournalEntry{}
	prefix := []byte(journalPrefix + target.Identity() + "/")
	err := j.db.ScanPrefix(ctx, prefix, func(key, value []byte) error {
		var e JournalEntry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		if e.Target == target {
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
