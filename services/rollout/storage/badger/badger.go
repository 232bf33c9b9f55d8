// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the BadgerDB instance shared by the
// rollout engine's durable components.
//
// Use cases:
//   - Tracker store (assignments and metric samples)
//   - Controller transition journal
//
// Keys are grouped by prefix so each component iterates only its own range.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string `yaml:"path"`

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool `yaml:"in_memory"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests and local runs.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB wraps a BadgerDB instance with lifecycle management.
//
// Thread Safety: Safe for concurrent use.
type DB struct {
	*badger.DB
	stopGC   chan struct{}
	gcDone   chan struct{}
	logger   *slog.Logger
	inMemory bool
}

// Open opens a BadgerDB and starts value-log GC when configured.
//
// Description:
//
//	Opens the database at cfg.Path, or in memory if cfg.InMemory is true.
//	Creates the directory if it doesn't exist. GC runs only for persistent
//	databases with a positive GCInterval.
//
// Inputs:
//   - cfg: Database configuration. Path is required unless InMemory is true.
//
// Outputs:
//   - *DB: The opened database. Caller must call Close() when done.
//   - error: Non-nil if the path is invalid or the database cannot be opened.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	raw, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	db := &DB{DB: raw, logger: cfg.Logger, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		if cfg.GCDiscardRatio <= 0 || cfg.GCDiscardRatio > 1 {
			cfg.GCDiscardRatio = 0.5
		}
		db.stopGC = make(chan struct{})
		db.gcDone = make(chan struct{})
		go db.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return db, nil
}

// OpenInMemory opens an in-memory database. Data is lost when closed.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

// Close stops garbage collection (if running) and closes the database.
func (d *DB) Close() error {
	if d.stopGC != nil {
		close(d.stopGC)
		<-d.gcDone
		d.stopGC = nil
	}
	return d.DB.Close()
}

// InMemory returns true if this is an in-memory database.
func (d *DB) InMemory() bool {
	return d.inMemory
}

func (d *DB) runGC(interval time.Duration, ratio float64) {
	defer close(d.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means no GC was needed, not an error
			err := d.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && d.logger != nil {
				d.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// PutJSON stores v as JSON under key in a single write transaction.
//
// Thread Safety: Safe for concurrent use.
func (d *DB) PutJSON(ctx context.Context, key []byte, v any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return d.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// ScanPrefix calls fn with the value of every key under prefix, in key order.
//
// Iteration stops at the first error returned by fn.
//
// Thread Safety: Safe for concurrent use.
func (d *DB) ScanPrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return d.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			if err := item.Value(func(val []byte) error {
				return fn(key, val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}
