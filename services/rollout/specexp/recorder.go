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
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianRollout/services/rollout/experiment"
)

// AssignmentSink persists assignments. *tracker.Tracker implements it.
type AssignmentSink interface {
	RecordAssignment(ctx context.Context, a experiment.Assignment) error
}

// RecorderConfig configures an AssignmentRecorder.
type RecorderConfig struct {
	// QueueSize bounds the number of pending records. Default 1024.
	QueueSize int `yaml:"queue_size" validate:"gte=0"`

	// Workers is the number of consumers. Default 2.
	Workers int `yaml:"workers" validate:"gte=0"`

	// WriteTimeout bounds each write. Default 2s.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ErrorLogInterval is the minimum gap between failure log lines. Default 5s.
	ErrorLogInterval time.Duration `yaml:"error_log_interval"`
}

// DefaultRecorderConfig returns production defaults.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		QueueSize:        1024,
		Workers:          2,
		WriteTimeout:     2 * time.Second,
		ErrorLogInterval: 5 * time.Second,
	}
}

// RecorderStats are cumulative recorder counters.
type RecorderStats struct {
	Enqueued uint64 `json:"enqueued"`
	Written  uint64 `json:"written"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
}

// AssignmentRecorder writes assignments off the request path.
//
// Description:
//
//	Enqueue never blocks: a full queue drops the record and counts it.
//	A fixed pool of workers drains the queue, each write bounded by
//	WriteTimeout. Failures are counted and logged, at most once per
//	ErrorLogInterval. Close stops intake and drains what is queued.
//
// Thread Safety: Safe for concurrent use.
type AssignmentRecorder struct {
	sink    AssignmentSink
	cfg     RecorderConfig
	logger  *slog.Logger
	limiter *rate.Limiter

	mu     sync.RWMutex
	closed bool
	queue  chan experiment.Assignment
	wg     sync.WaitGroup

	enqueued atomic.Uint64
	written  atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
}

// NewAssignmentRecorder starts a recorder writing to sink.
func NewAssignmentRecorder(sink AssignmentSink, cfg RecorderConfig, logger *slog.Logger) (*AssignmentRecorder, error) {
	if sink == nil {
		return nil, errors.New("assignment recorder requires a sink")
	}
	def := DefaultRecorderConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ErrorLogInterval <= 0 {
		cfg.ErrorLogInterval = def.ErrorLogInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &AssignmentRecorder{
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "assignment_recorder")),
		limiter: rate.NewLimiter(rate.Every(cfg.ErrorLogInterval), 1),
		queue:   make(chan experiment.Assignment, cfg.QueueSize),
	}
	r.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go r.work()
	}
	return r, nil
}

// Enqueue schedules a for writing. It returns false if a was dropped.
func (r *AssignmentRecorder) Enqueue(a experiment.Assignment) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop()
		return false
	}
	select {
	case r.queue <- a:
		r.enqueued.Add(1)
		return true
	default:
		r.drop()
		return false
	}
}

func (r *AssignmentRecorder) drop() {
	n := r.dropped.Add(1)
	recordDropMetric(context.Background())
	if r.limiter.Allow() {
		r.logger.Warn("assignment record dropped", slog.Uint64("dropped_total", n))
	}
}

func (r *AssignmentRecorder) work() {
	defer r.wg.Done()
	for a := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		err := r.sink.RecordAssignment(ctx, a)
		cancel()
		if err == nil {
			r.written.Add(1)
			continue
		}
		n := r.failed.Add(1)
		recordFailureMetric(context.Background())
		if r.limiter.Allow() {
			r.logger.Error("assignment record failed",
				slog.String("experiment", a.ExperimentKey),
				slog.String("variant", a.VariantID),
				slog.Uint64("failed_total", n),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Stats returns the cumulative counters.
func (r *AssignmentRecorder) Stats() RecorderStats {
	return RecorderStats{
		Enqueued: r.enqueued.Load(),
		Written:  r.written.Load(),
		Failed:   r.failed.Load(),
		Dropped:  r.dropped.Load(),
	}
}

// Close stops intake and waits for queued records to be written or for ctx
// to end, whichever comes first. Safe to call more than once.
func (r *AssignmentRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
