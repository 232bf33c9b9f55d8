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
	"time"

	"golang.org/x/sync/errgroup"
)

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Interval between evaluation rounds. Default 1m.
	Interval time.Duration `yaml:"interval"`

	// Parallelism bounds concurrent target evaluations. Default 4.
	Parallelism int `yaml:"parallelism" validate:"gte=0"`

	// Timeout bounds one target evaluation. Default 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultSchedulerConfig returns production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:    time.Minute,
		Parallelism: 4,
		Timeout:     30 * time.Second,
	}
}

// RoundResult summarizes one evaluation round.
type RoundResult struct {
	Evaluated int                   `json:"evaluated"`
	Failed    int                   `json:"failed"`
	Conflicts int                   `json:"conflicts"`
	Results   map[string]Evaluation `json:"results"`
	Errors    map[string]string     `json:"errors,omitempty"`
}

// Scheduler evaluates every registered target on an interval.
//
// Errors for one target are logged and counted; they never stop a round
// or the loop.
//
// Thread Safety: Safe for concurrent use. Rounds do not overlap.
type Scheduler struct {
	controller *Controller
	cfg        SchedulerConfig
	logger     *slog.Logger

	roundMu sync.Mutex
}

// NewScheduler creates a Scheduler.
func NewScheduler(controller *Controller, cfg SchedulerConfig, logger *slog.Logger) (*Scheduler, error) {
	if controller == nil {
		return nil, errors.New("scheduler requires a controller")
	}
	def := DefaultSchedulerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{controller: controller, cfg: cfg, logger: logger.With(slog.String("component", "scheduler"))}, nil
}

// RunOnce evaluates every registered target once.
func (s *Scheduler) RunOnce(ctx context.Context) RoundResult {
	s.roundMu.Lock()
	defer s.roundMu.Unlock()

	targets := s.controller.Registry().Targets()
	result := RoundResult{
		Results: make(map[string]Evaluation, len(targets)),
		Errors:  make(map[string]string),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for _, target := range targets {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(gctx, s.cfg.Timeout)
			defer cancel()

			eval, err := s.controller.Evaluate(tctx, target)

			mu.Lock()
			defer mu.Unlock()
			result.Evaluated++
			if err != nil {
				result.Failed++
				if errors.Is(err, ErrVersionConflict) {
					result.Conflicts++
				}
				result.Errors[target.Identity()] = err.Error()
				s.logger.Warn("evaluation failed",
					slog.String("target", target.Identity()),
					slog.String("error", err.Error()),
				)
				return nil
			}
			result.Results[target.Identity()] = eval
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// Run evaluates once immediately, then on every interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", slog.Duration("interval", s.cfg.Interval))
	s.round(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.round(ctx)
		}
	}
}

func (s *Scheduler) round(ctx context.Context) {
	round := s.RunOnce(ctx)
	s.logger.Debug("evaluation round",
		slog.Int("evaluated", round.Evaluated),
		slog.Int("failed", round.Failed),
	)
}
