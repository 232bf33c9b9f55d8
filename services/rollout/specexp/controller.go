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
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRollout/services/rollout/telemetry"
)

// Callback is invoked after a transition has been installed.
type Callback func(target Target, eval Evaluation)

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// OnRollback sets the callback fired when a guardrail forces a rollback.
func OnRollback(cb Callback) ControllerOption {
	return func(c *Controller) { c.onRollback = cb }
}

// OnAdvance sets the callback fired when a rollout moves to the next stage.
func OnAdvance(cb Callback) ControllerOption {
	return func(c *Controller) { c.onAdvance = cb }
}

// OnComplete sets the callback fired when a rollout completes its last stage.
func OnComplete(cb Callback) ControllerOption {
	return func(c *Controller) { c.onComplete = cb }
}

// WithJournal records every transition in j.
func WithJournal(j Journal) ControllerOption {
	return func(c *Controller) { c.journal = j }
}

// WithControllerLogger sets the logger.
func WithControllerLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithControllerClock sets the journal timestamp source.
func WithControllerClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// Controller drives staged rollouts from guardrail evaluations.
//
// Description:
//
//	Evaluate reads a snapshot, runs the analyzer, decides the next state
//	and installs it with a compare-and-swap. A concurrent writer makes the
//	swap fail with ErrVersionConflict instead of losing an update.
//	Callbacks and journal entries are emitted only after a successful swap.
//
// Thread Safety: Safe for concurrent use.
type Controller struct {
	registry *Registry
	analyzer *Analyzer
	logger   *slog.Logger
	now      func() time.Time

	journal    Journal
	onRollback Callback
	onAdvance  Callback
	onComplete Callback
}

// NewController creates a Controller.
func NewController(registry *Registry, analyzer *Analyzer, opts ...ControllerOption) (*Controller, error) {
	if registry == nil || analyzer == nil {
		return nil, errors.New("controller requires a registry and an analyzer")
	}
	c := &Controller{
		registry: registry,
		analyzer: analyzer,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Registry returns the registry the controller writes to.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// decide computes the next stage and status for cfg under eval.
func decide(cfg *Config, eval Evaluation) (int, Status, Transition) {
	stage := cfg.ActiveStageIndex
	status := cfg.EffectiveStatus()
	last := len(cfg.RolloutStages) - 1

	switch {
	case eval.ShouldRollback:
		return max(0, stage-1), StatusRolledBack, TransitionRollback
	case status == StatusPaused:
		return stage, status, TransitionNone
	case eval.Hold:
		return stage, status, TransitionHold
	case last < 0:
		if status == StatusRunning {
			return stage, status, TransitionNone
		}
		return stage, StatusRunning, TransitionRun
	case stage < last:
		return stage + 1, StatusRunning, TransitionAdvance
	case status == StatusCompleted:
		return stage, status, TransitionNone
	default:
		return stage, StatusCompleted, TransitionComplete
	}
}

// Evaluate runs one evaluation cycle for target.
//
// Description:
//
//	State transitions:
//	  - guardrail breach: stage max(0, i-1), rolled_back, OnRollback,
//	    also when paused
//	  - paused: never advanced, completed or run
//	  - below minimum sample: hold, no change
//	  - more stages: stage i+1, running, OnAdvance
//	  - last stage: completed, OnComplete
//	  - no stages: running
//
// Outputs:
//   - Evaluation: The analyzer verdict with Transition, StageIndex and Status set.
//   - error: ErrUnknownTarget, ErrVersionConflict, or a sample read failure.
func (c *Controller) Evaluate(ctx context.Context, target Target) (Evaluation, error) {
	start := time.Now()
	ctx, span := startEvaluateSpan(ctx, target)
	defer span.End()

	eval, err := c.evaluate(ctx, target)
	if err != nil {
		telemetry.RecordError(span, err)
		return eval, err
	}
	setEvaluateSpanResult(span, eval)
	recordEvaluateMetrics(ctx, target, eval, time.Since(start))
	return eval, nil
}

func (c *Controller) evaluate(ctx context.Context, target Target) (Evaluation, error) {
	snap, ok := c.registry.Snapshot(target)
	if !ok {
		return Evaluation{}, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	cfg := snap.Config

	eval, err := c.analyzer.Evaluate(ctx, cfg)
	if err != nil {
		return Evaluation{}, fmt.Errorf("evaluate %s: %w", target, err)
	}

	stage, status, transition := decide(cfg, eval)
	eval.Transition = transition
	eval.StageIndex = stage
	eval.Status = status

	version := snap.Version
	if stage != cfg.ActiveStageIndex || status != cfg.EffectiveStatus() {
		version, err = c.registry.CompareAndSwap(target, snap.Version, cfg.withState(stage, status))
		if err != nil {
			return eval, fmt.Errorf("install %s transition for %s: %w", transition, target, err)
		}
	}

	if transition == TransitionNone || transition == TransitionHold {
		c.logger.Debug("rollout evaluated",
			slog.String("target", target.Identity()),
			slog.String("transition", string(transition)),
			slog.String("hold_reason", eval.HoldReason),
		)
		return eval, nil
	}

	c.record(ctx, JournalEntry{
		Target:     target,
		Transition: transition,
		FromStatus: cfg.EffectiveStatus(),
		ToStatus:   status,
		FromStage:  cfg.ActiveStageIndex,
		ToStage:    stage,
		Version:    version,
		Reasons:    eval.Reasons,
		LatencyP99: eval.LatencyP99,
		ErrorRate:  eval.ErrorRate,
	})

	switch transition {
	case TransitionRollback:
		c.logger.Warn("rollout rolled back",
			slog.String("target", target.Identity()),
			slog.Int("stage", stage),
			slog.Any("reasons", eval.Reasons),
		)
		if c.onRollback != nil {
			c.onRollback(target, eval)
		}
	case TransitionAdvance:
		c.logger.Info("rollout advanced",
			slog.String("target", target.Identity()),
			slog.Int("stage", stage),
			slog.Float64("traffic", cfg.RolloutStages[stage]),
		)
		if c.onAdvance != nil {
			c.onAdvance(target, eval)
		}
	case TransitionComplete:
		c.logger.Info("rollout completed", slog.String("target", target.Identity()))
		if c.onComplete != nil {
			c.onComplete(target, eval)
		}
	default:
		c.logger.Info("rollout running", slog.String("target", target.Identity()))
	}
	return eval, nil
}

// record appends to the journal if one is configured. Journal failures are
// logged; the transition has already been installed.
func (c *Controller) record(ctx context.Context, entry JournalEntry) {
	if c.journal == nil {
		return
	}
	entry.ID = uuid.NewString()
	entry.At = c.now()
	if err := c.journal.Append(ctx, entry); err != nil {
		c.logger.Error("journal append failed",
			slog.String("target", entry.Target.Identity()),
			slog.String("transition", string(entry.Transition)),
			slog.String("error", err.Error()),
		)
	}
}

const setStatusAttempts = 5

// setStatus installs status for target, retrying on version conflicts.
func (c *Controller) setStatus(ctx context.Context, target Target, status Status, transition Transition) (*Config, error) {
	var err error
	for attempt := 0; attempt < setStatusAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		snap, ok := c.registry.Snapshot(target)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
		}
		cfg := snap.Config
		if cfg.Status == status {
			return cfg, nil
		}
		next := cfg.withState(cfg.ActiveStageIndex, status)
		var version uint64
		version, err = c.registry.CompareAndSwap(target, snap.Version, next)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		c.record(ctx, JournalEntry{
			Target:     target,
			Transition: transition,
			FromStatus: cfg.EffectiveStatus(),
			ToStatus:   status,
			FromStage:  cfg.ActiveStageIndex,
			ToStage:    cfg.ActiveStageIndex,
			Version:    version,
		})
		c.logger.Info("rollout status changed",
			slog.String("target", target.Identity()),
			slog.String("status", string(status)),
		)
		return next, nil
	}
	return nil, fmt.Errorf("set %s status %s: %w", target, status, err)
}

// Pause stops automatic transitions for target until Resume.
func (c *Controller) Pause(ctx context.Context, target Target) (*Config, error) {
	return c.setStatus(ctx, target, StatusPaused, TransitionPause)
}

// Resume marks a paused target as running so evaluations transition it again.
func (c *Controller) Resume(ctx context.Context, target Target) (*Config, error) {
	return c.setStatus(ctx, target, StatusRunning, TransitionResume)
}

// History returns the journal entries for target. Without a journal it
// returns an empty slice.
func (c *Controller) History(ctx context.Context, target Target) ([]JournalEntry, error) {
	if c.journal == nil {
		return []JournalEntry{}, nil
	}
	return c.journal.List(ctx, target)
}
