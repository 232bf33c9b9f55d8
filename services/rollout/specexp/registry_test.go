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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetReturnsSameInstance(t *testing.T) {
	reg := NewRegistry()
	cfg := newTestConfig([]float64{0.1, 1}, 0)
	require.NoError(t, reg.Register(cfg))

	first, ok := reg.Get(checkoutTarget)
	require.True(t, ok)
	second, ok := reg.Get(checkoutTarget)
	require.True(t, ok)

	assert.Same(t, first, second)
	assert.Same(t, cfg, first)
}

func TestRegistry_LastWriteWins(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newTestConfig(nil, 0)))
	snap1, _ := reg.Snapshot(checkoutTarget)

	replacement := newTestConfig([]float64{0.5, 1}, 1)
	require.NoError(t, reg.Register(replacement))
	snap2, _ := reg.Snapshot(checkoutTarget)

	assert.Same(t, replacement, snap2.Config)
	assert.Equal(t, snap1.Version+1, snap2.Version)
	assert.Len(t, reg.List(), 1)
}

func TestRegistry_Unknown(t *testing.T) {
	reg := NewRegistry()

	_, ok := reg.Get(Target{Name: "missing"})
	assert.False(t, ok)

	_, err := reg.CompareAndSwap(Target{Name: "missing"}, 1, &Config{Target: Target{Name: "missing"}})
	assert.Error(t, err)
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	reg := NewRegistry()
	assert.ErrorIs(t, reg.Register(nil), ErrInvalidConfig)

	cfg := newTestConfig([]float64{0.1}, 3)
	assert.ErrorIs(t, reg.Register(cfg), ErrInvalidConfig)
	assert.Empty(t, reg.List())
}

func TestRegistry_CompareAndSwap(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newTestConfig([]float64{0.1, 0.5, 1}, 0)))
	snap, _ := reg.Snapshot(checkoutTarget)

	t.Run("installs at current version", func(t *testing.T) {
		next := snap.Config.withState(1, StatusRunning)
		version, err := reg.CompareAndSwap(checkoutTarget, snap.Version, next)
		require.NoError(t, err)
		assert.Equal(t, snap.Version+1, version)

		got, _ := reg.Get(checkoutTarget)
		assert.Same(t, next, got)
		assert.Equal(t, 0, snap.Config.ActiveStageIndex, "previous snapshot must not change")
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		_, err := reg.CompareAndSwap(checkoutTarget, snap.Version, snap.Config.withState(2, StatusRunning))
		assert.ErrorIs(t, err, ErrVersionConflict)

		got, _ := reg.Get(checkoutTarget)
		assert.Equal(t, 1, got.ActiveStageIndex)
	})

	t.Run("target mismatch", func(t *testing.T) {
		cur, _ := reg.Snapshot(checkoutTarget)
		other := *cur.Config
		other.Target = Target{Name: "other"}
		_, err := reg.CompareAndSwap(checkoutTarget, cur.Version, &other)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestRegistry_ConcurrentSwapsOneWins(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newTestConfig([]float64{0.1, 0.5, 1}, 0)))
	snap, _ := reg.Snapshot(checkoutTarget)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.CompareAndSwap(checkoutTarget, snap.Version, snap.Config.withState(1, StatusRunning))
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success)
}

func TestRegistry_ListSortedAndUnregister(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		cfg := newTestConfig(nil, 0)
		cfg.Target = Target{Name: name, Version: 1}
		require.NoError(t, reg.Register(cfg))
	}

	targets := reg.Targets()
	require.Len(t, targets, 3)
	assert.Equal(t, "alpha", targets[0].Name)
	assert.Equal(t, "zeta", targets[2].Name)

	assert.True(t, reg.Unregister(Target{Name: "mid", Version: 1}))
	assert.False(t, reg.Unregister(Target{Name: "mid", Version: 1}))
	assert.Len(t, reg.List(), 2)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing name", func(c *Config) { c.Target.Name = "" }},
		{"missing experiment", func(c *Config) { c.Experiment = nil }},
		{"duplicate binding", func(c *Config) { c.Variants = append(c.Variants, VariantBinding{ID: "A"}) }},
		{"binding rollout above one", func(c *Config) { c.Variants[0].RolloutPercentage = ptr(1.5) }},
		{"stage below zero", func(c *Config) { c.RolloutStages = []float64{-0.1} }},
		{"index without stages", func(c *Config) { c.RolloutStages = nil; c.ActiveStageIndex = 1 }},
		{"unknown status", func(c *Config) { c.Status = "exploded" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig([]float64{0.1, 1}, 0)
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	assert.NoError(t, newTestConfig([]float64{0.1, 1}, 1).Validate())
}
