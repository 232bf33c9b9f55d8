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
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Snapshot is a config together with the version it was read at.
type Snapshot struct {
	Config  *Config
	Version uint64
}

// Registry holds the current rollout config per target.
//
// Description:
//
//	Each target maps to a slot holding an immutable Snapshot. Reads load the
//	slot without locking. Register replaces the config unconditionally (last
//	write wins, so configs can be hot-reloaded) and bumps the version.
//	CompareAndSwap installs a new config only if the version is unchanged.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	slots sync.Map // identity -> *atomic.Pointer[Snapshot]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) slot(identity string) (*atomic.Pointer[Snapshot], bool) {
	v, ok := r.slots.Load(identity)
	if !ok {
		return nil, false
	}
	return v.(*atomic.Pointer[Snapshot]), true
}

// Register installs cfg for its target, replacing any previous config.
//
// The registry takes ownership of cfg; callers must not modify it afterwards.
func (r *Registry) Register(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	v, _ := r.slots.LoadOrStore(cfg.Target.Identity(), new(atomic.Pointer[Snapshot]))
	slot := v.(*atomic.Pointer[Snapshot])
	for {
		cur := slot.Load()
		var version uint64 = 1
		if cur != nil {
			version = cur.Version + 1
		}
		if slot.CompareAndSwap(cur, &Snapshot{Config: cfg, Version: version}) {
			return nil
		}
	}
}

// Get returns the current config for target.
//
// Repeated calls return the same pointer until the config is replaced.
func (r *Registry) Get(target Target) (*Config, bool) {
	snap, ok := r.Snapshot(target)
	if !ok {
		return nil, false
	}
	return snap.Config, true
}

// Snapshot returns the current config and its version.
func (r *Registry) Snapshot(target Target) (Snapshot, bool) {
	slot, ok := r.slot(target.Identity())
	if !ok {
		return Snapshot{}, false
	}
	cur := slot.Load()
	if cur == nil {
		return Snapshot{}, false
	}
	return *cur, true
}

// CompareAndSwap installs next if the stored version still equals version.
//
// Outputs:
//   - uint64: The new version on success.
//   - error: ErrUnknownTarget, ErrVersionConflict, or a validation error.
func (r *Registry) CompareAndSwap(target Target, version uint64, next *Config) (uint64, error) {
	if next == nil {
		return 0, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if next.Target != target {
		return 0, fmt.Errorf("%w: config target %s does not match %s", ErrInvalidConfig, next.Target, target)
	}
	if err := next.Validate(); err != nil {
		return 0, err
	}
	slot, ok := r.slot(target.Identity())
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	cur := slot.Load()
	if cur == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	if cur.Version != version {
		return 0, fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, target, cur.Version, version)
	}
	snap := &Snapshot{Config: next, Version: version + 1}
	if !slot.CompareAndSwap(cur, snap) {
		return 0, fmt.Errorf("%w: %s changed during swap", ErrVersionConflict, target)
	}
	return snap.Version, nil
}

// Unregister removes target. It reports whether a config was present.
func (r *Registry) Unregister(target Target) bool {
	_, loaded := r.slots.LoadAndDelete(target.Identity())
	return loaded
}

// List returns the current configs sorted by target identity.
func (r *Registry) List() []*Config {
	var out []*Config
	r.slots.Range(func(_, v any) bool {
		if cur := v.(*atomic.Pointer[Snapshot]).Load(); cur != nil {
			out = append(out, cur.Config)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Target.Identity() < out[j].Target.Identity()
	})
	return out
}

// Targets returns the registered targets sorted by identity.
func (r *Registry) Targets() []Target {
	configs := r.List()
	out := make([]Target, len(configs))
	for i, c := range configs {
		out[i] = c.Target
	}
	return out
}
