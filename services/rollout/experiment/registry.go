// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiment

import (
	"fmt"
	"sort"
	"sync"
)

// RegistrationHook is called after a definition is registered.
type RegistrationHook func(identity string, def *Definition)

// Registry holds immutable experiment definitions keyed by identity.
//
// Description:
//
//	Definitions must not be redefined by accident, so registering an
//	identity twice is an error. Rollout configurations, which are expected
//	to be hot-reloaded, live in a separate last-write-wins registry.
//
// Thread Safety: Safe for concurrent use via read-write mutex.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	hooks       []RegistrationHook
}

// NewRegistry creates a new empty registry.
//
// Outputs:
//   - *Registry: The new registry. Never nil.
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]*Definition),
	}
}

// Register adds a definition under its identity.
//
// Inputs:
//   - def: The definition. Must not be nil and must pass Validate.
//
// Outputs:
//   - error: ErrInvalidDefinition / ErrNoVariants if invalid,
//     ErrAlreadyRegistered if the identity is taken.
//
// Thread Safety: Safe for concurrent use.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if err := def.Validate(); err != nil {
		return err
	}

	identity := def.Identity()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[identity]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, identity)
	}
	r.definitions[identity] = def

	for _, hook := range r.hooks {
		hook(identity, def)
	}
	return nil
}

// Get retrieves a definition by identity ("key.vN").
//
// Thread Safety: Safe for concurrent use.
func (r *Registry) Get(identity string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[identity]
	return def, ok
}

// Lookup retrieves a definition by key and version.
func (r *Registry) Lookup(key string, version int) (*Definition, error) {
	identity := fmt.Sprintf("%s.v%d", key, version)
	def, ok := r.Get(identity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, identity)
	}
	return def, nil
}

// List returns all registered identities in sorted order.
//
// Thread Safety: Safe for concurrent use.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.definitions))
	for id := range r.definitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered definitions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.definitions)
}

// AddHook adds a registration hook.
//
// Thread Safety: Safe for concurrent use.
func (r *Registry) AddHook(hook RegistrationHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}
