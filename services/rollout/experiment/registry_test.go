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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Register(t *testing.T) {
	t.Run("register and get", func(t *testing.T) {
		r := NewRegistry()
		def := testDefinition(Variant{ID: "a"})

		require.NoError(t, r.Register(def))

		got, ok := r.Get("checkout.v3")
		require.True(t, ok)
		assert.Same(t, def, got)
		assert.Equal(t, 1, r.Count())
	})

	t.Run("duplicate identity is rejected", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(testDefinition(Variant{ID: "a"})))

		err := r.Register(testDefinition(Variant{ID: "b"}))
		assert.ErrorIs(t, err, ErrAlreadyRegistered)
	})

	t.Run("new version is a new identity", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(testDefinition(Variant{ID: "a"})))

		next := testDefinition(Variant{ID: "a"})
		next.Version = 4
		require.NoError(t, r.Register(next))
		assert.Equal(t, []string{"checkout.v3", "checkout.v4"}, r.List())
	})

	t.Run("nil and invalid", func(t *testing.T) {
		r := NewRegistry()
		assert.ErrorIs(t, r.Register(nil), ErrInvalidDefinition)
		assert.ErrorIs(t, r.Register(testDefinition()), ErrNoVariants)
	})

	t.Run("hooks fire", func(t *testing.T) {
		r := NewRegistry()
		var seen []string
		r.AddHook(func(identity string, _ *Definition) { seen = append(seen, identity) })

		require.NoError(t, r.Register(testDefinition(Variant{ID: "a"})))
		assert.Equal(t, []string{"checkout.v3"}, seen)
	})

	t.Run("concurrent registration", func(t *testing.T) {
		r := NewRegistry()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				d := testDefinition(Variant{ID: "a"})
				d.Key = fmt.Sprintf("exp-%d", i)
				_ = r.Register(d)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 50, r.Count())
	})
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(testDefinition(Variant{ID: "a"})))

	def, err := r.Lookup("checkout", 3)
	require.NoError(t, err)
	assert.Equal(t, "checkout.v3", def.Identity())

	_, err = r.Lookup("checkout", 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		in      string
		key     string
		version int
		wantErr bool
	}{
		{"checkout.v3", "checkout", 3, false},
		{"checkout.flow.v12", "checkout.flow", 12, false},
		{"checkout.v0", "checkout", 0, false},
		{"checkout", "", 0, true},
		{".v1", "", 0, true},
		{"checkout.vx", "", 0, true},
		{"checkout.v-1", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			key, version, err := ParseIdentity(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidIdentity)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.key, key)
			assert.Equal(t, tt.version, version)
		})
	}
}
