// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package compute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := Builtin()
	assert.Equal(t, []string{"addition", "aggregate", "anonymise", "combine", "identity"}, r.Names())

	_, err := r.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownKernel)
}

func TestBuiltinKernels(t *testing.T) {
	r := Builtin()

	tests := []struct {
		kernel string
		inputs map[string]any
		want   map[string]any
	}{
		{"identity", map[string]any{"x": 5.0}, map[string]any{"y": 5.0}},
		{"combine", map[string]any{"x1": 1.0, "x2": "a"}, map[string]any{"y": []any{1.0, "a"}}},
		{"anonymise", map[string]any{"x1": []any{11.0, 20.0}}, map[string]any{"y": []any{1.0, 10.0}}},
		{"aggregate", map[string]any{"x1": []any{2.0, 4.0}}, map[string]any{"y": 3.0}},
		{"addition", map[string]any{"x1": 2.0, "x2": 3.5}, map[string]any{"y": 5.5}},
	}
	for _, tt := range tests {
		t.Run(tt.kernel, func(t *testing.T) {
			k, err := r.Get(tt.kernel)
			require.NoError(t, err)
			got, err := k(tt.inputs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKernelInputErrors(t *testing.T) {
	r := Builtin()

	tests := []struct {
		kernel string
		inputs map[string]any
	}{
		{"identity", map[string]any{"a": 1.0, "b": 2.0}},
		{"combine", map[string]any{"x1": 1.0}},
		{"anonymise", map[string]any{"x1": "not a list"}},
		{"aggregate", map[string]any{"x1": []any{}}},
		{"addition", map[string]any{"x1": 1.0, "x2": "two"}},
	}
	for _, tt := range tests {
		t.Run(tt.kernel, func(t *testing.T) {
			k, err := r.Get(tt.kernel)
			require.NoError(t, err)
			_, err = k(tt.inputs)
			assert.ErrorIs(t, err, ErrBadInput)
		})
	}
}
