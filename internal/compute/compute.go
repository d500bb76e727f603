// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package compute implements the kernel registry of a site: the named
// callables that compute assets bind to at execution time.
package compute

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownKernel is returned when a compute asset names a kernel the
// executing site does not provide.
var ErrUnknownKernel = errors.New("unknown kernel")

// ErrBadInput is returned when a kernel rejects its inputs.
var ErrBadInput = errors.New("bad kernel input")

// Kernel transforms named step inputs into named step outputs. Values are
// decoded JSON, so numbers arrive as float64 and arrays as []any.
type Kernel func(inputs map[string]any) (map[string]any, error)

// Registry maps kernel names to their implementations.
type Registry struct {
	mu      sync.RWMutex
	kernels map[string]Kernel
}

// NewRegistry creates an empty kernel registry.
func NewRegistry() *Registry {
	return &Registry{kernels: make(map[string]Kernel)}
}

// Register binds a name to a kernel, replacing any previous binding.
func (r *Registry) Register(name string, k Kernel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kernels[name] = k
}

// Get resolves a kernel by name.
func (r *Registry) Get(name string) (Kernel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kernels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKernel, name)
	}
	return k, nil
}

// Names lists the registered kernel names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kernels))
	for name := range r.kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Builtin returns a registry preloaded with the standard kernels.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register("identity", identityKernel)
	r.Register("combine", combineKernel)
	r.Register("anonymise", anonymiseKernel)
	r.Register("aggregate", aggregateKernel)
	r.Register("addition", additionKernel)
	return r
}

// identityKernel passes its single input through as y.
func identityKernel(inputs map[string]any) (map[string]any, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("%w: identity wants exactly one input, got %d", ErrBadInput, len(inputs))
	}
	for _, v := range inputs {
		return map[string]any{"y": v}, nil
	}
	return nil, nil
}

// combineKernel pairs x1 and x2 into the list y.
func combineKernel(inputs map[string]any) (map[string]any, error) {
	x1, ok1 := inputs["x1"]
	x2, ok2 := inputs["x2"]
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: combine wants inputs x1 and x2", ErrBadInput)
	}
	return map[string]any{"y": []any{x1, x2}}, nil
}

// anonymiseKernel shifts every element of the numeric list x1 by a fixed
// offset.
func anonymiseKernel(inputs map[string]any) (map[string]any, error) {
	xs, err := numberList(inputs, "x1")
	if err != nil {
		return nil, err
	}
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x - 10
	}
	return map[string]any{"y": out}, nil
}

// aggregateKernel reduces the numeric list x1 to its mean.
func aggregateKernel(inputs map[string]any) (map[string]any, error) {
	xs, err := numberList(inputs, "x1")
	if err != nil {
		return nil, err
	}
	if len(xs) == 0 {
		return nil, fmt.Errorf("%w: aggregate over empty list", ErrBadInput)
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return map[string]any{"y": sum / float64(len(xs))}, nil
}

// additionKernel adds the numbers x1 and x2.
func additionKernel(inputs map[string]any) (map[string]any, error) {
	x1, err := number(inputs, "x1")
	if err != nil {
		return nil, err
	}
	x2, err := number(inputs, "x2")
	if err != nil {
		return nil, err
	}
	return map[string]any{"y": x1 + x2}, nil
}

func number(inputs map[string]any, name string) (float64, error) {
	v, ok := inputs[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing input %q", ErrBadInput, name)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: input %q is %T, want number", ErrBadInput, name, v)
	}
	return f, nil
}

func numberList(inputs map[string]any, name string) ([]float64, error) {
	v, ok := inputs[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing input %q", ErrBadInput, name)
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: input %q is %T, want list", ErrBadInput, name, v)
	}
	out := make([]float64, len(list))
	for i, el := range list {
		f, ok := el.(float64)
		if !ok {
			return nil, fmt.Errorf("%w: element %d of %q is %T, want number", ErrBadInput, i, name, el)
		}
		out[i] = f
	}
	return out, nil
}
