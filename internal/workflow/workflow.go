// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package workflow models workflows, jobs and execution plans, and derives
// the stable id-hashes that name intermediate and output assets.
package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tessera-fed/tessera/internal/identifier"
)

var (
	// ErrInvalidWorkflow is returned when a workflow fails structural validation.
	ErrInvalidWorkflow = errors.New("invalid workflow")
	// ErrUnknownStep is returned when a step name does not exist in a workflow.
	ErrUnknownStep = errors.New("unknown workflow step")
)

// Step is a single node in a workflow DAG.
type Step struct {
	Name           string                `json:"name"`
	ComputeAssetID identifier.Identifier `json:"computeAsset"`
	// Inputs maps an input name to its source: either "<step>.<output>" for
	// an intra-workflow edge or a workflow input key.
	Inputs  map[string]string `json:"inputs"`
	Outputs []string          `json:"outputs"`
}

// SortedOutputs returns the step's output names in lexicographic order.
func (s *Step) SortedOutputs() []string {
	outs := make([]string, len(s.Outputs))
	copy(outs, s.Outputs)
	sort.Strings(outs)
	return outs
}

// SortedInputNames returns the step's input names in lexicographic order.
func (s *Step) SortedInputNames() []string {
	names := make([]string, 0, len(s.Inputs))
	for name := range s.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Workflow is a DAG of steps. Inputs lists the workflow input keys a job
// must bind; Outputs maps a declared workflow output to the "<step>.<output>"
// item that produces it.
type Workflow struct {
	Inputs  []string          `json:"inputs"`
	Steps   map[string]*Step  `json:"steps"`
	Outputs map[string]string `json:"outputs"`
}

// Validate checks structural soundness: step names match their map keys,
// every input source resolves to a workflow input or an existing step
// output, and the step graph is acyclic.
func (w *Workflow) Validate() error {
	inputKeys := make(map[string]struct{}, len(w.Inputs))
	for _, key := range w.Inputs {
		inputKeys[key] = struct{}{}
	}

	for name, step := range w.Steps {
		if step == nil || step.Name != name {
			return fmt.Errorf("%w: step keyed %q named %q", ErrInvalidWorkflow, name, stepName(step))
		}
		for inputName, source := range step.Inputs {
			srcStep, srcOutput, isEdge := strings.Cut(source, ".")
			if !isEdge {
				if _, ok := inputKeys[source]; !ok {
					return fmt.Errorf("%w: step %q input %q references unknown workflow input %q",
						ErrInvalidWorkflow, name, inputName, source)
				}
				continue
			}
			upstream, ok := w.Steps[srcStep]
			if !ok {
				return fmt.Errorf("%w: step %q input %q references unknown step %q",
					ErrInvalidWorkflow, name, inputName, srcStep)
			}
			if !contains(upstream.Outputs, srcOutput) {
				return fmt.Errorf("%w: step %q input %q references missing output %q of step %q",
					ErrInvalidWorkflow, name, inputName, srcOutput, srcStep)
			}
		}
	}

	for name, output := range w.Outputs {
		srcStep, srcOutput, isEdge := strings.Cut(output, ".")
		if !isEdge {
			return fmt.Errorf("%w: workflow output %q must name a step output", ErrInvalidWorkflow, name)
		}
		upstream, ok := w.Steps[srcStep]
		if !ok || !contains(upstream.Outputs, srcOutput) {
			return fmt.Errorf("%w: workflow output %q references missing item %q", ErrInvalidWorkflow, name, output)
		}
	}

	if _, err := w.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns the step names in an order compatible with the
// dependency edges. Independent steps are ordered by name so the result is
// deterministic. A cycle yields ErrInvalidWorkflow.
func (w *Workflow) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(w.Steps))
	dependents := make(map[string][]string, len(w.Steps))
	for name := range w.Steps {
		indegree[name] = 0
	}
	for name, step := range w.Steps {
		for _, dep := range step.upstreamSteps() {
			if _, ok := w.Steps[dep]; !ok {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(w.Steps))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		next := dependents[name]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Strings(ready)
	}
	if len(order) != len(w.Steps) {
		return nil, fmt.Errorf("%w: dependency cycle", ErrInvalidWorkflow)
	}
	return order, nil
}

// upstreamSteps returns the names of the steps this step consumes from,
// deduplicated and sorted.
func (s *Step) upstreamSteps() []string {
	seen := make(map[string]struct{})
	for _, source := range s.Inputs {
		if srcStep, _, isEdge := strings.Cut(source, "."); isEdge {
			seen[srcStep] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func stepName(s *Step) string {
	if s == nil {
		return "<nil>"
	}
	return s.Name
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
