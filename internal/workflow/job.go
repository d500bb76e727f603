// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tessera-fed/tessera/internal/identifier"
)

// Job binds a workflow's input keys to concrete asset identifiers.
type Job struct {
	Workflow *Workflow                        `json:"workflow"`
	Inputs   map[string]identifier.Identifier `json:"inputs"`
}

// NilJobInputKey is the input key used by the zero-step job attached to
// primary assets, so that primary and derived assets are permission-checked
// through the same path.
const NilJobInputKey = "asset"

// NilJob returns the trivial job for a primary asset: a workflow with no
// steps and a single input bound to the asset itself.
func NilJob(assetID identifier.Identifier) Job {
	return Job{
		Workflow: &Workflow{
			Inputs:  []string{NilJobInputKey},
			Steps:   map[string]*Step{},
			Outputs: map[string]string{},
		},
		Inputs: map[string]identifier.Identifier{NilJobInputKey: assetID},
	}
}

// Validate checks the workflow and that every workflow input key is bound
// to a concrete asset identifier.
func (j Job) Validate() error {
	if j.Workflow == nil {
		return fmt.Errorf("%w: job has no workflow", ErrInvalidWorkflow)
	}
	if err := j.Workflow.Validate(); err != nil {
		return err
	}
	for _, key := range j.Workflow.Inputs {
		id, ok := j.Inputs[key]
		if !ok {
			return fmt.Errorf("%w: workflow input %q is unbound", ErrInvalidWorkflow, key)
		}
		if id.Kind() != identifier.KindAsset {
			return fmt.Errorf("%w: input %q is bound to %q, want a concrete asset", ErrInvalidWorkflow, key, id)
		}
	}
	return nil
}

// SubJob returns the minimal job containing the named step and all its
// transitive dependencies, with only the workflow inputs those steps
// consume. The sub-job is what derived assets record as their provenance
// and what id-hashes are computed over.
func (j Job) SubJob(stepName string) (Job, error) {
	if _, ok := j.Workflow.Steps[stepName]; !ok {
		return Job{}, fmt.Errorf("%w: %q", ErrUnknownStep, stepName)
	}

	needed := map[string]struct{}{}
	var visit func(name string)
	visit = func(name string) {
		if _, done := needed[name]; done {
			return
		}
		needed[name] = struct{}{}
		for _, dep := range j.Workflow.Steps[name].upstreamSteps() {
			visit(dep)
		}
	}
	visit(stepName)

	steps := make(map[string]*Step, len(needed))
	inputs := make(map[string]identifier.Identifier)
	var inputKeys []string
	for name := range needed {
		step := j.Workflow.Steps[name]
		steps[name] = step
		for _, source := range step.Inputs {
			if _, _, isEdge := strings.Cut(source, "."); isEdge {
				continue
			}
			if _, seen := inputs[source]; !seen {
				inputs[source] = j.Inputs[source]
				inputKeys = append(inputKeys, source)
			}
		}
	}
	sort.Strings(inputKeys)

	return Job{
		Workflow: &Workflow{Inputs: inputKeys, Steps: steps, Outputs: map[string]string{}},
		Inputs:   inputs,
	}, nil
}

// Items returns every addressable item of the job: each workflow input key,
// each step name (the compute binding at that step), and each
// "<step>.<input>" and "<step>.<output>".
func (j Job) Items() []string {
	var items []string
	items = append(items, j.Workflow.Inputs...)
	for name, step := range j.Workflow.Steps {
		items = append(items, name)
		for inputName := range step.Inputs {
			items = append(items, name+"."+inputName)
		}
		for _, outputName := range step.Outputs {
			items = append(items, name+"."+outputName)
		}
	}
	sort.Strings(items)
	return items
}
