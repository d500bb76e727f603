// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"fmt"

	"github.com/tessera-fed/tessera/internal/identifier"
)

// Plan assigns each workflow step to the site that will execute it.
type Plan struct {
	StepSites map[string]identifier.Identifier `json:"stepSites"`
}

// Validate checks that the plan covers exactly the steps of the workflow
// and assigns only site identifiers.
func (p Plan) Validate(w *Workflow) error {
	for name := range w.Steps {
		site, ok := p.StepSites[name]
		if !ok {
			return fmt.Errorf("%w: step %q has no site assignment", ErrInvalidWorkflow, name)
		}
		if site.Kind() != identifier.KindSite {
			return fmt.Errorf("%w: step %q is assigned to %q, want a site", ErrInvalidWorkflow, name, site)
		}
	}
	for name := range p.StepSites {
		if _, ok := w.Steps[name]; !ok {
			return fmt.Errorf("%w: plan assigns unknown step %q", ErrInvalidWorkflow, name)
		}
	}
	return nil
}

// Submission pairs a job with the plan to execute it.
type Submission struct {
	Job  Job  `json:"job"`
	Plan Plan `json:"plan"`
}
