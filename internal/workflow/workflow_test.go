// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-fed/tessera/internal/identifier"
)

// twoStepJob builds the A→B chain used throughout: A consumes workflow
// input x, B consumes A.y.
func twoStepJob() Job {
	return Job{
		Workflow: &Workflow{
			Inputs: []string{"x"},
			Steps: map[string]*Step{
				"A": {
					Name:           "A",
					ComputeAssetID: identifier.MustParse("asset:ns1:identity:ns1:s1"),
					Inputs:         map[string]string{"in": "x"},
					Outputs:        []string{"y"},
				},
				"B": {
					Name:           "B",
					ComputeAssetID: identifier.MustParse("asset:ns1:anonymise:ns1:s1"),
					Inputs:         map[string]string{"x1": "A.y"},
					Outputs:        []string{"y"},
				},
			},
			Outputs: map[string]string{"result": "B.y"},
		},
		Inputs: map[string]identifier.Identifier{
			"x": identifier.MustParse("asset:ns1:x:ns1:s1"),
		},
	}
}

func TestWorkflowValidate(t *testing.T) {
	job := twoStepJob()
	require.NoError(t, job.Validate())

	t.Run("unbound input", func(t *testing.T) {
		j := twoStepJob()
		delete(j.Inputs, "x")
		assert.ErrorIs(t, j.Validate(), ErrInvalidWorkflow)
	})

	t.Run("dangling source", func(t *testing.T) {
		j := twoStepJob()
		j.Workflow.Steps["B"].Inputs["x1"] = "C.y"
		assert.ErrorIs(t, j.Validate(), ErrInvalidWorkflow)
	})

	t.Run("missing output", func(t *testing.T) {
		j := twoStepJob()
		j.Workflow.Steps["B"].Inputs["x1"] = "A.z"
		assert.ErrorIs(t, j.Validate(), ErrInvalidWorkflow)
	})

	t.Run("cycle", func(t *testing.T) {
		j := twoStepJob()
		j.Workflow.Steps["A"].Inputs["loop"] = "B.y"
		assert.ErrorIs(t, j.Validate(), ErrInvalidWorkflow)
	})
}

func TestTopologicalOrder(t *testing.T) {
	job := twoStepJob()
	order, err := job.Workflow.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, order)
}

func TestSubJob(t *testing.T) {
	job := twoStepJob()

	subA, err := job.SubJob("A")
	require.NoError(t, err)
	assert.Len(t, subA.Workflow.Steps, 1)
	assert.Contains(t, subA.Workflow.Steps, "A")
	assert.Equal(t, job.Inputs["x"], subA.Inputs["x"])

	subB, err := job.SubJob("B")
	require.NoError(t, err)
	assert.Len(t, subB.Workflow.Steps, 2)

	_, err = job.SubJob("C")
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestIDHash_StableUnderRepresentation(t *testing.T) {
	// The same workflow built with a different map insertion order and a
	// different output slice order must hash identically.
	a := twoStepJob()

	b := Job{
		Workflow: &Workflow{
			Inputs: []string{"x"},
			Steps:  map[string]*Step{},
			Outputs: map[string]string{
				"result": "B.y",
			},
		},
		Inputs: map[string]identifier.Identifier{
			"x": identifier.MustParse("asset:ns1:x:ns1:s1"),
		},
	}
	b.Workflow.Steps["B"] = &Step{
		Name:           "B",
		ComputeAssetID: identifier.MustParse("asset:ns1:anonymise:ns1:s1"),
		Inputs:         map[string]string{"x1": "A.y"},
		Outputs:        []string{"y"},
	}
	b.Workflow.Steps["A"] = &Step{
		Name:           "A",
		ComputeAssetID: identifier.MustParse("asset:ns1:identity:ns1:s1"),
		Inputs:         map[string]string{"in": "x"},
		Outputs:        []string{"y"},
	}

	ha, err := a.IDHash("B.y")
	require.NoError(t, err)
	hb, err := b.IDHash("B.y")
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestIDHash_DependsOnSubJobOnly(t *testing.T) {
	job := twoStepJob()
	before, err := job.IDHash("A.y")
	require.NoError(t, err)

	// Changing a step downstream of A must not change A.y's hash.
	job.Workflow.Steps["B"].ComputeAssetID = identifier.MustParse("asset:ns1:aggregate:ns1:s1")
	after, err := job.IDHash("A.y")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// But it does change B.y's hash.
	orig := twoStepJob()
	hOrig, err := orig.IDHash("B.y")
	require.NoError(t, err)
	hChanged, err := job.IDHash("B.y")
	require.NoError(t, err)
	assert.NotEqual(t, hOrig, hChanged)
}

func TestIDHash_SelectorsDiffer(t *testing.T) {
	job := twoStepJob()
	job.Workflow.Steps["A"].Outputs = []string{"y", "z"}

	hy, err := job.IDHash("A.y")
	require.NoError(t, err)
	hz, err := job.IDHash("A.z")
	require.NoError(t, err)
	assert.NotEqual(t, hy, hz)
}

func TestResultID(t *testing.T) {
	job := twoStepJob()
	id, err := job.ResultID("A.y")
	require.NoError(t, err)
	assert.Equal(t, identifier.KindResult, id.Kind())
}

func TestIDHashes(t *testing.T) {
	job := twoStepJob()
	hashes, err := job.IDHashes()
	require.NoError(t, err)
	assert.Len(t, hashes, 2)
	assert.Contains(t, hashes, "A.y")
	assert.Contains(t, hashes, "B.y")
}

func TestNilJob(t *testing.T) {
	nj := NilJob(identifier.MustParse("asset:ns1:x:ns1:s1"))
	require.NoError(t, nj.Validate())
	assert.Empty(t, nj.Workflow.Steps)
	assert.Equal(t, []string{NilJobInputKey}, nj.Workflow.Inputs)
}

func TestPlanValidate(t *testing.T) {
	job := twoStepJob()
	s1 := identifier.MustParse("site:ns1:s1")

	plan := Plan{StepSites: map[string]identifier.Identifier{"A": s1, "B": s1}}
	assert.NoError(t, plan.Validate(job.Workflow))

	missing := Plan{StepSites: map[string]identifier.Identifier{"A": s1}}
	assert.ErrorIs(t, missing.Validate(job.Workflow), ErrInvalidWorkflow)

	wrongKind := Plan{StepSites: map[string]identifier.Identifier{
		"A": s1, "B": identifier.MustParse("party:ns1:p1"),
	}}
	assert.ErrorIs(t, wrongKind.Validate(job.Workflow), ErrInvalidWorkflow)

	extra := Plan{StepSites: map[string]identifier.Identifier{
		"A": s1, "B": s1, "C": s1,
	}}
	assert.ErrorIs(t, extra.Validate(job.Workflow), ErrInvalidWorkflow)
}
