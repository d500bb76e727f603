// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-fed/tessera/internal/identifier"
	"github.com/tessera-fed/tessera/internal/workflow"
)

var (
	partyP1 = identifier.MustParse("party:ns1:p1")
	partyP2 = identifier.MustParse("party:ns2:p2")
	siteS1  = identifier.MustParse("site:ns1:s1")
	siteS2  = identifier.MustParse("site:ns2:s2")
	assetX  = identifier.MustParse("asset:ns1:x:ns1:s1")
	collC1  = identifier.MustParse("asset_collection:ns1:c_ns1")
)

type stubAdmins map[identifier.Identifier]identifier.Identifier

func (s stubAdmins) AdminOf(_ context.Context, site identifier.Identifier) (identifier.Identifier, error) {
	admin, ok := s[site]
	if !ok {
		return "", fmt.Errorf("unknown site %q", site)
	}
	return admin, nil
}

// ns1Rules is the rule set of scenario S1: p1 may access ns1 assets
// directly, ns1 data and the identity kernel derive into c_ns1, members of
// c_ns1 derive back into c_ns1, and p1 may access c_ns1.
func ns1Rules(t *testing.T) []Rule {
	t.Helper()
	rules := []Rule{
		MayAccess{Asset: "asset:ns1:*", Party: "party:ns1:p1"},
		ResultOfDataIn{Data: "asset:ns1:*", Collection: collC1},
		ResultOfDataIn{Data: "asset_collection:ns1:c_ns1", Collection: collC1},
		ResultOfComputeIn{Compute: "asset:ns1:*", Collection: collC1},
		MayAccessCollection{Collection: "asset_collection:ns1:c_ns1", Party: "party:ns1:p1"},
	}
	for _, r := range rules {
		require.NoError(t, Validate(r))
	}
	return rules
}

func newEvaluator(t *testing.T, rules []Rule, admins stubAdmins) (*Evaluator, *Calculator) {
	t.Helper()
	source, err := NewStaticSource(rules)
	require.NoError(t, err)
	sources := NewSourceMap()
	sources.Register("ns1", source)
	eval := NewEvaluator(sources, admins)
	return eval, NewCalculator(eval)
}

func passthroughJob() workflow.Job {
	return workflow.Job{
		Workflow: &workflow.Workflow{
			Inputs: []string{"x"},
			Steps: map[string]*workflow.Step{
				"A": {
					Name:           "A",
					ComputeAssetID: identifier.MustParse("asset:ns1:identity:ns1:s1"),
					Inputs:         map[string]string{"in": "x"},
					Outputs:        []string{"y"},
				},
			},
			Outputs: map[string]string{"out": "A.y"},
		},
		Inputs: map[string]identifier.Identifier{"x": assetX},
	}
}

func TestPatternMatches(t *testing.T) {
	tests := []struct {
		pattern Pattern
		id      identifier.Identifier
		want    bool
	}{
		{"*", assetX, true},
		{"asset:ns1:*", assetX, true},
		{"asset:ns1:*", identifier.MustParse("asset:ns2:x:ns1:s1"), false},
		{"asset:ns1:*", collC1, false},
		{"asset:ns1:identity:*:*", identifier.MustParse("asset:ns1:identity:ns2:s2"), true},
		{"asset:ns1:identity:*:*", identifier.MustParse("asset:ns1:other:ns2:s2"), false},
		{"asset:ns1:x:ns1:s1", assetX, true},
		{"party:ns1:p1", partyP1, true},
		{"party:ns1:*", partyP1, true},
		{"party:ns1:*", partyP2, false},
		{"asset_collection:ns1:c_ns1", collC1, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.pattern)+"/"+tt.id.String(), func(t *testing.T) {
			p, err := ParsePattern(string(tt.pattern))
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Matches(tt.id))
		})
	}
}

func TestCalculator_BaseMembership(t *testing.T) {
	_, calc := newEvaluator(t, ns1Rules(t), stubAdmins{})
	perms, err := calc.Permissions(context.Background(), passthroughJob())
	require.NoError(t, err)

	x, err := ItemPermissions(perms, "x")
	require.NoError(t, err)
	assert.Contains(t, x.designators, assetX)
	assert.Contains(t, x.designators, collC1)
}

func TestCalculator_DerivationContainment(t *testing.T) {
	_, calc := newEvaluator(t, ns1Rules(t), stubAdmins{})
	perms, err := calc.Permissions(context.Background(), passthroughJob())
	require.NoError(t, err)

	// All inputs and the compute binding are in c_ns1, so the output is too.
	out, err := ItemPermissions(perms, "A.y")
	require.NoError(t, err)
	assert.Contains(t, out.designators, collC1)

	// Input items inherit their source's permissions.
	in, err := ItemPermissions(perms, "A.in")
	require.NoError(t, err)
	assert.Contains(t, in.designators, assetX)
}

func TestCalculator_ChainsThroughCollections(t *testing.T) {
	job := passthroughJob()
	job.Workflow.Steps["B"] = &workflow.Step{
		Name:           "B",
		ComputeAssetID: identifier.MustParse("asset:ns1:anonymise:ns1:s1"),
		Inputs:         map[string]string{"x1": "A.y"},
		Outputs:        []string{"y"},
	}
	job.Workflow.Outputs["out"] = "B.y"

	_, calc := newEvaluator(t, ns1Rules(t), stubAdmins{})
	perms, err := calc.Permissions(context.Background(), job)
	require.NoError(t, err)

	// A.y carries only c_ns1; the collection-closure rule keeps B.y in c_ns1.
	out, err := ItemPermissions(perms, "B.y")
	require.NoError(t, err)
	assert.Contains(t, out.designators, collC1)
}

func TestCalculator_UncoveredInputEscapes(t *testing.T) {
	// Without the ResultOfComputeIn rule the output cannot be in c_ns1.
	rules := []Rule{
		MayAccess{Asset: "asset:ns1:*", Party: "party:ns1:p1"},
		ResultOfDataIn{Data: "asset:ns1:*", Collection: collC1},
		MayAccessCollection{Collection: "asset_collection:ns1:c_ns1", Party: "party:ns1:p1"},
	}
	_, calc := newEvaluator(t, rules, stubAdmins{})
	perms, err := calc.Permissions(context.Background(), passthroughJob())
	require.NoError(t, err)

	out, err := ItemPermissions(perms, "A.y")
	require.NoError(t, err)
	assert.True(t, out.IsEmpty())
	assert.ErrorIs(t, RequireNonEmpty(perms, "A.y"), ErrPolicyConflict)
}

func TestEvaluator_MayAccess(t *testing.T) {
	admins := stubAdmins{siteS1: partyP1, siteS2: partyP2}
	eval, calc := newEvaluator(t, ns1Rules(t), admins)
	ctx := context.Background()

	perms, err := calc.Permissions(ctx, passthroughJob())
	require.NoError(t, err)

	x, err := ItemPermissions(perms, "x")
	require.NoError(t, err)
	out, err := ItemPermissions(perms, "A.y")
	require.NoError(t, err)

	// p1 directly, and via its site.
	for _, who := range []identifier.Identifier{partyP1, siteS1} {
		ok, err := eval.MayAccess(ctx, x, who)
		require.NoError(t, err)
		assert.True(t, ok, who)

		ok, err = eval.MayAccess(ctx, out, who)
		require.NoError(t, err)
		assert.True(t, ok, who)
	}

	// p2 has no grant at all.
	for _, who := range []identifier.Identifier{partyP2, siteS2} {
		ok, err := eval.MayAccess(ctx, x, who)
		require.NoError(t, err)
		assert.False(t, ok, who)
	}
}

func TestEvaluator_UnknownSite(t *testing.T) {
	eval, calc := newEvaluator(t, ns1Rules(t), stubAdmins{})
	ctx := context.Background()
	perms, err := calc.Permissions(ctx, passthroughJob())
	require.NoError(t, err)
	x, err := ItemPermissions(perms, "x")
	require.NoError(t, err)

	_, err = eval.MayAccess(ctx, x, siteS2)
	assert.Error(t, err)
}

func TestCalculator_UnknownNamespace(t *testing.T) {
	_, calc := newEvaluator(t, ns1Rules(t), stubAdmins{})
	job := passthroughJob()
	job.Inputs["x"] = identifier.MustParse("asset:ns9:x:ns9:s9")

	_, err := calc.Permissions(context.Background(), job)
	assert.ErrorIs(t, err, ErrUnknownNamespace)
}

func TestSourceMap_TrustScoping(t *testing.T) {
	// A rule claiming a foreign collection is dropped from its source.
	foreign := ResultOfDataIn{
		Data:       "asset:ns1:*",
		Collection: identifier.MustParse("asset_collection:ns2:stolen"),
	}
	source, err := NewStaticSource([]Rule{foreign, ns1Rules(t)[0]})
	require.NoError(t, err)
	sources := NewSourceMap()
	sources.Register("ns1", source)

	rules, err := sources.RulesFor(context.Background(), "ns1")
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestItemPermissions_Undefined(t *testing.T) {
	_, err := ItemPermissions(map[string]Permissions{}, "ghost.y")
	assert.ErrorIs(t, err, ErrUndefinedItem)
}

func TestRuleWireRoundTrip(t *testing.T) {
	for _, rule := range ns1Rules(t) {
		b, err := MarshalRule(rule)
		require.NoError(t, err)
		got, err := UnmarshalRule(b)
		require.NoError(t, err)
		assert.Equal(t, rule, got)
	}

	_, err := UnmarshalRule([]byte(`{"type":"allow_everything"}`))
	assert.ErrorIs(t, err, ErrMalformedRule)
}

func TestValidateRejectsBadCollection(t *testing.T) {
	bad := ResultOfDataIn{Data: "asset:ns1:*", Collection: identifier.MustParse("party:ns1:p1")}
	assert.ErrorIs(t, Validate(bad), ErrMalformedRule)
}
