// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-fed/tessera/internal/asset"
	"github.com/tessera-fed/tessera/internal/identifier"
	"github.com/tessera-fed/tessera/internal/policy"
	"github.com/tessera-fed/tessera/internal/workflow"
)

var (
	partyP1 = identifier.MustParse("party:ns1:p1")
	partyP2 = identifier.MustParse("party:ns1:p2")
	assetX  = identifier.MustParse("asset:ns1:x:ns1:s1")
	compID  = identifier.MustParse("asset:ns1:identity:ns1:s1")
	collC1  = identifier.MustParse("asset_collection:ns1:c_ns1")
)

type stubAdmins map[identifier.Identifier]identifier.Identifier

func (s stubAdmins) AdminOf(_ context.Context, site identifier.Identifier) (identifier.Identifier, error) {
	return s[site], nil
}

func newStore(t *testing.T) *Store {
	t.Helper()
	source, err := policy.NewStaticSource([]policy.Rule{
		policy.MayAccess{Asset: "asset:ns1:x:*", Party: "party:ns1:p1"},
		policy.MayAccessCollection{Collection: "asset_collection:ns1:c_ns1", Party: "party:ns1:p1"},
		policy.ResultOfDataIn{Data: "asset:ns1:*", Collection: collC1},
		policy.ResultOfDataIn{Data: "asset_collection:ns1:c_ns1", Collection: collC1},
		policy.ResultOfComputeIn{Compute: "asset:ns1:identity:*", Collection: collC1},
	})
	require.NoError(t, err)

	sources := policy.NewSourceMap()
	sources.Register("ns1", source)
	eval := policy.NewEvaluator(sources, stubAdmins{})
	return New(eval, slog.Default())
}

func TestPutAndGet(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Put(asset.NewPrimaryData(assetX, []any{1.0, 2.0})))

	got, err := s.Get(context.Background(), assetX, partyP1)
	require.NoError(t, err)
	assert.Equal(t, assetX, got.ID())

	_, err = s.Get(context.Background(), assetX, partyP2)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestGetMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), assetX, partyP1)
	assert.ErrorIs(t, err, ErrAssetNotFound)
}

func TestPutIdempotency(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Put(asset.NewPrimaryData(assetX, "payload")))

	// Same id, same payload: a no-op.
	require.NoError(t, s.Put(asset.NewPrimaryData(assetX, "payload")))

	// Same id, different payload: rejected.
	err := s.Put(asset.NewPrimaryData(assetX, "other"))
	assert.ErrorIs(t, err, ErrDuplicateAsset)

	got, err := s.Get(context.Background(), assetX, partyP1)
	require.NoError(t, err)
	assert.Equal(t, "payload", got.(*asset.DataAsset).Data)
}

func TestGetDerivedGatedByProvenance(t *testing.T) {
	s := newStore(t)

	w := &workflow.Workflow{
		Inputs: []string{"in"},
		Steps: map[string]*workflow.Step{
			"s": {
				Name:           "s",
				ComputeAssetID: compID,
				Inputs:         map[string]string{"x": "in"},
				Outputs:        []string{"y"},
			},
		},
		Outputs: map[string]string{"y": "s.y"},
	}
	job := workflow.Job{Workflow: w, Inputs: map[string]identifier.Identifier{"in": assetX}}
	require.NoError(t, job.Validate())

	resultID, err := job.ResultID("s.y")
	require.NoError(t, err)

	derived := &asset.DataAsset{
		AssetID: resultID,
		Data:    42.0,
		Meta:    asset.Metadata{Job: job, Item: "s.y"},
	}
	require.NoError(t, s.Put(derived))

	// p1 reaches the result through its collection membership; p2 has no
	// grant on the collection.
	_, err = s.Get(context.Background(), resultID, partyP1)
	require.NoError(t, err)
	_, err = s.Get(context.Background(), resultID, partyP2)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestPutRejectsForgedResult(t *testing.T) {
	s := newStore(t)

	w := &workflow.Workflow{
		Inputs: []string{"in"},
		Steps: map[string]*workflow.Step{
			"s": {
				Name:           "s",
				ComputeAssetID: compID,
				Inputs:         map[string]string{"x": "in"},
				Outputs:        []string{"y"},
			},
		},
		Outputs: map[string]string{"y": "s.y"},
	}
	job := workflow.Job{Workflow: w, Inputs: map[string]identifier.Identifier{"in": assetX}}

	// A result id claimed with provenance that hashes to something else.
	forgedID, err := identifier.FromIDHash(strings.Repeat("ab", 32))
	require.NoError(t, err)
	forged := &asset.DataAsset{
		AssetID: forgedID,
		Data:    "not yours",
		Meta:    asset.Metadata{Job: job, Item: "s.y"},
	}
	err = s.Put(forged)
	assert.ErrorIs(t, err, ErrProvenanceMismatch)
	assert.False(t, s.Has(forgedID))

	// The genuine result id still stores fine afterwards.
	resultID, err := job.ResultID("s.y")
	require.NoError(t, err)
	genuine := &asset.DataAsset{
		AssetID: resultID,
		Data:    42.0,
		Meta:    asset.Metadata{Job: job, Item: "s.y"},
	}
	require.NoError(t, s.Put(genuine))
}

func TestHas(t *testing.T) {
	s := newStore(t)
	assert.False(t, s.Has(assetX))
	require.NoError(t, s.Put(asset.NewPrimaryData(assetX, nil)))
	assert.True(t, s.Has(assetX))
}
