// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rulesYAML = `rules:
  - type: may_access
    asset: "asset:ns1:*"
    party: "party:ns1:p1"
  - type: result_of_data_in
    data: "asset:ns1:*"
    collection: "asset_collection:ns1:c_ns1"
  - type: result_of_compute_in
    compute: "asset:ns1:identity:*:*"
    collection: "asset_collection:ns1:c_ns1"
  - type: may_access_collection
    collection: "asset_collection:ns1:c_ns1"
    party: "party:ns1:p1"
`

func TestLoadRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o600))

	rules, err := LoadRulesFile(path)
	require.NoError(t, err)
	require.Len(t, rules, 4)
	assert.IsType(t, MayAccess{}, rules[0])
	assert.IsType(t, ResultOfDataIn{}, rules[1])
	assert.IsType(t, ResultOfComputeIn{}, rules[2])
	assert.IsType(t, MayAccessCollection{}, rules[3])
}

func TestLoadRulesFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - type: bogus\n"), 0o600))

	_, err := LoadRulesFile(path)
	assert.ErrorIs(t, err, ErrMalformedRule)
}
