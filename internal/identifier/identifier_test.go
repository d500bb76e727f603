// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package identifier

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		name string
		in   string
		kind Kind
	}{
		{"party", "party:ns1:p1", KindParty},
		{"party collection", "party_collection:ns1:hospitals", KindPartyCollection},
		{"site", "site:ns1:s1", KindSite},
		{"concrete asset", "asset:ns1:x:ns1:s1", KindAsset},
		{"asset collection", "asset_collection:ns1:c_ns1", KindAssetCollection},
		{"result", "result:" + hexHash(t, "data"), KindResult},
		{"wildcard", "*", KindWildcard},
		{"dots and dashes", "party:a.b-c_d:p", KindParty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.in, id.String())
			assert.Equal(t, tt.kind, id.Kind())
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"unknown kind", "planet:ns1:p1"},
		{"too few parts", "party:ns1"},
		{"too many parts", "party:ns1:p1:extra"},
		{"asset missing site", "asset:ns1:x"},
		{"bad charset", "party:ns1:p/1"},
		{"embedded wildcard", "party:ns1:*"},
		{"empty", ""},
		{"bare kind", "party"},
		{"result not hex", "result:xyz"},
		{"result uppercase hex", "result:" + strings.ToUpper(strings.Repeat("ab", 32))},
		{"result short hash", "result:abcdef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.in)
			assert.ErrorIs(t, err, ErrMalformedID)
		})
	}
}

func TestNamespace(t *testing.T) {
	ns, err := MustParse("asset:ns1:x:ns2:s2").Namespace()
	require.NoError(t, err)
	assert.Equal(t, "ns1", ns)

	_, err = MustParse("result:" + hexHash(t, "x")).Namespace()
	assert.ErrorIs(t, err, ErrNotNamespaced)
}

func TestLocation(t *testing.T) {
	loc, err := MustParse("asset:ns1:x:ns2:s2").Location()
	require.NoError(t, err)
	assert.Equal(t, MustParse("site:ns2:s2"), loc)

	for _, id := range []string{"party:ns1:p1", "site:ns1:s1", "asset_collection:ns1:c"} {
		_, err := MustParse(id).Location()
		assert.ErrorIs(t, err, ErrNotLocatable, id)
	}
}

func TestFromIDHash(t *testing.T) {
	h := hexHash(t, "workflow")
	id, err := FromIDHash(h)
	require.NoError(t, err)
	assert.Equal(t, KindResult, id.Kind())
	assert.Equal(t, "result:"+h, id.String())

	_, err = FromIDHash("not-hex")
	assert.ErrorIs(t, err, ErrMalformedID)
	_, err = FromIDHash("ABCDEF") // uppercase and short
	assert.ErrorIs(t, err, ErrMalformedID)
}

func TestJSONRoundTrip(t *testing.T) {
	id := MustParse("asset:ns1:x:ns1:s1")
	b, err := json.Marshal(id)
	require.NoError(t, err)

	var got Identifier
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, id, got)

	var bad Identifier
	err = json.Unmarshal([]byte(`"nope:ns1:x"`), &bad)
	assert.ErrorIs(t, err, ErrMalformedID)
}

func hexHash(t *testing.T, s string) string {
	t.Helper()
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
