// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package identifier defines the typed names that bind parties, sites,
// assets and derived results into one content-addressable graph.
package identifier

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrMalformedID is returned when a string does not parse as an identifier.
	ErrMalformedID = errors.New("malformed identifier")
	// ErrNotLocatable is returned by Location on anything but a concrete asset.
	ErrNotLocatable = errors.New("identifier has no location")
	// ErrNotNamespaced is returned by Namespace on a result identifier.
	ErrNotNamespaced = errors.New("identifier has no namespace")
)

// Kind is the typed prefix of an identifier.
type Kind string

const (
	KindParty           Kind = "party"
	KindPartyCollection Kind = "party_collection"
	KindSite            Kind = "site"
	KindAsset           Kind = "asset"
	KindAssetCollection Kind = "asset_collection"
	KindResult          Kind = "result"
	// KindWildcard is the kind of the single-asterisk identifier, which is
	// only valid as a wildcard inside policy rules.
	KindWildcard Kind = "*"
)

// Wildcard is the identifier matching anything in a rule.
const Wildcard Identifier = "*"

// partCounts maps each kind to its fixed number of colon-separated parts,
// including the kind prefix itself.
var partCounts = map[Kind]int{
	KindParty:           3,
	KindPartyCollection: 3,
	KindSite:            3,
	KindAsset:           5,
	KindAssetCollection: 3,
	KindResult:          2,
}

var (
	partRegexp = regexp.MustCompile(`^[A-Za-z0-9_.-]*$`)
	hashRegexp = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// Identifier is a validated name for an object in the federation.
//
// An Identifier is a string of one of the following forms:
//
//	party:<namespace>:<name>
//	party_collection:<namespace>:<name>
//	site:<namespace>:<name>
//	asset:<namespace>:<name>:<site_namespace>:<site_name>
//	asset_collection:<namespace>:<name>
//	result:<id_hash>
//
// The single character '*' is also accepted, as it is used as a wildcard
// in rules. Identifiers are value types: they compare structurally and
// may be used as map keys.
type Identifier string

// Parse validates s and returns it as an Identifier.
func Parse(s string) (Identifier, error) {
	if s == string(Wildcard) {
		return Wildcard, nil
	}

	parts := strings.Split(s, ":")
	kind := Kind(parts[0])
	want, ok := partCounts[kind]
	if !ok {
		return "", fmt.Errorf("%w: unknown kind %q in %q", ErrMalformedID, parts[0], s)
	}
	if len(parts) != want {
		return "", fmt.Errorf("%w: %q has %d parts, want %d", ErrMalformedID, s, len(parts), want)
	}
	if kind == KindResult {
		if !hashRegexp.MatchString(parts[1]) {
			return "", fmt.Errorf("%w: invalid id hash %q in %q", ErrMalformedID, parts[1], s)
		}
		return Identifier(s), nil
	}
	for _, part := range parts[1:] {
		if !partRegexp.MatchString(part) {
			return "", fmt.Errorf("%w: invalid part %q in %q", ErrMalformedID, part, s)
		}
	}
	return Identifier(s), nil
}

// MustParse parses s and panics on failure. For fixtures and tests.
func MustParse(s string) Identifier {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// FromIDHash returns the result identifier for a workflow item id-hash.
// The hash must be lowercase hex of SHA-256 width.
func FromIDHash(idHash string) (Identifier, error) {
	if !hashRegexp.MatchString(idHash) {
		return "", fmt.Errorf("%w: invalid id hash %q", ErrMalformedID, idHash)
	}
	return Identifier("result:" + idHash), nil
}

// Kind returns the typed prefix of the identifier.
func (i Identifier) Kind() Kind {
	if i == Wildcard {
		return KindWildcard
	}
	head, _, _ := strings.Cut(string(i), ":")
	return Kind(head)
}

// Parts returns the colon-separated parts of the identifier.
func (i Identifier) Parts() []string {
	return strings.Split(string(i), ":")
}

// Namespace returns the namespace the identified object belongs to.
// Result identifiers are derived, not named, and have no namespace.
func (i Identifier) Namespace() (string, error) {
	if i.Kind() == KindResult || i == Wildcard {
		return "", fmt.Errorf("%w: %q", ErrNotNamespaced, i)
	}
	return i.Parts()[1], nil
}

// Location returns the site identifier embedded in a concrete asset
// identifier, naming the site that holds the authoritative copy.
func (i Identifier) Location() (Identifier, error) {
	if i.Kind() != KindAsset {
		return "", fmt.Errorf("%w: %q", ErrNotLocatable, i)
	}
	parts := i.Parts()
	return Identifier("site:" + parts[3] + ":" + parts[4]), nil
}

func (i Identifier) String() string {
	return string(i)
}

// MarshalText implements encoding.TextMarshaler.
func (i Identifier) MarshalText() ([]byte, error) {
	return []byte(i), nil
}

// UnmarshalText implements encoding.TextUnmarshaler and validates the input,
// so identifiers arriving over the wire are checked on decode.
func (i *Identifier) UnmarshalText(b []byte) error {
	id, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = id
	return nil
}
