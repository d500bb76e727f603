// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy implements the rule vocabulary and the evaluation engine
// that computes per-item permission sets over a workflow job.
//
// Rule provenance (signatures by the issuing party) is verified at
// ingestion; everything in this package treats rule sets as pre-filtered
// to their issuing namespace authority.
package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tessera-fed/tessera/internal/identifier"
)

var (
	// ErrMalformedRule is returned when a rule fails validation at ingestion.
	ErrMalformedRule = errors.New("malformed rule")
	// ErrUnknownNamespace is returned when no policy source is registered
	// for a namespace a job references.
	ErrUnknownNamespace = errors.New("no policy source for namespace")
	// ErrUndefinedItem is returned when permissions are queried for an item
	// that is not part of the evaluated job.
	ErrUndefinedItem = errors.New("item not defined in job")
	// ErrPolicyConflict is returned when rules leave an empty permission set
	// for an item the workflow requires.
	ErrPolicyConflict = errors.New("policy rules leave no permissions for required item")
)

var patternSegment = regexp.MustCompile(`^([A-Za-z0-9_.-]+|\*)$`)

// Pattern is an identifier pattern as it appears in rules. Matching is
// segment-wise over the colon-separated parts: '*' as the whole pattern
// matches anything, '*' as the final segment matches one or more remaining
// segments, and '*' elsewhere matches exactly one segment.
type Pattern string

// ParsePattern validates a pattern string.
func ParsePattern(s string) (Pattern, error) {
	if s == "*" {
		return Pattern(s), nil
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return "", fmt.Errorf("%w: pattern %q", ErrMalformedRule, s)
	}
	for _, part := range parts {
		if !patternSegment.MatchString(part) {
			return "", fmt.Errorf("%w: pattern segment %q in %q", ErrMalformedRule, part, s)
		}
	}
	return Pattern(s), nil
}

// Matches reports whether the pattern covers the given identifier.
func (p Pattern) Matches(id identifier.Identifier) bool {
	if p == "*" {
		return true
	}
	pparts := strings.Split(string(p), ":")
	iparts := id.Parts()
	for i, seg := range pparts {
		if seg == "*" && i == len(pparts)-1 {
			return len(iparts) >= len(pparts)
		}
		if i >= len(iparts) {
			return false
		}
		if seg != "*" && seg != iparts[i] {
			return false
		}
	}
	return len(iparts) == len(pparts)
}

// Namespace returns the namespace a concrete-prefixed pattern is scoped to,
// or false when the pattern is too general to pin one down.
func (p Pattern) Namespace() (string, bool) {
	if p == "*" {
		return "", false
	}
	parts := strings.Split(string(p), ":")
	if len(parts) < 2 || parts[1] == "*" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Rule is the policy vocabulary. It is a sealed set of four variants;
// discrimination at use sites is exhaustive by construction.
type Rule interface {
	// Key uniquely identifies a rule within a rule set, for replication.
	Key() string
	rule()
}

// MayAccess grants a party access to assets matched by the pattern.
type MayAccess struct {
	Asset Pattern `json:"asset"`
	Party Pattern `json:"party"`
}

func (r MayAccess) Key() string { return fmt.Sprintf("may_access(%s,%s)", r.Asset, r.Party) }
func (r MayAccess) rule()       {}

// MayAccessCollection grants a party access to members of a collection.
type MayAccessCollection struct {
	Collection Pattern `json:"collection"`
	Party      Pattern `json:"party"`
}

func (r MayAccessCollection) Key() string {
	return fmt.Sprintf("may_access_collection(%s,%s)", r.Collection, r.Party)
}
func (r MayAccessCollection) rule() {}

// ResultOfDataIn places any result derived from data matched by the pattern
// into the collection. The pattern matches the designators an input carries:
// a concrete asset identifier for primary data, or a collection the input
// already belongs to for derived data.
type ResultOfDataIn struct {
	Data       Pattern               `json:"data"`
	Collection identifier.Identifier `json:"collection"`
}

func (r ResultOfDataIn) Key() string {
	return fmt.Sprintf("result_of_data_in(%s,%s)", r.Data, r.Collection)
}
func (r ResultOfDataIn) rule() {}

// ResultOfComputeIn is the analogue of ResultOfDataIn for the compute asset
// bound at a step.
type ResultOfComputeIn struct {
	Compute    Pattern               `json:"compute"`
	Collection identifier.Identifier `json:"collection"`
}

func (r ResultOfComputeIn) Key() string {
	return fmt.Sprintf("result_of_compute_in(%s,%s)", r.Compute, r.Collection)
}
func (r ResultOfComputeIn) rule() {}

// Validate checks a rule's arguments.
func Validate(r Rule) error {
	check := func(p Pattern) error {
		_, err := ParsePattern(string(p))
		return err
	}
	checkCollection := func(id identifier.Identifier) error {
		if id.Kind() != identifier.KindAssetCollection {
			return fmt.Errorf("%w: %q is not an asset collection", ErrMalformedRule, id)
		}
		return nil
	}
	switch v := r.(type) {
	case MayAccess:
		return errors.Join(check(v.Asset), check(v.Party))
	case MayAccessCollection:
		return errors.Join(check(v.Collection), check(v.Party))
	case ResultOfDataIn:
		return errors.Join(check(v.Data), checkCollection(v.Collection))
	case ResultOfComputeIn:
		return errors.Join(check(v.Compute), checkCollection(v.Collection))
	default:
		return fmt.Errorf("%w: unknown rule type %T", ErrMalformedRule, r)
	}
}

// subjectNamespace returns the namespace a rule legislates over: the
// collection's namespace for collection-valued rules, or the asset
// pattern's namespace for direct grants. Rules with indeterminate subjects
// (fully wildcarded) return false and are honoured from any source.
func subjectNamespace(r Rule) (string, bool) {
	switch v := r.(type) {
	case MayAccess:
		return v.Asset.Namespace()
	case MayAccessCollection:
		return v.Collection.Namespace()
	case ResultOfDataIn:
		ns, err := v.Collection.Namespace()
		return ns, err == nil
	case ResultOfComputeIn:
		ns, err := v.Collection.Namespace()
		return ns, err == nil
	}
	return "", false
}
