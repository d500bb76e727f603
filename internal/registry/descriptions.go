// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry implements the canonical catalog of parties and sites
// and its replication endpoint.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tessera-fed/tessera/internal/identifier"
)

var (
	// ErrNotFound is returned when deregistering an unknown object.
	ErrNotFound = errors.New("not registered")
	// ErrAlreadyExists is returned when registering a duplicate id.
	ErrAlreadyExists = errors.New("already registered")
	// ErrUnknownParty is returned when a site references an unregistered party.
	ErrUnknownParty = errors.New("unknown party")
	// ErrUnknownSite is returned when a site lookup misses.
	ErrUnknownSite = errors.New("unknown site")
	// ErrIDReused is returned when a deregistered id is registered again.
	ErrIDReused = errors.New("identifier was deregistered and may not be reused")
	// ErrInvalidDescription is returned for descriptions violating invariants.
	ErrInvalidDescription = errors.New("invalid description")
)

// RegisteredObject is a party or site description. The set is sealed;
// discrimination at use sites is exhaustive.
type RegisteredObject interface {
	Key() string
	registered()
}

// PartyDescription describes a party to the federation. Immutable once
// registered. PublicKey is the PEM encoding of the party's rule-signing key.
type PartyDescription struct {
	ID        identifier.Identifier `json:"id"`
	PublicKey string                `json:"publicKey"`
}

func (p *PartyDescription) Key() string { return string(p.ID) }
func (p *PartyDescription) registered() {}

// Validate checks the party invariants.
func (p *PartyDescription) Validate() error {
	if p.ID.Kind() != identifier.KindParty {
		return fmt.Errorf("%w: %q is not a party identifier", ErrInvalidDescription, p.ID)
	}
	return nil
}

// SiteDescription describes a site: its owner and admin parties, its REST
// endpoint, and its capabilities. A non-empty Namespace marks the site as
// the authoritative policy source for that namespace.
type SiteDescription struct {
	ID        identifier.Identifier `json:"id"`
	OwnerID   identifier.Identifier `json:"ownerId"`
	AdminID   identifier.Identifier `json:"adminId"`
	Endpoint  string                `json:"endpoint"`
	HasRunner bool                  `json:"hasRunner"`
	HasStore  bool                  `json:"hasStore"`
	Namespace string                `json:"namespace,omitempty"`
}

func (s *SiteDescription) Key() string { return string(s.ID) }
func (s *SiteDescription) registered() {}

// Validate checks the site invariants, notably that a runner always comes
// with a store to persist its outputs into.
func (s *SiteDescription) Validate() error {
	if s.ID.Kind() != identifier.KindSite {
		return fmt.Errorf("%w: %q is not a site identifier", ErrInvalidDescription, s.ID)
	}
	if s.OwnerID.Kind() != identifier.KindParty || s.AdminID.Kind() != identifier.KindParty {
		return fmt.Errorf("%w: site %q owner/admin must be parties", ErrInvalidDescription, s.ID)
	}
	if s.Endpoint == "" {
		return fmt.Errorf("%w: site %q has no endpoint", ErrInvalidDescription, s.ID)
	}
	if s.HasRunner && !s.HasStore {
		return fmt.Errorf("%w: site %q has a runner but no store", ErrInvalidDescription, s.ID)
	}
	return nil
}

const (
	kindParty = "party"
	kindSite  = "site"
)

type objectEnvelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// MarshalObject encodes a registered object into its tagged wire form.
func MarshalObject(obj RegisteredObject) ([]byte, error) {
	var kind string
	switch obj.(type) {
	case *PartyDescription:
		kind = kindParty
	case *SiteDescription:
		kind = kindSite
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidDescription, obj)
	}
	body, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return json.Marshal(objectEnvelope{Kind: kind, Body: body})
}

// UnmarshalObject decodes a tagged wire form back into a registered object.
func UnmarshalObject(b []byte) (RegisteredObject, error) {
	var env objectEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decoding object envelope: %w", err)
	}
	switch env.Kind {
	case kindParty:
		var p PartyDescription
		if err := json.Unmarshal(env.Body, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case kindSite:
		var s SiteDescription
		if err := json.Unmarshal(env.Body, &s); err != nil {
			return nil, err
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("%w: unknown object kind %q", ErrInvalidDescription, env.Kind)
	}
}
