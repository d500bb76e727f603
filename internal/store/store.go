// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package store implements the policy-gated asset store of a site. Every
// retrieval, including of the site's own primary assets, passes the same
// permission check.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tessera-fed/tessera/internal/asset"
	"github.com/tessera-fed/tessera/internal/identifier"
	"github.com/tessera-fed/tessera/internal/policy"
)

var (
	// ErrAssetNotFound is returned when no asset is stored under an id.
	ErrAssetNotFound = errors.New("asset not found")
	// ErrDuplicateAsset is returned when an id is stored again with a
	// different payload. Re-storing the identical payload is a no-op.
	ErrDuplicateAsset = errors.New("asset already stored with different content")
	// ErrAccessDenied is returned when no rule grants the requester access.
	ErrAccessDenied = errors.New("access denied")
	// ErrProvenanceMismatch is returned when a result asset's identifier
	// does not equal the id-hash of its recorded provenance.
	ErrProvenanceMismatch = errors.New("result id does not match provenance")
)

type entry struct {
	a    asset.Asset
	wire []byte
}

// Store holds assets and enforces access policy on retrieval.
type Store struct {
	mu      sync.RWMutex
	assets  map[identifier.Identifier]entry
	calc    *policy.Calculator
	eval    *policy.Evaluator
	logger  *slog.Logger
}

// New creates a store gated by the given evaluator.
func New(eval *policy.Evaluator, logger *slog.Logger) *Store {
	return &Store{
		assets: make(map[identifier.Identifier]entry),
		calc:   policy.NewCalculator(eval),
		eval:   eval,
		logger: logger.With("component", "store"),
	}
}

// Put stores an asset. Storing the same id twice is idempotent when the
// payloads are byte-identical after canonical encoding; a differing payload
// is rejected, so a stored asset never changes under its id. A result
// asset must carry the provenance its identifier hashes to, so a result
// id cannot be claimed with fabricated metadata.
func (s *Store) Put(a asset.Asset) error {
	wire, err := asset.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding asset %q: %w", a.ID(), err)
	}
	meta := a.Metadata()
	if err := meta.Job.Validate(); err != nil {
		return fmt.Errorf("asset %q metadata: %w", a.ID(), err)
	}
	if a.ID().Kind() == identifier.KindResult {
		want, err := meta.Job.ResultID(meta.Item)
		if err != nil {
			return fmt.Errorf("asset %q metadata: %w", a.ID(), err)
		}
		if want != a.ID() {
			return fmt.Errorf("%w: %s", ErrProvenanceMismatch, a.ID())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.assets[a.ID()]; ok {
		if bytes.Equal(existing.wire, wire) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrDuplicateAsset, a.ID())
	}
	s.assets[a.ID()] = entry{a: a, wire: wire}
	s.logger.Info("asset stored", "asset", a.ID())
	return nil
}

// Get retrieves an asset on behalf of a requester. The asset's permission
// set is derived from its recorded provenance; primary assets go through
// the same gate via their nil job.
func (s *Store) Get(ctx context.Context, id, requester identifier.Identifier) (asset.Asset, error) {
	s.mu.RLock()
	ent, ok := s.assets[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, id)
	}

	meta := ent.a.Metadata()
	perms, err := s.calc.Permissions(ctx, meta.Job)
	if err != nil {
		return nil, fmt.Errorf("permissions for %q: %w", id, err)
	}
	p, err := policy.ItemPermissions(perms, meta.Item)
	if err != nil {
		return nil, fmt.Errorf("permissions for %q: %w", id, err)
	}

	granted, err := s.eval.MayAccess(ctx, p, requester)
	if err != nil {
		return nil, fmt.Errorf("evaluating access to %q: %w", id, err)
	}
	if !granted {
		s.logger.Warn("access denied", "asset", id, "requester", requester)
		return nil, fmt.Errorf("%w: %s for %s", ErrAccessDenied, id, requester)
	}
	return ent.a, nil
}

// Has reports whether an asset is stored, without a policy check. Used by
// the runner to decide whether a step result already exists locally.
func (s *Store) Has(id identifier.Identifier) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.assets[id]
	return ok
}
