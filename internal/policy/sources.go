// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tessera-fed/tessera/internal/replication"
)

// RuleSource yields the current rule set of one namespace.
type RuleSource interface {
	Rules(ctx context.Context) ([]Rule, error)
}

// RuleSources resolves the rule set for any namespace a job references.
type RuleSources interface {
	RulesFor(ctx context.Context, namespace string) ([]Rule, error)
}

// SourceMap is the per-site registry of policy sources, keyed by namespace.
type SourceMap struct {
	mu      sync.RWMutex
	sources map[string]RuleSource
}

// NewSourceMap creates an empty source map.
func NewSourceMap() *SourceMap {
	return &SourceMap{sources: make(map[string]RuleSource)}
}

// Register binds a namespace to its rule source, replacing any previous one.
func (m *SourceMap) Register(namespace string, source RuleSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[namespace] = source
}

// RulesFor returns the rules of the namespace's source, filtered to the
// rules that namespace has authority over. Rules a source emits for foreign
// namespaces are dropped here, which is what lets the evaluator treat rule
// sets as trust-scoped.
func (m *SourceMap) RulesFor(ctx context.Context, namespace string) ([]Rule, error) {
	m.mu.RLock()
	source, ok := m.sources[namespace]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNamespace, namespace)
	}
	rules, err := source.Rules(ctx)
	if err != nil {
		return nil, fmt.Errorf("rules for %q: %w", namespace, err)
	}
	kept := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if ns, ok := subjectNamespace(rule); ok && ns != namespace {
			continue
		}
		kept = append(kept, rule)
	}
	return kept, nil
}

// StaticSource serves a fixed rule set, e.g. loaded from a rules file.
type StaticSource struct {
	rules []Rule
}

// NewStaticSource validates the rules and wraps them as a source.
func NewStaticSource(rules []Rule) (*StaticSource, error) {
	for _, rule := range rules {
		if err := Validate(rule); err != nil {
			return nil, err
		}
	}
	return &StaticSource{rules: rules}, nil
}

func (s *StaticSource) Rules(context.Context) ([]Rule, error) {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out, nil
}

// ReplicaSource serves the rule set mirrored from a remote policy server.
// Every read refreshes the replica first; the replication lease keeps that
// cheap while it is live.
type ReplicaSource struct {
	replica *replication.Replica[Rule]
}

// NewReplicaSource wraps a rule replica as a source.
func NewReplicaSource(fetcher replication.Fetcher[Rule]) *ReplicaSource {
	return &ReplicaSource{replica: replication.NewReplica(fetcher)}
}

func (s *ReplicaSource) Rules(ctx context.Context) ([]Rule, error) {
	if err := s.replica.Update(ctx); err != nil {
		return nil, err
	}
	return s.replica.Objects(), nil
}

// Server is the policy server of a namespace-owning site: the canonical
// rule store plus the replication endpoint peers pull from.
type Server struct {
	store  *replication.CanonicalStore[Rule]
	server *replication.Server[Rule]
}

// NewServer creates a policy server granting the given lease on updates.
func NewServer(lease time.Duration) *Server {
	archive := replication.NewArchive[Rule](nil)
	return &Server{
		store:  replication.NewCanonicalStore(archive),
		server: replication.NewServer(archive, lease),
	}
}

// Add validates and ingests a rule into the canonical set.
func (s *Server) Add(rule Rule) error {
	if err := Validate(rule); err != nil {
		return err
	}
	return s.store.Insert(rule)
}

// Remove retracts a rule by its key.
func (s *Server) Remove(key string) error {
	return s.store.Delete(key)
}

// Updates serves a replication batch for peers.
func (s *Server) Updates(since int64) replication.UpdateBatch[Rule] {
	return s.server.Updates(since)
}

// Source returns a local view of the canonical rule set, for the owning
// site's own evaluator.
func (s *Server) Source() RuleSource {
	return localServerSource{s}
}

type localServerSource struct{ s *Server }

func (l localServerSource) Rules(context.Context) ([]Rule, error) {
	return l.s.store.Objects(), nil
}
