// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package registryclient

import (
	"context"
	"fmt"

	"github.com/tessera-fed/tessera/internal/identifier"
	"github.com/tessera-fed/tessera/internal/registry"
	"github.com/tessera-fed/tessera/internal/replication"
)

// View is a replica of the registry catalog with typed lookups. A lookup
// that misses forces one refresh past the freshness lease before giving
// up, so a recently registered object is found without waiting for the
// lease to lapse.
type View struct {
	replica *replication.Replica[registry.RegisteredObject]
}

// NewView creates a view over any registry fetcher: the REST client
// against a remote registry, or replication.LocalFetcher in tests.
func NewView(fetcher replication.Fetcher[registry.RegisteredObject]) *View {
	return &View{replica: replication.NewReplica(fetcher)}
}

// Update brings the view up to date within its lease.
func (v *View) Update(ctx context.Context) error {
	return v.replica.Update(ctx)
}

// SiteByID resolves a site description.
func (v *View) SiteByID(ctx context.Context, id identifier.Identifier) (*registry.SiteDescription, error) {
	obj, err := v.lookup(ctx, string(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownSite, id)
	}
	desc, ok := obj.(*registry.SiteDescription)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownSite, id)
	}
	return desc, nil
}

// PartyByID resolves a party description.
func (v *View) PartyByID(ctx context.Context, id identifier.Identifier) (*registry.PartyDescription, error) {
	obj, err := v.lookup(ctx, string(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownParty, id)
	}
	desc, ok := obj.(*registry.PartyDescription)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownParty, id)
	}
	return desc, nil
}

// AdminOf returns the admin party of a site. It implements the policy
// evaluator's AdminResolver.
func (v *View) AdminOf(ctx context.Context, site identifier.Identifier) (identifier.Identifier, error) {
	desc, err := v.SiteByID(ctx, site)
	if err != nil {
		return "", err
	}
	return desc.AdminID, nil
}

// Sites returns the sites currently known to the view.
func (v *View) Sites(ctx context.Context) ([]*registry.SiteDescription, error) {
	if err := v.replica.Update(ctx); err != nil {
		return nil, err
	}
	var sites []*registry.SiteDescription
	for _, obj := range v.replica.Objects() {
		if desc, ok := obj.(*registry.SiteDescription); ok {
			sites = append(sites, desc)
		}
	}
	return sites, nil
}

// PolicySites returns the sites that own a policy namespace.
func (v *View) PolicySites(ctx context.Context) ([]*registry.SiteDescription, error) {
	sites, err := v.Sites(ctx)
	if err != nil {
		return nil, err
	}
	var owners []*registry.SiteDescription
	for _, desc := range sites {
		if desc.Namespace != "" {
			owners = append(owners, desc)
		}
	}
	return owners, nil
}

// OnUpdate registers a callback invoked with catalog changes; on
// registration it fires once with the full current set.
func (v *View) OnUpdate(cb replication.Callback[registry.RegisteredObject]) {
	v.replica.OnUpdate(cb)
}

// lookup reads one object, retrying once past the lease on a miss.
func (v *View) lookup(ctx context.Context, key string) (registry.RegisteredObject, error) {
	if err := v.replica.Update(ctx); err != nil {
		return nil, err
	}
	if obj, ok := v.replica.Get(key); ok {
		return obj, nil
	}
	v.replica.Invalidate()
	if err := v.replica.Update(ctx); err != nil {
		return nil, err
	}
	if obj, ok := v.replica.Get(key); ok {
		return obj, nil
	}
	return nil, registry.ErrNotFound
}
