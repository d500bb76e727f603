// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Package site wires one site process together: registry view, policy
// sources, store, runner, and the REST surface.
package site

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/tessera-fed/tessera/internal/clients/registryclient"
	"github.com/tessera-fed/tessera/internal/clients/siteclient"
	"github.com/tessera-fed/tessera/internal/compute"
	"github.com/tessera-fed/tessera/internal/config"
	"github.com/tessera-fed/tessera/internal/identifier"
	"github.com/tessera-fed/tessera/internal/metrics"
	"github.com/tessera-fed/tessera/internal/policy"
	"github.com/tessera-fed/tessera/internal/registry"
	"github.com/tessera-fed/tessera/internal/replication"
	"github.com/tessera-fed/tessera/internal/runner"
	"github.com/tessera-fed/tessera/internal/server"
	"github.com/tessera-fed/tessera/internal/siteapi"
	"github.com/tessera-fed/tessera/internal/store"
)

// Site is a fully wired site instance.
type Site struct {
	Config  config.SiteConfig
	View    *registryclient.View
	Store   *store.Store
	Runner  *runner.Runner
	Policy  *policy.Server
	Client  *siteclient.Client
	Handler http.Handler

	logger *slog.Logger
}

// New builds a site from its configuration. The registry fetcher is the
// REST client in production and a local fetcher in tests. Policy sources
// for foreign namespaces are registered as their owning sites appear in
// the registry view.
func New(ctx context.Context, cfg config.SiteConfig, logger *slog.Logger,
	regFetcher replication.Fetcher[registry.RegisteredObject]) (*Site, error) {
	siteID := cfg.SiteID()
	logger = logger.With("site", siteID)

	m := metrics.New()
	view := registryclient.NewView(regFetcher)
	sources := policy.NewSourceMap()
	eval := policy.NewEvaluator(sources, view)
	st := store.New(eval, logger)
	client := siteclient.New(siteID, view, nil, logger)

	var policyServer *policy.Server
	if cfg.Namespace != "" {
		policyServer = policy.NewServer(cfg.PolicyLease)
		rules, err := policy.LoadRulesFile(cfg.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("loading rules for namespace %q: %w", cfg.Namespace, err)
		}
		for _, rule := range rules {
			if err := policyServer.Add(rule); err != nil {
				return nil, fmt.Errorf("seeding rule %q: %w", rule.Key(), err)
			}
		}
		sources.Register(cfg.Namespace, policyServer.Source())
		logger.Info("policy namespace seeded", "namespace", cfg.Namespace, "rules", len(rules))
	}

	// Mirror the rule sets of every other namespace-owning site as they
	// appear in the registry catalog.
	view.OnUpdate(func(created, _ []registry.RegisteredObject) {
		for _, obj := range created {
			desc, ok := obj.(*registry.SiteDescription)
			if !ok || desc.Namespace == "" || desc.Namespace == cfg.Namespace {
				continue
			}
			sources.Register(desc.Namespace, policy.NewReplicaSource(client.PolicyFetcher(desc.ID)))
			logger.Info("policy source registered", "namespace", desc.Namespace, "owner", desc.ID)
		}
	})
	if err := view.Update(ctx); err != nil {
		logger.Warn("initial registry sync failed, continuing", "error", err)
	}

	var run *runner.Runner
	if cfg.HasRunner {
		run = runner.New(siteID, st, compute.Builtin(), eval, view, client,
			runner.Config{PollInitial: cfg.Poll.Initial, PollMax: cfg.Poll.Max}, m, logger)
	}

	handler := siteapi.New(siteID, st, run, policyServer, m, logger)

	return &Site{
		Config:  cfg,
		View:    view,
		Store:   st,
		Runner:  run,
		Policy:  policyServer,
		Client:  client,
		Handler: handler.Routes(),
		logger:  logger,
	}, nil
}

// Description returns the registry description this site advertises.
func (s *Site) Description() *registry.SiteDescription {
	return &registry.SiteDescription{
		ID:        s.Config.SiteID(),
		OwnerID:   identifier.Identifier(s.Config.Owner),
		AdminID:   identifier.Identifier(s.Config.Admin),
		Endpoint:  s.Config.Endpoint,
		HasRunner: s.Config.HasRunner,
		HasStore:  true,
		Namespace: s.Config.Namespace,
	}
}

// RegisterSelf registers the site with the registry. An existing
// identical registration is not an error.
func (s *Site) RegisterSelf(ctx context.Context, client *registryclient.Client) error {
	err := client.RegisterSite(ctx, s.Description())
	if err != nil && !isAlreadyRegistered(err) {
		return err
	}
	s.logger.Info("site registered with registry")
	return nil
}

// Run serves the site until the context is cancelled, then stops the
// runner's in-flight jobs.
func (s *Site) Run(ctx context.Context) error {
	srv := server.New(server.Config{
		Addr:            s.Config.Server.Addr,
		ReadTimeout:     s.Config.Server.ReadTimeout,
		WriteTimeout:    s.Config.Server.WriteTimeout,
		IdleTimeout:     s.Config.Server.IdleTimeout,
		ShutdownTimeout: s.Config.Server.ShutdownTimeout,
	}, s.Handler, s.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		if s.Runner != nil {
			s.Runner.Shutdown()
		}
		return nil
	})
	return g.Wait()
}

func isAlreadyRegistered(err error) bool {
	return errors.Is(err, registry.ErrAlreadyExists)
}
