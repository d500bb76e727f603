// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Command site runs one Tessera federation site: asset store, step
// runner, and policy endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tessera-fed/tessera/internal/clients/registryclient"
	"github.com/tessera-fed/tessera/internal/config"
	"github.com/tessera-fed/tessera/internal/logging"
	"github.com/tessera-fed/tessera/internal/site"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "site",
		Short:        "Run a Tessera federation site",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the site config file")
	cmd.Flags().String("addr", "", "listen address override")
	cmd.Flags().String("registry", "", "registry base URL override")
	return cmd
}

func run(cmd *cobra.Command, configPath string) error {
	loader := config.NewLoader("TESSERA_SITE")
	if err := loader.LoadWithDefaults(config.DefaultSiteConfig(), configPath); err != nil {
		return err
	}
	if err := loader.LoadFlags(cmd.Flags(), map[string]string{
		"addr":     "server.addr",
		"registry": "registry",
	}); err != nil {
		return err
	}
	var cfg config.SiteConfig
	if err := loader.UnmarshalAndValidate("", &cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	regClient := registryclient.New(cfg.Registry, nil, logger)
	s, err := site.New(ctx, cfg, logger, regClient)
	if err != nil {
		return err
	}
	if cfg.SelfRegister {
		if err := s.RegisterSelf(ctx, regClient); err != nil {
			return fmt.Errorf("registering site: %w", err)
		}
	}
	return s.Run(ctx)
}
