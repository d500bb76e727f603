// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

// Command registry runs the canonical party and site catalog.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tessera-fed/tessera/internal/config"
	"github.com/tessera-fed/tessera/internal/logging"
	"github.com/tessera-fed/tessera/internal/registry"
	"github.com/tessera-fed/tessera/internal/registryapi"
	"github.com/tessera-fed/tessera/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "registry",
		Short:        "Run the Tessera federation registry",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the registry config file")
	cmd.Flags().String("addr", "", "listen address override")
	cmd.Flags().String("database", "", "sqlite DSN override")
	return cmd
}

func run(cmd *cobra.Command, configPath string) error {
	loader := config.NewLoader("TESSERA_REGISTRY")
	if err := loader.LoadWithDefaults(config.DefaultRegistryConfig(), configPath); err != nil {
		return err
	}
	if err := loader.LoadFlags(cmd.Flags(), map[string]string{
		"addr":     "server.addr",
		"database": "database",
	}); err != nil {
		return err
	}
	var cfg config.RegistryConfig
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

	db, err := gorm.Open(sqlite.Open(cfg.Database), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("opening registry database: %w", err)
	}
	svc, err := registry.New(db, cfg.Lease, logger)
	if err != nil {
		return err
	}

	handler := registryapi.New(svc, logger)
	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, handler.Routes(), logger)
	return srv.Run(ctx)
}
