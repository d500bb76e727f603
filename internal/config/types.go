// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tessera-fed/tessera/internal/identifier"
)

var validate = validator.New()

// ServerConfig holds the HTTP server settings of a component.
type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds the logging settings of a component.
type LoggingConfig struct {
	Level     string `koanf:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format    string `koanf:"format" validate:"omitempty,oneof=json text"`
	AddSource bool   `koanf:"add_source"`
}

// PollConfig tunes the runner's input polling backoff.
type PollConfig struct {
	Initial time.Duration `koanf:"initial"`
	Max     time.Duration `koanf:"max"`
}

// SiteConfig is the configuration of one site process.
type SiteConfig struct {
	// ID is the site identifier, e.g. "site:ns1:s1".
	ID string `koanf:"id" validate:"required"`
	// Endpoint is the base URL peers reach this site under.
	Endpoint string `koanf:"endpoint" validate:"required,url"`

	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`

	// Registry is the base URL of the registry service.
	Registry string `koanf:"registry" validate:"required,url"`

	// Owner and Admin are the party identifiers used when the site
	// registers itself. Required when self_register is set.
	Owner        string `koanf:"owner"`
	Admin        string `koanf:"admin"`
	SelfRegister bool   `koanf:"self_register"`

	// HasRunner enables the step runner. The store is always present.
	HasRunner bool       `koanf:"has_runner"`
	Poll      PollConfig `koanf:"poll"`

	// Namespace, when set, marks this site as the authoritative policy
	// source of that namespace; RulesFile seeds its canonical rule set.
	Namespace string `koanf:"namespace"`
	RulesFile string `koanf:"rules_file"`
	// PolicyLease is the freshness lease granted on policy updates.
	PolicyLease time.Duration `koanf:"policy_lease"`
}

// DefaultSiteConfig returns the site defaults.
func DefaultSiteConfig() SiteConfig {
	return SiteConfig{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Logging:     LoggingConfig{Level: "info", Format: "json"},
		HasRunner:   true,
		Poll:        PollConfig{Initial: 500 * time.Millisecond, Max: 8 * time.Second},
		PolicyLease: time.Second,
	}
}

// Validate checks the site configuration.
func (c *SiteConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	id, err := identifier.Parse(c.ID)
	if err != nil {
		return fmt.Errorf("site id: %w", err)
	}
	if id.Kind() != identifier.KindSite {
		return fmt.Errorf("site id %q is not a site identifier", c.ID)
	}
	if c.SelfRegister {
		for _, field := range []struct{ name, value string }{{"owner", c.Owner}, {"admin", c.Admin}} {
			pid, err := identifier.Parse(field.value)
			if err != nil {
				return fmt.Errorf("%s: %w", field.name, err)
			}
			if pid.Kind() != identifier.KindParty {
				return fmt.Errorf("%s %q is not a party identifier", field.name, field.value)
			}
		}
	}
	if c.Namespace != "" && c.RulesFile == "" {
		return fmt.Errorf("namespace %q is set but rules_file is empty", c.Namespace)
	}
	return nil
}

// SiteID returns the parsed site identifier. Call Validate first.
func (c *SiteConfig) SiteID() identifier.Identifier {
	return identifier.Identifier(c.ID)
}

// RegistryConfig is the configuration of the registry process.
type RegistryConfig struct {
	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`

	// Database is the sqlite DSN of the event archive. ":memory:" keeps
	// the registry ephemeral.
	Database string `koanf:"database" validate:"required"`
	// Lease is the freshness lease granted on update batches.
	Lease time.Duration `koanf:"lease"`
}

// DefaultRegistryConfig returns the registry defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Server: ServerConfig{
			Addr:         ":8090",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Database: ":memory:",
		Lease:    time.Second,
	}
}

// Validate checks the registry configuration.
func (c *RegistryConfig) Validate() error {
	return validate.Struct(c)
}
