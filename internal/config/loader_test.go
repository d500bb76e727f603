// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

const siteYAML = `id: "site:ns1:s1"
endpoint: "http://localhost:8080"
registry: "http://localhost:8090"
server:
  addr: ":9090"
logging:
  level: debug
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoader_StructDefaults(t *testing.T) {
	loader := NewLoader("TESSERA_TEST")
	if err := loader.LoadWithDefaults(DefaultSiteConfig(), ""); err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	var cfg SiteConfig
	if err := loader.Unmarshal("", &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected addr :8080, got %s", cfg.Server.Addr)
	}
	if cfg.Poll.Initial != 500*time.Millisecond {
		t.Errorf("expected poll initial 500ms, got %v", cfg.Poll.Initial)
	}
	if !cfg.HasRunner {
		t.Error("expected has_runner default true")
	}
}

func TestLoader_ConfigFileOverridesDefaults(t *testing.T) {
	loader := NewLoader("TESSERA_TEST")
	if err := loader.LoadWithDefaults(DefaultSiteConfig(), writeConfig(t, siteYAML)); err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	var cfg SiteConfig
	if err := loader.UnmarshalAndValidate("", &cfg); err != nil {
		t.Fatalf("UnmarshalAndValidate failed: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected addr :9090 from config file, got %s", cfg.Server.Addr)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.Logging.Level)
	}
	// Defaults survive where the file is silent.
	if cfg.Poll.Max != 8*time.Second {
		t.Errorf("expected poll max 8s, got %v", cfg.Poll.Max)
	}
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	t.Setenv("TESSERA_TEST__SERVER__ADDR", ":7070")
	t.Setenv("TESSERA_TEST__LOGGING__LEVEL", "warn")

	loader := NewLoader("TESSERA_TEST")
	if err := loader.LoadWithDefaults(DefaultSiteConfig(), writeConfig(t, siteYAML)); err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	var cfg SiteConfig
	if err := loader.Unmarshal("", &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if cfg.Server.Addr != ":7070" {
		t.Errorf("expected addr :7070 from env, got %s", cfg.Server.Addr)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected level warn from env, got %s", cfg.Logging.Level)
	}
}

func TestLoader_FlagsHaveHighestPriority(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("addr", "", "listen address")
	if err := flags.Parse([]string{"--addr", ":6060"}); err != nil {
		t.Fatalf("parsing flags: %v", err)
	}

	loader := NewLoader("TESSERA_TEST")
	if err := loader.LoadWithDefaults(DefaultSiteConfig(), writeConfig(t, siteYAML)); err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}
	if err := loader.LoadFlags(flags, map[string]string{"addr": "server.addr"}); err != nil {
		t.Fatalf("LoadFlags failed: %v", err)
	}

	var cfg SiteConfig
	if err := loader.Unmarshal("", &cfg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if cfg.Server.Addr != ":6060" {
		t.Errorf("expected addr :6060 from flag, got %s", cfg.Server.Addr)
	}
}

func TestLoader_MissingConfigFile(t *testing.T) {
	loader := NewLoader("TESSERA_TEST")
	if err := loader.LoadWithDefaults(DefaultSiteConfig(), "/does/not/exist.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestSiteConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SiteConfig)
		wantErr bool
	}{
		{"valid", func(*SiteConfig) {}, false},
		{"missing id", func(c *SiteConfig) { c.ID = "" }, true},
		{"id not a site", func(c *SiteConfig) { c.ID = "party:ns1:p1" }, true},
		{"bad endpoint", func(c *SiteConfig) { c.Endpoint = "not a url" }, true},
		{"self register without parties", func(c *SiteConfig) { c.SelfRegister = true }, true},
		{"namespace without rules file", func(c *SiteConfig) { c.Namespace = "ns1" }, true},
		{"bad log level", func(c *SiteConfig) { c.Logging.Level = "loud" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSiteConfig()
			cfg.ID = "site:ns1:s1"
			cfg.Endpoint = "http://localhost:8080"
			cfg.Registry = "http://localhost:8090"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
