package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vaultpay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
version: "1"
storage:
  backend: memory
`

func TestLoadAppliesDefaults(t *testing.T) {
	loader, err := NewLoader(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	cfg := loader.Config()

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Bus.MaxDeliver != 5 {
		t.Errorf("Bus.MaxDeliver = %d, want 5", cfg.Bus.MaxDeliver)
	}
	if cfg.Bus.Topic != "TRANSFERS" {
		t.Errorf("Bus.Topic = %q, want TRANSFERS", cfg.Bus.Topic)
	}
	if cfg.Idempotency.TTLSeconds != 900 {
		t.Errorf("Idempotency.TTLSeconds = %d, want 900", cfg.Idempotency.TTLSeconds)
	}
	if cfg.Fraud.Threshold != 50 {
		t.Errorf("Fraud.Threshold = %d, want 50", cfg.Fraud.Threshold)
	}
	if cfg.Fraud.AmountCeiling != 1_000_000 {
		t.Errorf("Fraud.AmountCeiling = %d, want 1000000", cfg.Fraud.AmountCeiling)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := NewLoader(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for a missing config file")
	}
}

func TestReloadPicksUpChanges(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	loader, err := NewLoader(path)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	var observed *Config
	loader.OnChange(func(cfg *Config) { observed = cfg })

	updated := strings.Replace(minimalConfig, "backend: memory",
		"backend: memory\nfraud:\n  threshold: 80", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	cfg, err := loader.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if cfg.Fraud.Threshold != 80 {
		t.Errorf("Fraud.Threshold = %d, want 80 after reload", cfg.Fraud.Threshold)
	}
	if observed == nil || observed.Fraud.Threshold != 80 {
		t.Error("OnChange callback did not observe the reload")
	}
	if loader.Config().Fraud.Threshold != 80 {
		t.Error("Config() still returns the old snapshot")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{Version: "1"}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing version", func(c *Config) { c.Version = "" }, "version is required"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }, "unknown backend"},
		{"zero max deliver", func(c *Config) { c.Bus.MaxDeliver = -1 }, "max_deliver"},
		{"threshold too high", func(c *Config) { c.Fraud.Threshold = 150 }, "threshold"},
		{"duplicate seed account", func(c *Config) {
			c.Funds.SeedAccounts = []SeedAccount{{ID: "a", Balance: 1}, {ID: "a", Balance: 2}}
		}, "duplicate seed account"},
		{"negative seed balance", func(c *Config) {
			c.Funds.SeedAccounts = []SeedAccount{{ID: "a", Balance: -1}}
		}, "balance must not be negative"},
		{"non-DLQ audit subject", func(c *Config) {
			c.Audit.DeadLetterSubjects = []string{"debit.requested"}
		}, "not a dead-letter subject"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
