package config

import (
	"fmt"
	"strings"
)

// Validate checks the config for:
//   - Unknown backend names
//   - Out-of-range delivery and fraud tunables
//   - Duplicate seed account ids
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string

	switch cfg.Storage.Backend {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("storage.backend: unknown backend %q (want memory or postgres)", cfg.Storage.Backend))
	}

	if cfg.Bus.MaxDeliver < 1 {
		errs = append(errs, fmt.Sprintf("bus.max_deliver: must be at least 1, got %d", cfg.Bus.MaxDeliver))
	}
	if cfg.Bus.AckWaitMs < 1 {
		errs = append(errs, fmt.Sprintf("bus.ack_wait_ms: must be positive, got %d", cfg.Bus.AckWaitMs))
	}
	if cfg.Bus.Workers < 1 {
		errs = append(errs, fmt.Sprintf("bus.workers: must be at least 1, got %d", cfg.Bus.Workers))
	}

	if cfg.Idempotency.TTLSeconds < 1 {
		errs = append(errs, fmt.Sprintf("idempotency.ttl_seconds: must be positive, got %d", cfg.Idempotency.TTLSeconds))
	}

	if cfg.Fraud.Threshold < 1 || cfg.Fraud.Threshold > 100 {
		errs = append(errs, fmt.Sprintf("fraud.threshold: must be in [1, 100], got %d", cfg.Fraud.Threshold))
	}
	if cfg.Fraud.AmountCeiling < 1 {
		errs = append(errs, fmt.Sprintf("fraud.amount_ceiling: must be positive, got %d", cfg.Fraud.AmountCeiling))
	}
	if cfg.Fraud.VelocityLimit < 1 {
		errs = append(errs, fmt.Sprintf("fraud.velocity_limit: must be positive, got %d", cfg.Fraud.VelocityLimit))
	}
	if cfg.Fraud.VelocityWindowSeconds < 1 {
		errs = append(errs, fmt.Sprintf("fraud.velocity_window_seconds: must be positive, got %d", cfg.Fraud.VelocityWindowSeconds))
	}

	seen := make(map[string]int)
	for i, acc := range cfg.Funds.SeedAccounts {
		if acc.ID == "" {
			errs = append(errs, fmt.Sprintf("funds.seed_accounts[%d]: id is required", i))
			continue
		}
		if prev, ok := seen[acc.ID]; ok {
			errs = append(errs, fmt.Sprintf("duplicate seed account %q (first seen at index %d, again at %d)", acc.ID, prev, i))
		} else {
			seen[acc.ID] = i
		}
		if acc.Balance < 0 {
			errs = append(errs, fmt.Sprintf("funds.seed_accounts[%d]: balance must not be negative", i))
		}
	}

	for i, subject := range cfg.Audit.DeadLetterSubjects {
		if !strings.HasSuffix(subject, ".DLQ") {
			errs = append(errs, fmt.Sprintf("audit.dead_letter_subjects[%d]: %q is not a dead-letter subject", i, subject))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
