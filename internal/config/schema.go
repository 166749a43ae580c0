package config

// Config is the top-level YAML structure.
type Config struct {
	Version     string          `yaml:"version"`
	Server      ServerConf      `yaml:"server"`
	Storage     StorageConf     `yaml:"storage"`
	Bus         BusConf         `yaml:"bus"`
	Idempotency IdempotencyConf `yaml:"idempotency"`
	Fraud       FraudConf       `yaml:"fraud"`
	Funds       FundsConf       `yaml:"funds"`
	Audit       AuditConf       `yaml:"audit"`
}

// ServerConf holds HTTP server settings.
type ServerConf struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
	IdleTimeoutMs  int    `yaml:"idle_timeout_ms"`
}

// StorageConf selects the durable backend shared by the bus, the KV store
// and the transaction store. The postgres DSN comes from the environment,
// never from the config file.
type StorageConf struct {
	Backend string `yaml:"backend"` // "memory" or "postgres"
	DSNEnv  string `yaml:"dsn_env"` // env var holding the postgres DSN
}

// BusConf holds delivery tunables shared by all durable subscriptions.
type BusConf struct {
	Topic             string `yaml:"topic"`
	MaxDeliver        int    `yaml:"max_deliver"`
	AckWaitMs         int    `yaml:"ack_wait_ms"`
	Workers           int    `yaml:"workers"`
	PollIntervalMs    int    `yaml:"poll_interval_ms"`
	RedeliveryDelayMs int    `yaml:"redelivery_delay_ms"`
	MaxPayloadBytes   int    `yaml:"max_payload_bytes"`
}

// IdempotencyConf holds the claim window length.
type IdempotencyConf struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// FraudConf holds the rule tunables; these hot-reload.
type FraudConf struct {
	Threshold             int   `yaml:"threshold"`
	AmountCeiling         int64 `yaml:"amount_ceiling"`
	VelocityLimit         int64 `yaml:"velocity_limit"`
	VelocityWindowSeconds int   `yaml:"velocity_window_seconds"`
}

// FundsConf controls the embedded funds processor and demo balances.
type FundsConf struct {
	Enabled      bool          `yaml:"enabled"`
	SeedAccounts []SeedAccount `yaml:"seed_accounts"`
}

// SeedAccount pre-creates an account with a balance at boot.
type SeedAccount struct {
	ID      string `yaml:"id"`
	Balance int64  `yaml:"balance"`
}

// AuditConf controls the audit recorder.
type AuditConf struct {
	Enabled            bool     `yaml:"enabled"`
	DeadLetterSubjects []string `yaml:"dead_letter_subjects"`
}
