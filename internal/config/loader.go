package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads a YAML config file and watches it for changes.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
	watcher  *fsnotify.Watcher
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}
	l.watcher = w

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					cfg, err := l.load()
					if err != nil {
						// Log and continue with old config.
						continue
					}
					l.mu.Lock()
					l.current = cfg
					callbacks := make([]func(*Config), len(l.onChange))
					copy(callbacks, l.onChange)
					l.mu.Unlock()
					for _, fn := range callbacks {
						fn(cfg)
					}
				}
			case <-w.Errors:
				// Ignore watcher errors.
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// Reload forces an immediate re-read of the config file.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", l.path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeoutMs == 0 {
		cfg.Server.ReadTimeoutMs = 5000
	}
	if cfg.Server.WriteTimeoutMs == 0 {
		cfg.Server.WriteTimeoutMs = 10000
	}
	if cfg.Server.IdleTimeoutMs == 0 {
		cfg.Server.IdleTimeoutMs = 60000
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Storage.DSNEnv == "" {
		cfg.Storage.DSNEnv = "DB_SOURCE"
	}
	if cfg.Bus.Topic == "" {
		cfg.Bus.Topic = "TRANSFERS"
	}
	if cfg.Bus.MaxDeliver == 0 {
		cfg.Bus.MaxDeliver = 5
	}
	if cfg.Bus.AckWaitMs == 0 {
		cfg.Bus.AckWaitMs = 30000
	}
	if cfg.Bus.Workers == 0 {
		cfg.Bus.Workers = 8
	}
	if cfg.Bus.PollIntervalMs == 0 {
		cfg.Bus.PollIntervalMs = 100
	}
	if cfg.Bus.RedeliveryDelayMs == 0 {
		cfg.Bus.RedeliveryDelayMs = 25
	}
	if cfg.Bus.MaxPayloadBytes == 0 {
		cfg.Bus.MaxPayloadBytes = 1 << 20
	}
	if cfg.Idempotency.TTLSeconds == 0 {
		cfg.Idempotency.TTLSeconds = 900
	}
	if cfg.Fraud.Threshold == 0 {
		cfg.Fraud.Threshold = 50
	}
	if cfg.Fraud.AmountCeiling == 0 {
		cfg.Fraud.AmountCeiling = 1_000_000
	}
	if cfg.Fraud.VelocityLimit == 0 {
		cfg.Fraud.VelocityLimit = 5
	}
	if cfg.Fraud.VelocityWindowSeconds == 0 {
		cfg.Fraud.VelocityWindowSeconds = 60
	}
}
