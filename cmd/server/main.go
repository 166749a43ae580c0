package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vaultpay/vaultpay/internal/api"
	"github.com/vaultpay/vaultpay/internal/audit"
	"github.com/vaultpay/vaultpay/internal/bus"
	"github.com/vaultpay/vaultpay/internal/config"
	"github.com/vaultpay/vaultpay/internal/event"
	"github.com/vaultpay/vaultpay/internal/fraud"
	"github.com/vaultpay/vaultpay/internal/funds"
	"github.com/vaultpay/vaultpay/internal/idempotency"
	"github.com/vaultpay/vaultpay/internal/kv"
	"github.com/vaultpay/vaultpay/internal/saga"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	cfgPath := flag.String("config", "configs/vaultpay.yaml", "Path to YAML config")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		slog.Error("config validation failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage and bus backends ─────────────────────────────────────────────
	var (
		db         *pgxpool.Pool
		eventBus   bus.Bus
		kvStore    kv.Store
		txnStore   saga.Store
		accounts   funds.AccountStore
		devices    fraud.DeviceStore
		auditStore audit.Store
	)
	switch cfg.Storage.Backend {
	case "postgres":
		dsn := os.Getenv(cfg.Storage.DSNEnv)
		if dsn == "" {
			slog.Error("postgres backend selected but DSN env var is empty", "env", cfg.Storage.DSNEnv)
			os.Exit(1)
		}
		db, err = pgxpool.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to open postgres pool", "err", err)
			os.Exit(1)
		}
		defer db.Close()

		pgBus := bus.NewPostgres(db, bus.PostgresOptions{
			PollInterval:    time.Duration(cfg.Bus.PollIntervalMs) * time.Millisecond,
			MaxPayloadBytes: cfg.Bus.MaxPayloadBytes,
			RedeliveryDelay: time.Duration(cfg.Bus.RedeliveryDelayMs) * time.Millisecond,
		})
		pgKV := kv.NewPostgres(db)
		pgTxns := saga.NewPGStore(db)
		pgAccounts := funds.NewPostgresAccounts(db)
		pgDevices := fraud.NewPostgresDeviceStore(db)
		pgAudit := audit.NewPostgresStore(db)
		for _, ensure := range []func(context.Context) error{
			pgBus.EnsureSchema, pgKV.EnsureSchema, pgTxns.EnsureSchema,
			pgAccounts.EnsureSchema, pgDevices.EnsureSchema, pgAudit.EnsureSchema,
		} {
			if err := ensure(ctx); err != nil {
				slog.Error("schema migration failed", "err", err)
				os.Exit(1)
			}
		}
		eventBus, kvStore, txnStore = pgBus, pgKV, pgTxns
		accounts, devices, auditStore = pgAccounts, pgDevices, pgAudit
	default:
		eventBus = bus.NewMemory(bus.MemoryOptions{
			MaxPayloadBytes: cfg.Bus.MaxPayloadBytes,
			RedeliveryDelay: time.Duration(cfg.Bus.RedeliveryDelayMs) * time.Millisecond,
			Workers:         cfg.Bus.Workers,
		})
		kvStore = kv.NewMemory()
		txnStore = saga.NewMemStore()
		accounts = funds.NewMemoryAccounts()
		devices = fraud.NewMemoryDeviceStore()
		auditStore = audit.NewMemoryStore()
	}
	if err := eventBus.EnsureTopic(ctx, cfg.Bus.Topic, event.Subjects()); err != nil {
		slog.Error("topic setup failed", "topic", cfg.Bus.Topic, "err", err)
		os.Exit(1)
	}
	slog.Info("bus ready", "backend", cfg.Storage.Backend, "topic", cfg.Bus.Topic)

	subOpts := bus.SubscribeOptions{
		MaxDeliver: cfg.Bus.MaxDeliver,
		AckWait:    time.Duration(cfg.Bus.AckWaitMs) * time.Millisecond,
	}

	// ── Fraud rules ──────────────────────────────────────────────────────────
	amountRule := fraud.NewHighAmountRule(cfg.Fraud.AmountCeiling)
	velocityRule := fraud.NewVelocityRule(kvStore, cfg.Fraud.VelocityLimit,
		time.Duration(cfg.Fraud.VelocityWindowSeconds)*time.Second)
	reg := fraud.NewRegistry()
	reg.Register(amountRule)
	reg.Register(velocityRule)
	reg.Register(fraud.NewDeviceMismatchRule(devices))
	evaluator := fraud.NewEvaluator(reg, cfg.Fraud.Threshold)

	listener := fraud.NewListener(eventBus, evaluator, subOpts)
	if err := listener.Run(); err != nil {
		slog.Error("fraud listener failed to start", "err", err)
		os.Exit(1)
	}

	// ── Funds processor ──────────────────────────────────────────────────────
	if cfg.Funds.Enabled {
		for _, acc := range cfg.Funds.SeedAccounts {
			if err := accounts.Seed(ctx, acc.ID, acc.Balance); err != nil {
				slog.Error("account seed failed", "account", acc.ID, "err", err)
				os.Exit(1)
			}
		}
		processor := funds.NewProcessor(eventBus, accounts, subOpts)
		if err := processor.Run(); err != nil {
			slog.Error("funds processor failed to start", "err", err)
			os.Exit(1)
		}
	}

	// ── Audit recorder ───────────────────────────────────────────────────────
	if cfg.Audit.Enabled {
		recorder := audit.NewRecorder(eventBus, auditStore, cfg.Audit.DeadLetterSubjects, subOpts)
		if err := recorder.Run(); err != nil {
			slog.Error("audit recorder failed to start", "err", err)
			os.Exit(1)
		}
	}

	// ── Orchestrator ─────────────────────────────────────────────────────────
	guard := idempotency.NewGuard(kvStore, time.Duration(cfg.Idempotency.TTLSeconds)*time.Second)
	orch := saga.NewOrchestrator(eventBus, txnStore, guard, subOpts)
	if err := orch.RegisterHandlers(); err != nil {
		slog.Error("orchestrator failed to start", "err", err)
		os.Exit(1)
	}

	// ── Hot-reload watcher ───────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		if err := config.Validate(newCfg); err != nil {
			slog.Warn("hot-reload skipped: config invalid", "err", err)
			return
		}
		evaluator.SetThreshold(newCfg.Fraud.Threshold)
		amountRule.SetCeiling(newCfg.Fraud.AmountCeiling)
		velocityRule.SetLimit(newCfg.Fraud.VelocityLimit)
		slog.Info("fraud tunables hot-reloaded",
			"threshold", newCfg.Fraud.Threshold,
			"amount_ceiling", newCfg.Fraud.AmountCeiling,
			"velocity_limit", newCfg.Fraud.VelocityLimit)
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	listenAddr := cfg.Server.Addr
	if *addr != "" {
		listenAddr = *addr
	}
	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      api.New(orch, txnStore),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutMs) * time.Millisecond,
	}

	go func() {
		slog.Info("server starting", "addr", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	if err := eventBus.Close(); err != nil {
		slog.Warn("bus close", "err", err)
	}
	cancel()
	slog.Info("goodbye")
}
