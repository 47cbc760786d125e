package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/anthonyo1978/taketwo-ndis-sub000/automation"
	"github.com/anthonyo1978/taketwo-ndis-sub000/billing"
	"github.com/anthonyo1978/taketwo-ndis-sub000/billing/store"
	"github.com/anthonyo1978/taketwo-ndis-sub000/config"
	"github.com/anthonyo1978/taketwo-ndis-sub000/logging"
	"github.com/anthonyo1978/taketwo-ndis-sub000/store/postgres"
	"github.com/anthonyo1978/taketwo-ndis-sub000/store/sqlite"
)

// backend is everything the service needs from one database.
type backend interface {
	billing.TxStore
	billing.IDAllocator
	automation.SettingsStore
	automation.RunStore
	SetPrefix(ctx context.Context, orgID billing.OrganizationID, prefix string) error
}

// memoryBackend joins the in-memory billing and automation stores.
type memoryBackend struct {
	*store.TxMemory
	*automation.MemoryStore
}

func (m memoryBackend) SetPrefix(_ context.Context, orgID billing.OrganizationID, prefix string) error {
	m.TxMemory.SetPrefix(orgID, prefix)
	return nil
}

// app holds the wired components for one command invocation.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	store     backend
	generator *billing.Generator
	scheduler *automation.Scheduler
	close     func()
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	db, closeDB, err := openBackend(ctx, cfg.Database)
	if err != nil {
		logger.Sync()
		return nil, err
	}

	g := billing.NewGenerator(db, db, logger)
	g.Location = cfg.Location()
	g.Zones = automation.SettingsZones{Settings: db, Default: cfg.Location()}
	g.Notifier = automation.NewLogNotifier(logger)

	sched := automation.NewScheduler(db, db, g, logger)
	sched.Location = cfg.Location()
	sched.Enabled = cfg.Automation.Enabled
	if sched.CheckInterval, err = cfg.CheckInterval(); err != nil {
		closeDB()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     db,
		generator: g,
		scheduler: sched,
		close: func() {
			closeDB()
			logger.Sync()
		},
	}, nil
}

func openBackend(ctx context.Context, cfg config.DatabaseConfig) (backend, func(), error) {
	switch cfg.Driver {
	case "memory":
		return memoryBackend{store.NewTxMemory(), automation.NewMemoryStore()}, func() {}, nil
	case "sqlite":
		db, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		return db, func() { db.Close() }, nil
	case "postgres":
		db, err := postgres.New(ctx, cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		return db, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
