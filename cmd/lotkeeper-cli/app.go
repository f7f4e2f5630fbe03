package main

import (
	"fmt"
	"log/slog"
	"sync"

	"lotkeeper/internal/broker"
	"lotkeeper/internal/config"
	"lotkeeper/internal/engine"
	"lotkeeper/internal/reconcile"
	"lotkeeper/internal/store"
	"lotkeeper/internal/util"
)

// app holds the components a command may need, built from the same
// configuration as lotkeeper-server.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	lots    *store.SQLiteStore
	archive *store.ParquetStore
	engine  *engine.Engine
	sched   *reconcile.Scheduler

	closeOnce sync.Once
}

func newApp() (*app, error) {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	maxNotional, err := cfg.Trading.MaxNotional()
	if err != nil {
		return nil, err
	}

	logger := util.NewLogger(cfg.Logging.Level, "text")
	util.SetDefault(logger)

	lots, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening lot store: %w", err)
	}

	b := broker.NewAlpacaBroker(broker.AlpacaConfig{
		APIKey:         cfg.Alpaca.APIKey,
		APISecret:      cfg.Alpaca.APISecret,
		BaseURL:        cfg.Alpaca.BaseURL,
		RequestTimeout: cfg.Alpaca.RequestTimeout,
		RateLimit:      cfg.Alpaca.RateLimitPerMin,
	}, logger)

	// No hub or metrics: nothing in a one-shot command consumes them.
	syncer := engine.NewSyncer(lots, nil, nil, logger, cfg.Sync.ConflictRetries)

	return &app{
		cfg:     cfg,
		log:     logger,
		lots:    lots,
		archive: store.NewParquetStore(cfg.Storage.DataDir),
		engine:  engine.NewEngine(b, lots, syncer, engine.NewRiskManager(maxNotional), logger),
		sched: reconcile.New(b, lots, syncer, nil, logger, reconcile.Options{
			MaxWorkers:  cfg.Sync.MaxWorkers,
			CallTimeout: cfg.Alpaca.RequestTimeout,
		}),
	}, nil
}

func (a *app) Close() {
	a.closeOnce.Do(func() {
		if err := a.lots.Close(); err != nil {
			a.log.Warn("closing lot store", "error", err)
		}
	})
}
