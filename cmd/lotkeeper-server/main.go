package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sourcegraph/conc/pool"

	"lotkeeper/internal/api"
	"lotkeeper/internal/broker"
	"lotkeeper/internal/config"
	"lotkeeper/internal/engine"
	"lotkeeper/internal/metrics"
	"lotkeeper/internal/notify"
	"lotkeeper/internal/reconcile"
	"lotkeeper/internal/store"
	"lotkeeper/internal/stream"
	"lotkeeper/internal/util"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("lotkeeper-server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	lots, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening lot store: %w", err)
	}
	defer lots.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	hub := notify.NewHub(logger)

	b := broker.NewAlpacaBroker(broker.AlpacaConfig{
		APIKey:         cfg.Alpaca.APIKey,
		APISecret:      cfg.Alpaca.APISecret,
		BaseURL:        cfg.Alpaca.BaseURL,
		RequestTimeout: cfg.Alpaca.RequestTimeout,
		RateLimit:      cfg.Alpaca.RateLimitPerMin,
	}, logger)

	syncer := engine.NewSyncer(lots, hub, m, logger, cfg.Sync.ConflictRetries)

	srv := api.NewServer(cfg.Server, hub, m, logger)

	sched := reconcile.New(b, lots, syncer, m, logger, reconcile.Options{
		PollInterval: cfg.Sync.PollInterval,
		MaxWorkers:   cfg.Sync.MaxWorkers,
		CallTimeout:  cfg.Alpaca.RequestTimeout,
		OnReady:      srv.SetReady,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("lotkeeper-server starting",
		"broker", b.Name(),
		"paper", cfg.Trading.PaperMode,
		"http", cfg.Server.HTTPAddr(),
		"grpc", cfg.Server.GRPCAddr(),
	)

	p := pool.New().WithContext(ctx).WithCancelOnError()
	start := func(name string, fn func(context.Context) error) {
		p.Go(func(ctx context.Context) error {
			err := fn(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("%s: %w", name, err)
		})
	}

	start("api", srv.ListenAndServe)
	start("reconcile", sched.Run)
	if cfg.Alpaca.StreamURL != "" {
		client := stream.NewClient(stream.Config{
			URL:    cfg.Alpaca.StreamURL,
			Key:    cfg.Alpaca.APIKey,
			Secret: cfg.Alpaca.APISecret,
		}, sched.HandleMessage, m, logger)
		start("stream", client.Run)
	} else {
		logger.Warn("no stream_url configured, relying on the poll alone")
	}

	err = p.Wait()
	logger.Info("lotkeeper-server shut down")
	return err
}
