// Package reconcile keeps the lot ledger in step with the broker through two
// channels: a startup and periodic poll over every unfinished lot, and the
// live trade_updates stream.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"lotkeeper/internal/broker"
	"lotkeeper/internal/domain"
	"lotkeeper/internal/engine"
	"lotkeeper/internal/metrics"
	"lotkeeper/internal/store"
)

// Sync path labels.
const (
	PathStartup = "startup"
	PathPoll    = "poll"
	PathStream  = "stream"
)

// Options configures a Scheduler.
type Options struct {
	// PollInterval between periodic passes; zero runs the startup pass only.
	PollInterval time.Duration
	// MaxWorkers bounds concurrent broker lookups per pass; zero is unbounded.
	MaxWorkers int
	// CallTimeout bounds each broker call.
	CallTimeout time.Duration
	// OnReady is called once, after the first pass that could list the lots.
	OnReady func()
}

// Summary counts the outcomes of one poll pass.
type Summary struct {
	Checked  int
	Changed  int
	Canceled int
	Failed   int
}

// Scheduler drives engine.Syncer from the poll and the stream.
type Scheduler struct {
	broker  broker.Broker
	store   store.LotStore
	syncer  *engine.Syncer
	metrics *metrics.Metrics
	log     *slog.Logger
	opts    Options

	readyOnce sync.Once
}

// New creates a Scheduler.
func New(b broker.Broker, st store.LotStore, syncer *engine.Syncer, m *metrics.Metrics, log *slog.Logger, opts Options) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = engine.DefaultCallTimeout
	}
	return &Scheduler{
		broker:  b,
		store:   st,
		syncer:  syncer,
		metrics: m,
		log:     log.With("component", "reconcile"),
		opts:    opts,
	}
}

// Run performs the startup pass and then polls every PollInterval until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	start := time.Now()
	sum, err := s.SyncOnce(ctx, PathStartup)
	if err != nil {
		s.log.Error("startup sync failed", "error", err)
	} else {
		s.log.Info("startup sync complete", "checked", sum.Checked, "changed", sum.Changed,
			"canceled", sum.Canceled, "failed", sum.Failed, "elapsed", time.Since(start).Round(time.Millisecond))
		s.markReady()
	}

	if s.opts.PollInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sum, err := s.SyncOnce(ctx, PathPoll)
			if err != nil {
				s.log.Error("poll failed", "error", err)
				continue
			}
			s.markReady()
			if sum.Changed > 0 || sum.Canceled > 0 || sum.Failed > 0 {
				s.log.Info("poll complete", "checked", sum.Checked, "changed", sum.Changed,
					"canceled", sum.Canceled, "failed", sum.Failed)
			}
		}
	}
}

func (s *Scheduler) markReady() {
	if s.opts.OnReady != nil {
		s.readyOnce.Do(s.opts.OnReady)
	}
}

// SyncOnce reconciles every non-terminal lot against the broker, plus every
// liquidated lot still waiting for its closing fill. Lots are processed
// concurrently and independently: one lot's failure is logged and counted
// and never stops the others. The returned error is non-nil only when the
// lots could not be listed.
func (s *Scheduler) SyncOnce(ctx context.Context, path string) (Summary, error) {
	lots, err := s.store.ListNonTerminal(ctx)
	if err != nil {
		return Summary{}, err
	}
	closing, err := s.store.ListAwaitingCloseFill(ctx)
	if err != nil {
		return Summary{}, err
	}

	var (
		mu  sync.Mutex
		sum Summary
	)
	tally := func(o outcome) {
		mu.Lock()
		defer mu.Unlock()
		sum.Checked++
		switch o {
		case outcomeChanged:
			sum.Changed++
		case outcomeCanceled:
			sum.Canceled++
		case outcomeFailed:
			sum.Failed++
		}
	}

	p := pool.New()
	if s.opts.MaxWorkers > 0 {
		p = p.WithMaxGoroutines(s.opts.MaxWorkers)
	}
	for i := range lots {
		lot := &lots[i]
		p.Go(func() { tally(s.syncLot(ctx, path, lot)) })
	}
	for i := range closing {
		lot := &closing[i]
		p.Go(func() { tally(s.syncClose(ctx, path, lot)) })
	}
	p.Wait()
	return sum, nil
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeChanged
	outcomeCanceled
	outcomeFailed
)

// syncLot fetches the entry order of one lot by correlation id and merges
// it. A vanished order cancels the lot.
func (s *Scheduler) syncLot(ctx context.Context, path string, lot *domain.Lot) outcome {
	log := s.log.With("lot", lot.ID, "correlation_id", lot.CorrelationID, "path", path)

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	snap, err := s.broker.GetOrderByClientID(callCtx, lot.CorrelationID)
	cancel()

	switch {
	case errors.Is(err, domain.ErrNotFound):
		changed, err := s.syncer.ForceCanceled(ctx, lot)
		if err != nil {
			log.Error("canceling lot with vanished order", "error", err)
			s.metrics.ObserveSync(path, metrics.ResultError)
			return outcomeFailed
		}
		s.metrics.ObserveSync(path, metrics.ResultNotFound)
		if changed {
			log.Warn("broker has no order for lot, marked canceled")
			return outcomeCanceled
		}
		return outcomeUnchanged
	case err != nil:
		log.Warn("fetching order failed, will retry next pass", "error", err)
		s.metrics.ObserveSync(path, metrics.ResultError)
		return outcomeFailed
	}

	return s.apply(ctx, log, path, lot, snap)
}

// syncClose fetches the closing order of a liquidated lot.
func (s *Scheduler) syncClose(ctx context.Context, path string, lot *domain.Lot) outcome {
	log := s.log.With("lot", lot.ID, "order_id", lot.DisposingOrderID, "path", path)

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	snap, err := s.broker.GetOrder(callCtx, lot.DisposingOrderID)
	cancel()
	if err != nil {
		log.Warn("fetching closing order failed", "error", err)
		s.metrics.ObserveSync(path, metrics.ResultError)
		return outcomeFailed
	}
	return s.apply(ctx, log, path, lot, snap)
}

func (s *Scheduler) apply(ctx context.Context, log *slog.Logger, path string, lot *domain.Lot, snap *domain.OrderSnapshot) outcome {
	changed, err := s.syncer.Apply(ctx, lot, snap)
	if err != nil {
		log.Error("merging order failed", "order_id", snap.ID, "error", err)
		s.metrics.ObserveSync(path, metrics.ResultError)
		return outcomeFailed
	}
	if !changed {
		s.metrics.ObserveSync(path, metrics.ResultUnchanged)
		return outcomeUnchanged
	}
	s.metrics.ObserveSync(path, metrics.ResultChanged)
	return outcomeChanged
}
