package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"lotkeeper/internal/domain"
	"lotkeeper/internal/metrics"
	"lotkeeper/internal/notify"
	"lotkeeper/internal/store"
	"lotkeeper/internal/util"
)

const conflictBackoff = 5 * time.Millisecond

// Syncer is the only writer of merged broker state: it folds a snapshot or a
// local mutation into a lot and persists it with one versioned upsert,
// re-reading and re-applying when a concurrent writer won the race.
type Syncer struct {
	store   store.LotStore
	hub     *notify.Hub
	metrics *metrics.Metrics
	log     *slog.Logger
	retries int
}

// NewSyncer creates a Syncer. conflictRetries bounds how many times a write
// is retried after domain.ErrConflict. hub and m may be nil.
func NewSyncer(st store.LotStore, hub *notify.Hub, m *metrics.Metrics, log *slog.Logger, conflictRetries int) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	if conflictRetries < 0 {
		conflictRetries = 0
	}
	return &Syncer{
		store:   st,
		hub:     hub,
		metrics: m,
		log:     log.With("component", "syncer"),
		retries: conflictRetries,
	}
}

// Apply merges snap into lot and persists the result. It reports whether the
// stored lot changed; an unchanged merge performs no write. On success lot
// holds the persisted state.
func (s *Syncer) Apply(ctx context.Context, lot *domain.Lot, snap *domain.OrderSnapshot) (bool, error) {
	return s.Update(ctx, lot, func(l *domain.Lot) (bool, error) {
		return Merge(l, snap)
	})
}

// Insert persists a lot that has no row yet and announces it to
// subscribers.
func (s *Syncer) Insert(ctx context.Context, lot *domain.Lot) error {
	if err := s.store.Upsert(ctx, lot); err != nil {
		return err
	}
	s.hub.PublishLot(lot)
	return nil
}

// ForceCanceled marks a lot whose broker order has vanished as Canceled.
// A lot that is already terminal by the time it is written is left alone.
func (s *Syncer) ForceCanceled(ctx context.Context, lot *domain.Lot) (bool, error) {
	return s.Update(ctx, lot, func(l *domain.Lot) (bool, error) {
		if l.Status.IsTerminal() {
			return false, nil
		}
		l.Status = domain.LotCanceled
		return true, nil
	})
}

// Update applies mutate to a copy of lot and upserts it when mutate reports a
// change. On domain.ErrConflict the lot is re-read from the store and mutate
// runs again on the fresh copy.
func (s *Syncer) Update(ctx context.Context, lot *domain.Lot, mutate func(*domain.Lot) (bool, error)) (bool, error) {
	cur := lot
	var saved *domain.Lot
	attempt := 0

	err := util.RetryIf(ctx, s.retries+1, conflictBackoff, isConflict, func() error {
		if attempt > 0 {
			fresh, err := s.store.GetByID(ctx, lot.ID)
			if err != nil {
				return err
			}
			cur = fresh
		}
		attempt++

		working := cur.Clone()
		changed, err := mutate(working)
		if err != nil || !changed {
			return err
		}
		if err := s.store.Upsert(ctx, working); err != nil {
			if isConflict(err) {
				s.metrics.ObserveConflict()
				s.log.Debug("version conflict, retrying", "lot", lot.ID, "attempt", attempt)
			}
			return err
		}
		saved = working
		return nil
	})
	if err != nil {
		return false, err
	}

	if saved == nil {
		if cur != lot {
			*lot = *cur
		}
		return false, nil
	}

	if saved.Status == domain.LotDisposed && cur.Status != domain.LotDisposed {
		s.metrics.ObserveDisposal(string(saved.DisposeReason))
		s.log.Info("lot disposed", "lot", saved.ID, "correlation_id", saved.CorrelationID,
			"reason", saved.DisposeReason, "order_id", saved.DisposingOrderID)
	}
	if saved.Status != cur.Status {
		s.log.Info("lot status changed", "lot", saved.ID, "correlation_id", saved.CorrelationID,
			"from", cur.Status, "to", saved.Status, "broker_status", saved.BrokerStatus)
	}
	*lot = *saved
	s.hub.PublishLot(saved)
	return true, nil
}

func isConflict(err error) bool {
	return errors.Is(err, domain.ErrConflict)
}
