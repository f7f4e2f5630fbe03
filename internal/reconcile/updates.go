package reconcile

import (
	"context"
	"encoding/json"
	"errors"

	"lotkeeper/internal/broker"
	"lotkeeper/internal/domain"
	"lotkeeper/internal/metrics"
)

const tradeUpdatesStream = "trade_updates"

// tradeUpdate is the envelope of a stream message.
type tradeUpdate struct {
	Stream string `json:"stream"`
	Data   struct {
		Event string          `json:"event"`
		Order json.RawMessage `json:"order"`
	} `json:"data"`
}

// HandleMessage processes one raw stream message. Only fill and
// partial_fill trade updates touch the ledger; every other message is
// acknowledged and ignored. Malformed messages and orders that belong to no
// known lot are logged and dropped. HandleMessage never fails: the stream
// keeps going whatever a single message contains.
func (s *Scheduler) HandleMessage(ctx context.Context, msg []byte) {
	var u tradeUpdate
	if err := json.Unmarshal(msg, &u); err != nil {
		s.log.Warn("dropping malformed stream message", "error", err, "bytes", len(msg))
		s.metrics.ObserveMessage(metrics.MessageDropped)
		return
	}
	if u.Stream != tradeUpdatesStream {
		s.log.Debug("ignoring stream message", "stream", u.Stream)
		s.metrics.ObserveMessage(metrics.MessageIgnored)
		return
	}
	switch u.Data.Event {
	case "fill", "partial_fill":
	case "":
		s.log.Warn("dropping trade update without event")
		s.metrics.ObserveMessage(metrics.MessageDropped)
		return
	default:
		s.log.Debug("ignoring trade update", "event", u.Data.Event)
		s.metrics.ObserveMessage(metrics.MessageIgnored)
		return
	}
	if len(u.Data.Order) == 0 {
		s.log.Warn("dropping trade update without order", "event", u.Data.Event)
		s.metrics.ObserveMessage(metrics.MessageDropped)
		return
	}
	snap, err := broker.DecodeOrder(u.Data.Order)
	if err != nil {
		s.log.Warn("dropping trade update with invalid order", "event", u.Data.Event, "error", err)
		s.metrics.ObserveMessage(metrics.MessageDropped)
		return
	}

	log := s.log.With("event", u.Data.Event, "order_id", snap.ID, "client_order_id", snap.ClientOrderID)

	lot, err := s.resolveLot(ctx, snap)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("dropping trade update for unknown order")
		s.metrics.ObserveMessage(metrics.MessageDropped)
		return
	}
	if err != nil {
		log.Error("looking up lot for trade update", "error", err)
		s.metrics.ObserveMessage(metrics.MessageError)
		return
	}
	log = log.With("lot", lot.ID)

	// A leg's fill is reported on the leg order itself; fold in the parent,
	// which carries both legs, so disposal detection sees the whole bracket.
	if snap.ID != lot.DisposingOrderID && snap.ClientOrderID != lot.CorrelationID {
		parent, err := s.fetchParent(ctx, lot)
		if err != nil {
			log.Warn("fetching parent of filled leg failed, poll will catch up", "error", err)
			s.metrics.ObserveMessage(metrics.MessageError)
			return
		}
		snap = parent
	}

	if s.apply(ctx, log, PathStream, lot, snap) == outcomeFailed {
		s.metrics.ObserveMessage(metrics.MessageError)
		return
	}
	s.metrics.ObserveMessage(metrics.MessageMerged)
}

// resolveLot finds the lot an order belongs to: by correlation id for entry
// orders, otherwise by order id for bracket legs and closing orders.
func (s *Scheduler) resolveLot(ctx context.Context, snap *domain.OrderSnapshot) (*domain.Lot, error) {
	lot, err := s.store.GetByCorrelationID(ctx, snap.ClientOrderID)
	if !errors.Is(err, domain.ErrNotFound) {
		return lot, err
	}
	return s.store.GetByOrderID(ctx, snap.ID)
}

func (s *Scheduler) fetchParent(ctx context.Context, lot *domain.Lot) (*domain.OrderSnapshot, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	if lot.OpenOrderID != "" {
		return s.broker.GetOrder(callCtx, lot.OpenOrderID)
	}
	return s.broker.GetOrderByClientID(callCtx, lot.CorrelationID)
}
