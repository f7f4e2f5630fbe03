// Package engine owns every mutation of the lot ledger: the pure merge of
// broker order snapshots into lots, the versioned write path, and the
// operator actions that open, cancel and liquidate lots.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"lotkeeper/internal/broker"
	"lotkeeper/internal/domain"
	"lotkeeper/internal/store"
)

// DefaultCallTimeout bounds each broker call made by the engine.
const DefaultCallTimeout = 15 * time.Second

// liquidationSuffix is appended to a lot's correlation id to form the client
// order id of its closing order.
const liquidationSuffix = "-liq"

// OpenRequest describes a new lot.
type OpenRequest struct {
	Symbol       string
	Qty          decimal.Decimal
	PositionType domain.PositionType
	TimeInForce  domain.TimeInForce
	// LimitPrice selects a limit entry; nil enters at market.
	LimitPrice *decimal.Decimal
	// TargetPrice and StopPrice, when given, make the entry a bracket.
	TargetPrice *decimal.Decimal
	StopPrice   *decimal.Decimal
	BucketID    *int64
}

// Engine runs operator actions against the broker and the ledger.
type Engine struct {
	broker      broker.Broker
	store       store.LotStore
	syncer      *Syncer
	risk        *RiskManager
	log         *slog.Logger
	callTimeout time.Duration
	now         func() time.Time
}

// NewEngine creates a new Engine wired with the given dependencies.
func NewEngine(b broker.Broker, st store.LotStore, syncer *Syncer, risk *RiskManager, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		broker:      b,
		store:       st,
		syncer:      syncer,
		risk:        risk,
		log:         log.With("component", "engine"),
		callTimeout: DefaultCallTimeout,
		now:         time.Now,
	}
}

// OpenLot validates req, records a Pending lot with a fresh correlation id
// and submits the entry order under that id. The lot is stored before the
// order is sent so a fill can never arrive for a lot the ledger lacks.
//
// When the broker rejects the order the lot is marked Canceled. Any other
// placement failure leaves it Pending for reconciliation to settle.
func (e *Engine) OpenLot(ctx context.Context, req OpenRequest) (*domain.Lot, error) {
	if err := e.risk.CheckOpen(req); err != nil {
		return nil, err
	}
	tif := req.TimeInForce
	if tif == "" {
		tif = domain.TimeInForceDay
	}

	lot := &domain.Lot{
		CorrelationID: uuid.NewString(),
		CreatedAt:     e.now().UTC(),
		Symbol:        req.Symbol,
		Qty:           req.Qty,
		PositionType:  req.PositionType,
		TimeInForce:   tif,
		LimitPrice:    req.LimitPrice,
		TargetPrice:   req.TargetPrice,
		StopPrice:     req.StopPrice,
		Status:        domain.LotPending,
		BucketID:      req.BucketID,
	}
	if err := e.syncer.Insert(ctx, lot); err != nil {
		return nil, fmt.Errorf("saving new lot: %w", err)
	}
	log := e.log.With("lot", lot.ID, "correlation_id", lot.CorrelationID)

	order := domain.OrderRequest{
		ClientOrderID: lot.CorrelationID,
		Symbol:        lot.Symbol,
		Qty:           lot.Qty,
		Side:          lot.PositionType.EntrySide(),
		Type:          domain.OrderTypeMarket,
		TimeInForce:   tif,
		TakeProfit:    req.TargetPrice,
		StopLoss:      req.StopPrice,
	}
	if req.LimitPrice != nil {
		order.Type = domain.OrderTypeLimit
		order.LimitPrice = req.LimitPrice
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	snap, err := e.broker.PlaceOrder(callCtx, order)
	cancel()
	if err != nil {
		log.Warn("entry order failed", "error", err)
		if errors.Is(err, domain.ErrRejected) {
			if _, cerr := e.syncer.ForceCanceled(ctx, lot); cerr != nil {
				log.Error("marking rejected lot canceled", "error", cerr)
			}
		}
		return lot, fmt.Errorf("placing entry order for lot %d: %w", lot.ID, err)
	}

	if _, err := e.syncer.Apply(ctx, lot, snap); err != nil {
		return lot, fmt.Errorf("recording entry order for lot %d: %w", lot.ID, err)
	}
	log.Info("lot opened", "symbol", lot.Symbol, "qty", lot.Qty, "order_id", snap.ID, "bracket", order.IsBracket())
	return lot, nil
}

// Cancel cancels the entry order of a lot that has not finished and merges
// the broker's view afterwards.
func (e *Engine) Cancel(ctx context.Context, lotID int64) (*domain.Lot, error) {
	lot, err := e.store.GetByID(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if lot.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: lot %d is %s", domain.ErrPrecondition, lot.ID, lot.Status)
	}
	if lot.OpenOrderID == "" {
		return nil, fmt.Errorf("%w: lot %d has no open order", domain.ErrPrecondition, lot.ID)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	if err := e.broker.CancelOrder(callCtx, lot.OpenOrderID); err != nil {
		return nil, fmt.Errorf("canceling order %s of lot %d: %w", lot.OpenOrderID, lot.ID, err)
	}

	// The cancel request was accepted; the resulting status is reconciled
	// best-effort here and otherwise by the next poll.
	snap, err := e.broker.GetOrder(callCtx, lot.OpenOrderID)
	if err != nil {
		e.log.Warn("refreshing canceled order", "lot", lot.ID, "order_id", lot.OpenOrderID, "error", err)
		return lot, nil
	}
	if StatusFor(snap.Status) == domain.LotOther {
		// pending_cancel and friends; the poll records the final status.
		return lot, nil
	}
	if _, err := e.syncer.Apply(ctx, lot, snap); err != nil {
		e.log.Warn("recording canceled order", "lot", lot.ID, "order_id", lot.OpenOrderID, "error", err)
	}
	return lot, nil
}

// Liquidate closes an Open lot at market. It first merges the broker's view
// of the entry order, so a bracket leg that already filled disposes the lot
// with its own reason and no closing order is sent. Otherwise it cancels the
// bracket's working legs and the parent order, then submits a closing order for the filled
// quantity on the opposite side. Once the broker accepts the closing order
// the lot is disposed with reason Liquidation. Cancellation failures are
// logged and do not stop the liquidation. If the closing order fails the
// lot is left untouched and the error is returned.
func (e *Engine) Liquidate(ctx context.Context, lotID int64) (*domain.Lot, error) {
	lot, err := e.store.GetByID(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if lot.Status != domain.LotOpen {
		return nil, fmt.Errorf("%w: lot %d is %s, not open", domain.ErrPrecondition, lot.ID, lot.Status)
	}
	log := e.log.With("lot", lot.ID, "correlation_id", lot.CorrelationID)

	parent := e.fetchEntryOrder(ctx, lot, log)
	if parent != nil {
		// A leg that filled since the last reconciliation already closed the
		// position; record it instead of selling a second time.
		if _, err := e.syncer.Apply(ctx, lot, parent); err != nil {
			return nil, fmt.Errorf("recording entry order of lot %d: %w", lot.ID, err)
		}
		if lot.Status != domain.LotOpen {
			log.Warn("lot closed at the broker before liquidation",
				"status", lot.Status, "reason", lot.DisposeReason, "order_id", lot.DisposingOrderID)
			return nil, fmt.Errorf("%w: lot %d is %s, not open", domain.ErrPrecondition, lot.ID, lot.Status)
		}
	}
	e.cancelWorkingOrders(ctx, lot, parent, log)

	qty := lot.FilledQty
	if parent != nil && parent.FilledQty.GreaterThan(qty) {
		qty = parent.FilledQty
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: lot %d has no filled quantity", domain.ErrPrecondition, lot.ID)
	}

	closeReq := domain.OrderRequest{
		ClientOrderID: lot.CorrelationID + liquidationSuffix,
		Symbol:        lot.Symbol,
		Qty:           qty,
		Side:          lot.PositionType.ExitSide(),
		Type:          domain.OrderTypeMarket,
		TimeInForce:   domain.TimeInForceDay,
	}
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	closing, err := e.broker.PlaceOrder(callCtx, closeReq)
	cancel()
	if err != nil {
		log.Error("closing order failed", "qty", qty, "error", err)
		return nil, fmt.Errorf("liquidating lot %d: %w", lot.ID, err)
	}

	at := e.now().UTC()
	if closing.FilledAt != nil {
		at = *closing.FilledAt
	}
	var price *decimal.Decimal
	if closing.Status == domain.BrokerFilled {
		price = closing.FilledAvgPrice
	}

	_, err = e.syncer.Update(ctx, lot, func(l *domain.Lot) (bool, error) {
		if l.Status.IsTerminal() {
			return false, fmt.Errorf("%w: lot %d became %s during liquidation", domain.ErrPrecondition, l.ID, l.Status)
		}
		return l.Dispose(domain.DisposeLiquidation, closing.ID, &at, price), nil
	})
	if err != nil {
		log.Error("closing order placed but lot not recorded as disposed",
			"order_id", closing.ID, "error", err)
		return nil, fmt.Errorf("recording liquidation of lot %d: %w", lot.ID, err)
	}
	log.Info("lot liquidated", "order_id", closing.ID, "qty", qty)
	return lot, nil
}

// fetchEntryOrder returns the broker's current view of the lot's entry
// order, or nil when it cannot be fetched.
func (e *Engine) fetchEntryOrder(ctx context.Context, lot *domain.Lot, log *slog.Logger) *domain.OrderSnapshot {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	var (
		snap *domain.OrderSnapshot
		err  error
	)
	if lot.OpenOrderID != "" {
		snap, err = e.broker.GetOrder(callCtx, lot.OpenOrderID)
	} else {
		snap, err = e.broker.GetOrderByClientID(callCtx, lot.CorrelationID)
	}
	if err != nil {
		log.Warn("fetching entry order before liquidation", "order_id", lot.OpenOrderID, "error", err)
		return nil
	}
	return snap
}

// cancelWorkingOrders cancels every bracket leg that is still working and
// then the parent order unless the broker has already closed it. Without a
// parent snapshot the leg and order ids recorded on the lot are used.
func (e *Engine) cancelWorkingOrders(ctx context.Context, lot *domain.Lot, parent *domain.OrderSnapshot, log *slog.Logger) {
	var legIDs []string
	parentID := lot.OpenOrderID
	cancelParent := parentID != ""

	if parent != nil {
		for _, leg := range parent.Legs {
			if !leg.Status.IsTerminal() {
				legIDs = append(legIDs, leg.ID)
			}
		}
		parentID = parent.ID
		cancelParent = !parent.Status.IsTerminal()
	} else {
		for _, id := range []string{lot.StopOrderID, lot.TargetOrderID} {
			if id != "" {
				legIDs = append(legIDs, id)
			}
		}
	}

	for _, id := range legIDs {
		if err := e.cancelOrder(ctx, id); err != nil {
			log.Warn("canceling bracket leg", "order_id", id, "error", err)
		}
	}
	if cancelParent {
		if err := e.cancelOrder(ctx, parentID); err != nil {
			log.Warn("canceling entry order", "order_id", parentID, "error", err)
		}
	}
}

func (e *Engine) cancelOrder(ctx context.Context, orderID string) error {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.broker.CancelOrder(callCtx, orderID)
}
