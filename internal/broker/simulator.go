package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"lotkeeper/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements Broker in memory for paper runs and tests. It
// keeps every order it has seen and lets callers fill, cancel, replace or
// drop orders and inject one-shot errors per operation.
type SimulatorBroker struct {
	mu       sync.Mutex
	orders   map[string]*domain.OrderSnapshot
	byClient map[string]string
	faults   map[string]error
	placed   []domain.OrderRequest
	canceled []string
	now      func() time.Time
}

// Simulator operation names accepted by FailNext.
const (
	OpPlaceOrder         = "PlaceOrder"
	OpGetOrder           = "GetOrder"
	OpGetOrderByClientID = "GetOrderByClientID"
	OpCancelOrder        = "CancelOrder"
)

// NewSimulatorBroker creates an empty SimulatorBroker.
func NewSimulatorBroker() *SimulatorBroker {
	return &SimulatorBroker{
		orders:   make(map[string]*domain.OrderSnapshot),
		byClient: make(map[string]string),
		faults:   make(map[string]error),
		now:      time.Now,
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// PlaceOrder accepts the order as "new". Bracket requests get a held stop
// leg and a held target leg.
func (b *SimulatorBroker) PlaceOrder(_ context.Context, req domain.OrderRequest) (*domain.OrderSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault(OpPlaceOrder); err != nil {
		return nil, err
	}
	if !req.Qty.IsPositive() {
		return nil, fmt.Errorf("%w: qty must be positive", domain.ErrRejected)
	}
	if req.ClientOrderID != "" {
		if _, dup := b.byClient[req.ClientOrderID]; dup {
			return nil, fmt.Errorf("%w: client order id %s already used", domain.ErrRejected, req.ClientOrderID)
		}
	}

	b.placed = append(b.placed, req)
	snap := &domain.OrderSnapshot{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Status:        domain.BrokerNew,
		FilledQty:     decimal.Zero,
		LimitPrice:    copyDecimal(req.LimitPrice),
	}
	if req.IsBracket() {
		snap.Legs = []domain.Leg{
			{ID: uuid.NewString(), Kind: domain.LegTarget, Status: domain.BrokerHeld},
			{ID: uuid.NewString(), Kind: domain.LegStop, Status: domain.BrokerHeld},
		}
	}
	b.storeLocked(snap)
	return cloneSnapshot(snap), nil
}

// GetOrder returns the order with the given broker id.
func (b *SimulatorBroker) GetOrder(_ context.Context, orderID string) (*domain.OrderSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault(OpGetOrder); err != nil {
		return nil, err
	}
	o, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	return cloneSnapshot(o), nil
}

// GetOrderByClientID returns the order with the given client order id.
func (b *SimulatorBroker) GetOrderByClientID(_ context.Context, clientOrderID string) (*domain.OrderSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault(OpGetOrderByClientID); err != nil {
		return nil, err
	}
	id, ok := b.byClient[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("client order %s: %w", clientOrderID, domain.ErrNotFound)
	}
	return cloneSnapshot(b.orders[id]), nil
}

// CancelOrder cancels a working order or bracket leg. Canceling an order the
// broker has already closed is rejected, as Alpaca does.
func (b *SimulatorBroker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fault(OpCancelOrder); err != nil {
		return err
	}
	b.canceled = append(b.canceled, orderID)

	if o, ok := b.orders[orderID]; ok {
		if o.Status.IsTerminal() {
			return fmt.Errorf("%w: order %s is %s", domain.ErrRejected, orderID, o.Status)
		}
		o.Status = domain.BrokerCanceled
		for i := range o.Legs {
			if !o.Legs[i].Status.IsTerminal() {
				o.Legs[i].Status = domain.BrokerCanceled
			}
		}
		return nil
	}
	for _, o := range b.orders {
		for i := range o.Legs {
			if o.Legs[i].ID != orderID {
				continue
			}
			if o.Legs[i].Status.IsTerminal() {
				return fmt.Errorf("%w: leg %s is %s", domain.ErrRejected, orderID, o.Legs[i].Status)
			}
			o.Legs[i].Status = domain.BrokerCanceled
			return nil
		}
	}
	return fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
}

// SetOrder stores snap as the broker's current view of that order,
// replacing any previous version.
func (b *SimulatorBroker) SetOrder(snap *domain.OrderSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.storeLocked(cloneSnapshot(snap))
}

// Fill records a fill of qty at price on the order, marking it
// partially_filled or filled, and releases held bracket legs to "new".
func (b *SimulatorBroker) Fill(orderID string, qty, price decimal.Decimal, partial bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	at := b.now().UTC()
	o.FilledQty = qty
	o.FilledAvgPrice = &price
	o.FilledAt = &at
	o.Status = domain.BrokerFilled
	if partial {
		o.Status = domain.BrokerPartiallyFilled
	}
	for i := range o.Legs {
		if o.Legs[i].Status == domain.BrokerHeld {
			o.Legs[i].Status = domain.BrokerNew
		}
	}
	return nil
}

// FillLeg fills the bracket leg of the given kind at price and cancels its
// sibling.
func (b *SimulatorBroker) FillLeg(orderID string, kind domain.LegKind, price decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	at := b.now().UTC()
	found := false
	for i := range o.Legs {
		leg := &o.Legs[i]
		if leg.Kind == kind && !found {
			leg.Status = domain.BrokerFilled
			leg.FilledQty = o.FilledQty
			leg.FilledAvgPrice = &price
			leg.FilledAt = &at
			found = true
			continue
		}
		if !leg.Status.IsTerminal() {
			leg.Status = domain.BrokerCanceled
		}
	}
	if !found {
		return fmt.Errorf("order %s has no %s leg: %w", orderID, kind, domain.ErrNotFound)
	}
	return nil
}

// Drop forgets an order so lookups report it as not found.
func (b *SimulatorBroker) Drop(orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.orders[orderID]; ok {
		delete(b.byClient, o.ClientOrderID)
		delete(b.orders, orderID)
	}
}

// FailNext makes the next call of op return err.
func (b *SimulatorBroker) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[op] = err
}

// Placed returns the requests accepted by PlaceOrder, oldest first.
func (b *SimulatorBroker) Placed() []domain.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.OrderRequest(nil), b.placed...)
}

// Canceled returns every order id passed to CancelOrder, oldest first.
func (b *SimulatorBroker) Canceled() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.canceled...)
}

func (b *SimulatorBroker) fault(op string) error {
	err, ok := b.faults[op]
	if !ok {
		return nil
	}
	delete(b.faults, op)
	return err
}

func (b *SimulatorBroker) storeLocked(snap *domain.OrderSnapshot) {
	b.orders[snap.ID] = snap
	if snap.ClientOrderID != "" {
		b.byClient[snap.ClientOrderID] = snap.ID
	}
}

func cloneSnapshot(s *domain.OrderSnapshot) *domain.OrderSnapshot {
	c := *s
	c.FilledAvgPrice = copyDecimal(s.FilledAvgPrice)
	c.LimitPrice = copyDecimal(s.LimitPrice)
	c.FilledAt = copyTime(s.FilledAt)
	if s.Legs != nil {
		c.Legs = make([]domain.Leg, len(s.Legs))
		for i, leg := range s.Legs {
			leg.FilledAvgPrice = copyDecimal(leg.FilledAvgPrice)
			leg.FilledAt = copyTime(leg.FilledAt)
			c.Legs[i] = leg
		}
	}
	return &c
}
