// Package domain defines the ledger types shared by the store, broker,
// engine and reconciliation packages.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// LotStatus is the local lifecycle state of a lot. The numeric value is the
// tag persisted by the store.
type LotStatus int

const (
	// LotPending: order submitted, not yet (partially) filled.
	LotPending LotStatus = iota
	// LotOpen: entry order (partially) filled; the position is held.
	LotOpen
	// LotDisposed: the position was closed by a leg fill or a liquidation.
	LotDisposed
	// LotCanceled: the entry order was canceled, rejected or expired, or
	// vanished broker-side.
	LotCanceled
	// LotOther: the broker reported a status we do not map; needs manual
	// follow-up.
	LotOther
)

var lotStatusNames = [...]string{
	LotPending:  "pending",
	LotOpen:     "open",
	LotDisposed: "disposed",
	LotCanceled: "canceled",
	LotOther:    "other",
}

func (s LotStatus) String() string {
	if s < 0 || int(s) >= len(lotStatusNames) {
		return fmt.Sprintf("LotStatus(%d)", int(s))
	}
	return lotStatusNames[s]
}

// MarshalText renders the status by name for JSON output.
func (s LotStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *LotStatus) UnmarshalText(b []byte) error {
	for i, name := range lotStatusNames {
		if name == string(b) {
			*s = LotStatus(i)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown lot status %q", ErrValidation, string(b))
}

// Valid reports whether s is one of the defined statuses.
func (s LotStatus) Valid() bool {
	return s >= LotPending && s <= LotOther
}

// IsTerminal reports whether the status is final (Disposed or Canceled).
func (s LotStatus) IsTerminal() bool {
	return s == LotDisposed || s == LotCanceled
}

// Rank orders statuses along Pending < Open < {Disposed, Canceled}. Other is
// a side branch and has no rank (-1).
func (s LotStatus) Rank() int {
	switch s {
	case LotPending:
		return 0
	case LotOpen:
		return 1
	case LotDisposed, LotCanceled:
		return 2
	default:
		return -1
	}
}

// DisposeReason records why a lot was disposed.
type DisposeReason string

const (
	DisposeLiquidation DisposeReason = "liquidation"
	DisposeStopOut     DisposeReason = "stop_out"
	DisposeProfit      DisposeReason = "profit"
)

// PositionType is the direction of the position a lot represents.
type PositionType string

const (
	PositionLong  PositionType = "long"
	PositionShort PositionType = "short"
)

// EntrySide returns the order side that opens a position of this type.
func (p PositionType) EntrySide() Side {
	if p == PositionShort {
		return SideSell
	}
	return SideBuy
}

// ExitSide returns the order side that closes a position of this type.
func (p PositionType) ExitSide() Side {
	if p == PositionShort {
		return SideBuy
	}
	return SideSell
}

// TimeInForce describes how long an order remains working.
type TimeInForce string

const (
	// TimeInForceDay orders are canceled at the end of regular trading hours.
	TimeInForceDay TimeInForce = "day"
	// TimeInForceGTC orders stay working until canceled.
	TimeInForceGTC TimeInForce = "gtc"
)

// ---------------------------------------------------------------------------
// Lot
// ---------------------------------------------------------------------------

// Lot is the ledger entry for one intended position.
type Lot struct {
	ID            int64     `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`

	// Intent, as originally requested.
	Symbol       string           `json:"symbol"`
	Qty          decimal.Decimal  `json:"qty"`
	PositionType PositionType     `json:"position_type"`
	TimeInForce  TimeInForce      `json:"time_in_force,omitempty"`
	LimitPrice   *decimal.Decimal `json:"limit_price,omitempty"`
	TargetPrice  *decimal.Decimal `json:"target_price,omitempty"`
	StopPrice    *decimal.Decimal `json:"stop_price,omitempty"`

	// Execution mirror.
	Status         LotStatus        `json:"status"`
	BrokerStatus   BrokerStatus     `json:"broker_status,omitempty"`
	FilledQty      decimal.Decimal  `json:"filled_qty"`
	FilledAvgPrice *decimal.Decimal `json:"filled_avg_price,omitempty"`
	CostBasis      *decimal.Decimal `json:"cost_basis,omitempty"`

	// Disposal; all four are set together.
	DisposedAt        *time.Time       `json:"disposed_at,omitempty"`
	DisposedFillPrice *decimal.Decimal `json:"disposed_fill_price,omitempty"`
	DisposeReason     DisposeReason    `json:"dispose_reason,omitempty"`
	DisposingOrderID  string           `json:"disposing_order_id,omitempty"`

	// Broker linkage.
	OpenOrderID   string `json:"open_order_id,omitempty"`
	StopOrderID   string `json:"stop_order_id,omitempty"`
	TargetOrderID string `json:"target_order_id,omitempty"`

	BucketID *int64 `json:"bucket_id,omitempty"`

	// Version is the optimistic concurrency token maintained by the store.
	Version int64 `json:"version"`
}

// SetCostBasis recomputes CostBasis from FilledAvgPrice and FilledQty.
func (l *Lot) SetCostBasis() {
	if l.FilledAvgPrice == nil {
		l.CostBasis = nil
		return
	}
	cb := l.FilledAvgPrice.Mul(l.FilledQty)
	l.CostBasis = &cb
}

// Dispose records a disposal. It is a no-op returning false when the lot
// has already been disposed.
func (l *Lot) Dispose(reason DisposeReason, orderID string, at *time.Time, price *decimal.Decimal) bool {
	if l.Status == LotDisposed {
		return false
	}
	l.Status = LotDisposed
	l.DisposeReason = reason
	l.DisposingOrderID = orderID
	l.DisposedAt = cloneTime(at)
	l.DisposedFillPrice = cloneDecimal(price)
	return true
}

// AwaitingCloseFill reports whether the lot was liquidated and the closing
// order's fill price has not been recorded yet.
func (l *Lot) AwaitingCloseFill() bool {
	return l.Status == LotDisposed &&
		l.DisposeReason == DisposeLiquidation &&
		l.DisposingOrderID != "" &&
		l.DisposedFillPrice == nil
}

// Clone returns a deep copy of the lot.
func (l *Lot) Clone() *Lot {
	c := *l
	c.LimitPrice = cloneDecimal(l.LimitPrice)
	c.TargetPrice = cloneDecimal(l.TargetPrice)
	c.StopPrice = cloneDecimal(l.StopPrice)
	c.FilledAvgPrice = cloneDecimal(l.FilledAvgPrice)
	c.CostBasis = cloneDecimal(l.CostBasis)
	c.DisposedAt = cloneTime(l.DisposedAt)
	c.DisposedFillPrice = cloneDecimal(l.DisposedFillPrice)
	if l.BucketID != nil {
		id := *l.BucketID
		c.BucketID = &id
	}
	return &c
}

// Equal compares every ledger field by value. Version is ignored.
func (l *Lot) Equal(o *Lot) bool {
	if l == nil || o == nil {
		return l == o
	}
	return l.ID == o.ID &&
		l.CorrelationID == o.CorrelationID &&
		l.CreatedAt.Equal(o.CreatedAt) &&
		l.Symbol == o.Symbol &&
		l.Qty.Equal(o.Qty) &&
		l.PositionType == o.PositionType &&
		l.TimeInForce == o.TimeInForce &&
		decimalPtrEqual(l.LimitPrice, o.LimitPrice) &&
		decimalPtrEqual(l.TargetPrice, o.TargetPrice) &&
		decimalPtrEqual(l.StopPrice, o.StopPrice) &&
		l.Status == o.Status &&
		l.BrokerStatus == o.BrokerStatus &&
		l.FilledQty.Equal(o.FilledQty) &&
		decimalPtrEqual(l.FilledAvgPrice, o.FilledAvgPrice) &&
		decimalPtrEqual(l.CostBasis, o.CostBasis) &&
		timePtrEqual(l.DisposedAt, o.DisposedAt) &&
		decimalPtrEqual(l.DisposedFillPrice, o.DisposedFillPrice) &&
		l.DisposeReason == o.DisposeReason &&
		l.DisposingOrderID == o.DisposingOrderID &&
		l.OpenOrderID == o.OpenOrderID &&
		l.StopOrderID == o.StopOrderID &&
		l.TargetOrderID == o.TargetOrderID &&
		int64PtrEqual(l.BucketID, o.BucketID)
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func decimalPtrEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
