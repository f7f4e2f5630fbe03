package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BrokerStatus is the broker's order status, stored verbatim.
type BrokerStatus string

// Broker order statuses, using the broker's wire spelling.
const (
	BrokerNew                BrokerStatus = "new"
	BrokerPendingNew         BrokerStatus = "pending_new"
	BrokerAccepted           BrokerStatus = "accepted"
	BrokerAcceptedForBidding BrokerStatus = "accepted_for_bidding"
	BrokerPartiallyFilled    BrokerStatus = "partially_filled"
	BrokerFilled             BrokerStatus = "filled"
	BrokerDoneForDay         BrokerStatus = "done_for_day"
	BrokerCanceled           BrokerStatus = "canceled"
	BrokerExpired            BrokerStatus = "expired"
	BrokerRejected           BrokerStatus = "rejected"
	BrokerReplaced           BrokerStatus = "replaced"
	BrokerPendingCancel      BrokerStatus = "pending_cancel"
	BrokerPendingReplace     BrokerStatus = "pending_replace"
	BrokerStopped            BrokerStatus = "stopped"
	BrokerSuspended          BrokerStatus = "suspended"
	BrokerCalculated         BrokerStatus = "calculated"
	BrokerHeld               BrokerStatus = "held"
)

// KnownBrokerStatuses lists every status the broker documents.
var KnownBrokerStatuses = []BrokerStatus{
	BrokerNew, BrokerPendingNew, BrokerAccepted, BrokerAcceptedForBidding,
	BrokerPartiallyFilled, BrokerFilled, BrokerDoneForDay, BrokerCanceled,
	BrokerExpired, BrokerRejected, BrokerReplaced, BrokerPendingCancel,
	BrokerPendingReplace, BrokerStopped, BrokerSuspended, BrokerCalculated,
	BrokerHeld,
}

// IsFill reports whether the status denotes a full or partial fill.
func (s BrokerStatus) IsFill() bool {
	return s == BrokerFilled || s == BrokerPartiallyFilled
}

// IsTerminal reports whether the broker will not change the order further.
func (s BrokerStatus) IsTerminal() bool {
	switch s {
	case BrokerFilled, BrokerCanceled, BrokerExpired, BrokerRejected, BrokerReplaced, BrokerDoneForDay:
		return true
	}
	return false
}

// Rank orders broker statuses by lifecycle progress so that a stale
// snapshot can be recognised: working < partially filled < filled < closed.
// Statuses without a fill-related meaning rank with the working ones.
func (s BrokerStatus) Rank() int {
	switch s {
	case BrokerPartiallyFilled:
		return 1
	case BrokerFilled:
		return 2
	case BrokerCanceled, BrokerExpired, BrokerRejected, BrokerDoneForDay:
		return 3
	default:
		return 0
	}
}

// Side is the order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the order type used when placing orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// LegKind distinguishes the two child legs of a bracket order.
type LegKind string

const (
	// LegStop is the stop-loss leg.
	LegStop LegKind = "stop"
	// LegTarget is the take-profit limit leg.
	LegTarget LegKind = "target"
)

// OrderSnapshot is the broker's view of an order at one point in time.
type OrderSnapshot struct {
	ID             string           `json:"id"`
	ClientOrderID  string           `json:"client_order_id"`
	Symbol         string           `json:"symbol"`
	Side           Side             `json:"side"`
	Status         BrokerStatus     `json:"status"`
	FilledQty      decimal.Decimal  `json:"filled_qty"`
	FilledAvgPrice *decimal.Decimal `json:"filled_avg_price,omitempty"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	FilledAt       *time.Time       `json:"filled_at,omitempty"`
	Legs           []Leg            `json:"legs,omitempty"`
}

// Leg returns the first leg of the given kind.
func (o *OrderSnapshot) Leg(kind LegKind) (Leg, bool) {
	for _, leg := range o.Legs {
		if leg.Kind == kind {
			return leg, true
		}
	}
	return Leg{}, false
}

// Leg is a child order of a bracket.
type Leg struct {
	ID             string           `json:"id"`
	Kind           LegKind          `json:"kind"`
	Status         BrokerStatus     `json:"status"`
	FilledQty      decimal.Decimal  `json:"filled_qty"`
	FilledAvgPrice *decimal.Decimal `json:"filled_avg_price,omitempty"`
	FilledAt       *time.Time       `json:"filled_at,omitempty"`
}

// OrderRequest describes an order to place.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Qty           decimal.Decimal
	Side          Side
	Type          OrderType
	TimeInForce   TimeInForce
	LimitPrice    *decimal.Decimal
	// TakeProfit and StopLoss, when both set, make the order a bracket.
	TakeProfit *decimal.Decimal
	StopLoss   *decimal.Decimal
}

// IsBracket reports whether the request carries both exit legs.
func (r OrderRequest) IsBracket() bool {
	return r.TakeProfit != nil && r.StopLoss != nil
}
