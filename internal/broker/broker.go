// Package broker defines the Broker interface used by the engine and the
// reconciliation loop, with an Alpaca implementation and an in-memory
// simulator.
package broker

import (
	"context"

	"lotkeeper/internal/domain"
)

// Broker abstracts the brokerage order API.
//
// Implementations report failures using the domain error taxonomy:
// domain.ErrNotFound for unknown orders, domain.ErrTransient for network,
// timeout, rate-limit and 5xx failures, and domain.ErrRejected when the
// broker refuses a request.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// PlaceOrder submits an order and returns the broker's acknowledgement.
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderSnapshot, error)

	// GetOrder fetches an order, including bracket legs, by broker id.
	GetOrder(ctx context.Context, orderID string) (*domain.OrderSnapshot, error)

	// GetOrderByClientID fetches an order by its client order id.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.OrderSnapshot, error)

	// CancelOrder requests cancellation of an open order.
	CancelOrder(ctx context.Context, orderID string) error
}
