// Package store defines storage interfaces for the lot ledger and provides
// a SQLite implementation for live records and a Parquet archive for
// finished lots.
package store

import (
	"context"

	"lotkeeper/internal/domain"
)

// LotStore persists and retrieves lot records.
//
// Upsert inserts a lot whose ID is zero and assigns its ID; otherwise it
// updates the record only if its version still matches lot.Version, and
// returns domain.ErrConflict when another writer got there first. Lookups
// return domain.ErrNotFound for missing records.
type LotStore interface {
	// GetByID retrieves a lot by its row id.
	GetByID(ctx context.Context, id int64) (*domain.Lot, error)

	// GetByCorrelationID retrieves the lot with the given correlation id.
	GetByCorrelationID(ctx context.Context, correlationID string) (*domain.Lot, error)

	// GetByOrderID retrieves the lot whose entry order, bracket leg or
	// closing order has the given broker order id.
	GetByOrderID(ctx context.Context, orderID string) (*domain.Lot, error)

	// ListNonTerminal returns every lot that is not Disposed or Canceled and
	// has a correlation id.
	ListNonTerminal(ctx context.Context) ([]domain.Lot, error)

	// ListAwaitingCloseFill returns liquidated lots whose closing fill price
	// is still unknown.
	ListAwaitingCloseFill(ctx context.Context) ([]domain.Lot, error)

	// ListTerminal returns every Disposed or Canceled lot.
	ListTerminal(ctx context.Context) ([]domain.Lot, error)

	// List returns one page of lots, newest first. Canceled lots are
	// included only when showCanceled is set.
	List(ctx context.Context, page, limit int, showCanceled bool) ([]domain.Lot, error)

	// Upsert inserts or version-checked updates a lot.
	Upsert(ctx context.Context, lot *domain.Lot) error
}

// LotArchive stores snapshots of finished lots for offline analysis.
type LotArchive interface {
	// WriteLots merges lots into the archive keyed by correlation id.
	WriteLots(ctx context.Context, lots []domain.Lot) error

	// ReadLots returns archived lots created in the given month (YYYY-MM).
	ReadLots(ctx context.Context, month string) ([]domain.Lot, error)
}
