package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"lotkeeper/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ LotStore = (*SQLiteStore)(nil)

// SQLiteStore implements LotStore backed by a SQLite database. Status is
// stored as its integer tag; decimals as their exact string form.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS lots (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	correlation_id      TEXT    NOT NULL UNIQUE,
	created_at          TEXT    NOT NULL,
	symbol              TEXT    NOT NULL,
	qty                 TEXT    NOT NULL,
	position_type       TEXT    NOT NULL CHECK (position_type IN ('long', 'short')),
	time_in_force       TEXT,
	limit_price         TEXT,
	target_price        TEXT,
	stop_price          TEXT,
	status              INTEGER NOT NULL CHECK (status BETWEEN 0 AND 4),
	broker_status       TEXT,
	filled_qty          TEXT    NOT NULL DEFAULT '0',
	filled_avg_price    TEXT,
	cost_basis          TEXT,
	disposed_at         TEXT,
	disposed_fill_price TEXT,
	dispose_reason      TEXT CHECK (dispose_reason IN ('liquidation', 'stop_out', 'profit')),
	disposing_order_id  TEXT,
	open_order_id       TEXT,
	stop_order_id       TEXT,
	target_order_id     TEXT,
	bucket_id           INTEGER,
	version             INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS lots_status ON lots (status);
CREATE INDEX IF NOT EXISTS lots_open_order ON lots (open_order_id);
CREATE INDEX IF NOT EXISTS lots_disposing_order ON lots (disposing_order_id);
CREATE INDEX IF NOT EXISTS lots_stop_order ON lots (stop_order_id);
CREATE INDEX IF NOT EXISTS lots_target_order ON lots (target_order_id);
`

const lotColumns = `id, correlation_id, created_at, symbol, qty, position_type, time_in_force,
	limit_price, target_price, stop_price, status, broker_status, filled_qty, filled_avg_price,
	cost_basis, disposed_at, disposed_fill_price, dispose_reason, disposing_order_id,
	open_order_id, stop_order_id, target_order_id, bucket_id, version`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema if needed and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dbPath+sep+"_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// One connection serialises writers; the version column catches
	// read-modify-write races between callers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------------

// GetByID retrieves a lot by its row id.
func (s *SQLiteStore) GetByID(ctx context.Context, id int64) (*domain.Lot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM lots WHERE id = ?`, id)
	return s.one(row, fmt.Sprintf("lot %d", id))
}

// GetByCorrelationID retrieves the lot with the given correlation id.
func (s *SQLiteStore) GetByCorrelationID(ctx context.Context, correlationID string) (*domain.Lot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM lots WHERE correlation_id = ?`, correlationID)
	return s.one(row, fmt.Sprintf("lot with correlation id %q", correlationID))
}

// GetByOrderID retrieves the lot linked to orderID as its entry order, one of
// its bracket legs or its closing order.
func (s *SQLiteStore) GetByOrderID(ctx context.Context, orderID string) (*domain.Lot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lotColumns+` FROM lots
		 WHERE open_order_id = ?1 OR stop_order_id = ?1 OR target_order_id = ?1 OR disposing_order_id = ?1
		 ORDER BY id LIMIT 1`,
		orderID)
	return s.one(row, fmt.Sprintf("lot for order %q", orderID))
}

// ListNonTerminal returns lots that still need reconciliation.
func (s *SQLiteStore) ListNonTerminal(ctx context.Context) ([]domain.Lot, error) {
	return s.many(ctx,
		`SELECT `+lotColumns+` FROM lots WHERE status IN (?, ?, ?) AND correlation_id != '' ORDER BY id`,
		domain.LotPending, domain.LotOpen, domain.LotOther)
}

// ListAwaitingCloseFill returns liquidated lots without a closing fill price.
func (s *SQLiteStore) ListAwaitingCloseFill(ctx context.Context) ([]domain.Lot, error) {
	return s.many(ctx,
		`SELECT `+lotColumns+` FROM lots
		 WHERE status = ? AND dispose_reason = ? AND disposing_order_id IS NOT NULL AND disposed_fill_price IS NULL
		 ORDER BY id`,
		domain.LotDisposed, string(domain.DisposeLiquidation))
}

// ListTerminal returns every Disposed or Canceled lot.
func (s *SQLiteStore) ListTerminal(ctx context.Context) ([]domain.Lot, error) {
	return s.many(ctx,
		`SELECT `+lotColumns+` FROM lots WHERE status IN (?, ?) ORDER BY id`,
		domain.LotDisposed, domain.LotCanceled)
}

// List returns one page of lots, newest first.
func (s *SQLiteStore) List(ctx context.Context, page, limit int, showCanceled bool) ([]domain.Lot, error) {
	if limit <= 0 {
		limit = 50
	}
	if page < 0 {
		page = 0
	}
	if showCanceled {
		return s.many(ctx,
			`SELECT `+lotColumns+` FROM lots ORDER BY id DESC LIMIT ? OFFSET ?`,
			limit, page*limit)
	}
	return s.many(ctx,
		`SELECT `+lotColumns+` FROM lots WHERE status IN (?, ?, ?, ?) ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		domain.LotPending, domain.LotOpen, domain.LotDisposed, domain.LotOther, limit, page*limit)
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// Upsert inserts a new lot (ID == 0) or updates an existing one guarded by
// its version. Correlation id and creation time are never rewritten; broker
// linkage and disposal columns keep their first non-null value.
func (s *SQLiteStore) Upsert(ctx context.Context, lot *domain.Lot) error {
	if lot.ID == 0 {
		return s.insert(ctx, lot)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE lots SET
			symbol = ?, qty = ?, position_type = ?, time_in_force = ?,
			limit_price = ?, target_price = ?, stop_price = ?,
			status = ?, broker_status = ?, filled_qty = ?, filled_avg_price = ?, cost_basis = ?,
			disposed_at = COALESCE(disposed_at, ?),
			disposed_fill_price = COALESCE(disposed_fill_price, ?),
			dispose_reason = COALESCE(dispose_reason, ?),
			disposing_order_id = COALESCE(disposing_order_id, ?),
			open_order_id = COALESCE(open_order_id, ?),
			stop_order_id = COALESCE(stop_order_id, ?),
			target_order_id = COALESCE(target_order_id, ?),
			bucket_id = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		lot.Symbol, lot.Qty.String(), string(lot.PositionType), nullString(string(lot.TimeInForce)),
		nullDecimal(lot.LimitPrice), nullDecimal(lot.TargetPrice), nullDecimal(lot.StopPrice),
		int(lot.Status), nullString(string(lot.BrokerStatus)), lot.FilledQty.String(),
		nullDecimal(lot.FilledAvgPrice), nullDecimal(lot.CostBasis),
		nullTime(lot.DisposedAt), nullDecimal(lot.DisposedFillPrice),
		nullString(string(lot.DisposeReason)), nullString(lot.DisposingOrderID),
		nullString(lot.OpenOrderID), nullString(lot.StopOrderID), nullString(lot.TargetOrderID),
		lot.BucketID,
		lot.ID, lot.Version,
	)
	if err != nil {
		return fmt.Errorf("updating lot %d: %w", lot.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating lot %d: %w", lot.ID, err)
	}
	if n == 0 {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM lots WHERE id = ?`, lot.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("updating lot %d: %w", lot.ID, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("updating lot %d: %w", lot.ID, err)
		}
		return fmt.Errorf("updating lot %d at version %d: %w", lot.ID, lot.Version, domain.ErrConflict)
	}
	lot.Version++
	return nil
}

func (s *SQLiteStore) insert(ctx context.Context, lot *domain.Lot) error {
	if lot.CorrelationID == "" {
		return fmt.Errorf("inserting lot: %w: correlation id required", domain.ErrValidation)
	}
	if lot.CreatedAt.IsZero() {
		lot.CreatedAt = time.Now().UTC()
	}
	if lot.PositionType == "" {
		lot.PositionType = domain.PositionLong
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO lots (
			correlation_id, created_at, symbol, qty, position_type, time_in_force,
			limit_price, target_price, stop_price, status, broker_status, filled_qty,
			filled_avg_price, cost_basis, disposed_at, disposed_fill_price, dispose_reason,
			disposing_order_id, open_order_id, stop_order_id, target_order_id, bucket_id, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		lot.CorrelationID, formatTime(lot.CreatedAt), lot.Symbol, lot.Qty.String(),
		string(lot.PositionType), nullString(string(lot.TimeInForce)),
		nullDecimal(lot.LimitPrice), nullDecimal(lot.TargetPrice), nullDecimal(lot.StopPrice),
		int(lot.Status), nullString(string(lot.BrokerStatus)), lot.FilledQty.String(),
		nullDecimal(lot.FilledAvgPrice), nullDecimal(lot.CostBasis),
		nullTime(lot.DisposedAt), nullDecimal(lot.DisposedFillPrice),
		nullString(string(lot.DisposeReason)), nullString(lot.DisposingOrderID),
		nullString(lot.OpenOrderID), nullString(lot.StopOrderID), nullString(lot.TargetOrderID),
		lot.BucketID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("inserting lot %q: %w", lot.CorrelationID, domain.ErrConflict)
		}
		return fmt.Errorf("inserting lot %q: %w", lot.CorrelationID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("inserting lot %q: %w", lot.CorrelationID, err)
	}
	lot.ID = id
	lot.Version = 1
	return nil
}

// ---------------------------------------------------------------------------
// Row mapping
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) one(row *sql.Row, what string) (*domain.Lot, error) {
	lot, err := scanLot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", what, err)
	}
	return lot, nil
}

func (s *SQLiteStore) many(ctx context.Context, query string, args ...any) ([]domain.Lot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying lots: %w", err)
	}
	defer rows.Close()

	var lots []domain.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning lot: %w", err)
		}
		lots = append(lots, *lot)
	}
	return lots, rows.Err()
}

func scanLot(r rowScanner) (*domain.Lot, error) {
	var (
		lot                                                domain.Lot
		createdAt, qty, positionType, filledQty            string
		status                                             int
		tif, brokerStatus, disposeReason                   sql.NullString
		limit, target, stop, avg, costBasis, disposedPrice sql.NullString
		disposedAt                                         sql.NullString
		disposingID, openID, stopID, targetID              sql.NullString
		bucket                                             sql.NullInt64
	)
	err := r.Scan(
		&lot.ID, &lot.CorrelationID, &createdAt, &lot.Symbol, &qty, &positionType, &tif,
		&limit, &target, &stop, &status, &brokerStatus, &filledQty, &avg,
		&costBasis, &disposedAt, &disposedPrice, &disposeReason, &disposingID,
		&openID, &stopID, &targetID, &bucket, &lot.Version,
	)
	if err != nil {
		return nil, err
	}

	if lot.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if lot.Qty, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("qty: %w", err)
	}
	if lot.FilledQty, err = decimal.NewFromString(filledQty); err != nil {
		return nil, fmt.Errorf("filled_qty: %w", err)
	}
	lot.Status = domain.LotStatus(status)
	if !lot.Status.Valid() {
		return nil, fmt.Errorf("status tag %d out of range", status)
	}
	lot.PositionType = domain.PositionType(positionType)
	lot.TimeInForce = domain.TimeInForce(tif.String)
	lot.BrokerStatus = domain.BrokerStatus(brokerStatus.String)
	lot.DisposeReason = domain.DisposeReason(disposeReason.String)
	lot.DisposingOrderID = disposingID.String
	lot.OpenOrderID = openID.String
	lot.StopOrderID = stopID.String
	lot.TargetOrderID = targetID.String
	if bucket.Valid {
		id := bucket.Int64
		lot.BucketID = &id
	}

	for _, f := range []struct {
		name string
		src  sql.NullString
		dst  **decimal.Decimal
	}{
		{"limit_price", limit, &lot.LimitPrice},
		{"target_price", target, &lot.TargetPrice},
		{"stop_price", stop, &lot.StopPrice},
		{"filled_avg_price", avg, &lot.FilledAvgPrice},
		{"cost_basis", costBasis, &lot.CostBasis},
		{"disposed_fill_price", disposedPrice, &lot.DisposedFillPrice},
	} {
		if !f.src.Valid {
			continue
		}
		d, err := decimal.NewFromString(f.src.String)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = &d
	}

	if disposedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, disposedAt.String)
		if err != nil {
			return nil, fmt.Errorf("disposed_at: %w", err)
		}
		lot.DisposedAt = &t
	}
	return &lot, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}
