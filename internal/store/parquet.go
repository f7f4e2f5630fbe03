package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"lotkeeper/internal/domain"
)

// Compile-time interface check.
var _ LotArchive = (*ParquetStore)(nil)

// ParquetStore implements LotArchive using Parquet files on disk, one file
// per month of lot creation.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// LotRecord is the Parquet schema for an archived lot. Decimals are kept in
// their exact string form; empty means unset.
type LotRecord struct {
	ID                int64  `parquet:"id"`
	CorrelationID     string `parquet:"correlation_id"`
	CreatedAt         int64  `parquet:"created_at,timestamp(millisecond)"` // Unix ms
	Symbol            string `parquet:"symbol"`
	Qty               string `parquet:"qty"`
	PositionType      string `parquet:"position_type"`
	Status            string `parquet:"status"`
	BrokerStatus      string `parquet:"broker_status"`
	FilledQty         string `parquet:"filled_qty"`
	FilledAvgPrice    string `parquet:"filled_avg_price"`
	CostBasis         string `parquet:"cost_basis"`
	DisposedAt        int64  `parquet:"disposed_at,timestamp(millisecond)"` // Unix ms, 0 if unset
	DisposedFillPrice string `parquet:"disposed_fill_price"`
	DisposeReason     string `parquet:"dispose_reason"`
	DisposingOrderID  string `parquet:"disposing_order_id"`
	OpenOrderID       string `parquet:"open_order_id"`
	StopOrderID       string `parquet:"stop_order_id"`
	TargetOrderID     string `parquet:"target_order_id"`
}

// WriteLots writes lots to Parquet files grouped by creation month:
//
//	<DataDir>/lots/<YYYY-MM>.parquet
//
// Existing rows with the same correlation id are replaced.
func (s *ParquetStore) WriteLots(_ context.Context, lots []domain.Lot) error {
	if len(lots) == 0 {
		return nil
	}

	groups := make(map[string][]LotRecord)
	for i := range lots {
		month := lots[i].CreatedAt.UTC().Format("2006-01")
		groups[month] = append(groups[month], toLotRecord(&lots[i]))
	}

	for month, records := range groups {
		path := s.lotPath(month)

		existing, _ := readParquetFile[LotRecord](path)
		merged := mergeLotRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing lots for %s: %w", month, err)
		}
	}
	return nil
}

// ReadLots reads the archived lots created in month (YYYY-MM). A month with
// no archive file yields no lots.
func (s *ParquetStore) ReadLots(_ context.Context, month string) ([]domain.Lot, error) {
	path := s.lotPath(month)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	records, err := readParquetFile[LotRecord](path)
	if err != nil {
		return nil, err
	}

	lots := make([]domain.Lot, 0, len(records))
	for _, r := range records {
		lot, err := fromLotRecord(r)
		if err != nil {
			return nil, fmt.Errorf("lot %s: %w", r.CorrelationID, err)
		}
		lots = append(lots, lot)
	}
	return lots, nil
}

func (s *ParquetStore) lotPath(month string) string {
	return filepath.Join(s.DataDir, "lots", month+".parquet")
}

func toLotRecord(l *domain.Lot) LotRecord {
	r := LotRecord{
		ID:                l.ID,
		CorrelationID:     l.CorrelationID,
		CreatedAt:         l.CreatedAt.UnixMilli(),
		Symbol:            l.Symbol,
		Qty:               l.Qty.String(),
		PositionType:      string(l.PositionType),
		Status:            l.Status.String(),
		BrokerStatus:      string(l.BrokerStatus),
		FilledQty:         l.FilledQty.String(),
		FilledAvgPrice:    decimalString(l.FilledAvgPrice),
		CostBasis:         decimalString(l.CostBasis),
		DisposedFillPrice: decimalString(l.DisposedFillPrice),
		DisposeReason:     string(l.DisposeReason),
		DisposingOrderID:  l.DisposingOrderID,
		OpenOrderID:       l.OpenOrderID,
		StopOrderID:       l.StopOrderID,
		TargetOrderID:     l.TargetOrderID,
	}
	if l.DisposedAt != nil {
		r.DisposedAt = l.DisposedAt.UnixMilli()
	}
	return r
}

func fromLotRecord(r LotRecord) (domain.Lot, error) {
	lot := domain.Lot{
		ID:               r.ID,
		CorrelationID:    r.CorrelationID,
		CreatedAt:        time.UnixMilli(r.CreatedAt).UTC(),
		Symbol:           r.Symbol,
		PositionType:     domain.PositionType(r.PositionType),
		BrokerStatus:     domain.BrokerStatus(r.BrokerStatus),
		DisposeReason:    domain.DisposeReason(r.DisposeReason),
		DisposingOrderID: r.DisposingOrderID,
		OpenOrderID:      r.OpenOrderID,
		StopOrderID:      r.StopOrderID,
		TargetOrderID:    r.TargetOrderID,
	}
	if err := lot.Status.UnmarshalText([]byte(r.Status)); err != nil {
		return lot, err
	}

	var err error
	if lot.Qty, err = decimal.NewFromString(r.Qty); err != nil {
		return lot, fmt.Errorf("qty: %w", err)
	}
	if lot.FilledQty, err = decimal.NewFromString(r.FilledQty); err != nil {
		return lot, fmt.Errorf("filled_qty: %w", err)
	}
	if lot.FilledAvgPrice, err = parseOptionalDecimal(r.FilledAvgPrice); err != nil {
		return lot, fmt.Errorf("filled_avg_price: %w", err)
	}
	if lot.CostBasis, err = parseOptionalDecimal(r.CostBasis); err != nil {
		return lot, fmt.Errorf("cost_basis: %w", err)
	}
	if lot.DisposedFillPrice, err = parseOptionalDecimal(r.DisposedFillPrice); err != nil {
		return lot, fmt.Errorf("disposed_fill_price: %w", err)
	}
	if r.DisposedAt != 0 {
		t := time.UnixMilli(r.DisposedAt).UTC()
		lot.DisposedAt = &t
	}
	return lot, nil
}

func decimalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func parseOptionalDecimal(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeLotRecords deduplicates lot records by correlation id, preferring
// incoming records over existing ones. Results are sorted by row id.
func mergeLotRecords(existing, incoming []LotRecord) []LotRecord {
	seen := make(map[string]LotRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.CorrelationID] = r
	}
	for _, r := range incoming {
		seen[r.CorrelationID] = r
	}

	merged := make([]LotRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].ID < merged[j].ID
	})
	return merged
}
