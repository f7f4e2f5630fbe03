package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLotStatusNames(t *testing.T) {
	for s := LotPending; s <= LotOther; s++ {
		b, err := s.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d): %v", s, err)
		}
		var back LotStatus
		if err := back.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", b, err)
		}
		if back != s {
			t.Errorf("status %q parsed back as %v", b, back)
		}
	}

	var s LotStatus
	if err := s.UnmarshalText([]byte("sold")); err == nil {
		t.Error("UnmarshalText accepted an unknown status")
	}
	if LotStatus(9).Valid() {
		t.Error("LotStatus(9) should not be valid")
	}
}

func TestLotStatusRank(t *testing.T) {
	if !(LotPending.Rank() < LotOpen.Rank() && LotOpen.Rank() < LotDisposed.Rank()) {
		t.Error("expected Pending < Open < Disposed")
	}
	if LotDisposed.Rank() != LotCanceled.Rank() {
		t.Error("Disposed and Canceled should share a rank")
	}
	if LotOther.Rank() != -1 {
		t.Errorf("Other rank = %d, want -1", LotOther.Rank())
	}
	if !LotDisposed.IsTerminal() || !LotCanceled.IsTerminal() || LotOther.IsTerminal() {
		t.Error("unexpected IsTerminal result")
	}
}

func TestSetCostBasis(t *testing.T) {
	price := decimal.NewFromInt(101)
	lot := &Lot{FilledQty: decimal.NewFromInt(100), FilledAvgPrice: &price}
	lot.SetCostBasis()
	if lot.CostBasis == nil || !lot.CostBasis.Equal(decimal.NewFromInt(10100)) {
		t.Fatalf("CostBasis = %v, want 10100", lot.CostBasis)
	}

	lot.FilledAvgPrice = nil
	lot.SetCostBasis()
	if lot.CostBasis != nil {
		t.Errorf("CostBasis = %v, want unset", lot.CostBasis)
	}
}

func TestDisposeFirstWriterWins(t *testing.T) {
	at := time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)
	price := decimal.NewFromInt(99)
	lot := &Lot{Status: LotOpen}

	if !lot.Dispose(DisposeStopOut, "stop-1", &at, &price) {
		t.Fatal("first Dispose returned false")
	}
	if lot.Dispose(DisposeProfit, "target-1", nil, nil) {
		t.Fatal("second Dispose returned true")
	}
	if lot.DisposeReason != DisposeStopOut || lot.DisposingOrderID != "stop-1" {
		t.Errorf("disposal overwritten: %s %s", lot.DisposeReason, lot.DisposingOrderID)
	}
	if !lot.DisposedAt.Equal(at) {
		t.Errorf("DisposedAt = %v, want %v", lot.DisposedAt, at)
	}
}

func TestCloneIsDeep(t *testing.T) {
	price := decimal.NewFromInt(5)
	bucket := int64(3)
	lot := &Lot{ID: 1, CorrelationID: "c", FilledAvgPrice: &price, BucketID: &bucket}
	c := lot.Clone()
	if !c.Equal(lot) {
		t.Fatal("clone not equal to original")
	}

	*c.FilledAvgPrice = decimal.NewFromInt(6)
	*c.BucketID = 4
	if !lot.FilledAvgPrice.Equal(decimal.NewFromInt(5)) || *lot.BucketID != 3 {
		t.Error("mutating the clone changed the original")
	}
	if c.Equal(lot) {
		t.Error("Equal should detect the changed fields")
	}
}

func TestLotJSON(t *testing.T) {
	lot := Lot{ID: 7, CorrelationID: "abc", Status: LotOpen, Qty: decimal.NewFromInt(11)}
	b, err := json.Marshal(lot)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m["status"] != "open" {
		t.Errorf("status = %v, want %q", m["status"], "open")
	}
	if _, ok := m["cost_basis"]; ok {
		t.Error("unset cost_basis should be omitted")
	}
}

func TestPositionSides(t *testing.T) {
	if PositionLong.EntrySide() != SideBuy || PositionLong.ExitSide() != SideSell {
		t.Error("long sides wrong")
	}
	if PositionShort.EntrySide() != SideSell || PositionShort.ExitSide() != SideBuy {
		t.Error("short sides wrong")
	}
}

func TestSnapshotLegLookup(t *testing.T) {
	snap := OrderSnapshot{Legs: []Leg{
		{ID: "t1", Kind: LegTarget},
		{ID: "s1", Kind: LegStop},
		{ID: "s2", Kind: LegStop},
	}}
	leg, ok := snap.Leg(LegStop)
	if !ok || leg.ID != "s1" {
		t.Errorf("Leg(stop) = %v, %v; want s1", leg.ID, ok)
	}
	if _, ok := (&OrderSnapshot{}).Leg(LegTarget); ok {
		t.Error("Leg on empty snapshot should not match")
	}
}
