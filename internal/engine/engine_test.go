package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"lotkeeper/internal/broker"
	"lotkeeper/internal/domain"
	"lotkeeper/internal/notify"
	"lotkeeper/internal/store"
)

type fixture struct {
	store  *store.SQLiteStore
	broker *broker.SimulatorBroker
	syncer *Syncer
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "lots.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	b := broker.NewSimulatorBroker()
	syncer := NewSyncer(st, nil, nil, nil, 3)
	eng := NewEngine(b, st, syncer, NewRiskManager(decimal.Zero), nil)
	return &fixture{store: st, broker: b, syncer: syncer, engine: eng}
}

func bracketOpen() OpenRequest {
	return OpenRequest{
		Symbol:       "TEST",
		Qty:          decimal.NewFromInt(100),
		PositionType: domain.PositionLong,
		LimitPrice:   d("101"),
		TargetPrice:  d("102"),
		StopPrice:    d("99"),
	}
}

// openFilled opens a bracket lot and fills its entry order.
func (f *fixture) openFilled(t *testing.T) *domain.Lot {
	t.Helper()
	ctx := context.Background()
	lot, err := f.engine.OpenLot(ctx, bracketOpen())
	if err != nil {
		t.Fatalf("OpenLot: %v", err)
	}
	if err := f.broker.Fill(lot.OpenOrderID, decimal.NewFromInt(100), decimal.NewFromInt(101), false); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	snap, err := f.broker.GetOrder(ctx, lot.OpenOrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if _, err := f.syncer.Apply(ctx, lot, snap); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if lot.Status != domain.LotOpen {
		t.Fatalf("Status = %v, want open", lot.Status)
	}
	return lot
}

func TestNewEngine(t *testing.T) {
	e := NewEngine(nil, nil, nil, nil, nil)
	if e == nil {
		t.Fatal("NewEngine returned nil")
	}
}

func TestOpenLotPlacesBracket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lot, err := f.engine.OpenLot(ctx, bracketOpen())
	if err != nil {
		t.Fatalf("OpenLot: %v", err)
	}
	if lot.ID == 0 || lot.CorrelationID == "" {
		t.Fatalf("lot not persisted: %+v", lot)
	}
	if lot.Status != domain.LotPending || lot.BrokerStatus != domain.BrokerNew {
		t.Errorf("status = %v/%q, want pending/new", lot.Status, lot.BrokerStatus)
	}
	if lot.OpenOrderID == "" || lot.StopOrderID == "" || lot.TargetOrderID == "" {
		t.Errorf("order ids not captured: open=%q stop=%q target=%q", lot.OpenOrderID, lot.StopOrderID, lot.TargetOrderID)
	}

	placed := f.broker.Placed()
	if len(placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(placed))
	}
	req := placed[0]
	if req.ClientOrderID != lot.CorrelationID || !req.IsBracket() || req.Type != domain.OrderTypeLimit || req.Side != domain.SideBuy {
		t.Errorf("unexpected order request %+v", req)
	}

	stored, err := f.store.GetByCorrelationID(ctx, lot.CorrelationID)
	if err != nil {
		t.Fatalf("GetByCorrelationID: %v", err)
	}
	if !stored.Equal(lot) {
		t.Errorf("stored lot differs:\n  got  %+v\n  want %+v", stored, lot)
	}
}

func TestOpenLotValidation(t *testing.T) {
	f := newFixture(t)
	req := bracketOpen()
	req.StopPrice = d("103") // above target for a long

	if _, err := f.engine.OpenLot(context.Background(), req); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("OpenLot error = %v, want ErrValidation", err)
	}
	if n := len(f.broker.Placed()); n != 0 {
		t.Errorf("placed %d orders for an invalid request", n)
	}
}

func TestOpenLotRejectedIsCanceled(t *testing.T) {
	f := newFixture(t)
	f.broker.FailNext(broker.OpPlaceOrder, domain.ErrRejected)

	lot, err := f.engine.OpenLot(context.Background(), bracketOpen())
	if !errors.Is(err, domain.ErrRejected) {
		t.Fatalf("OpenLot error = %v, want ErrRejected", err)
	}
	if lot == nil || lot.Status != domain.LotCanceled {
		t.Fatalf("lot = %+v, want canceled", lot)
	}
}

func TestOpenLotTransientFailureStaysPending(t *testing.T) {
	f := newFixture(t)
	f.broker.FailNext(broker.OpPlaceOrder, domain.ErrTransient)

	lot, err := f.engine.OpenLot(context.Background(), bracketOpen())
	if !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("OpenLot error = %v, want ErrTransient", err)
	}
	stored, _ := f.store.GetByID(context.Background(), lot.ID)
	if stored.Status != domain.LotPending {
		t.Errorf("Status = %v, want pending", stored.Status)
	}
}

func TestOpenLotPublishesPendingLot(t *testing.T) {
	f := newFixture(t)
	hub := notify.NewHub(nil)
	f.syncer = NewSyncer(f.store, hub, nil, nil, 3)
	f.engine = NewEngine(f.broker, f.store, f.syncer, NewRiskManager(decimal.Zero), nil)
	_, events := hub.Subscribe(8)

	lot, err := f.engine.OpenLot(context.Background(), bracketOpen())
	if err != nil {
		t.Fatalf("OpenLot: %v", err)
	}

	select {
	case e := <-events:
		if e.Lot.ID != lot.ID || e.Lot.Status != domain.LotPending {
			t.Fatalf("first event = lot %d %s, want lot %d pending", e.Lot.ID, e.Lot.Status, lot.ID)
		}
		if e.Lot.CorrelationID != lot.CorrelationID {
			t.Errorf("CorrelationID = %q, want %q", e.Lot.CorrelationID, lot.CorrelationID)
		}
	default:
		t.Fatal("no event published for the new lot")
	}
}

func TestLiquidateOpenLot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.openFilled(t)

	got, err := f.engine.Liquidate(ctx, lot.ID)
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	if got.Status != domain.LotDisposed || got.DisposeReason != domain.DisposeLiquidation {
		t.Fatalf("status=%v reason=%q, want disposed/liquidation", got.Status, got.DisposeReason)
	}
	if got.DisposedAt == nil {
		t.Error("DisposedAt not set")
	}
	if got.DisposedFillPrice != nil {
		t.Errorf("DisposedFillPrice = %v, want unset until the close fills", got.DisposedFillPrice)
	}

	// Both working legs were canceled; the filled parent was left alone.
	canceled := f.broker.Canceled()
	want := map[string]bool{lot.StopOrderID: true, lot.TargetOrderID: true}
	if len(canceled) != 2 || !want[canceled[0]] || !want[canceled[1]] {
		t.Errorf("canceled = %v, want the two legs", canceled)
	}

	placed := f.broker.Placed()
	closing := placed[len(placed)-1]
	if closing.Side != domain.SideSell || !closing.Qty.Equal(decimal.NewFromInt(100)) || closing.Type != domain.OrderTypeMarket {
		t.Errorf("closing order = %+v, want market sell 100", closing)
	}
	if closing.ClientOrderID != lot.CorrelationID+"-liq" {
		t.Errorf("closing client id = %q", closing.ClientOrderID)
	}

	stored, _ := f.store.GetByID(ctx, lot.ID)
	if !stored.AwaitingCloseFill() {
		t.Errorf("stored lot should await its closing fill: %+v", stored)
	}

	// The closing fill arrives later through reconciliation.
	closeSnap, _ := f.broker.GetOrderByClientID(ctx, closing.ClientOrderID)
	if err := f.broker.Fill(closeSnap.ID, decimal.NewFromInt(100), decimal.RequireFromString("100.4"), false); err != nil {
		t.Fatalf("Fill closing: %v", err)
	}
	closeSnap, _ = f.broker.GetOrder(ctx, closeSnap.ID)
	if _, err := f.syncer.Apply(ctx, stored, closeSnap); err != nil {
		t.Fatalf("Apply closing fill: %v", err)
	}
	if !stored.DisposedFillPrice.Equal(decimal.RequireFromString("100.4")) {
		t.Errorf("DisposedFillPrice = %v, want 100.4", stored.DisposedFillPrice)
	}
}

func TestLiquidateAfterStopFilledRecordsStopOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.openFilled(t)
	placedBefore := len(f.broker.Placed())

	// The stop fills at the broker before the ledger hears about it.
	if err := f.broker.FillLeg(lot.OpenOrderID, domain.LegStop, decimal.NewFromInt(99)); err != nil {
		t.Fatalf("FillLeg: %v", err)
	}

	_, err := f.engine.Liquidate(ctx, lot.ID)
	if !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("Liquidate err = %v, want ErrPrecondition", err)
	}
	if n := len(f.broker.Placed()) - placedBefore; n != 0 {
		t.Errorf("placed %d extra orders, want none", n)
	}
	if canceled := f.broker.Canceled(); len(canceled) != 0 {
		t.Errorf("canceled = %v, want none", canceled)
	}

	stored, err := f.store.GetByID(ctx, lot.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.Status != domain.LotDisposed || stored.DisposeReason != domain.DisposeStopOut {
		t.Fatalf("status=%v reason=%q, want disposed/stop_out", stored.Status, stored.DisposeReason)
	}
	if stored.DisposingOrderID != lot.StopOrderID {
		t.Errorf("DisposingOrderID = %q, want stop leg %q", stored.DisposingOrderID, lot.StopOrderID)
	}
	if stored.DisposedFillPrice == nil || !stored.DisposedFillPrice.Equal(decimal.NewFromInt(99)) {
		t.Errorf("DisposedFillPrice = %v, want 99", stored.DisposedFillPrice)
	}
}

func TestLiquidateToleratesLegCancelFailure(t *testing.T) {
	f := newFixture(t)
	lot := f.openFilled(t)
	f.broker.FailNext(broker.OpCancelOrder, domain.ErrTransient)

	got, err := f.engine.Liquidate(context.Background(), lot.ID)
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	if got.Status != domain.LotDisposed {
		t.Errorf("Status = %v, want disposed", got.Status)
	}
}

func TestLiquidateClosingOrderFailureLeavesLotOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := f.openFilled(t)
	before, _ := f.store.GetByID(ctx, lot.ID)

	f.broker.FailNext(broker.OpPlaceOrder, domain.ErrRejected)
	if _, err := f.engine.Liquidate(ctx, lot.ID); !errors.Is(err, domain.ErrRejected) {
		t.Fatalf("Liquidate error = %v, want ErrRejected", err)
	}

	after, _ := f.store.GetByID(ctx, lot.ID)
	if !after.Equal(before) || after.Version != before.Version {
		t.Errorf("lot changed after failed liquidation:\n  before %+v\n  after  %+v", before, after)
	}
}

func TestLiquidateRequiresOpenLot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot, err := f.engine.OpenLot(ctx, bracketOpen())
	if err != nil {
		t.Fatalf("OpenLot: %v", err)
	}

	if _, err := f.engine.Liquidate(ctx, lot.ID); !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("Liquidate(pending) error = %v, want ErrPrecondition", err)
	}
	if n := len(f.broker.Canceled()); n != 0 {
		t.Errorf("canceled %d orders for a rejected liquidation", n)
	}
	if _, err := f.engine.Liquidate(ctx, 9999); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Liquidate(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCancelLot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot, err := f.engine.OpenLot(ctx, bracketOpen())
	if err != nil {
		t.Fatalf("OpenLot: %v", err)
	}

	got, err := f.engine.Cancel(ctx, lot.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != domain.LotCanceled || got.BrokerStatus != domain.BrokerCanceled {
		t.Errorf("status = %v/%q, want canceled/canceled", got.Status, got.BrokerStatus)
	}

	if _, err := f.engine.Cancel(ctx, lot.ID); !errors.Is(err, domain.ErrPrecondition) {
		t.Errorf("second Cancel error = %v, want ErrPrecondition", err)
	}
}

func TestCancelWithoutOpenOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lot := &domain.Lot{CorrelationID: "no-order", Symbol: "TEST", Qty: decimal.NewFromInt(1),
		PositionType: domain.PositionLong, Status: domain.LotPending}
	if err := f.store.Upsert(ctx, lot); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := f.engine.Cancel(ctx, lot.ID); !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("Cancel error = %v, want ErrPrecondition", err)
	}
}

func TestRiskManagerCheckOpen(t *testing.T) {
	rm := NewRiskManager(decimal.NewFromInt(5000))

	short := bracketOpen()
	short.Qty = decimal.NewFromInt(10)
	short.PositionType = domain.PositionShort
	short.TargetPrice, short.StopPrice = d("99"), d("102")
	if err := rm.CheckOpen(short); err != nil {
		t.Errorf("valid short rejected: %v", err)
	}

	big := bracketOpen()
	if err := rm.CheckOpen(big); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("notional 10100 over 5000 error = %v, want ErrValidation", err)
	}

	zero := bracketOpen()
	zero.Qty = decimal.Zero
	if err := rm.CheckOpen(zero); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("zero qty error = %v, want ErrValidation", err)
	}

	halfBracket := bracketOpen()
	halfBracket.Qty = decimal.NewFromInt(1)
	halfBracket.StopPrice = nil
	if err := rm.CheckOpen(halfBracket); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("target without stop error = %v, want ErrValidation", err)
	}

	market := OpenRequest{Symbol: "TEST", Qty: decimal.NewFromInt(3), PositionType: domain.PositionLong}
	if err := rm.CheckOpen(market); err != nil {
		t.Errorf("plain market order rejected: %v", err)
	}
}
