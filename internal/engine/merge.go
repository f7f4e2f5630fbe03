package engine

import (
	"fmt"

	"lotkeeper/internal/domain"
)

// Merge folds a broker order snapshot into lot and reports whether any
// field changed. The snapshot must describe either the lot's entry order
// (matched by correlation id) or the closing order of a liquidation
// (matched by DisposingOrderID); anything else is a caller bug and returns
// ErrCorrelationMismatch without touching the lot.
//
// Merge is pure and idempotent: applying the same snapshot twice leaves the
// lot as a single application did, and a snapshot older than what the lot
// already reflects cannot regress status or fill fields.
func Merge(lot *domain.Lot, snap *domain.OrderSnapshot) (bool, error) {
	switch {
	case snap.ClientOrderID == lot.CorrelationID:
		before := lot.Clone()
		mergeEntry(lot, snap)
		return !before.Equal(lot), nil
	case snap.ID != "" && snap.ID == lot.DisposingOrderID:
		before := lot.Clone()
		mergeClose(lot, snap)
		return !before.Equal(lot), nil
	default:
		return false, fmt.Errorf("%w: lot %d has %q, order %s has %q",
			domain.ErrCorrelationMismatch, lot.ID, lot.CorrelationID, snap.ID, snap.ClientOrderID)
	}
}

func mergeEntry(lot *domain.Lot, snap *domain.OrderSnapshot) {
	// A snapshot ranking below the recorded broker status was overtaken by
	// one we already merged.
	stale := lot.BrokerStatus != "" && snap.Status.Rank() < lot.BrokerStatus.Rank()

	if !stale {
		lot.BrokerStatus = snap.Status
		advanceStatus(lot, StatusFor(snap.Status))

		if snap.Status.IsFill() && snap.FilledQty.GreaterThanOrEqual(lot.FilledQty) {
			lot.FilledQty = snap.FilledQty
			if snap.FilledAvgPrice != nil {
				p := *snap.FilledAvgPrice
				lot.FilledAvgPrice = &p
			} else {
				lot.FilledAvgPrice = nil
			}
			lot.SetCostBasis()
		}
	}

	if lot.OpenOrderID == "" {
		lot.OpenOrderID = snap.ID
	}

	if len(snap.Legs) > 0 {
		DetectDisposal(lot, snap, domain.LegStop, domain.DisposeStopOut)
		DetectDisposal(lot, snap, domain.LegTarget, domain.DisposeProfit)
	}
}

// mergeClose records the fill price of a liquidation's closing order once it
// has completely filled.
func mergeClose(lot *domain.Lot, snap *domain.OrderSnapshot) {
	if lot.DisposedFillPrice != nil || snap.Status != domain.BrokerFilled || snap.FilledAvgPrice == nil {
		return
	}
	p := *snap.FilledAvgPrice
	lot.DisposedFillPrice = &p
	if lot.DisposedAt == nil && snap.FilledAt != nil {
		at := *snap.FilledAt
		lot.DisposedAt = &at
	}
}

// advanceStatus moves lot.Status to next unless that would break the
// lifecycle order. Terminal statuses never change here, and Other is left
// for an operator to resolve; only a leg fill moves those on, through
// DetectDisposal.
func advanceStatus(lot *domain.Lot, next domain.LotStatus) {
	cur := lot.Status
	switch {
	case cur.IsTerminal(), cur == domain.LotOther:
		return
	case next == domain.LotOther:
		lot.Status = domain.LotOther
	case next.Rank() >= cur.Rank():
		lot.Status = next
	}
}

// DetectDisposal inspects the snapshot's leg of the given kind. The leg id is
// captured on the lot on first sight whether or not it filled. When the leg
// has (partially) filled and the lot is not already Disposed, the lot is
// disposed with reason and the leg's fill details. A Canceled lot can still
// be disposed this way: a leg protecting shares filled before the entry was
// canceled closes a real position. It reports whether a disposal was
// recorded.
func DetectDisposal(lot *domain.Lot, snap *domain.OrderSnapshot, kind domain.LegKind, reason domain.DisposeReason) bool {
	leg, ok := snap.Leg(kind)
	if !ok {
		return false
	}

	switch kind {
	case domain.LegStop:
		if lot.StopOrderID == "" {
			lot.StopOrderID = leg.ID
		}
	case domain.LegTarget:
		if lot.TargetOrderID == "" {
			lot.TargetOrderID = leg.ID
		}
	}

	if !leg.Status.IsFill() || lot.Status == domain.LotDisposed {
		return false
	}
	return lot.Dispose(reason, leg.ID, leg.FilledAt, leg.FilledAvgPrice)
}
