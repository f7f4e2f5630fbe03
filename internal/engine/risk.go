package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"lotkeeper/internal/domain"
)

// RiskManager enforces pre-trade checks on new lots.
type RiskManager struct {
	maxNotional decimal.Decimal
}

// NewRiskManager creates a RiskManager. maxNotional caps qty × reference
// price for a single lot; zero disables the cap.
func NewRiskManager(maxNotional decimal.Decimal) *RiskManager {
	return &RiskManager{maxNotional: maxNotional}
}

// CheckOpen validates req, returning a domain.ErrValidation error when it
// must not be sent to the broker.
//
// Bracket prices must bracket the entry: for a long position
// stop < limit < target, and the reverse for a short one. Without a limit
// price only stop and target are compared.
func (rm *RiskManager) CheckOpen(req OpenRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", domain.ErrValidation)
	}
	if !req.Qty.IsPositive() {
		return fmt.Errorf("%w: qty must be positive, got %s", domain.ErrValidation, req.Qty)
	}
	switch req.PositionType {
	case domain.PositionLong, domain.PositionShort:
	default:
		return fmt.Errorf("%w: unknown position type %q", domain.ErrValidation, req.PositionType)
	}
	for name, p := range map[string]*decimal.Decimal{
		"limit": req.LimitPrice, "target": req.TargetPrice, "stop": req.StopPrice,
	} {
		if p != nil && !p.IsPositive() {
			return fmt.Errorf("%w: %s price must be positive", domain.ErrValidation, name)
		}
	}
	if (req.TargetPrice == nil) != (req.StopPrice == nil) {
		return fmt.Errorf("%w: target and stop must be given together", domain.ErrValidation)
	}

	if req.TargetPrice != nil {
		// Prices listed from the losing exit to the winning exit.
		levels := []*decimal.Decimal{req.StopPrice, req.LimitPrice, req.TargetPrice}
		if req.PositionType == domain.PositionShort {
			levels = []*decimal.Decimal{req.TargetPrice, req.LimitPrice, req.StopPrice}
		}
		if !ascending(levels) {
			return fmt.Errorf("%w: %s bracket prices out of order (stop %s, limit %s, target %s)",
				domain.ErrValidation, req.PositionType, fmtPrice(req.StopPrice), fmtPrice(req.LimitPrice), fmtPrice(req.TargetPrice))
		}
	}

	if rm != nil && rm.maxNotional.IsPositive() {
		ref := req.LimitPrice
		if ref == nil {
			ref = req.TargetPrice
		}
		if ref != nil {
			notional := req.Qty.Mul(*ref)
			if notional.GreaterThan(rm.maxNotional) {
				return fmt.Errorf("%w: notional %s exceeds limit %s", domain.ErrValidation, notional, rm.maxNotional)
			}
		}
	}
	return nil
}

// ascending reports whether the non-nil values strictly increase.
func ascending(levels []*decimal.Decimal) bool {
	var prev *decimal.Decimal
	for _, p := range levels {
		if p == nil {
			continue
		}
		if prev != nil && !p.GreaterThan(*prev) {
			return false
		}
		prev = p
	}
	return true
}

func fmtPrice(p *decimal.Decimal) string {
	if p == nil {
		return "-"
	}
	return p.String()
}
