package engine

import "lotkeeper/internal/domain"

// StatusFor maps a broker order status onto the lot lifecycle. Statuses it
// does not recognise map to LotOther for manual follow-up.
func StatusFor(s domain.BrokerStatus) domain.LotStatus {
	switch s {
	case domain.BrokerNew, domain.BrokerPendingNew, domain.BrokerAccepted:
		return domain.LotPending
	case domain.BrokerPartiallyFilled, domain.BrokerFilled:
		return domain.LotOpen
	case domain.BrokerCanceled, domain.BrokerRejected, domain.BrokerExpired:
		return domain.LotCanceled
	default:
		return domain.LotOther
	}
}
