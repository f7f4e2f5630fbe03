package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"lotkeeper/internal/domain"
	"lotkeeper/internal/util"
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaConfig holds the settings for an AlpacaBroker.
type AlpacaConfig struct {
	APIKey         string
	APISecret      string
	BaseURL        string
	RequestTimeout time.Duration
	RateLimit      int // requests per minute, 0 disables limiting
}

// AlpacaBroker implements Broker over the Alpaca trading REST API. One
// instance, and so one pooled HTTP client, is shared by the whole process.
type AlpacaBroker struct {
	client  *alpaca.Client
	limiter *util.RateLimiter
	log     *slog.Logger
}

// NewAlpacaBroker creates an AlpacaBroker with the given credentials and
// endpoint.
func NewAlpacaBroker(cfg AlpacaConfig, log *slog.Logger) *AlpacaBroker {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		BaseURL:    cfg.BaseURL,
		HTTPClient: &http.Client{Timeout: timeout},
	})
	return &AlpacaBroker{
		client:  client,
		limiter: util.NewRateLimiter(cfg.RateLimit),
		log:     log.With("broker", "alpaca"),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// PlaceOrder submits req. A request with both exit prices is sent as a
// bracket order. Alpaca assigns each leg its own order id and client order
// id; legs are matched back to their lot by order id.
func (b *AlpacaBroker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderSnapshot, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	qty := req.Qty
	areq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpacaSide(req.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpacaTimeInForce(req.TimeInForce),
		ClientOrderID: req.ClientOrderID,
	}
	if req.Type == domain.OrderTypeLimit {
		areq.Type = alpaca.Limit
		areq.LimitPrice = req.LimitPrice
	}
	if req.IsBracket() {
		areq.OrderClass = alpaca.Bracket
		areq.TakeProfit = &alpaca.TakeProfit{LimitPrice: req.TakeProfit}
		areq.StopLoss = &alpaca.StopLoss{StopPrice: req.StopLoss}
	}

	order, err := b.client.PlaceOrder(areq)
	if err != nil {
		return nil, fmt.Errorf("placing order %s: %w", req.ClientOrderID, mapError(err))
	}
	b.log.Info("order placed", "order_id", order.ID, "client_order_id", order.ClientOrderID,
		"symbol", order.Symbol, "status", order.Status)
	return SnapshotFromAlpaca(order), nil
}

// GetOrder fetches an order by broker id.
func (b *AlpacaBroker) GetOrder(ctx context.Context, orderID string) (*domain.OrderSnapshot, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	order, err := b.client.GetOrder(orderID)
	if err != nil {
		return nil, fmt.Errorf("getting order %s: %w", orderID, mapError(err))
	}
	return SnapshotFromAlpaca(order), nil
}

// GetOrderByClientID fetches an order by client order id.
func (b *AlpacaBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.OrderSnapshot, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	order, err := b.client.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("getting order by client id %s: %w", clientOrderID, mapError(err))
	}
	return SnapshotFromAlpaca(order), nil
}

// CancelOrder requests cancellation of an open order.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := b.client.CancelOrder(orderID); err != nil {
		return fmt.Errorf("canceling order %s: %w", orderID, mapError(err))
	}
	return nil
}

// mapError translates an Alpaca client error into the domain taxonomy while
// keeping the original message.
func mapError(err error) error {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		// Transport failures: timeouts, resets, DNS.
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	switch {
	case apiErr.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, apiErr.Message)
	case apiErr.StatusCode == http.StatusTooManyRequests, apiErr.StatusCode >= 500:
		return fmt.Errorf("%w: %d %s", domain.ErrTransient, apiErr.StatusCode, apiErr.Message)
	default:
		return fmt.Errorf("%w: %d %s", domain.ErrRejected, apiErr.StatusCode, apiErr.Message)
	}
}

// SnapshotFromAlpaca converts an Alpaca order, including any bracket legs,
// into an OrderSnapshot.
func SnapshotFromAlpaca(o *alpaca.Order) *domain.OrderSnapshot {
	snap := &domain.OrderSnapshot{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           domain.Side(o.Side),
		Status:         domain.BrokerStatus(o.Status),
		FilledQty:      o.FilledQty,
		FilledAvgPrice: copyDecimal(o.FilledAvgPrice),
		LimitPrice:     copyDecimal(o.LimitPrice),
		FilledAt:       copyTime(o.FilledAt),
	}
	for i := range o.Legs {
		leg := &o.Legs[i]
		kind, ok := legKind(leg.Type)
		if !ok {
			continue
		}
		snap.Legs = append(snap.Legs, domain.Leg{
			ID:             leg.ID,
			Kind:           kind,
			Status:         domain.BrokerStatus(leg.Status),
			FilledQty:      leg.FilledQty,
			FilledAvgPrice: copyDecimal(leg.FilledAvgPrice),
			FilledAt:       copyTime(leg.FilledAt),
		})
	}
	return snap
}

// legKind classifies a bracket child: stop-type legs are the stop loss, the
// limit leg is the take profit.
func legKind(t alpaca.OrderType) (domain.LegKind, bool) {
	switch t {
	case alpaca.Stop, alpaca.StopLimit, alpaca.TrailingStop:
		return domain.LegStop, true
	case alpaca.Limit:
		return domain.LegTarget, true
	}
	return "", false
}

func alpacaSide(s domain.Side) alpaca.Side {
	if s == domain.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func alpacaTimeInForce(tif domain.TimeInForce) alpaca.TimeInForce {
	if tif == domain.TimeInForceGTC {
		return alpaca.GTC
	}
	return alpaca.Day
}

func copyDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// DecodeOrder parses an order object in the broker's JSON wire format, as
// carried by trade_updates messages, into an OrderSnapshot.
func DecodeOrder(raw []byte) (*domain.OrderSnapshot, error) {
	var o alpaca.Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("%w: decoding order: %v", domain.ErrValidation, err)
	}
	if o.ID == "" || o.ClientOrderID == "" || o.Status == "" {
		return nil, fmt.Errorf("%w: order missing id, client_order_id or status", domain.ErrValidation)
	}
	return SnapshotFromAlpaca(&o), nil
}
