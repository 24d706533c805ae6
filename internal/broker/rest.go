package broker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/qtc-alpha/arena/internal/config"
	"github.com/qtc-alpha/arena/internal/logger"
	"github.com/qtc-alpha/arena/internal/markethours"
	"github.com/qtc-alpha/arena/internal/model"
	"github.com/shopspring/decimal"
	"go.uber.org/ratelimit"
	"resty.dev/v3"
)

const (
	_ordersURL    = "/v2/orders"
	_accountURL   = "/v2/account"
	_positionsURL = "/v2/positions"
)

// RESTBroker talks to an Alpaca-style trading REST API.
type RESTBroker struct {
	c           *resty.Client
	rateLimiter ratelimit.Limiter // 200 T/M

	logger logger.Logger
}

// NewRESTBroker returns nil when no broker address is configured; callers
// treat a nil broker as local-only execution.
func NewRESTBroker(cfg config.BrokerConfig, logger logger.Logger) (*RESTBroker, error) {
	if cfg.Address == "" {
		return nil, nil
	}

	apiKey := os.Getenv("BROKER_API_KEY")
	apiSecret := os.Getenv("BROKER_API_SECRET")
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("empty broker api credentials")
	}

	client := resty.New().
		SetLogger(logger).
		SetBaseURL(cfg.Address).
		SetHeader("APCA-API-KEY-ID", apiKey).
		SetHeader("APCA-API-SECRET-KEY", apiSecret)

	return &RESTBroker{
		c:           client,
		rateLimiter: ratelimit.New(200, ratelimit.Per(time.Minute)),
		logger:      logger,
	}, nil
}

type orderPayload struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Status         string `json:"status"`
	Qty            string `json:"qty"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
}

type accountPayload struct {
	Cash           string `json:"cash"`
	PortfolioValue string `json:"portfolio_value"`
	BuyingPower    string `json:"buying_power"`
}

type positionPayload struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	AvgEntryPrice string `json:"avg_entry_price"`
	MarketValue   string `json:"market_value"`
	UnrealizedPL  string `json:"unrealized_pl"`
}

type apiError struct {
	Message string `json:"message"`
}

type placeOrderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// prepareSymbol converts crypto base symbols to pair form (BTC -> BTC/USD).
func prepareSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	if markethours.IsCrypto(s) && !strings.Contains(s, "/") {
		return s + "/USD"
	}
	return s
}

func (b *RESTBroker) placeOrder(ctx context.Context, req placeOrderRequest) (string, error) {
	b.rateLimiter.Take()

	resp, err := b.c.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&orderPayload{}).
		SetError(&apiError{}).
		Post(_ordersURL)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return "", fmt.Errorf("order rejected by broker: %s", resp.Error().(*apiError).Message)
	}

	return resp.Result().(*orderPayload).ID, nil
}

func (b *RESTBroker) PlaceMarketOrder(ctx context.Context, symbol string, side model.Side, qty decimal.Decimal, clientOrderID string) (string, error) {
	tif := model.Day
	if markethours.IsCrypto(symbol) {
		tif = model.GTC // crypto trades around the clock
	}
	return b.placeOrder(ctx, placeOrderRequest{
		Symbol:        prepareSymbol(symbol),
		Qty:           qty.String(),
		Side:          string(side),
		Type:          string(model.Market),
		TimeInForce:   string(tif),
		ClientOrderID: clientOrderID,
	})
}

func (b *RESTBroker) PlaceLimitOrder(ctx context.Context, symbol string, side model.Side, qty, limitPrice decimal.Decimal, tif model.TimeInForce, clientOrderID string) (string, error) {
	return b.placeOrder(ctx, placeOrderRequest{
		Symbol:        prepareSymbol(symbol),
		Qty:           qty.String(),
		Side:          string(side),
		Type:          string(model.Limit),
		TimeInForce:   string(tif),
		LimitPrice:    limitPrice.String(),
		ClientOrderID: clientOrderID,
	})
}

func (b *RESTBroker) GetOrderByID(ctx context.Context, orderID string) (OrderState, error) {
	b.rateLimiter.Take()

	resp, err := b.c.R().
		SetContext(ctx).
		SetResult(&orderPayload{}).
		SetError(&apiError{}).
		Get(_ordersURL + "/" + orderID)
	if err != nil {
		return OrderState{}, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return OrderState{}, fmt.Errorf("can't get order %s: %s", orderID, resp.Error().(*apiError).Message)
	}

	return toOrderState(resp.Result().(*orderPayload)), nil
}

func (b *RESTBroker) GetAllOrders(ctx context.Context, statusFilter string) ([]OrderState, error) {
	b.rateLimiter.Take()

	var payload []orderPayload
	resp, err := b.c.R().
		SetContext(ctx).
		SetQueryParam("status", statusFilter).
		SetResult(&payload).
		SetError(&apiError{}).
		Get(_ordersURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return nil, fmt.Errorf("can't list orders: %s", resp.Error().(*apiError).Message)
	}

	out := make([]OrderState, 0, len(payload))
	for i := range payload {
		out = append(out, toOrderState(&payload[i]))
	}
	return out, nil
}

func (b *RESTBroker) CancelOrder(ctx context.Context, orderID string) error {
	b.rateLimiter.Take()

	resp, err := b.c.R().
		SetContext(ctx).
		SetError(&apiError{}).
		Delete(_ordersURL + "/" + orderID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return fmt.Errorf("can't cancel order %s: %s", orderID, resp.Error().(*apiError).Message)
	}
	return nil
}

func (b *RESTBroker) GetAccountInfo(ctx context.Context) (AccountInfo, error) {
	b.rateLimiter.Take()

	resp, err := b.c.R().
		SetContext(ctx).
		SetResult(&accountPayload{}).
		SetError(&apiError{}).
		Get(_accountURL)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return AccountInfo{}, fmt.Errorf("can't get account: %s", resp.Error().(*apiError).Message)
	}

	acct := resp.Result().(*accountPayload)
	return AccountInfo{
		Cash:           parseDecimal(acct.Cash),
		PortfolioValue: parseDecimal(acct.PortfolioValue),
		BuyingPower:    parseDecimal(acct.BuyingPower),
	}, nil
}

func (b *RESTBroker) GetPositions(ctx context.Context) ([]BrokerPosition, error) {
	b.rateLimiter.Take()

	var payload []positionPayload
	resp, err := b.c.R().
		SetContext(ctx).
		SetResult(&payload).
		SetError(&apiError{}).
		Get(_positionsURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return nil, fmt.Errorf("can't get positions: %s", resp.Error().(*apiError).Message)
	}

	out := make([]BrokerPosition, 0, len(payload))
	for _, p := range payload {
		side := model.Buy
		if p.Side == "short" {
			side = model.Sell
		}
		out = append(out, BrokerPosition{
			Symbol:        p.Symbol,
			Quantity:      parseDecimal(p.Qty),
			Side:          side,
			AvgEntryPrice: parseDecimal(p.AvgEntryPrice),
			MarketValue:   parseDecimal(p.MarketValue),
			UnrealizedPL:  parseDecimal(p.UnrealizedPL),
		})
	}
	return out, nil
}

func toOrderState(p *orderPayload) OrderState {
	return OrderState{
		OrderID:        p.ID,
		ClientOrderID:  p.ClientOrderID,
		Symbol:         p.Symbol,
		Side:           model.Side(p.Side),
		Status:         normalizeStatus(p.Status),
		Quantity:       parseDecimal(p.Qty),
		FilledQty:      parseDecimal(p.FilledQty),
		FilledAvgPrice: parseDecimal(p.FilledAvgPrice),
	}
}

// normalizeStatus maps broker status strings onto the tracker's state set.
func normalizeStatus(s string) model.OrderStatus {
	switch s {
	case "new", "pending_new":
		return model.OrderNew
	case "accepted", "pending_replace", "replaced":
		return model.OrderAccepted
	case "partially_filled":
		return model.OrderPartiallyFilled
	case "filled":
		return model.OrderFilled
	case "canceled", "cancelled", "pending_cancel", "done_for_day":
		return model.OrderCancelled
	case "rejected", "stopped", "suspended":
		return model.OrderRejected
	case "expired":
		return model.OrderExpired
	}
	return model.OrderStatus(s)
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
