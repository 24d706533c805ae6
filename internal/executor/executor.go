package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qtc-alpha/arena/internal/broker"
	"github.com/qtc-alpha/arena/internal/history"
	"github.com/qtc-alpha/arena/internal/logger"
	"github.com/qtc-alpha/arena/internal/markethours"
	"github.com/qtc-alpha/arena/internal/model"
	"github.com/qtc-alpha/arena/internal/orders"
	"github.com/qtc-alpha/arena/internal/portfolio"
	"github.com/shopspring/decimal"
)

const (
	_clientOrderPrefix = "arena-"
	_fillPollDelay     = 500 * time.Millisecond
)

// Executor validates trade requests and applies them to a team's ledger,
// routing through the broker when one is configured. Market orders settle
// synchronously in the tick; limit orders become PendingOrders and only the
// OrderTracker touches the ledger for them, on fill.
type Executor struct {
	broker  broker.Broker // nil means local-only execution
	tracker *orders.Tracker
	journal *history.Journal

	fillPollDelay time.Duration

	logger logger.Logger
}

func NewExecutor(b broker.Broker, tracker *orders.Tracker, journal *history.Journal, logger logger.Logger) *Executor {
	return &Executor{
		broker:        b,
		tracker:       tracker,
		journal:       journal,
		fillPollDelay: _fillPollDelay,
		logger:        logger,
	}
}

// Execute runs one trade request against the team's ledger. The boolean is
// the tenant-visible outcome; the message explains it either way.
func (e *Executor) Execute(
	ctx context.Context,
	ledger *portfolio.Ledger,
	req model.TradeRequest,
	currentPrices map[string]decimal.Decimal,
) (bool, string) {
	now := time.Now().UTC()

	if !markethours.SymbolTrading(req.Symbol, now) {
		return false, fmt.Sprintf("market closed for %s at %s", req.Symbol, now.Format(time.RFC3339))
	}

	if msg, ok := e.validate(ledger, req); !ok {
		return false, msg
	}

	executionPrice := req.Price

	var (
		brokerOrderID string
		brokerErr     error
	)
	if e.broker != nil {
		clientID := req.ClientOrderID
		if clientID == "" {
			clientID = _clientOrderPrefix + req.TeamID + "-" + uuid.NewString()
		}

		switch req.OrderType {
		case model.Limit:
			orderID, err := e.broker.PlaceLimitOrder(ctx, req.Symbol, req.Side, req.Quantity, req.Price, req.TimeInForce, clientID)
			if err == nil {
				return e.storePending(ctx, req, orderID, now)
			}
			brokerErr = err
			e.logger.Errorf("%s: limit order submission failed for %s", err, req.TeamID)

		case model.Market:
			orderID, err := e.broker.PlaceMarketOrder(ctx, req.Symbol, req.Side, req.Quantity, clientID)
			if err != nil {
				brokerErr = err
				e.logger.Errorf("%s: market order submission failed for %s", err, req.TeamID)
				break
			}
			brokerOrderID = orderID
			e.logger.Infof("market order submitted: %s for %s %s %s @ %s",
				orderID, req.Symbol, req.Side, req.Quantity, req.Price)
			executionPrice = e.pollFillPrice(ctx, orderID, req.Price)
		}
	}

	if err := e.applyToLedger(ledger, req, executionPrice, now); err != nil {
		return false, fmt.Sprintf("portfolio update failed: %s", err)
	}

	tr := model.TradeRecord{
		TeamID:         req.TeamID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Quantity:       req.Quantity,
		RequestedPrice: req.Price,
		ExecutionPrice: executionPrice,
		OrderType:      req.OrderType,
		Timestamp:      now,
		BrokerOrderID:  brokerOrderID,
	}
	if err := e.journal.AppendTradeRecord(tr); err != nil {
		e.logger.Errorf("%s: can't journal trade for %s", err, req.TeamID)
	}

	// Post-trade snapshot with the traded symbol pinned to its execution
	// price, so the ledger line reflects what actually happened.
	prices := make(map[string]decimal.Decimal, len(currentPrices)+1)
	for sym, p := range currentPrices {
		prices[sym] = p
	}
	prices[req.Symbol] = executionPrice
	if err := e.journal.AppendSnapshot(ledger.Snapshot(prices, now)); err != nil {
		e.logger.Errorf("%s: can't journal post-trade snapshot for %s", err, req.TeamID)
	}

	if brokerErr != nil {
		return true, fmt.Sprintf("trade executed locally; broker error: %s", brokerErr)
	}
	return true, "trade executed successfully"
}

func (e *Executor) validate(ledger *portfolio.Ledger, req model.TradeRequest) (string, bool) {
	switch req.Side {
	case model.Buy:
		if !ledger.CanBuy(req.Quantity, req.Price) {
			return fmt.Sprintf("insufficient funds: need %s, have %s",
				req.Quantity.Mul(req.Price), ledger.Cash()), false
		}
	case model.Sell:
		if !ledger.CanSell(req.Symbol, req.Quantity) {
			return fmt.Sprintf("insufficient position in %s", req.Symbol), false
		}
	default:
		return fmt.Sprintf("invalid side %q", req.Side), false
	}
	return "", true
}

// storePending hands a submitted limit order to the tracker. The ledger is
// deliberately untouched here.
func (e *Executor) storePending(ctx context.Context, req model.TradeRequest, orderID string, now time.Time) (bool, string) {
	pending := model.PendingOrder{
		OrderID:        orderID,
		TeamID:         req.TeamID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Quantity:       req.Quantity,
		OrderType:      req.OrderType,
		LimitPrice:     req.Price,
		Status:         model.OrderNew,
		FilledQty:      decimal.Zero,
		TimeInForce:    req.TimeInForce,
		RequestedPrice: req.Price,
		BrokerOrderID:  orderID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.tracker.StorePending(ctx, pending); err != nil {
		e.logger.Errorf("%s: can't store pending order %s", err, orderID)
	}
	e.logger.Infof("stored pending limit order %s for %s, reconciling in background", orderID, req.Symbol)
	return true, fmt.Sprintf("limit order placed: %s", orderID)
}

// pollFillPrice waits briefly for the broker-reported fill price of a market
// order, falling back to the requested price on any lookup failure.
func (e *Executor) pollFillPrice(ctx context.Context, orderID string, requested decimal.Decimal) decimal.Decimal {
	select {
	case <-ctx.Done():
		return requested
	case <-time.After(e.fillPollDelay):
	}

	state, err := e.broker.GetOrderByID(ctx, orderID)
	if err != nil {
		e.logger.Warnf("%s: can't retrieve execution price for order %s", err, orderID)
		return requested
	}
	if state.FilledAvgPrice.GreaterThan(decimal.Zero) {
		e.logger.Infof("broker execution price %s (requested %s)", state.FilledAvgPrice, requested)
		return state.FilledAvgPrice
	}
	return requested
}

func (e *Executor) applyToLedger(ledger *portfolio.Ledger, req model.TradeRequest, price decimal.Decimal, now time.Time) error {
	switch req.Side {
	case model.Buy:
		return ledger.ApplyBuy(req.Symbol, req.Quantity, price, now)
	case model.Sell:
		return ledger.ApplySell(req.Symbol, req.Quantity, price)
	}
	return fmt.Errorf("invalid side %q", req.Side)
}
