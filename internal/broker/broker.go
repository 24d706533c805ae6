package broker

import (
	"context"
	"errors"

	"github.com/qtc-alpha/arena/internal/model"
	"github.com/shopspring/decimal"
)

// ErrUnavailable marks failures where the broker could not be reached at
// all; the executor degrades to local-only execution on it.
var ErrUnavailable = errors.New("broker unavailable")

// OrderState is the broker's view of one order.
type OrderState struct {
	OrderID        string
	ClientOrderID  string
	Symbol         string
	Side           model.Side
	Status         model.OrderStatus
	Quantity       decimal.Decimal
	FilledQty      decimal.Decimal
	FilledAvgPrice decimal.Decimal
}

type AccountInfo struct {
	Cash           decimal.Decimal
	PortfolioValue decimal.Decimal
	BuyingPower    decimal.Decimal
}

type BrokerPosition struct {
	Symbol        string
	Quantity      decimal.Decimal
	Side          model.Side
	AvgEntryPrice decimal.Decimal
	MarketValue   decimal.Decimal
	UnrealizedPL  decimal.Decimal
}

// Broker routes orders to the brokerage and reads back order/account state.
type Broker interface {
	PlaceMarketOrder(ctx context.Context, symbol string, side model.Side, qty decimal.Decimal, clientOrderID string) (string, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side model.Side, qty, limitPrice decimal.Decimal, tif model.TimeInForce, clientOrderID string) (string, error)
	GetOrderByID(ctx context.Context, orderID string) (OrderState, error)
	GetAllOrders(ctx context.Context, statusFilter string) ([]OrderState, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetAccountInfo(ctx context.Context) (AccountInfo, error)
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
}
