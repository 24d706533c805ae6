package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

func (o OrderType) Valid() bool {
	return o == Market || o == Limit
}

type TimeInForce string

const (
	Day TimeInForce = "day"
	GTC TimeInForce = "gtc"
	IOC TimeInForce = "ioc"
	FOK TimeInForce = "fok"
)

func (t TimeInForce) Valid() bool {
	switch t {
	case Day, GTC, IOC, FOK:
		return true
	}
	return false
}

// Signal is what a strategy returns for one tick. Optional fields carry
// through to the journals but never affect execution.
type Signal struct {
	Symbol      string          `json:"symbol"`
	Action      Side            `json:"action"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	OrderType   OrderType       `json:"order_type"`
	TimeInForce TimeInForce     `json:"time_in_force"`
	Confidence  float64         `json:"confidence,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// TradeRequest is an ephemeral, already-validated instruction for the executor.
type TradeRequest struct {
	TeamID        string          `json:"team_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	OrderType     OrderType       `json:"order_type"`
	TimeInForce   TimeInForce     `json:"time_in_force"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
}

// TradeRecord is immutable once written. Market orders append one at
// execution time; limit orders append one when the tracker sees the fill.
type TradeRecord struct {
	TeamID         string          `json:"team_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	RequestedPrice decimal.Decimal `json:"requested_price"`
	ExecutionPrice decimal.Decimal `json:"execution_price"`
	OrderType      OrderType       `json:"order_type"`
	Timestamp      time.Time       `json:"timestamp"`
	BrokerOrderID  string          `json:"broker_order_id,omitempty"`
}

// PositionView is a valued position inside a snapshot.
type PositionView struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	Side          Side            `json:"side"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	Value         decimal.Decimal `json:"value"`
	PnLUnrealized decimal.Decimal `json:"pnl_unrealized"`
}

// PortfolioSnapshot is an append-only ledger line: cash plus every position
// valued at the prices known when it was taken.
type PortfolioSnapshot struct {
	TeamID      string                  `json:"team_id"`
	Timestamp   time.Time               `json:"timestamp"`
	Cash        decimal.Decimal         `json:"cash"`
	Positions   map[string]PositionView `json:"positions"`
	MarketValue decimal.Decimal         `json:"market_value"`
}
