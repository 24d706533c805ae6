package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderNew             OrderStatus = "new"
	OrderAccepted        OrderStatus = "accepted"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRejected        OrderStatus = "rejected"
	OrderExpired         OrderStatus = "expired"
)

// Terminal reports whether the status ends the order's lifecycle.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// PendingOrder is a broker order that has not reached a terminal state.
// Only the OrderTracker mutates it after creation.
type PendingOrder struct {
	OrderID        string          `json:"order_id" db:"order_id"`
	TeamID         string          `json:"team_id" db:"team_id"`
	Symbol         string          `json:"symbol" db:"symbol"`
	Side           Side            `json:"side" db:"side"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	OrderType      OrderType       `json:"order_type" db:"order_type"`
	LimitPrice     decimal.Decimal `json:"limit_price" db:"limit_price"`
	Status         OrderStatus     `json:"status" db:"status"`
	FilledQty      decimal.Decimal `json:"filled_qty" db:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price" db:"filled_avg_price"`
	TimeInForce    TimeInForce     `json:"time_in_force" db:"time_in_force"`
	RequestedPrice decimal.Decimal `json:"requested_price" db:"requested_price"`
	BrokerOrderID  string          `json:"broker_order_id" db:"broker_order_id"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}
