package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategyRef points at a tenant's code unit: a folder on disk plus a
// "module:ClassName" entry point inside it.
type StrategyRef struct {
	RepoPath   string         `json:"repo_path" yaml:"repo_path"`
	EntryPoint string         `json:"entry_point" yaml:"entry_point"`
	Params     map[string]any `json:"params" yaml:"params"`
}

// Position is a long holding. Quantity stays positive; a sell that empties
// it deletes the position instead of leaving a zero row.
type Position struct {
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity"`
	Side      Side            `json:"side"`
	AvgCost   decimal.Decimal `json:"avg_cost"`
	CostBasis decimal.Decimal `json:"cost_basis"`
	OpenedAt  time.Time       `json:"opened_at"`
}

// PositionFromTrade opens a position from the first fill on a symbol.
func PositionFromTrade(symbol string, qty decimal.Decimal, side Side, price decimal.Decimal, ts time.Time) Position {
	return Position{
		Symbol:    symbol,
		Quantity:  qty,
		Side:      side,
		AvgCost:   price,
		CostBasis: qty.Abs().Mul(price),
		OpenedAt:  ts,
	}
}

// UnrealizedPnL for a long position valued at price p.
func (p Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	value := p.Quantity.Mul(price)
	if p.Side == Buy {
		return value.Sub(p.Quantity.Mul(p.AvgCost))
	}
	return p.Quantity.Mul(p.AvgCost).Sub(value)
}

// Team is one tenant: a strategy reference plus its own ledger.
type Team struct {
	ID        string
	Strategy  StrategyRef
	Run247    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
