package portfolio

import (
	"fmt"
	"sync"
	"time"

	"github.com/qtc-alpha/arena/internal/model"
	"github.com/shopspring/decimal"
)

// Ledger is one team's cash and positions. The executor mutates it on behalf
// of its team only, so there is no cross-team locking; the mutex guards the
// tick loop against the order-reconciliation loop applying fills.
type Ledger struct {
	mu sync.RWMutex

	teamID    string
	cash      decimal.Decimal
	positions map[string]model.Position
}

func NewLedger(teamID string, initialCash decimal.Decimal) *Ledger {
	return &Ledger{
		teamID:    teamID,
		cash:      initialCash,
		positions: make(map[string]model.Position),
	}
}

func (l *Ledger) TeamID() string {
	return l.teamID
}

func (l *Ledger) Cash() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

// Position returns a copy of the held position for symbol, if any.
func (l *Ledger) Position(symbol string) (model.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[symbol]
	return p, ok
}

// Positions returns a copy of the positions map.
func (l *Ledger) Positions() map[string]model.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]model.Position, len(l.positions))
	for sym, p := range l.positions {
		out[sym] = p
	}
	return out
}

// CanBuy reports whether cash covers quantity*price.
func (l *Ledger) CanBuy(quantity, price decimal.Decimal) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash.GreaterThanOrEqual(quantity.Mul(price))
}

// CanSell reports whether the held quantity covers the requested one.
func (l *Ledger) CanSell(symbol string, quantity decimal.Decimal) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[symbol]
	return ok && p.Quantity.GreaterThanOrEqual(quantity)
}

// ApplyBuy debits cash and folds the fill into the position at a weighted
// average cost.
func (l *Ledger) ApplyBuy(symbol string, quantity, price decimal.Decimal, ts time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cost := quantity.Mul(price)
	if l.cash.LessThan(cost) {
		return fmt.Errorf("insufficient cash: have %s, need %s", l.cash, cost)
	}

	if existing, ok := l.positions[symbol]; ok {
		totalQty := existing.Quantity.Add(quantity)
		totalCost := existing.Quantity.Mul(existing.AvgCost).Add(cost)
		avgCost := totalCost.Div(totalQty)
		l.positions[symbol] = model.Position{
			Symbol:    symbol,
			Quantity:  totalQty,
			Side:      model.Buy,
			AvgCost:   avgCost,
			CostBasis: totalQty.Mul(avgCost),
			OpenedAt:  existing.OpenedAt,
		}
	} else {
		l.positions[symbol] = model.PositionFromTrade(symbol, quantity, model.Buy, price, ts)
	}

	l.cash = l.cash.Sub(cost)
	return nil
}

// ApplySell credits cash and reduces the position, deleting it when it
// reaches zero. AvgCost is untouched by sells.
func (l *Ledger) ApplySell(symbol string, quantity, price decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.positions[symbol]
	if !ok || existing.Quantity.LessThan(quantity) {
		return fmt.Errorf("insufficient position in %s", symbol)
	}

	remaining := existing.Quantity.Sub(quantity)
	if remaining.LessThanOrEqual(decimal.Zero) {
		delete(l.positions, symbol)
	} else {
		l.positions[symbol] = model.Position{
			Symbol:    symbol,
			Quantity:  remaining,
			Side:      existing.Side,
			AvgCost:   existing.AvgCost,
			CostBasis: remaining.Mul(existing.AvgCost),
			OpenedAt:  existing.OpenedAt,
		}
	}

	l.cash = l.cash.Add(quantity.Mul(price))
	return nil
}

// Snapshot values every position at the given prices (falling back to avg
// cost for unknown symbols) and returns one ledger line.
func (l *Ledger) Snapshot(prices map[string]decimal.Decimal, ts time.Time) model.PortfolioSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	views := make(map[string]model.PositionView, len(l.positions))
	marketValue := l.cash
	for sym, pos := range l.positions {
		price, ok := prices[sym]
		if !ok {
			price = pos.AvgCost
		}
		value := pos.Quantity.Mul(price)
		views[sym] = model.PositionView{
			Symbol:        sym,
			Quantity:      pos.Quantity,
			Side:          pos.Side,
			AvgCost:       pos.AvgCost,
			Value:         value,
			PnLUnrealized: pos.UnrealizedPnL(price),
		}
		marketValue = marketValue.Add(value)
	}

	return model.PortfolioSnapshot{
		TeamID:      l.teamID,
		Timestamp:   ts,
		Cash:        l.cash,
		Positions:   views,
		MarketValue: marketValue,
	}
}
