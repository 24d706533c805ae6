package orchestrator

import (
	"context"
	"time"

	"github.com/qtc-alpha/arena/internal/history"
	"github.com/qtc-alpha/arena/internal/model"
	"github.com/shopspring/decimal"
)

// snapshotGlobal journals the account-level ledger line. The broker's own
// account view is authoritative when one is configured and reachable;
// otherwise the line aggregates the tenant ledgers.
func (o *Orchestrator) snapshotGlobal(ctx context.Context, tick time.Time, prices map[string]decimal.Decimal) {
	snap, ok := o.brokerSnapshot(ctx, tick)
	if !ok {
		snap = o.aggregateSnapshot(tick, prices)
	}

	if err := o.journal.AppendSnapshot(snap); err != nil {
		o.logger.Errorf("%s: can't journal global snapshot", err)
	}

	o.mu.Lock()
	o.lastGlobalSnap = &snap
	o.mu.Unlock()

	mv, _ := snap.MarketValue.Float64()
	o.globalValues = append(o.globalValues, mv)
	if m, ok := computeMetrics(o.globalValues, tick); ok {
		if err := o.journal.AppendMetrics(history.GlobalID, m); err != nil {
			o.logger.Errorf("%s: can't journal global metrics", err)
		}
	}
}

func (o *Orchestrator) brokerSnapshot(ctx context.Context, tick time.Time) (model.PortfolioSnapshot, bool) {
	if o.broker == nil {
		return model.PortfolioSnapshot{}, false
	}

	account, err := o.broker.GetAccountInfo(ctx)
	if err != nil {
		o.logger.Warnf("%s: can't read broker account, falling back to aggregate", err)
		return model.PortfolioSnapshot{}, false
	}
	positions, err := o.broker.GetPositions(ctx)
	if err != nil {
		o.logger.Warnf("%s: can't read broker positions, falling back to aggregate", err)
		return model.PortfolioSnapshot{}, false
	}

	views := make(map[string]model.PositionView, len(positions))
	for _, p := range positions {
		views[p.Symbol] = model.PositionView{
			Symbol:        p.Symbol,
			Quantity:      p.Quantity,
			Side:          p.Side,
			AvgCost:       p.AvgEntryPrice,
			Value:         p.MarketValue,
			PnLUnrealized: p.UnrealizedPL,
		}
	}

	return model.PortfolioSnapshot{
		TeamID:      history.GlobalID,
		Timestamp:   tick,
		Cash:        account.Cash,
		Positions:   views,
		MarketValue: account.PortfolioValue,
	}, true
}

// aggregateSnapshot sums every tenant ledger into one account-level line.
// Positions held by several teams merge per symbol.
func (o *Orchestrator) aggregateSnapshot(tick time.Time, prices map[string]decimal.Decimal) model.PortfolioSnapshot {
	o.mu.RLock()
	tenants := make([]*tenant, 0, len(o.tenants))
	for _, t := range o.tenants {
		tenants = append(tenants, t)
	}
	o.mu.RUnlock()

	cash := decimal.Zero
	marketValue := decimal.Zero
	views := make(map[string]model.PositionView)

	for _, t := range tenants {
		snap := t.ledger.Snapshot(prices, tick)
		cash = cash.Add(snap.Cash)
		marketValue = marketValue.Add(snap.MarketValue)

		for sym, v := range snap.Positions {
			merged, ok := views[sym]
			if !ok {
				views[sym] = v
				continue
			}
			totalQty := merged.Quantity.Add(v.Quantity)
			totalBasis := merged.Quantity.Mul(merged.AvgCost).Add(v.Quantity.Mul(v.AvgCost))
			if totalQty.GreaterThan(decimal.Zero) {
				merged.AvgCost = totalBasis.Div(totalQty)
			}
			merged.Quantity = totalQty
			merged.Value = merged.Value.Add(v.Value)
			merged.PnLUnrealized = merged.PnLUnrealized.Add(v.PnLUnrealized)
			views[sym] = merged
		}
	}

	return model.PortfolioSnapshot{
		TeamID:      history.GlobalID,
		Timestamp:   tick,
		Cash:        cash,
		Positions:   views,
		MarketValue: marketValue,
	}
}
