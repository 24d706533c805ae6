package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qtc-alpha/arena/internal/broker"
	"github.com/qtc-alpha/arena/internal/history"
	"github.com/qtc-alpha/arena/internal/logger"
	"github.com/qtc-alpha/arena/internal/model"
	"github.com/qtc-alpha/arena/internal/portfolio"
	"github.com/shopspring/decimal"
)

// Ledgers resolves a team's ledger. The orchestrator implements it; the
// tracker uses it to apply limit fills, the only path by which a limit order
// reaches a ledger.
type Ledgers interface {
	Ledger(teamID string) (*portfolio.Ledger, bool)
}

// Tracker owns the pending-order state machine. Its index is shared between
// the tick loop (submission) and the reconciliation loop (status updates),
// so every access goes through the mutex.
type Tracker struct {
	mu     sync.Mutex
	orders map[string]*model.PendingOrder

	store   Store
	journal *history.Journal
	ledgers Ledgers

	reconcileInterval time.Duration
	cleanupMaxAge     time.Duration
	lastCleanupHour   time.Time

	logger logger.Logger
}

func NewTracker(
	store Store,
	journal *history.Journal,
	ledgers Ledgers,
	reconcileInterval, cleanupMaxAge time.Duration,
	logger logger.Logger,
) *Tracker {
	return &Tracker{
		orders:            make(map[string]*model.PendingOrder),
		store:             store,
		journal:           journal,
		ledgers:           ledgers,
		reconcileInterval: reconcileInterval,
		cleanupMaxAge:     cleanupMaxAge,
		logger:            logger,
	}
}

// LoadPending reloads every persisted non-terminal order so reconciliation
// resumes after a restart.
func (t *Tracker) LoadPending(ctx context.Context) error {
	persisted, err := t.store.LoadOpen(ctx)
	if err != nil {
		return fmt.Errorf("%w: can't reload pending orders", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range persisted {
		o := persisted[i]
		t.orders[o.OrderID] = &o
	}
	t.logger.Infof("loaded %d pending orders", len(persisted))
	return nil
}

// StorePending indexes and persists a freshly submitted order.
func (t *Tracker) StorePending(ctx context.Context, order model.PendingOrder) error {
	t.mu.Lock()
	t.orders[order.OrderID] = &order
	t.mu.Unlock()

	if err := t.store.Upsert(ctx, order); err != nil {
		return err
	}
	t.logger.Debugf("stored pending order %s for team %s", order.OrderID, order.TeamID)
	return nil
}

// OpenOrders returns every non-terminal order for a team.
func (t *Tracker) OpenOrders(teamID string) []model.PendingOrder {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []model.PendingOrder
	for _, o := range t.orders {
		if o.TeamID == teamID && !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}

// OrderByID returns the indexed order, if present.
func (t *Tracker) OrderByID(orderID string) (model.PendingOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[orderID]
	if !ok {
		return model.PendingOrder{}, false
	}
	return *o, true
}

// UpdateStatus applies broker-reported fields to an indexed order. A
// transition into filled with a known fill price synthesizes exactly one
// TradeRecord, applies the fill to the team's ledger, and drops the order
// from the active index.
func (t *Tracker) UpdateStatus(ctx context.Context, orderID string, state broker.OrderState) error {
	t.mu.Lock()
	order, ok := t.orders[orderID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("unknown order %s", orderID)
	}

	wasFilled := order.Status == model.OrderFilled
	if state.Status != "" {
		order.Status = state.Status
	}
	if state.FilledQty.GreaterThan(decimal.Zero) {
		order.FilledQty = state.FilledQty
	}
	if state.FilledAvgPrice.GreaterThan(decimal.Zero) {
		order.FilledAvgPrice = state.FilledAvgPrice
	}
	order.UpdatedAt = time.Now().UTC()

	fillNow := !wasFilled &&
		order.Status == model.OrderFilled &&
		order.FilledAvgPrice.GreaterThan(decimal.Zero)

	snapshot := *order
	if fillNow {
		delete(t.orders, orderID)
	}
	t.mu.Unlock()

	if err := t.store.Upsert(ctx, snapshot); err != nil {
		t.logger.Errorf("%s: can't persist order update %s", err, orderID)
	}

	if fillNow {
		t.applyFill(snapshot)
	}
	return nil
}

// applyFill settles a filled limit order into the team's ledger and appends
// the single TradeRecord for it.
func (t *Tracker) applyFill(order model.PendingOrder) {
	ledger, ok := t.ledgers.Ledger(order.TeamID)
	if !ok {
		t.logger.Warnf("filled order %s for unknown team %s", order.OrderID, order.TeamID)
	} else {
		var err error
		switch order.Side {
		case model.Buy:
			err = ledger.ApplyBuy(order.Symbol, order.Quantity, order.FilledAvgPrice, order.UpdatedAt)
		case model.Sell:
			err = ledger.ApplySell(order.Symbol, order.Quantity, order.FilledAvgPrice)
		}
		if err != nil {
			t.logger.Errorf("%s: can't apply fill %s to ledger of %s", err, order.OrderID, order.TeamID)
		}
	}

	tr := model.TradeRecord{
		TeamID:         order.TeamID,
		Symbol:         order.Symbol,
		Side:           order.Side,
		Quantity:       order.Quantity,
		RequestedPrice: order.RequestedPrice,
		ExecutionPrice: order.FilledAvgPrice,
		OrderType:      order.OrderType,
		Timestamp:      order.UpdatedAt,
		BrokerOrderID:  order.BrokerOrderID,
	}
	if err := t.journal.AppendTradeRecord(tr); err != nil {
		t.logger.Errorf("%s: can't journal fill %s", err, order.OrderID)
	}

	t.logger.Infof("order %s filled: %s %s %s @ %s (requested %s)",
		order.OrderID, order.Side, order.Quantity, order.Symbol,
		order.FilledAvgPrice, order.RequestedPrice)
}

// Reconcile queries the broker for every indexed order. One order's broker
// error never aborts reconciliation of the others.
func (t *Tracker) Reconcile(ctx context.Context, b broker.Broker) {
	if b == nil {
		return
	}

	t.mu.Lock()
	ids := make([]string, 0, len(t.orders))
	brokerIDs := make(map[string]string, len(t.orders))
	for id, o := range t.orders {
		if o.Status.Terminal() {
			continue
		}
		ids = append(ids, id)
		brokerIDs[id] = o.BrokerOrderID
	}
	t.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	t.logger.Debugf("reconciling %d pending orders", len(ids))

	for _, id := range ids {
		state, err := b.GetOrderByID(ctx, brokerIDs[id])
		if err != nil {
			t.logger.Warnf("%s: can't reconcile order %s, will retry", err, id)
			continue
		}
		if err := t.UpdateStatus(ctx, id, state); err != nil {
			t.logger.Warnf("%s: can't update order %s", err, id)
		}
	}
}

// Cleanup purges terminal orders older than the max age from the in-memory
// index. Persisted history stays on disk.
func (t *Tracker) Cleanup(now time.Time) int {
	cutoff := now.Add(-t.cleanupMaxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, o := range t.orders {
		if o.Status.Terminal() && o.UpdatedAt.Before(cutoff) {
			delete(t.orders, id)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Infof("cleaned up %d old orders", removed)
	}
	return removed
}

// cleanupDue reports whether the hour containing now has not run a cleanup
// yet, and marks it as done. The reconcile ticker fires several times per
// minute-zero window; only the first crossing into a new hour cleans.
func (t *Tracker) cleanupDue(now time.Time) bool {
	hour := now.Truncate(time.Hour)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !hour.After(t.lastCleanupHour) {
		return false
	}
	t.lastCleanupHour = hour
	return true
}

// Run drives the reconciliation loop on its own cadence, independent of the
// minute tick. Cleanup piggybacks once per hour.
func (t *Tracker) Run(ctx context.Context, b broker.Broker) {
	t.logger.Infof("starting order reconciliation loop (%s interval)", t.reconcileInterval)

	ticker := time.NewTicker(t.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Reconcile(ctx, b)

			if now := time.Now().UTC(); t.cleanupDue(now) {
				t.Cleanup(now)
			}
		}
	}
}
