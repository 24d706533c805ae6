package orders

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/qtc-alpha/arena/internal/broker"
	"github.com/qtc-alpha/arena/internal/history"
	"github.com/qtc-alpha/arena/internal/logger"
	"github.com/qtc-alpha/arena/internal/model"
	"github.com/qtc-alpha/arena/internal/portfolio"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	orders map[string]model.PendingOrder
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[string]model.PendingOrder)}
}

func (s *memStore) Upsert(ctx context.Context, order model.PendingOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.OrderID] = order
	return nil
}

func (s *memStore) LoadOpen(ctx context.Context) ([]model.PendingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PendingOrder
	for _, o := range s.orders {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out, nil
}

type stubBroker struct {
	broker.Broker
	states map[string]broker.OrderState
	errs   map[string]error
	calls  []string
}

func (b *stubBroker) GetOrderByID(ctx context.Context, orderID string) (broker.OrderState, error) {
	b.calls = append(b.calls, orderID)
	if err, ok := b.errs[orderID]; ok {
		return broker.OrderState{}, err
	}
	return b.states[orderID], nil
}

type mapLedgers map[string]*portfolio.Ledger

func (m mapLedgers) Ledger(teamID string) (*portfolio.Ledger, bool) {
	l, ok := m[teamID]
	return l, ok
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}

func limitOrder(id, teamID string) model.PendingOrder {
	now := time.Now().UTC()
	return model.PendingOrder{
		OrderID:        id,
		TeamID:         teamID,
		Symbol:         "AAPL",
		Side:           model.Buy,
		Quantity:       decimal.NewFromInt(10),
		OrderType:      model.Limit,
		LimitPrice:     decimal.NewFromInt(150),
		Status:         model.OrderNew,
		TimeInForce:    model.Day,
		RequestedPrice: decimal.NewFromInt(150),
		BrokerOrderID:  id,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func newTestTracker(t *testing.T, ledgers Ledgers) (*Tracker, *memStore, string) {
	t.Helper()
	dir := t.TempDir()
	store := newMemStore()
	journal := history.NewJournal(dir, logger.NewNopLogger())
	tracker := NewTracker(store, journal, ledgers, 30*time.Second, 7*24*time.Hour, logger.NewNopLogger())
	return tracker, store, dir
}

func TestStorePendingAndOpenOrders(t *testing.T) {
	t.Parallel()

	tracker, store, _ := newTestTracker(t, mapLedgers{})
	ctx := context.Background()

	require.NoError(t, tracker.StorePending(ctx, limitOrder("o1", "alpha")))
	require.NoError(t, tracker.StorePending(ctx, limitOrder("o2", "beta")))

	open := tracker.OpenOrders("alpha")
	require.Len(t, open, 1)
	assert.Equal(t, "o1", open[0].OrderID)

	_, persisted := store.orders["o1"]
	assert.True(t, persisted)

	got, ok := tracker.OrderByID("o2")
	require.True(t, ok)
	assert.Equal(t, "beta", got.TeamID)
}

func TestUpdateStatus_FillAppliesLedgerOnce(t *testing.T) {
	t.Parallel()

	ledger := portfolio.NewLedger("alpha", decimal.NewFromInt(10000))
	tracker, _, dir := newTestTracker(t, mapLedgers{"alpha": ledger})
	ctx := context.Background()

	require.NoError(t, tracker.StorePending(ctx, limitOrder("o1", "alpha")))

	fill := broker.OrderState{
		Status:         model.OrderFilled,
		FilledQty:      decimal.NewFromInt(10),
		FilledAvgPrice: decimal.NewFromInt(149),
	}
	require.NoError(t, tracker.UpdateStatus(ctx, "o1", fill))

	// Ledger got exactly the filled quantity at the fill price.
	pos, ok := ledger.Position("AAPL")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, pos.AvgCost.Equal(decimal.NewFromInt(149)))
	assert.True(t, ledger.Cash().Equal(decimal.NewFromInt(8510)))

	// Filled order leaves the active index.
	_, stillThere := tracker.OrderByID("o1")
	assert.False(t, stillThere)
	assert.Empty(t, tracker.OpenOrders("alpha"))

	// Exactly one trade record, even if the same state is reported again.
	trades := filepath.Join(dir, "team", "alpha", "trades.jsonl")
	assert.Equal(t, 1, countLines(t, trades))

	err := tracker.UpdateStatus(ctx, "o1", fill)
	require.Error(t, err, "order is gone from the index")
	assert.Equal(t, 1, countLines(t, trades))
}

func TestUpdateStatus_PartialFillKeepsOrderOpen(t *testing.T) {
	t.Parallel()

	ledger := portfolio.NewLedger("alpha", decimal.NewFromInt(10000))
	tracker, _, dir := newTestTracker(t, mapLedgers{"alpha": ledger})
	ctx := context.Background()

	require.NoError(t, tracker.StorePending(ctx, limitOrder("o1", "alpha")))
	require.NoError(t, tracker.UpdateStatus(ctx, "o1", broker.OrderState{
		Status:         model.OrderPartiallyFilled,
		FilledQty:      decimal.NewFromInt(4),
		FilledAvgPrice: decimal.NewFromInt(149),
	}))

	got, ok := tracker.OrderByID("o1")
	require.True(t, ok)
	assert.Equal(t, model.OrderPartiallyFilled, got.Status)
	assert.True(t, got.FilledQty.Equal(decimal.NewFromInt(4)))

	// No ledger movement and no trade record until the terminal fill.
	assert.True(t, ledger.Cash().Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, 0, countLines(t, filepath.Join(dir, "team", "alpha", "trades.jsonl")))
}

func TestUpdateStatus_CancelledNeverTouchesLedger(t *testing.T) {
	t.Parallel()

	ledger := portfolio.NewLedger("alpha", decimal.NewFromInt(10000))
	tracker, _, dir := newTestTracker(t, mapLedgers{"alpha": ledger})
	ctx := context.Background()

	require.NoError(t, tracker.StorePending(ctx, limitOrder("o1", "alpha")))
	require.NoError(t, tracker.UpdateStatus(ctx, "o1", broker.OrderState{Status: model.OrderCancelled}))

	assert.True(t, ledger.Cash().Equal(decimal.NewFromInt(10000)))
	assert.Empty(t, tracker.OpenOrders("alpha"), "cancelled order is not open")
	assert.Equal(t, 0, countLines(t, filepath.Join(dir, "team", "alpha", "trades.jsonl")))
}

func TestReconcile_OneFailureDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	ledger := portfolio.NewLedger("alpha", decimal.NewFromInt(10000))
	tracker, _, _ := newTestTracker(t, mapLedgers{"alpha": ledger})
	ctx := context.Background()

	require.NoError(t, tracker.StorePending(ctx, limitOrder("bad", "alpha")))
	require.NoError(t, tracker.StorePending(ctx, limitOrder("good", "alpha")))

	b := &stubBroker{
		errs: map[string]error{"bad": errors.New("api down")},
		states: map[string]broker.OrderState{
			"good": {
				Status:         model.OrderFilled,
				FilledQty:      decimal.NewFromInt(10),
				FilledAvgPrice: decimal.NewFromInt(150),
			},
		},
	}
	tracker.Reconcile(ctx, b)

	assert.Len(t, b.calls, 2, "every order queried despite the failure")

	_, badThere := tracker.OrderByID("bad")
	assert.True(t, badThere, "failed lookup keeps the order for the next pass")
	_, goodThere := tracker.OrderByID("good")
	assert.False(t, goodThere, "filled order settled and left the index")
	assert.True(t, ledger.Cash().Equal(decimal.NewFromInt(8500)))
}

func TestReconcile_NilBrokerIsNoop(t *testing.T) {
	t.Parallel()

	tracker, _, _ := newTestTracker(t, mapLedgers{})
	require.NoError(t, tracker.StorePending(context.Background(), limitOrder("o1", "alpha")))

	tracker.Reconcile(context.Background(), nil)

	_, ok := tracker.OrderByID("o1")
	assert.True(t, ok)
}

func TestCleanup_PurgesOldTerminalOrders(t *testing.T) {
	t.Parallel()

	tracker, _, _ := newTestTracker(t, mapLedgers{})
	ctx := context.Background()

	old := limitOrder("old", "alpha")
	require.NoError(t, tracker.StorePending(ctx, old))
	require.NoError(t, tracker.UpdateStatus(ctx, "old", broker.OrderState{Status: model.OrderCancelled}))

	fresh := limitOrder("fresh", "alpha")
	require.NoError(t, tracker.StorePending(ctx, fresh))

	removed := tracker.Cleanup(time.Now().UTC().Add(8 * 24 * time.Hour))
	assert.Equal(t, 1, removed)

	_, oldThere := tracker.OrderByID("old")
	assert.False(t, oldThere)
	_, freshThere := tracker.OrderByID("fresh")
	assert.True(t, freshThere, "non-terminal orders survive cleanup regardless of age")
}

func TestCleanupDue_OncePerHour(t *testing.T) {
	t.Parallel()

	tracker, _, _ := newTestTracker(t, mapLedgers{})

	hour := time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)
	assert.True(t, tracker.cleanupDue(hour))
	assert.False(t, tracker.cleanupDue(hour.Add(30*time.Second)), "same minute-zero window")
	assert.False(t, tracker.cleanupDue(hour.Add(30*time.Minute)))

	next := hour.Add(time.Hour)
	assert.True(t, tracker.cleanupDue(next))
	assert.False(t, tracker.cleanupDue(next.Add(30*time.Second)))
}

func TestLoadPending_RestoresFromStore(t *testing.T) {
	t.Parallel()

	tracker, store, _ := newTestTracker(t, mapLedgers{})
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, limitOrder("persisted", "alpha")))
	require.NoError(t, tracker.LoadPending(ctx))

	got, ok := tracker.OrderByID("persisted")
	require.True(t, ok)
	assert.Equal(t, model.OrderNew, got.Status)
}
