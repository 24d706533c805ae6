package orchestrator

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/qtc-alpha/arena/internal/executor"
	"github.com/qtc-alpha/arena/internal/history"
	"github.com/qtc-alpha/arena/internal/logger"
	"github.com/qtc-alpha/arena/internal/model"
	"github.com/qtc-alpha/arena/internal/orders"
	"github.com/qtc-alpha/arena/internal/portfolio"
	"github.com/qtc-alpha/arena/internal/strategy"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBars struct {
	stored []model.MinuteBar
}

func (s *memBars) Append(ctx context.Context, bars []model.MinuteBar) error {
	s.stored = append(s.stored, bars...)
	return nil
}

func (s *memBars) WriteDay(ctx context.Context, day time.Time, bars []model.MinuteBar) error {
	return s.Append(ctx, bars)
}

func (s *memBars) GetBars(ctx context.Context, ticker string, from, to time.Time) ([]model.MinuteBar, error) {
	return nil, nil
}

func (s *memBars) GetTimestamps(ctx context.Context, ticker string, from, to time.Time) ([]time.Time, error) {
	return nil, nil
}

type stubFeed struct {
	latest []model.MinuteBar
}

func (f *stubFeed) FetchLatest(ctx context.Context, symbols []string) ([]model.MinuteBar, error) {
	return f.latest, nil
}

func (f *stubFeed) FetchHistoricalDay(ctx context.Context, day time.Time, symbols []string) ([]model.MinuteBar, error) {
	return nil, nil
}

type memOrderStore struct{}

func (memOrderStore) Upsert(ctx context.Context, order model.PendingOrder) error { return nil }
func (memOrderStore) LoadOpen(ctx context.Context) ([]model.PendingOrder, error) { return nil, nil }

// stubRunner returns a fixed outcome for every call.
type stubRunner struct {
	signal *model.Signal
	err    error
}

func (r *stubRunner) GenerateSignal(ctx context.Context, team strategy.TeamContext, bars strategy.BarsContext, prices map[string]float64) (*model.Signal, error) {
	return r.signal, r.err
}

// blockingRunner holds its call open until the per-tenant deadline fires,
// then reports the same outcome the subprocess runner does on a kill.
type blockingRunner struct{}

func (blockingRunner) GenerateSignal(ctx context.Context, team strategy.TeamContext, bars strategy.BarsContext, prices map[string]float64) (*model.Signal, error) {
	<-ctx.Done()
	return nil, strategy.ErrTimeout
}

func writeRegistry(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	raw := `teams:
  - team_id: alpha
    code_location: ./strategies/alpha
    entry_point: strategy:Alpha
    initial_cash: 10000
    run_24_7: true
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))
	return path
}

type fixture struct {
	orch    *Orchestrator
	feed    *stubFeed
	bars    *memBars
	dataDir string
}

func newFixture(t *testing.T, runner strategy.Runner) *fixture {
	t.Helper()

	dataDir := t.TempDir()
	journal := history.NewJournal(dataDir, logger.NewNopLogger())
	feed := &stubFeed{}
	bars := &memBars{}

	orch := New(Params{
		RegistryPath:  writeRegistry(t),
		SignalTimeout: time.Second,
		Symbols:       []string{"BTC"},
		DataDir:       dataDir,
		Feed:          feed,
		Bars:          bars,
		Journal:       journal,
		Folder:        history.NewFolder(nil, journal),
		Logger:        logger.NewNopLogger(),
	})

	// Tenant is pre-seeded with a loaded runner so the tick never shells out.
	orch.tenants["alpha"] = &tenant{
		team:   model.Team{ID: "alpha", Run247: true},
		ledger: portfolio.NewLedger("alpha", decimal.NewFromInt(10000)),
		runner: runner,
	}

	tracker := orders.NewTracker(memOrderStore{}, journal, orch, time.Minute, time.Hour, logger.NewNopLogger())
	orch.SetExecutor(executor.NewExecutor(nil, tracker, journal, logger.NewNopLogger()))

	return &fixture{orch: orch, feed: feed, bars: bars, dataDir: dataDir}
}

func countJSONLines(t *testing.T, path string) int {
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

func TestHandleTick_SignalBecomesTrade(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{signal: &model.Signal{
		Symbol:      "BTC",
		Action:      model.Buy,
		Quantity:    decimal.NewFromInt(2),
		Price:       decimal.NewFromInt(150),
		OrderType:   model.Market,
		TimeInForce: model.Day,
	}}
	f := newFixture(t, runner)

	tick := time.Date(2024, 1, 2, 15, 30, 0, 0, time.UTC)
	f.feed.latest = []model.MinuteBar{{
		Ticker: "BTC", Timestamp: tick,
		Open: 150, High: 151, Low: 149, Close: 150, Volume: 10,
	}}

	require.NoError(t, f.orch.HandleTick(context.Background(), tick))

	// Fetched bars are persisted.
	require.Len(t, f.bars.stored, 1)
	assert.Equal(t, "BTC", f.bars.stored[0].Ticker)

	// Signal settled into the ledger: 2 BTC at 150.
	ledger, ok := f.orch.Ledger("alpha")
	require.True(t, ok)
	assert.True(t, ledger.Cash().Equal(decimal.NewFromInt(9700)), "cash = %s", ledger.Cash())

	assert.Equal(t, 1, countJSONLines(t, filepath.Join(f.dataDir, "team", "alpha", "trades.jsonl")))

	// Pre-trade line keyed by the tick day; the executor's post-trade line
	// lands in the wall-clock day file.
	day := filepath.Join(f.dataDir, "team", "alpha", "portfolio", "2024-01-02.jsonl")
	assert.Equal(t, 1, countJSONLines(t, day))
	today := filepath.Join(f.dataDir, "team", "alpha", "portfolio", time.Now().UTC().Format(time.DateOnly)+".jsonl")
	assert.Equal(t, 1, countJSONLines(t, today))

	// Global aggregate line for the same tick.
	globalDay := filepath.Join(f.dataDir, "global", "portfolio", "2024-01-02.jsonl")
	assert.Equal(t, 1, countJSONLines(t, globalDay))

	status := f.orch.Status()
	require.Len(t, status.Teams, 1)
	assert.Equal(t, "alpha", status.Teams[0].TeamID)
	assert.True(t, status.Teams[0].Active)
	assert.Empty(t, status.Teams[0].LastError)
	assert.Equal(t, int64(1), status.TickCount)
}

func TestHandleTick_NilSignalNoTrade(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubRunner{})
	tick := time.Date(2024, 1, 2, 15, 30, 0, 0, time.UTC)

	require.NoError(t, f.orch.HandleTick(context.Background(), tick))

	ledger, _ := f.orch.Ledger("alpha")
	assert.True(t, ledger.Cash().Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, 0, countJSONLines(t, filepath.Join(f.dataDir, "team", "alpha", "trades.jsonl")))
	assert.Equal(t, "no trade", f.orch.Status().Teams[0].LastMessage)
}

func TestHandleTick_TimeoutLandsInErrorJournal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubRunner{err: strategy.ErrTimeout})
	tick := time.Date(2024, 1, 2, 15, 30, 0, 0, time.UTC)

	require.NoError(t, f.orch.HandleTick(context.Background(), tick))

	errPath := filepath.Join(f.dataDir, "team", "alpha", "errors.jsonl")
	require.Equal(t, 1, countJSONLines(t, errPath))

	raw, err := os.ReadFile(errPath)
	require.NoError(t, err)
	var entry history.ErrorEntry
	require.NoError(t, sonic.Unmarshal(raw[:len(raw)-1], &entry))
	assert.Equal(t, "timeout", entry.ErrorType)
	assert.True(t, entry.Timeout)

	// A failing tenant still gets its ledger snapshots and metrics.
	day := filepath.Join(f.dataDir, "team", "alpha", "portfolio", "2024-01-02.jsonl")
	assert.Equal(t, 1, countJSONLines(t, day))
	assert.Contains(t, f.orch.Status().Teams[0].LastError, "timeout")
}

func TestHandleTick_RejectedTradeIsJournaled(t *testing.T) {
	t.Parallel()

	// More than the ledger can afford.
	runner := &stubRunner{signal: &model.Signal{
		Symbol:      "BTC",
		Action:      model.Buy,
		Quantity:    decimal.NewFromInt(1000),
		Price:       decimal.NewFromInt(150),
		OrderType:   model.Market,
		TimeInForce: model.Day,
	}}
	f := newFixture(t, runner)
	tick := time.Date(2024, 1, 2, 15, 30, 0, 0, time.UTC)

	require.NoError(t, f.orch.HandleTick(context.Background(), tick))

	ledger, _ := f.orch.Ledger("alpha")
	assert.True(t, ledger.Cash().Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, 0, countJSONLines(t, filepath.Join(f.dataDir, "team", "alpha", "trades.jsonl")))
	assert.Equal(t, 1, countJSONLines(t, filepath.Join(f.dataDir, "team", "alpha", "errors.jsonl")))
}

func TestHandleTick_MetricsAfterTwoTicks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubRunner{})
	tick := time.Date(2024, 1, 2, 15, 30, 0, 0, time.UTC)

	require.NoError(t, f.orch.HandleTick(context.Background(), tick))
	require.NoError(t, f.orch.HandleTick(context.Background(), tick.Add(time.Minute)))

	metrics := filepath.Join(f.dataDir, "team", "alpha", "metrics.jsonl")
	assert.Equal(t, 1, countJSONLines(t, metrics), "metrics start once two values exist")

	status := f.orch.Status()
	assert.Equal(t, int64(2), status.TickCount)
	require.NotNil(t, status.Global)
	assert.Zero(t, status.Global.TotalReturn)
}

func TestHandleTick_PersistsStatusFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubRunner{})
	tick := time.Date(2024, 1, 2, 15, 30, 0, 0, time.UTC)
	f.feed.latest = []model.MinuteBar{{
		Ticker: "BTC", Timestamp: tick,
		Open: 150, High: 151, Low: 149, Close: 150, Volume: 10,
	}}

	require.NoError(t, f.orch.HandleTick(context.Background(), tick))

	raw, err := os.ReadFile(filepath.Join(f.dataDir, "runtime", "status.json"))
	require.NoError(t, err)

	var status Status
	require.NoError(t, sonic.Unmarshal(raw, &status))
	assert.True(t, status.Running)
	assert.Equal(t, int64(1), status.TickCount)
	assert.Equal(t, 1, status.BarCount)
	assert.Equal(t, []string{"BTC"}, status.Symbols)
	require.Len(t, status.Teams, 1)
	assert.Equal(t, "alpha", status.Teams[0].TeamID)
	require.NotNil(t, status.GlobalSnapshot)
	assert.True(t, status.GlobalSnapshot.Cash.Equal(decimal.NewFromInt(10000)))
}

func TestHandleTick_SlowStrategyDoesNotStallSiblings(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	journal := history.NewJournal(dataDir, logger.NewNopLogger())
	feed := &stubFeed{}

	registry := filepath.Join(t.TempDir(), "registry.yaml")
	raw := `teams:
  - team_id: fast
    code_location: ./strategies/fast
    entry_point: strategy:Fast
    initial_cash: 10000
    run_24_7: true
  - team_id: slow
    code_location: ./strategies/slow
    entry_point: strategy:Slow
    initial_cash: 10000
    run_24_7: true
`
	require.NoError(t, os.WriteFile(registry, []byte(raw), 0o644))

	orch := New(Params{
		RegistryPath:  registry,
		SignalTimeout: 100 * time.Millisecond,
		Symbols:       []string{"BTC"},
		DataDir:       dataDir,
		Feed:          feed,
		Bars:          &memBars{},
		Journal:       journal,
		Folder:        history.NewFolder(nil, journal),
		Logger:        logger.NewNopLogger(),
	})
	orch.tenants["fast"] = &tenant{
		team:   model.Team{ID: "fast", Run247: true},
		ledger: portfolio.NewLedger("fast", decimal.NewFromInt(10000)),
		runner: &stubRunner{signal: &model.Signal{
			Symbol:      "BTC",
			Action:      model.Buy,
			Quantity:    decimal.NewFromInt(2),
			Price:       decimal.NewFromInt(150),
			OrderType:   model.Market,
			TimeInForce: model.Day,
		}},
	}
	orch.tenants["slow"] = &tenant{
		team:   model.Team{ID: "slow", Run247: true},
		ledger: portfolio.NewLedger("slow", decimal.NewFromInt(10000)),
		runner: blockingRunner{},
	}
	tracker := orders.NewTracker(memOrderStore{}, journal, orch, time.Minute, time.Hour, logger.NewNopLogger())
	orch.SetExecutor(executor.NewExecutor(nil, tracker, journal, logger.NewNopLogger()))

	tick := time.Date(2024, 1, 2, 15, 30, 0, 0, time.UTC)
	feed.latest = []model.MinuteBar{{
		Ticker: "BTC", Timestamp: tick,
		Open: 150, High: 151, Low: 149, Close: 150, Volume: 10,
	}}

	started := time.Now()
	require.NoError(t, orch.HandleTick(context.Background(), tick))
	assert.Less(t, time.Since(started), 5*time.Second, "one hung tenant must not stall the tick")

	// The fast tenant settled its trade on schedule.
	fast, _ := orch.Ledger("fast")
	assert.True(t, fast.Cash().Equal(decimal.NewFromInt(9700)), "cash = %s", fast.Cash())
	assert.Equal(t, 1, countJSONLines(t, filepath.Join(dataDir, "team", "fast", "trades.jsonl")))

	// The hung tenant is recorded as a timeout, for itself only.
	slow, _ := orch.Ledger("slow")
	assert.True(t, slow.Cash().Equal(decimal.NewFromInt(10000)))
	errPath := filepath.Join(dataDir, "team", "slow", "errors.jsonl")
	require.Equal(t, 1, countJSONLines(t, errPath))
	rawErr, err := os.ReadFile(errPath)
	require.NoError(t, err)
	var entry history.ErrorEntry
	require.NoError(t, sonic.Unmarshal(rawErr[:len(rawErr)-1], &entry))
	assert.Equal(t, "timeout", entry.ErrorType)
	assert.True(t, entry.Timeout)
	assert.Equal(t, 0, countJSONLines(t, filepath.Join(dataDir, "team", "fast", "errors.jsonl")))

	status := orch.Status()
	require.Len(t, status.Teams, 2)
	assert.Empty(t, status.Teams[0].LastError, "fast sorts first")
	assert.Contains(t, status.Teams[1].LastError, "timeout")
}

func TestReconcileTeams_RemovesUnregistered(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubRunner{})
	f.orch.tenants["ghost"] = &tenant{
		team:   model.Team{ID: "ghost"},
		ledger: portfolio.NewLedger("ghost", decimal.NewFromInt(10000)),
		runner: &stubRunner{},
	}

	f.orch.reconcileTeams(context.Background())

	_, ok := f.orch.Ledger("ghost")
	assert.False(t, ok)
	_, ok = f.orch.Ledger("alpha")
	assert.True(t, ok)
}

func TestAggregateSnapshot_MergesTenants(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &stubRunner{})
	now := time.Now().UTC()

	beta := portfolio.NewLedger("beta", decimal.NewFromInt(5000))
	require.NoError(t, beta.ApplyBuy("BTC", decimal.NewFromInt(10), decimal.NewFromInt(100), now))
	f.orch.tenants["beta"] = &tenant{
		team:   model.Team{ID: "beta"},
		ledger: beta,
		runner: &stubRunner{},
	}
	alpha, _ := f.orch.Ledger("alpha")
	require.NoError(t, alpha.ApplyBuy("BTC", decimal.NewFromInt(10), decimal.NewFromInt(200), now))

	prices := map[string]decimal.Decimal{"BTC": decimal.NewFromInt(150)}
	snap := f.orch.aggregateSnapshot(now, prices)

	assert.Equal(t, history.GlobalID, snap.TeamID)
	assert.True(t, snap.Cash.Equal(decimal.NewFromInt(12000)), "cash = %s", snap.Cash)
	assert.True(t, snap.MarketValue.Equal(decimal.NewFromInt(15000)), "market value = %s", snap.MarketValue)

	btc := snap.Positions["BTC"]
	assert.True(t, btc.Quantity.Equal(decimal.NewFromInt(20)))
	assert.True(t, btc.AvgCost.Equal(decimal.NewFromInt(150)), "merged basis-weighted avg cost")
	assert.True(t, btc.Value.Equal(decimal.NewFromInt(3000)))
}
