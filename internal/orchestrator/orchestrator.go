package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/qtc-alpha/arena/internal/barstore"
	"github.com/qtc-alpha/arena/internal/broker"
	"github.com/qtc-alpha/arena/internal/executor"
	"github.com/qtc-alpha/arena/internal/history"
	"github.com/qtc-alpha/arena/internal/logger"
	"github.com/qtc-alpha/arena/internal/markethours"
	"github.com/qtc-alpha/arena/internal/marketdata"
	"github.com/qtc-alpha/arena/internal/model"
	"github.com/qtc-alpha/arena/internal/portfolio"
	"github.com/qtc-alpha/arena/internal/strategy"
	"github.com/shopspring/decimal"
)

// Orchestrator drives one competition: every minute it reconciles the tenant
// roster, feeds fresh bars to each active strategy, turns valid signals into
// trades, and journals the resulting ledger state. All cross-tick state lives
// here; the tick handler itself is re-entrant-safe because MinuteClock never
// overlaps invocations of the same handler.
type Orchestrator struct {
	registryPath  string
	signalTimeout time.Duration
	symbols       []string
	dataDir       string

	feed     marketdata.Feed
	bars     barstore.Store
	broker   broker.Broker // nil means local-only
	executor *executor.Executor
	journal  *history.Journal
	folder   *history.Folder
	loader   *strategy.Loader

	mu           sync.RWMutex
	tenants      map[string]*tenant
	latestPrices map[string]decimal.Decimal

	startedAt       time.Time
	tickCount       int64
	lastFoldDay     time.Time
	lastBackfillDay time.Time
	globalValues    []float64
	lastGlobalSnap  *model.PortfolioSnapshot
	status          Status

	logger logger.Logger
}

type Params struct {
	RegistryPath  string
	SignalTimeout time.Duration
	Symbols       []string
	DataDir       string

	Feed     marketdata.Feed
	Bars     barstore.Store
	Broker   broker.Broker
	Executor *executor.Executor
	Journal  *history.Journal
	Folder   *history.Folder
	Loader   *strategy.Loader

	Logger logger.Logger
}

func New(p Params) *Orchestrator {
	return &Orchestrator{
		registryPath:  p.RegistryPath,
		signalTimeout: p.SignalTimeout,
		symbols:       p.Symbols,
		dataDir:       p.DataDir,
		feed:          p.Feed,
		bars:          p.Bars,
		broker:        p.Broker,
		executor:      p.Executor,
		journal:       p.Journal,
		folder:        p.Folder,
		loader:        p.Loader,
		tenants:       make(map[string]*tenant),
		latestPrices:  make(map[string]decimal.Decimal),
		startedAt:     time.Now().UTC(),
		logger:        p.Logger,
	}
}

// SetExecutor breaks the construction cycle between the orchestrator (which
// the tracker needs for ledger lookups) and the executor (which needs the
// tracker). Call it before the first tick.
func (o *Orchestrator) SetExecutor(e *executor.Executor) {
	o.executor = e
}

// Ledger resolves a team's ledger for the order tracker.
func (o *Orchestrator) Ledger(teamID string) (*portfolio.Ledger, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tenants[teamID]
	if !ok {
		return nil, false
	}
	return t.ledger, true
}

// HandleTick is the minute handler. Tenant failures are contained per team;
// only infrastructure failures (none today) would propagate to the clock.
func (o *Orchestrator) HandleTick(ctx context.Context, tick time.Time) error {
	tick = tick.UTC().Truncate(time.Minute)
	started := time.Now()

	o.reconcileTeams(ctx)

	bars := o.fetchBars(ctx, tick)
	prices := o.updatePrices(bars)
	o.backfillPreviousDay(ctx, tick)

	active := o.activeTenants(tick)
	o.logger.Debugf("tick %s: %d bars, %d/%d active teams",
		tick.Format("15:04"), len(bars), len(active), o.tenantCount())

	// Pre-trade ledger line per active tenant, before any signal can move it.
	for _, t := range active {
		if err := o.journal.AppendSnapshot(t.ledger.Snapshot(prices, tick)); err != nil {
			o.logger.Errorf("%s: can't journal pre-trade snapshot for %s", err, t.team.ID)
		}
	}

	results := o.collectSignals(ctx, active, bars, prices)
	for _, res := range results {
		o.settleResult(ctx, tick, res, prices)
	}

	for _, t := range active {
		o.appendTeamMetrics(t, prices, tick)
	}

	o.snapshotGlobal(ctx, tick, prices)
	o.foldOnRollover(ctx, tick)
	o.refreshStatus(tick, len(bars), time.Since(started))

	return nil
}

func (o *Orchestrator) symbolUniverse() []string {
	return o.symbols
}

func (o *Orchestrator) tenantCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.tenants)
}

// activeTenants returns the tenants that trade this tick: always-on ones plus
// everyone else while the US equity session is open.
func (o *Orchestrator) activeTenants(tick time.Time) []*tenant {
	equityOpen := markethours.USEquityOpen(tick)

	o.mu.RLock()
	defer o.mu.RUnlock()

	var out []*tenant
	for _, t := range o.tenants {
		if t.team.Run247 || equityOpen {
			out = append(out, t)
		}
	}
	return out
}

// fetchBars pulls the latest minute bars and persists them. An empty fetch is
// not fatal: strategies run on last-known prices and the repair loop patches
// the store later.
func (o *Orchestrator) fetchBars(ctx context.Context, tick time.Time) []model.MinuteBar {
	symbols := o.symbolUniverse()
	if len(symbols) == 0 {
		return nil
	}

	bars, err := o.feed.FetchLatest(ctx, symbols)
	if err != nil {
		o.logger.Warnf("%s: can't fetch latest bars, running on cached prices", err)
		return nil
	}
	for i := range bars {
		bars[i].NormalizeTimestamp()
		if bars[i].AsOf.IsZero() {
			bars[i].AsOf = tick
		}
	}

	if err := o.bars.Append(ctx, bars); err != nil {
		o.logger.Errorf("%s: can't persist %d bars", err, len(bars))
	}
	return bars
}

// updatePrices folds fresh closes into the last-known-price cache and returns
// a copy of the full cache for this tick's valuations.
func (o *Orchestrator) updatePrices(bars []model.MinuteBar) map[string]decimal.Decimal {
	o.mu.Lock()
	for _, b := range bars {
		o.latestPrices[b.Ticker] = decimal.NewFromFloat(b.Close)
	}
	prices := make(map[string]decimal.Decimal, len(o.latestPrices))
	for sym, p := range o.latestPrices {
		prices[sym] = p
	}
	o.mu.Unlock()
	return prices
}

// backfillPreviousDay fetches yesterday's full session once per UTC day and
// merges it into the bar store. The repair loop covers anything this misses.
func (o *Orchestrator) backfillPreviousDay(ctx context.Context, tick time.Time) {
	day := tick.Truncate(24 * time.Hour)
	if !o.lastBackfillDay.Before(day) {
		return
	}
	o.lastBackfillDay = day

	prev := day.Add(-24 * time.Hour)
	symbols := o.symbolUniverse()
	if len(symbols) == 0 {
		return
	}

	bars, err := o.feed.FetchHistoricalDay(ctx, prev, symbols)
	if err != nil {
		o.logger.Warnf("%s: can't backfill %s", err, prev.Format(time.DateOnly))
		return
	}
	if err := o.bars.WriteDay(ctx, prev, bars); err != nil {
		o.logger.Errorf("%s: can't write backfill for %s", err, prev.Format(time.DateOnly))
		return
	}
	o.logger.Infof("backfilled %d bars for %s", len(bars), prev.Format(time.DateOnly))
}

// foldOnRollover merges every tenant's previous-day snapshot log into the
// consolidated store on the first tick of a new UTC day.
func (o *Orchestrator) foldOnRollover(ctx context.Context, tick time.Time) {
	day := tick.Truncate(24 * time.Hour)
	if !o.lastFoldDay.Before(day) {
		return
	}
	o.lastFoldDay = day

	prev := day.Add(-24 * time.Hour)
	ids := append(o.tenantIDs(), history.GlobalID)
	for _, id := range ids {
		if err := o.folder.FoldDay(ctx, id, prev); err != nil {
			o.logger.Errorf("%s: can't fold %s day log for %s", err, prev.Format(time.DateOnly), id)
		}
	}
}

func (o *Orchestrator) tenantIDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.tenants))
	for id := range o.tenants {
		ids = append(ids, id)
	}
	return ids
}

// appendTeamMetrics extends the team's session value series and journals the
// derived performance line.
func (o *Orchestrator) appendTeamMetrics(t *tenant, prices map[string]decimal.Decimal, tick time.Time) {
	snap := t.ledger.Snapshot(prices, tick)
	mv, _ := snap.MarketValue.Float64()
	t.values = append(t.values, mv)

	m, ok := computeMetrics(t.values, tick)
	if !ok {
		return
	}
	if err := o.journal.AppendMetrics(t.team.ID, m); err != nil {
		o.logger.Errorf("%s: can't journal metrics for %s", err, t.team.ID)
	}
}
