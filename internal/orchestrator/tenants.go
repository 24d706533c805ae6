package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/qtc-alpha/arena/internal/history"
	"github.com/qtc-alpha/arena/internal/model"
	"github.com/qtc-alpha/arena/internal/portfolio"
	"github.com/qtc-alpha/arena/internal/registry"
	"github.com/qtc-alpha/arena/internal/strategy"
	"github.com/shopspring/decimal"
)

// tenant is one team's full runtime state: its ledger, its loaded strategy
// runner, and the session value series its metrics derive from. A tenant with
// a nil runner is registered but not trading; the loader is retried for it on
// every reconcile.
type tenant struct {
	team    model.Team
	params  map[string]any
	ledger  *portfolio.Ledger
	runner  strategy.Runner
	values  []float64
	lastMsg string
	lastErr string
}

// reconcileTeams re-reads the registry and converges the live tenant set on
// it: new entries join with a fresh ledger, removed entries leave, surviving
// entries keep their ledger untouched.
func (o *Orchestrator) reconcileTeams(ctx context.Context) {
	reg, err := registry.Load(o.registryPath)
	if err != nil {
		o.logger.Warnf("%s: can't reload registry, keeping current roster", err)
		return
	}

	now := time.Now().UTC()
	registered := reg.IDs()

	o.mu.Lock()
	for id := range o.tenants {
		if _, ok := registered[id]; !ok {
			delete(o.tenants, id)
			o.logger.Infof("team %s removed from registry", id)
		}
	}

	var toLoad []*tenant
	for _, entry := range reg.Teams {
		t, ok := o.tenants[entry.TeamID]
		if !ok {
			t = &tenant{
				team: model.Team{
					ID: entry.TeamID,
					Strategy: model.StrategyRef{
						RepoPath:   entry.CodeLocation,
						EntryPoint: entry.EntryPoint,
						Params:     entry.Params,
					},
					Run247:    entry.Run247,
					CreatedAt: now,
					UpdatedAt: now,
				},
				params: entry.Params,
				ledger: portfolio.NewLedger(entry.TeamID, entry.InitialCash),
			}
			o.tenants[entry.TeamID] = t
			o.logger.Infof("team %s joined with %s starting cash", entry.TeamID, entry.InitialCash)
		}
		if t.runner == nil {
			toLoad = append(toLoad, t)
		}
	}
	o.mu.Unlock()

	for _, t := range toLoad {
		o.loadTenant(ctx, t)
	}
}

// loadTenant runs the static scan + smoke test for one tenant. Failure keeps
// the tenant registered but inert and lands in its error journal.
func (o *Orchestrator) loadTenant(ctx context.Context, t *tenant) {
	runner, err := o.loader.Load(ctx, t.team.Strategy.RepoPath, t.team.Strategy.EntryPoint)
	if err != nil {
		o.logger.Errorf("%s: can't load strategy for %s", err, t.team.ID)
		o.journalError(t, history.ErrorEntry{
			Timestamp: time.Now().UTC(),
			ErrorType: "load_failure",
			Message:   err.Error(),
			Strategy:  t.team.Strategy.EntryPoint,
		})
		return
	}

	o.mu.Lock()
	t.runner = runner
	t.team.UpdatedAt = time.Now().UTC()
	o.mu.Unlock()
	o.logger.Infof("loaded strategy %s for %s", t.team.Strategy.EntryPoint, t.team.ID)
}

// signalResult is one tenant's outcome for a tick.
type signalResult struct {
	tenant  *tenant
	signal  *model.Signal
	err     error
	elapsed time.Duration
}

// collectSignals fans one bounded signal call out per active tenant and
// gathers the results. Every call gets the same bar and price view.
func (o *Orchestrator) collectSignals(
	ctx context.Context,
	active []*tenant,
	bars []model.MinuteBar,
	prices map[string]decimal.Decimal,
) []signalResult {
	barsCtx := strategy.BuildBarsContext(bars)
	floatPrices := make(map[string]float64, len(prices))
	for sym, p := range prices {
		f, _ := p.Float64()
		floatPrices[sym] = f
	}

	results := make([]signalResult, len(active))
	var wg sync.WaitGroup
	for i, t := range active {
		if t.runner == nil {
			results[i] = signalResult{tenant: t, err: errNotLoaded}
			continue
		}

		wg.Add(1)
		go func(i int, t *tenant) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, o.signalTimeout)
			defer cancel()

			started := time.Now()
			sig, err := t.runner.GenerateSignal(callCtx, o.teamContext(t), barsCtx, floatPrices)
			results[i] = signalResult{
				tenant:  t,
				signal:  sig,
				err:     err,
				elapsed: time.Since(started),
			}
		}(i, t)
	}
	wg.Wait()

	return results
}

var errNotLoaded = errors.New("strategy not loaded")

// teamContext builds the tenant-visible slice of its own state.
func (o *Orchestrator) teamContext(t *tenant) strategy.TeamContext {
	positions := t.ledger.Positions()
	views := make(map[string]strategy.PositionContext, len(positions))
	for sym, p := range positions {
		qty, _ := p.Quantity.Float64()
		avg, _ := p.AvgCost.Float64()
		views[sym] = strategy.PositionContext{
			Quantity: qty,
			Side:     string(p.Side),
			AvgCost:  avg,
		}
	}
	cash, _ := t.ledger.Cash().Float64()
	return strategy.TeamContext{
		ID:        t.team.ID,
		Name:      t.team.ID,
		Cash:      cash,
		Positions: views,
		Params:    t.params,
	}
}

// settleResult turns one tenant's tick outcome into either a trade attempt or
// an error-journal line. Nothing here can fail another tenant.
func (o *Orchestrator) settleResult(ctx context.Context, tick time.Time, res signalResult, prices map[string]decimal.Decimal) {
	t := res.tenant

	if res.err != nil {
		o.recordSignalError(t, tick, res.err)
		return
	}
	if res.signal == nil {
		o.setTenantMessage(t, "no trade", "")
		return
	}

	req := model.TradeRequest{
		TeamID:      t.team.ID,
		Symbol:      res.signal.Symbol,
		Side:        res.signal.Action,
		Quantity:    res.signal.Quantity,
		Price:       res.signal.Price,
		OrderType:   res.signal.OrderType,
		TimeInForce: res.signal.TimeInForce,
	}

	ok, msg := o.executor.Execute(ctx, t.ledger, req, prices)
	if !ok {
		o.logger.Warnf("trade rejected for %s: %s", t.team.ID, msg)
		o.journalError(t, history.ErrorEntry{
			Timestamp:  tick,
			ErrorType:  "trade_rejected",
			Message:    msg,
			Strategy:   t.team.Strategy.EntryPoint,
			SignalData: marshalSignal(res.signal),
		})
		o.setTenantMessage(t, "", msg)
		return
	}

	o.logger.Infof("%s: %s %s %s @ %s (%s)",
		t.team.ID, req.Side, req.Quantity, req.Symbol, req.Price, msg)
	o.setTenantMessage(t, fmt.Sprintf("%s %s %s: %s", req.Side, req.Quantity, req.Symbol, msg), "")
}

// recordSignalError classifies a failed signal call and journals it.
func (o *Orchestrator) recordSignalError(t *tenant, tick time.Time, err error) {
	entry := history.ErrorEntry{
		Timestamp: tick,
		Strategy:  t.team.Strategy.EntryPoint,
		Message:   err.Error(),
	}

	var sigErr *strategy.SignalError
	switch {
	case errors.Is(err, errNotLoaded):
		entry.ErrorType = "not_loaded"
	case errors.Is(err, strategy.ErrTimeout):
		entry.ErrorType = "timeout"
		entry.Timeout = true
		entry.Message = fmt.Sprintf("signal call exceeded %s", o.signalTimeout)
	case errors.As(err, &sigErr):
		entry.ErrorType = "strategy_error"
		entry.Phase = sigErr.Phase
	default:
		entry.ErrorType = "internal_error"
	}

	o.logger.Warnf("%s: signal failed for %s (%s)", err, t.team.ID, entry.ErrorType)
	o.journalError(t, entry)
	o.setTenantMessage(t, "", entry.ErrorType+": "+entry.Message)
}

func (o *Orchestrator) journalError(t *tenant, entry history.ErrorEntry) {
	if err := o.journal.AppendStrategyError(t.team.ID, entry); err != nil {
		o.logger.Errorf("%s: can't journal error for %s", err, t.team.ID)
	}
}

func (o *Orchestrator) setTenantMessage(t *tenant, msg, errMsg string) {
	o.mu.Lock()
	if msg != "" {
		t.lastMsg = msg
	}
	t.lastErr = errMsg
	o.mu.Unlock()
}

func marshalSignal(sig *model.Signal) string {
	raw, err := sonic.Marshal(sig)
	if err != nil {
		return ""
	}
	return string(raw)
}
