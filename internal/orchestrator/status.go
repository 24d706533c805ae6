package orchestrator

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/qtc-alpha/arena/internal/markethours"
	"github.com/qtc-alpha/arena/internal/model"
)

// TeamStatus is one team's line in the runtime status document.
type TeamStatus struct {
	TeamID      string  `json:"team_id"`
	Strategy    string  `json:"strategy,omitempty"`
	Loaded      bool    `json:"loaded"`
	Active      bool    `json:"active"`
	Cash        string  `json:"cash"`
	MarketValue string  `json:"market_value"`
	Positions   int     `json:"positions"`
	TotalReturn float64 `json:"total_return"`
	LastMessage string  `json:"last_message,omitempty"`
	LastError   string  `json:"last_error,omitempty"`
}

// Status is the runtime document: one line per team plus the engine's own
// vitals. Written to disk once per tick and served over HTTP.
type Status struct {
	Running        bool                     `json:"running"`
	Timestamp      time.Time                `json:"timestamp"`
	UptimeSec      int64                    `json:"uptime_sec"`
	TickCount      int64                    `json:"tick_count"`
	TickDuration   string                   `json:"tick_duration"`
	EquityOpen     bool                     `json:"equity_market_open"`
	Symbols        []string                 `json:"symbols"`
	BarCount       int                      `json:"bar_count"`
	Teams          []TeamStatus             `json:"teams"`
	GlobalSnapshot *model.PortfolioSnapshot `json:"global_snapshot,omitempty"`
	Global         *Metrics                 `json:"global,omitempty"`
}

const _statusFile = "status.json"

// refreshStatus rebuilds the status document at the end of a tick and
// persists it under the data directory.
func (o *Orchestrator) refreshStatus(tick time.Time, barCount int, elapsed time.Duration) {
	equityOpen := markethours.USEquityOpen(tick)

	o.mu.Lock()

	o.tickCount++

	teams := make([]TeamStatus, 0, len(o.tenants))
	for _, t := range o.tenants {
		ts := TeamStatus{
			TeamID:      t.team.ID,
			Strategy:    t.team.Strategy.EntryPoint,
			Loaded:      t.runner != nil,
			Active:      t.team.Run247 || equityOpen,
			Cash:        t.ledger.Cash().StringFixed(2),
			Positions:   len(t.ledger.Positions()),
			LastMessage: t.lastMsg,
			LastError:   t.lastErr,
		}
		if n := len(t.values); n > 0 {
			last := t.values[n-1]
			ts.MarketValue = strconv.FormatFloat(last, 'f', 2, 64)
			if first := t.values[0]; first > 0 {
				ts.TotalReturn = (last - first) / first
			}
		}
		teams = append(teams, ts)
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].TeamID < teams[j].TeamID })

	status := Status{
		Running:        true,
		Timestamp:      tick,
		UptimeSec:      int64(time.Since(o.startedAt).Seconds()),
		TickCount:      o.tickCount,
		TickDuration:   elapsed.Round(time.Millisecond).String(),
		EquityOpen:     equityOpen,
		Symbols:        o.symbols,
		BarCount:       barCount,
		Teams:          teams,
		GlobalSnapshot: o.lastGlobalSnap,
	}
	if m, ok := computeMetrics(o.globalValues, tick); ok {
		status.Global = &m
	}
	o.status = status
	o.mu.Unlock()

	o.writeStatus(status)
}

// writeStatus persists the document so on-disk consumers see the same view
// the HTTP surface serves. A failed write costs this tick's file only.
func (o *Orchestrator) writeStatus(status Status) {
	raw, err := sonic.Marshal(status)
	if err != nil {
		o.logger.Errorf("%s: can't marshal runtime status", err)
		return
	}

	dir := filepath.Join(o.dataDir, "runtime")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.logger.Errorf("%s: can't create runtime dir", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, _statusFile), raw, 0o644); err != nil {
		o.logger.Errorf("%s: can't write runtime status", err)
	}
}

// Status returns the document built on the last tick.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}
