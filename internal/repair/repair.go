package repair

import (
	"context"
	"fmt"
	"time"

	"github.com/qtc-alpha/arena/internal/barstore"
	"github.com/qtc-alpha/arena/internal/logger"
	"github.com/qtc-alpha/arena/internal/markethours"
	"github.com/qtc-alpha/arena/internal/marketdata"
	"github.com/qtc-alpha/arena/internal/model"
)

// Service patches holes in the bar store left by failed or partial fetches.
// It compares stored minute keys against the minutes each symbol should have
// traded, refetches the affected days, and upserts only the missing bars, so
// repeated runs over the same window are idempotent.
type Service struct {
	feed    marketdata.Feed
	bars    barstore.Store
	symbols []string

	marketHoursInterval time.Duration
	offHoursInterval    time.Duration
	lookback            time.Duration

	logger logger.Logger
}

func NewService(
	feed marketdata.Feed,
	bars barstore.Store,
	symbols []string,
	marketHoursInterval, offHoursInterval time.Duration,
	lookbackMinutes int,
	logger logger.Logger,
) *Service {
	return &Service{
		feed:                feed,
		bars:                bars,
		symbols:             symbols,
		marketHoursInterval: marketHoursInterval,
		offHoursInterval:    offHoursInterval,
		lookback:            time.Duration(lookbackMinutes) * time.Minute,
		logger:              logger,
	}
}

// Run drives repair passes on a cadence that tightens during market hours.
func (s *Service) Run(ctx context.Context) {
	s.logger.Infof("starting bar repair loop (%s market hours, %s off hours)",
		s.marketHoursInterval, s.offHoursInterval)

	for {
		now := time.Now().UTC()
		interval := s.offHoursInterval
		if markethours.USEquityOpen(now) {
			interval = s.marketHoursInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if repaired, err := s.RepairOnce(ctx, time.Now().UTC()); err != nil {
			s.logger.Errorf("%s: repair pass failed", err)
		} else if repaired > 0 {
			s.logger.Infof("repaired %d missing bars", repaired)
		}
	}
}

// RepairOnce scans the lookback window ending two minutes ago (the current
// minute is still forming) and backfills every detected gap. Returns how many
// bars were written.
func (s *Service) RepairOnce(ctx context.Context, now time.Time) (int, error) {
	to := now.Truncate(time.Minute).Add(-2 * time.Minute)
	from := to.Add(-s.lookback)

	missing := make(map[string]map[time.Time]struct{})
	days := make(map[time.Time]struct{})

	for _, symbol := range s.symbols {
		gaps, err := s.missingMinutes(ctx, symbol, from, to)
		if err != nil {
			return 0, err
		}
		if len(gaps) == 0 {
			continue
		}

		set := make(map[time.Time]struct{}, len(gaps))
		for _, m := range gaps {
			set[m] = struct{}{}
			days[m.Truncate(24*time.Hour)] = struct{}{}
		}
		missing[symbol] = set
		s.logger.Debugf("%s: %d missing minutes in [%s, %s]",
			symbol, len(gaps), from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	if len(missing) == 0 {
		return 0, nil
	}

	repaired := 0
	for day := range days {
		fetched, err := s.feed.FetchHistoricalDay(ctx, day, s.symbols)
		if err != nil {
			return repaired, fmt.Errorf("%w: can't refetch %s", err, day.Format(time.DateOnly))
		}

		var patch []model.MinuteBar
		for i := range fetched {
			fetched[i].NormalizeTimestamp()
			b := fetched[i]
			if set, ok := missing[b.Ticker]; ok {
				if _, gap := set[b.Timestamp]; gap {
					patch = append(patch, b)
				}
			}
		}
		if len(patch) == 0 {
			continue
		}

		if err := s.bars.Append(ctx, patch); err != nil {
			return repaired, fmt.Errorf("%w: can't write patch for %s", err, day.Format(time.DateOnly))
		}
		repaired += len(patch)
	}

	return repaired, nil
}

// missingMinutes lists the minutes in [from, to] the symbol should have a bar
// for but does not. Minutes outside the symbol's trading session are never
// expected, so closed hours produce no gaps.
func (s *Service) missingMinutes(ctx context.Context, symbol string, from, to time.Time) ([]time.Time, error) {
	stored, err := s.bars.GetTimestamps(ctx, symbol, from, to)
	if err != nil {
		return nil, err
	}

	have := make(map[time.Time]struct{}, len(stored))
	for _, ts := range stored {
		have[ts.UTC().Truncate(time.Minute)] = struct{}{}
	}

	var missing []time.Time
	for m := from.Truncate(time.Minute); !m.After(to); m = m.Add(time.Minute) {
		if !markethours.SymbolTrading(symbol, m) {
			continue
		}
		if _, ok := have[m]; !ok {
			missing = append(missing, m)
		}
	}
	return missing, nil
}
