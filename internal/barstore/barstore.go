package barstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/qtc-alpha/arena/internal/logger"
	"github.com/qtc-alpha/arena/internal/model"
)

// Store persists minute bars keyed by (ticker, minute). Re-appending the
// same bar is a no-op row-count-wise: the latest fetch wins.
type Store interface {
	Append(ctx context.Context, bars []model.MinuteBar) error
	WriteDay(ctx context.Context, day time.Time, bars []model.MinuteBar) error
	GetBars(ctx context.Context, ticker string, from, to time.Time) ([]model.MinuteBar, error)
	GetTimestamps(ctx context.Context, ticker string, from, to time.Time) ([]time.Time, error)
}

type PostgresStore struct {
	db     *sqlx.DB
	logger logger.Logger
}

func NewPostgresStore(db *sqlx.DB, logger logger.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

const _schemaMinuteBars = `CREATE TABLE IF NOT EXISTS minute_bars (
	ticker      TEXT             NOT NULL,
	ts          TIMESTAMPTZ      NOT NULL,
	open        DOUBLE PRECISION NOT NULL,
	high        DOUBLE PRECISION NOT NULL,
	low         DOUBLE PRECISION NOT NULL,
	close       DOUBLE PRECISION NOT NULL,
	volume      DOUBLE PRECISION NOT NULL DEFAULT 0,
	trade_count BIGINT           NOT NULL DEFAULT 0,
	vwap        DOUBLE PRECISION NOT NULL DEFAULT 0,
	as_of       TIMESTAMPTZ      NOT NULL,
	PRIMARY KEY (ticker, ts)
)`

// Migrate creates the bar table if it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, _schemaMinuteBars); err != nil {
		return fmt.Errorf("%w: can't migrate minute_bars", err)
	}
	return nil
}

const _upsertBar = `INSERT INTO minute_bars (
		ticker, ts, open, high, low, close, volume, trade_count, vwap, as_of
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (ticker, ts)
	DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		trade_count = EXCLUDED.trade_count,
		vwap = EXCLUDED.vwap,
		as_of = EXCLUDED.as_of`

// Append upserts the batch in one transaction. Timestamps are normalized to
// their UTC minute first so the (ticker, minute) key always holds.
func (s *PostgresStore) Append(ctx context.Context, bars []model.MinuteBar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: can't begin bars tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for i := range bars {
		bars[i].NormalizeTimestamp()
		b := bars[i]
		if _, err := tx.ExecContext(ctx, _upsertBar,
			b.Ticker, b.Timestamp, b.Open, b.High, b.Low, b.Close,
			b.Volume, b.TradeCount, b.VWAP, b.AsOf,
		); err != nil {
			return fmt.Errorf("%w: can't upsert bar %s %s", err, b.Ticker, b.Timestamp)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: can't commit bars tx", err)
	}
	return nil
}

// WriteDay merges a full day of bars for the given UTC day. Bars outside the
// day are dropped rather than written under the wrong key.
func (s *PostgresStore) WriteDay(ctx context.Context, day time.Time, bars []model.MinuteBar) error {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	inDay := make([]model.MinuteBar, 0, len(bars))
	for i := range bars {
		bars[i].NormalizeTimestamp()
		ts := bars[i].Timestamp
		if ts.Before(start) || !ts.Before(end) {
			s.logger.Warnf("dropping bar %s %s outside day %s", bars[i].Ticker, ts, start.Format(time.DateOnly))
			continue
		}
		inDay = append(inDay, bars[i])
	}

	return s.Append(ctx, inDay)
}

const _queryBars = `SELECT ticker, ts, open, high, low, close, volume, trade_count, vwap, as_of
	FROM minute_bars
	WHERE ticker = $1 AND ts BETWEEN $2 AND $3
	ORDER BY ts ASC`

func (s *PostgresStore) GetBars(ctx context.Context, ticker string, from, to time.Time) ([]model.MinuteBar, error) {
	var bars []model.MinuteBar
	if err := s.db.SelectContext(ctx, &bars, _queryBars, ticker, from, to); err != nil {
		return nil, fmt.Errorf("%w: can't query bars for %s", err, ticker)
	}
	return bars, nil
}

const _queryBarTimestamps = `SELECT ts FROM minute_bars
	WHERE ticker = $1 AND ts BETWEEN $2 AND $3
	ORDER BY ts ASC`

func (s *PostgresStore) GetTimestamps(ctx context.Context, ticker string, from, to time.Time) ([]time.Time, error) {
	var timestamps []time.Time
	if err := s.db.SelectContext(ctx, &timestamps, _queryBarTimestamps, ticker, from, to); err != nil {
		return nil, fmt.Errorf("%w: can't query bar timestamps for %s", err, ticker)
	}
	return timestamps, nil
}
