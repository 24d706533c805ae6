package history

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jmoiron/sqlx"
	"github.com/qtc-alpha/arena/internal/model"
)

// Folder merges a day's JSONL snapshot log into the consolidated postgres
// store. The merge is idempotent (keyed by team_id+ts, latest wins) and the
// source file is deleted only after the transaction commits — never
// delete-then-write.
type Folder struct {
	db      *sqlx.DB
	journal *Journal
}

func NewFolder(db *sqlx.DB, journal *Journal) *Folder {
	return &Folder{
		db:      db,
		journal: journal,
	}
}

const _schemaPortfolioHistory = `CREATE TABLE IF NOT EXISTS portfolio_history (
	team_id      TEXT        NOT NULL,
	ts           TIMESTAMPTZ NOT NULL,
	cash         NUMERIC     NOT NULL,
	market_value NUMERIC     NOT NULL,
	positions    JSONB       NOT NULL DEFAULT '{}',
	PRIMARY KEY (team_id, ts)
)`

func (f *Folder) Migrate(ctx context.Context) error {
	if _, err := f.db.ExecContext(ctx, _schemaPortfolioHistory); err != nil {
		return fmt.Errorf("%w: can't migrate portfolio_history", err)
	}
	return nil
}

const _upsertHistoryRow = `INSERT INTO portfolio_history (
		team_id, ts, cash, market_value, positions
	) VALUES ($1,$2,$3,$4,$5)
	ON CONFLICT (team_id, ts)
	DO UPDATE SET
		cash = EXCLUDED.cash,
		market_value = EXCLUDED.market_value,
		positions = EXCLUDED.positions`

// FoldDay merges teamID's snapshot log for the given day and removes the
// log. Missing file is a no-op; the source log survives every failure path.
func (f *Folder) FoldDay(ctx context.Context, teamID string, day time.Time) error {
	path := f.journal.SnapshotPath(teamID, day)

	snaps, err := readSnapshots(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if len(snaps) > 0 {
		tx, err := f.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: can't begin fold tx", err)
		}
		defer tx.Rollback() //nolint:errcheck

		for _, snap := range snaps {
			positions, err := sonic.Marshal(snap.Positions)
			if err != nil {
				return fmt.Errorf("%w: can't marshal positions for %s", err, teamID)
			}
			if _, err := tx.ExecContext(ctx, _upsertHistoryRow,
				snap.TeamID, snap.Timestamp, snap.Cash, snap.MarketValue, positions,
			); err != nil {
				return fmt.Errorf("%w: can't upsert history row %s %s", err, teamID, snap.Timestamp)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: can't commit fold for %s", err, teamID)
		}
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%w: merged but can't remove day log %s", err, path)
	}
	return nil
}

// readSnapshots parses a day log, skipping corrupt lines and keeping the
// last line per timestamp.
func readSnapshots(path string) ([]model.PortfolioSnapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	byTS := make(map[time.Time]model.PortfolioSnapshot)
	var order []time.Time

	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var snap model.PortfolioSnapshot
		if err := sonic.Unmarshal(line, &snap); err != nil {
			continue
		}
		if _, seen := byTS[snap.Timestamp]; !seen {
			order = append(order, snap.Timestamp)
		}
		byTS[snap.Timestamp] = snap
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: can't read day log %s", err, path)
	}

	out := make([]model.PortfolioSnapshot, 0, len(order))
	for _, ts := range order {
		out = append(out, byTS[ts])
	}
	return out, nil
}
