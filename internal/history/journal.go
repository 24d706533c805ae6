package history

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/qtc-alpha/arena/internal/logger"
	"github.com/qtc-alpha/arena/internal/model"
)

// GlobalID keys the consolidated account-level journal alongside the
// per-team ones.
const GlobalID = "global"

// Journal owns the append-only JSONL logs under the data directory:
//
//	team/<id>/trades.jsonl
//	team/<id>/errors.jsonl
//	team/<id>/metrics.jsonl
//	team/<id>/portfolio/<day>.jsonl
//	global/portfolio/<day>.jsonl
//	global/metrics.jsonl
//
// Single writer (the orchestrator process); day files are later folded into
// the consolidated store and deleted.
type Journal struct {
	dataDir string
	logger  logger.Logger
}

func NewJournal(dataDir string, logger logger.Logger) *Journal {
	return &Journal{
		dataDir: dataDir,
		logger:  logger,
	}
}

// ErrorEntry is one line of a tenant's error log.
type ErrorEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	ErrorType  string    `json:"error_type"`
	Message    string    `json:"message"`
	Strategy   string    `json:"strategy"`
	Timeout    bool      `json:"timeout"`
	Phase      string    `json:"phase"`
	SignalData string    `json:"signal_data,omitempty"`
}

func (j *Journal) teamDir(teamID string) string {
	if teamID == GlobalID {
		return filepath.Join(j.dataDir, GlobalID)
	}
	return filepath.Join(j.dataDir, "team", teamID)
}

func (j *Journal) appendLine(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: can't create journal dir", err)
	}

	line, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: can't marshal journal line", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: can't open journal %s", err, path)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("%w: can't append to journal %s", err, path)
	}
	return nil
}

func (j *Journal) AppendTradeRecord(tr model.TradeRecord) error {
	return j.appendLine(filepath.Join(j.teamDir(tr.TeamID), "trades.jsonl"), tr)
}

// SnapshotPath is the per-day ledger file a snapshot lands in.
func (j *Journal) SnapshotPath(teamID string, day time.Time) string {
	return filepath.Join(j.teamDir(teamID), "portfolio", day.UTC().Format(time.DateOnly)+".jsonl")
}

func (j *Journal) AppendSnapshot(snap model.PortfolioSnapshot) error {
	return j.appendLine(j.SnapshotPath(snap.TeamID, snap.Timestamp), snap)
}

func (j *Journal) AppendStrategyError(teamID string, entry ErrorEntry) error {
	return j.appendLine(filepath.Join(j.teamDir(teamID), "errors.jsonl"), entry)
}

func (j *Journal) AppendMetrics(teamID string, metrics any) error {
	return j.appendLine(filepath.Join(j.teamDir(teamID), "metrics.jsonl"), metrics)
}
