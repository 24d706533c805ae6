package strategy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/qtc-alpha/arena/internal/logger"
)

// Loader validates and activates tenant code units. A unit only becomes a
// Runner after passing the static scan and one smoke-test call; either
// failure rejects the load attempt and nothing else.
type Loader struct {
	pythonBinary string
	harnessPath  string
	smokeTimeout time.Duration

	logger logger.Logger
}

const _smokeTimeoutDefault = 10 * time.Second

func NewLoader(pythonBinary, harnessPath string, logger logger.Logger) *Loader {
	return &Loader{
		pythonBinary: pythonBinary,
		harnessPath:  harnessPath,
		smokeTimeout: _smokeTimeoutDefault,
		logger:       logger,
	}
}

// Load activates the unit at repoPath with the given "module:ClassName"
// entry point.
func (l *Loader) Load(ctx context.Context, repoPath, entryPoint string) (Runner, error) {
	moduleName, _, found := strings.Cut(entryPoint, ":")
	if !found || moduleName == "" {
		return nil, fmt.Errorf("invalid entry point %q, want module:ClassName", entryPoint)
	}

	entryFile := filepath.Join(repoPath, moduleName+".py")
	if _, err := os.Stat(entryFile); err != nil {
		return nil, fmt.Errorf("%w: entry file %s not found", err, entryFile)
	}

	if err := ValidateUnit(repoPath); err != nil {
		return nil, err
	}

	runner := NewProcRunner(l.pythonBinary, l.harnessPath, repoPath, entryPoint, l.logger)

	if err := l.smokeTest(ctx, runner); err != nil {
		return nil, fmt.Errorf("%w: smoke test failed for %s", err, entryPoint)
	}

	return runner, nil
}

// smokeTest runs generate_signal once with synthetic input. A raise there
// rejects the load; a nil signal is a valid "no trade".
func (l *Loader) smokeTest(ctx context.Context, runner Runner) error {
	ctx, cancel := context.WithTimeout(ctx, l.smokeTimeout)
	defer cancel()

	team := TeamContext{
		ID:        "smoke-test",
		Name:      "smoke-test",
		Cash:      10000,
		Positions: map[string]PositionContext{},
		Params:    map[string]any{},
	}
	bars := BarsContext{
		"AAPL": {
			Timestamp: []string{"2024-01-02T15:30:00Z"},
			Open:      []float64{150},
			High:      []float64{151},
			Low:       []float64{149},
			Close:     []float64{150},
			Volume:    []float64{1000},
		},
	}
	prices := map[string]float64{"AAPL": 150}

	_, err := runner.GenerateSignal(ctx, team, bars, prices)
	return err
}
