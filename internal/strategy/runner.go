package strategy

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/qtc-alpha/arena/internal/logger"
	"github.com/qtc-alpha/arena/internal/model"
)

//go:embed harness.py
var harnessSource []byte

// ProcRunner executes one tenant's strategy in a subprocess per signal call.
// The process boundary is the sandbox: tenant code shares no memory with the
// orchestrator, and the per-call context deadline kills the whole process
// tree on timeout.
type ProcRunner struct {
	pythonBinary string
	harnessPath  string
	repoPath     string
	entryPoint   string

	logger logger.Logger
}

type runnerRequest struct {
	Team   TeamContext        `json:"team"`
	Bars   BarsContext        `json:"bars"`
	Prices map[string]float64 `json:"prices"`
}

type runnerResponse struct {
	Signal *model.Signal `json:"signal"`
	Error  string        `json:"error"`
}

// WriteHarness materializes the embedded harness under dir and returns its
// path. Called once at startup; every runner shares the file.
func WriteHarness(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: can't create harness dir", err)
	}
	path := filepath.Join(dir, "harness.py")
	if err := os.WriteFile(path, harnessSource, 0o644); err != nil {
		return "", fmt.Errorf("%w: can't write harness", err)
	}
	return path, nil
}

func NewProcRunner(pythonBinary, harnessPath, repoPath, entryPoint string, logger logger.Logger) *ProcRunner {
	return &ProcRunner{
		pythonBinary: pythonBinary,
		harnessPath:  harnessPath,
		repoPath:     repoPath,
		entryPoint:   entryPoint,
		logger:       logger,
	}
}

func (r *ProcRunner) GenerateSignal(ctx context.Context, team TeamContext, bars BarsContext, prices map[string]float64) (*model.Signal, error) {
	input, err := sonic.Marshal(runnerRequest{Team: team, Bars: bars, Prices: prices})
	if err != nil {
		return nil, fmt.Errorf("%w: can't marshal runner request", err)
	}

	cmd := exec.CommandContext(ctx, r.pythonBinary, r.harnessPath, r.repoPath, r.entryPoint)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = []string{} // no ambient credentials leak into tenant code

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, &SignalError{
			Phase:   "signal_generation",
			Message: fmt.Sprintf("%s: %s", err, truncate(stderr.String(), 200)),
		}
	}

	var resp runnerResponse
	if err := sonic.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, &SignalError{
			Phase:   "signal_validation",
			Message: fmt.Sprintf("unparseable strategy output: %s", truncate(stdout.String(), 200)),
		}
	}
	if resp.Error != "" {
		return nil, &SignalError{Phase: "signal_generation", Message: resp.Error}
	}
	if resp.Signal == nil {
		return nil, nil
	}

	if err := ValidateSignal(resp.Signal); err != nil {
		return nil, err
	}
	return resp.Signal, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
