package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/animus-labs/adpipe/internal/domain"
	"github.com/animus-labs/adpipe/internal/orchestrator"
	"github.com/animus-labs/adpipe/internal/repo"
	"golang.org/x/sync/errgroup"
)

type Runner interface {
	Execute(ctx context.Context, runID string) (domain.Run, error)
	Resume(ctx context.Context, runID string) (domain.Run, error)
}

type RunLister interface {
	ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error)
}

type Config struct {
	Concurrency  int
	PollInterval time.Duration
	// Resume picks up RUNNING runs once at startup. Only enable it when no
	// other worker can still be driving them.
	Resume bool
}

func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return errors.New("worker concurrency must be >= 1")
	}
	if c.PollInterval <= 0 {
		return errors.New("worker poll interval must be positive")
	}
	return nil
}

// Worker claims submitted runs and drives them with bounded concurrency.
// Claiming is the ledger compare-and-set inside Execute, so several workers
// can share one ledger.
type Worker struct {
	logger *slog.Logger
	runs   RunLister
	runner Runner
	cfg    Config

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(logger *slog.Logger, runs RunLister, runner Runner, cfg Config) (*Worker, error) {
	if runs == nil || runner == nil {
		return nil, errors.New("run lister and runner are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{logger: logger, runs: runs, runner: runner, cfg: cfg, inflight: map[string]struct{}{}}, nil
}

// Run polls until ctx is done, then waits for in-flight runs to return.
// Runs interrupted by shutdown stay RUNNING for a later resume.
func (w *Worker) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)

	if w.cfg.Resume {
		w.dispatch(ctx, &g, domain.RunStatusRunning, w.runner.Resume)
	}
	w.dispatch(ctx, &g, domain.RunStatusPendingApproval, w.runner.Execute)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping, waiting for in-flight runs")
			return g.Wait()
		case <-ticker.C:
			w.dispatch(ctx, &g, domain.RunStatusPendingApproval, w.runner.Execute)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, g *errgroup.Group, status domain.RunStatus, drive func(context.Context, string) (domain.Run, error)) {
	runs, err := w.runs.ListRuns(ctx, repo.RunFilter{Status: status, Limit: w.cfg.Concurrency * 2})
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("list runs failed", "status", status, "error", err)
		}
		return
	}
	for _, run := range runs {
		if !w.claim(run.ID) {
			continue
		}
		runID := run.ID
		started := g.TryGo(func() error {
			defer w.release(runID)
			w.drive(ctx, runID, drive)
			return nil
		})
		if !started {
			w.release(runID)
			return
		}
	}
}

func (w *Worker) drive(ctx context.Context, runID string, drive func(context.Context, string) (domain.Run, error)) {
	logger := w.logger.With("run_id", runID)
	run, err := drive(ctx, runID)
	switch {
	case err == nil:
		logger.Info("run finished", "status", run.Status)
	case errors.Is(err, orchestrator.ErrRunInProgress):
		logger.Debug("run claimed elsewhere")
	case ctx.Err() != nil:
		logger.Info("run interrupted by shutdown", "status", run.Status)
	case run.Status.Terminal():
		logger.Warn("run finished", "status", run.Status, "kind", run.FailureKind, "stage", run.FailedStage)
	default:
		logger.Error("run execution failed", "error", err)
	}
}

func (w *Worker) claim(runID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inflight[runID]; ok {
		return false
	}
	w.inflight[runID] = struct{}{}
	return true
}

func (w *Worker) release(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, runID)
}
