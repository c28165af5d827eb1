package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/animus-labs/adpipe/internal/artifacts"
	"github.com/animus-labs/adpipe/internal/domain"
	"github.com/animus-labs/adpipe/internal/repo"
)

// ErrInvalidEdit is returned when an edit names a document the task does not
// carry.
var ErrInvalidEdit = errors.New("invalid edit")

// ErrRunClosed is returned when a decision arrives for a task whose run has
// already finished.
var ErrRunClosed = errors.New("run is finished")

// ledgerCheckEvery is how many signal polls pass between ledger reads while
// no signal exists. A decision whose signal write failed is still observed.
const ledgerCheckEvery = 10

type Config struct {
	PollInterval time.Duration
}

func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return errors.New("gate poll interval must be positive")
	}
	return nil
}

// Gate opens approval tasks, waits for them and records human decisions.
type Gate struct {
	ledger   repo.RunLedger
	store    *artifacts.Store
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

func New(ledger repo.RunLedger, store *artifacts.Store, cfg Config, logger *slog.Logger) (*Gate, error) {
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{ledger: ledger, store: store, interval: cfg.PollInterval, now: time.Now, logger: logger}, nil
}

type OpenRequest struct {
	RunID      string
	RootURI    string
	Name       string
	Position   int
	AssignedTo string
	Inputs     map[string]string
}

// Open creates a PENDING task. Reopening a PENDING task returns it
// unchanged; reopening a resolved one is a duplicate.
func (g *Gate) Open(ctx context.Context, req OpenRequest) (domain.Task, error) {
	task := domain.Task{
		RunID:         req.RunID,
		Name:          req.Name,
		Position:      req.Position,
		Status:        domain.TaskStatusPending,
		CreatedAt:     g.now().UTC(),
		AssignedTo:    req.AssignedTo,
		Inputs:        req.Inputs,
		Outputs:       map[string]string{},
		GateSignalURI: g.store.SignalURI(req.RootURI, req.Name),
	}
	err := g.ledger.CreateTask(ctx, task)
	if err == nil {
		g.logger.Info("approval task opened", "run_id", req.RunID, "task", req.Name, "assigned_to", req.AssignedTo)
		return task, nil
	}
	if !errors.Is(err, repo.ErrAlreadyExists) {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	existing, err := g.ledger.GetTask(ctx, req.RunID, req.Name)
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	if existing.Status != domain.TaskStatusPending {
		return domain.Task{}, &domain.Error{
			Kind: domain.KindDuplicateTask,
			Err:  fmt.Errorf("task %s/%s already %s", req.RunID, req.Name, existing.Status),
		}
	}
	return existing, nil
}

// Await blocks until the task leaves PENDING and returns its outputs. It
// polls the gate signal; the ledger stays the source of truth for the
// outcome.
func (g *Gate) Await(ctx context.Context, runID, taskName string) (map[string]string, error) {
	task, err := g.ledger.GetTask(ctx, runID, taskName)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if task.Status.Terminal() {
		if err := g.ensureSignal(ctx, task); err != nil {
			return nil, err
		}
		return outcome(task)
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for polls := 1; ; polls++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		signaled, err := g.store.Exists(ctx, task.GateSignalURI)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			g.logger.Warn("gate signal check failed", "run_id", runID, "task", taskName, "error", err)
			continue
		}
		if !signaled && polls%ledgerCheckEvery != 0 {
			continue
		}
		task, err = g.ledger.GetTask(ctx, runID, taskName)
		if err != nil {
			return nil, fmt.Errorf("get task: %w", err)
		}
		if !task.Status.Terminal() {
			continue
		}
		if !signaled {
			if err := g.ensureSignal(ctx, task); err != nil {
				g.logger.Warn("gate signal repair failed", "run_id", runID, "task", taskName, "error", err)
			}
		}
		return outcome(task)
	}
}

func outcome(task domain.Task) (map[string]string, error) {
	if task.Status == domain.TaskStatusRejected {
		reason := task.RejectionReason
		if reason == "" {
			reason = "no reason given"
		}
		return nil, &domain.Error{
			Kind: domain.KindTaskRejected,
			Hint: fmt.Sprintf("rejected by %s; submit a new run with revised inputs", task.ApprovedBy),
			Err:  fmt.Errorf("task %s rejected: %s", task.Name, reason),
		}
	}
	out := make(map[string]string, len(task.Outputs))
	for k, v := range task.Outputs {
		out[k] = v
	}
	return out, nil
}

type ResolveRequest struct {
	RunID    string
	TaskName string
	// Edits maps an input name to the fields replaced in that document.
	Edits      map[string]map[string]any
	ApprovedBy string
}

// Resolve completes a PENDING task. Every input gets a new output artifact:
// the input document with its edit applied, or an unchanged snapshot. The
// outputs and COMPLETED status are committed in one compare-and-set, then
// the gate signal is written.
func (g *Gate) Resolve(ctx context.Context, req ResolveRequest) (domain.Task, error) {
	if strings.TrimSpace(req.ApprovedBy) == "" {
		return domain.Task{}, fmt.Errorf("%w: approved by is required", ErrInvalidEdit)
	}
	task, err := g.pendingTask(ctx, req.RunID, req.TaskName)
	if err != nil {
		return domain.Task{}, err
	}
	for name := range req.Edits {
		if _, ok := task.Inputs[name]; !ok {
			return domain.Task{}, fmt.Errorf("%w: task %s has no input %q", ErrInvalidEdit, task.Name, name)
		}
	}
	run, err := g.openRun(ctx, req.RunID)
	if err != nil {
		return domain.Task{}, err
	}

	names := make([]string, 0, len(task.Inputs))
	for name := range task.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	outputs := make(map[string]string, len(names))
	for _, name := range names {
		var doc map[string]any
		if err := g.store.GetJSON(ctx, task.Inputs[name], &doc); err != nil {
			return domain.Task{}, fmt.Errorf("read input %s: %w", name, err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
		for field, value := range req.Edits[name] {
			doc[field] = value
		}
		uri := g.store.URIFor(run.ArtifactRootURI, name+"-approved.json")
		if err := g.store.PutJSON(ctx, uri, doc); err != nil {
			return domain.Task{}, fmt.Errorf("write output %s: %w", name, err)
		}
		outputs[name] = uri
	}

	at := g.now().UTC()
	resolved, err := g.ledger.UpdateTask(ctx, req.RunID, req.TaskName, repo.TaskUpdate{
		ExpectStatus: domain.TaskStatusPending,
		Status:       domain.TaskStatusCompleted,
		ApprovedBy:   strings.TrimSpace(req.ApprovedBy),
		ApprovedAt:   &at,
		Outputs:      outputs,
	})
	if err != nil {
		return domain.Task{}, g.updateError(req.RunID, req.TaskName, err)
	}
	g.logger.Info("approval task completed", "run_id", req.RunID, "task", req.TaskName, "approved_by", resolved.ApprovedBy, "edited", len(req.Edits))
	if err := g.writeSignal(ctx, resolved); err != nil {
		return resolved, err
	}
	return resolved, nil
}

// Reject moves a PENDING task to REJECTED and writes the gate signal.
func (g *Gate) Reject(ctx context.Context, runID, taskName, rejectedBy, reason string) (domain.Task, error) {
	if strings.TrimSpace(rejectedBy) == "" {
		return domain.Task{}, fmt.Errorf("%w: rejected by is required", ErrInvalidEdit)
	}
	if _, err := g.pendingTask(ctx, runID, taskName); err != nil {
		return domain.Task{}, err
	}
	if _, err := g.openRun(ctx, runID); err != nil {
		return domain.Task{}, err
	}
	at := g.now().UTC()
	rejected, err := g.ledger.UpdateTask(ctx, runID, taskName, repo.TaskUpdate{
		ExpectStatus:    domain.TaskStatusPending,
		Status:          domain.TaskStatusRejected,
		ApprovedBy:      strings.TrimSpace(rejectedBy),
		ApprovedAt:      &at,
		RejectionReason: strings.TrimSpace(reason),
	})
	if err != nil {
		return domain.Task{}, g.updateError(runID, taskName, err)
	}
	g.logger.Info("approval task rejected", "run_id", runID, "task", taskName, "rejected_by", rejected.ApprovedBy)
	if err := g.writeSignal(ctx, rejected); err != nil {
		return rejected, err
	}
	return rejected, nil
}

func (g *Gate) pendingTask(ctx context.Context, runID, taskName string) (domain.Task, error) {
	task, err := g.ledger.GetTask(ctx, runID, taskName)
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	if task.Status != domain.TaskStatusPending {
		return domain.Task{}, alreadyResolved(runID, taskName, task.Status)
	}
	return task, nil
}

func (g *Gate) openRun(ctx context.Context, runID string) (domain.Run, error) {
	run, err := g.ledger.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("get run: %w", err)
	}
	if run.Status.Terminal() {
		return domain.Run{}, fmt.Errorf("%w: run %s is %s", ErrRunClosed, runID, run.Status)
	}
	return run, nil
}

func (g *Gate) updateError(runID, taskName string, err error) error {
	if errors.Is(err, repo.ErrConflict) {
		return alreadyResolved(runID, taskName, "")
	}
	return fmt.Errorf("update task: %w", err)
}

func alreadyResolved(runID, taskName string, status domain.TaskStatus) error {
	msg := fmt.Sprintf("task %s/%s is already resolved", runID, taskName)
	if status != "" {
		msg = fmt.Sprintf("task %s/%s is already %s", runID, taskName, status)
	}
	return &domain.Error{Kind: domain.KindAlreadyResolved, Err: errors.New(msg)}
}

func (g *Gate) writeSignal(ctx context.Context, task domain.Task) error {
	resolvedAt := g.now().UTC()
	if task.ApprovedAt != nil {
		resolvedAt = *task.ApprovedAt
	}
	err := g.store.PutJSON(ctx, task.GateSignalURI, domain.GateSignal{
		RunID:      task.RunID,
		TaskName:   task.Name,
		Status:     task.Status,
		ResolvedBy: task.ApprovedBy,
		ResolvedAt: resolvedAt,
	})
	if err != nil && !errors.Is(err, artifacts.ErrExists) {
		return fmt.Errorf("write gate signal: %w", err)
	}
	return nil
}

// ensureSignal rewrites a signal lost between the ledger commit and the
// signal write.
func (g *Gate) ensureSignal(ctx context.Context, task domain.Task) error {
	ok, err := g.store.Exists(ctx, task.GateSignalURI)
	if err != nil {
		return fmt.Errorf("check gate signal: %w", err)
	}
	if ok {
		return nil
	}
	g.logger.Warn("gate signal missing for resolved task, rewriting", "run_id", task.RunID, "task", task.Name)
	return g.writeSignal(ctx, task)
}
