package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/adpipe/internal/domain"
	"github.com/animus-labs/adpipe/internal/repo"
)

// Ledger is an in-process RunLedger. A single mutex serializes every write,
// which gives the same compare-and-set semantics as the SQL ledger.
type Ledger struct {
	mu    sync.Mutex
	runs  map[string]domain.Run
	tasks map[string]map[string]domain.Task
	now   func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{
		runs:  map[string]domain.Run{},
		tasks: map[string]map[string]domain.Task{},
		now:   time.Now,
	}
}

func (l *Ledger) CreateRun(ctx context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.runs[run.ID]; ok {
		return fmt.Errorf("run %s: %w", run.ID, repo.ErrAlreadyExists)
	}
	run = run.Clone()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = l.now().UTC()
	}
	run.UpdatedAt = run.CreatedAt
	l.runs[run.ID] = run
	return nil
}

func (l *Ledger) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.runs[strings.TrimSpace(runID)]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run.Clone(), nil
}

func (l *Ledger) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Run, 0, len(l.runs))
	for _, run := range l.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (l *Ledger) UpdateRun(ctx context.Context, runID string, update repo.RunUpdate) (domain.Run, error) {
	if err := update.Validate(); err != nil {
		return domain.Run{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.runs[runID]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	if run.Status != update.ExpectStatus {
		return domain.Run{}, fmt.Errorf("run %s is %s, expected %s: %w", runID, run.Status, update.ExpectStatus, repo.ErrConflict)
	}
	run = run.Clone()
	if update.Status != "" {
		run.Status = update.Status
	}
	if update.FinalArtifactURI != "" {
		run.FinalArtifactURI = update.FinalArtifactURI
	}
	for k, v := range update.Artifacts {
		run.Artifacts[k] = v
	}
	if update.FailedStage != "" {
		run.FailedStage = update.FailedStage
	}
	if update.FailureKind != "" {
		run.FailureKind = update.FailureKind
	}
	if update.FailureMessage != "" {
		run.FailureMessage = update.FailureMessage
	}
	if update.FailureHint != "" {
		run.FailureHint = update.FailureHint
	}
	run.UpdatedAt = l.now().UTC()
	l.runs[runID] = run
	return run.Clone(), nil
}

func (l *Ledger) CreateTask(ctx context.Context, task domain.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.runs[task.RunID]; !ok {
		return fmt.Errorf("run %s: %w", task.RunID, repo.ErrNotFound)
	}
	byName := l.tasks[task.RunID]
	if byName == nil {
		byName = map[string]domain.Task{}
		l.tasks[task.RunID] = byName
	}
	if _, ok := byName[task.Name]; ok {
		return fmt.Errorf("task %s/%s: %w", task.RunID, task.Name, repo.ErrAlreadyExists)
	}
	task = task.Clone()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = l.now().UTC()
	}
	byName[task.Name] = task
	return nil
}

func (l *Ledger) GetTask(ctx context.Context, runID, taskName string) (domain.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	task, ok := l.tasks[runID][taskName]
	if !ok {
		return domain.Task{}, repo.ErrNotFound
	}
	return task.Clone(), nil
}

func (l *Ledger) ListTasks(ctx context.Context, runID string) ([]domain.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Task, 0, len(l.tasks[runID]))
	for _, task := range l.tasks[runID] {
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (l *Ledger) UpdateTask(ctx context.Context, runID, taskName string, update repo.TaskUpdate) (domain.Task, error) {
	if err := update.Validate(); err != nil {
		return domain.Task{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	task, ok := l.tasks[runID][taskName]
	if !ok {
		return domain.Task{}, repo.ErrNotFound
	}
	if task.Status != update.ExpectStatus {
		return domain.Task{}, fmt.Errorf("task %s/%s is %s: %w", runID, taskName, task.Status, repo.ErrConflict)
	}
	task = task.Clone()
	task.Status = update.Status
	task.ApprovedBy = update.ApprovedBy
	at := update.ApprovedAt.UTC()
	task.ApprovedAt = &at
	task.RejectionReason = update.RejectionReason
	for k, v := range update.Outputs {
		task.Outputs[k] = v
	}
	l.tasks[runID][taskName] = task
	return task.Clone(), nil
}

func (l *Ledger) QueryPendingTasks(ctx context.Context, filter repo.TaskFilter) ([]domain.Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Task, 0)
	for _, byName := range l.tasks {
		for _, task := range byName {
			if task.Status != domain.TaskStatusPending {
				continue
			}
			if filter.AssignedTo != "" && task.AssignedTo != filter.AssignedTo {
				continue
			}
			if run, ok := l.runs[task.RunID]; ok && run.Status.Terminal() {
				continue
			}
			out = append(out, task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Position < out[j].Position
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

var _ repo.RunLedger = (*Ledger)(nil)
