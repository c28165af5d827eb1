package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/adpipe/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict means a compare-and-set update lost: the stored status no
	// longer matches the expected one.
	ErrConflict = errors.New("status conflict")
)

type RunFilter struct {
	Status domain.RunStatus
	Limit  int
}

type TaskFilter struct {
	AssignedTo string
	Limit      int
}

// RunUpdate is applied atomically when the stored status equals ExpectStatus.
// Zero-valued fields are left unchanged; Artifacts are merged.
type RunUpdate struct {
	ExpectStatus     domain.RunStatus
	Status           domain.RunStatus
	FinalArtifactURI string
	Artifacts        map[string]string
	FailedStage      string
	FailureKind      domain.ErrorKind
	FailureMessage   string
	FailureHint      string
	Actor            string
}

func (u RunUpdate) Validate() error {
	if !u.ExpectStatus.Valid() {
		return fmt.Errorf("expected status %q is invalid", u.ExpectStatus)
	}
	if u.Status != "" && !domain.CanTransition(u.ExpectStatus, u.Status) {
		return fmt.Errorf("run transition %s -> %s is not allowed", u.ExpectStatus, u.Status)
	}
	if u.ExpectStatus.Terminal() {
		return fmt.Errorf("run in terminal status %s cannot be updated", u.ExpectStatus)
	}
	return nil
}

// TaskUpdate is applied atomically when the stored status equals ExpectStatus.
type TaskUpdate struct {
	ExpectStatus    domain.TaskStatus
	Status          domain.TaskStatus
	ApprovedBy      string
	ApprovedAt      *time.Time
	RejectionReason string
	Outputs         map[string]string
}

func (u TaskUpdate) Validate() error {
	if u.ExpectStatus != domain.TaskStatusPending {
		return fmt.Errorf("task in status %q cannot be updated", u.ExpectStatus)
	}
	if !u.Status.Terminal() {
		return fmt.Errorf("task update must set a terminal status, got %q", u.Status)
	}
	if strings.TrimSpace(u.ApprovedBy) == "" {
		return errors.New("approved by is required")
	}
	if u.ApprovedAt == nil || u.ApprovedAt.IsZero() {
		return errors.New("approved at is required")
	}
	return nil
}

// RunLedger is the durable record of runs and their approval tasks.
type RunLedger interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, runID string) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	UpdateRun(ctx context.Context, runID string, update RunUpdate) (domain.Run, error)

	CreateTask(ctx context.Context, task domain.Task) error
	GetTask(ctx context.Context, runID, taskName string) (domain.Task, error)
	ListTasks(ctx context.Context, runID string) ([]domain.Task, error)
	UpdateTask(ctx context.Context, runID, taskName string, update TaskUpdate) (domain.Task, error)
	QueryPendingTasks(ctx context.Context, filter TaskFilter) ([]domain.Task, error)
}
