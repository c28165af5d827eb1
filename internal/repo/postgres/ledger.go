package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/adpipe/internal/domain"
	"github.com/animus-labs/adpipe/internal/platform/auditlog"
	"github.com/animus-labs/adpipe/internal/repo"
)

const defaultActor = "orchestrator"

const runColumns = `run_id, created_at, created_by, status, artifact_root_uri, final_artifact_uri,
			params, artifacts, failed_stage, failure_kind, failure_message, failure_hint, updated_at`

const taskColumns = `run_id, task_name, position, status, created_at, assigned_to, approved_by, approved_at,
			rejection_reason, inputs, outputs, gate_signal_uri`

const insertRunQuery = `INSERT INTO adpipe_runs (
			run_id,
			created_at,
			created_by,
			status,
			artifact_root_uri,
			final_artifact_uri,
			params,
			artifacts,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$2)
		ON CONFLICT (run_id) DO NOTHING`

const selectRunQuery = `SELECT ` + runColumns + `
		 FROM adpipe_runs
		 WHERE run_id = $1`

const selectRunStatusQuery = `SELECT status FROM adpipe_runs WHERE run_id = $1`

const listRunsQuery = `SELECT ` + runColumns + `
		 FROM adpipe_runs
		 WHERE ($1::text = '' OR status = $1::text)
		 ORDER BY created_at ASC, run_id ASC
		 LIMIT $2::bigint`

const updateRunQuery = `UPDATE adpipe_runs SET
			status = COALESCE(NULLIF($3::text, ''), status),
			final_artifact_uri = COALESCE(NULLIF($4::text, ''), final_artifact_uri),
			artifacts = artifacts || $5::jsonb,
			failed_stage = COALESCE(NULLIF($6::text, ''), failed_stage),
			failure_kind = COALESCE(NULLIF($7::text, ''), failure_kind),
			failure_message = COALESCE(NULLIF($8::text, ''), failure_message),
			failure_hint = COALESCE(NULLIF($9::text, ''), failure_hint),
			updated_at = $10
		 WHERE run_id = $1 AND status = $2
		 RETURNING ` + runColumns

const insertTaskQuery = `INSERT INTO adpipe_tasks (
			run_id,
			task_name,
			position,
			status,
			created_at,
			assigned_to,
			inputs,
			outputs,
			gate_signal_uri
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (run_id, task_name) DO NOTHING`

const selectTaskQuery = `SELECT ` + taskColumns + `
		 FROM adpipe_tasks
		 WHERE run_id = $1 AND task_name = $2`

const selectTaskStatusQuery = `SELECT status FROM adpipe_tasks WHERE run_id = $1 AND task_name = $2`

const listTasksQuery = `SELECT ` + taskColumns + `
		 FROM adpipe_tasks
		 WHERE run_id = $1
		 ORDER BY position ASC`

const updateTaskQuery = `UPDATE adpipe_tasks SET
			status = $4,
			approved_by = $5,
			approved_at = $6,
			rejection_reason = $7,
			outputs = outputs || $8::jsonb
		 WHERE run_id = $1 AND task_name = $2 AND status = $3
		 RETURNING ` + taskColumns

const pendingTasksQuery = `SELECT ` + taskColumns + `
		 FROM adpipe_tasks
		 WHERE status = 'PENDING' AND ($1::text = '' OR assigned_to = $1::text)
		   AND EXISTS (
		     SELECT 1 FROM adpipe_runs r
		     WHERE r.run_id = adpipe_tasks.run_id AND r.status IN ('PENDING_APPROVAL', 'RUNNING'))
		 ORDER BY created_at ASC, position ASC
		 LIMIT $2::bigint`

// Ledger is the PostgreSQL RunLedger. Every mutation commits together with
// its audit event.
type Ledger struct {
	db  DB
	now func() time.Time
}

func NewLedger(db DB) *Ledger {
	if db == nil {
		return nil
	}
	return &Ledger{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (l *Ledger) CreateRun(ctx context.Context, run domain.Run) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("ledger not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	paramsJSON, err := encodeStrings(run.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	artifactsJSON, err := encodeStrings(run.Artifacts)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}
	createdAt := normalizeTime(run.CreatedAt)
	return withTx(ctx, l.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			insertRunQuery,
			strings.TrimSpace(run.ID),
			createdAt,
			strings.TrimSpace(run.CreatedBy),
			string(run.Status),
			strings.TrimSpace(run.ArtifactRootURI),
			nullIfEmpty(run.FinalArtifactURI),
			paramsJSON,
			artifactsJSON,
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("run %s: %w", run.ID, repo.ErrAlreadyExists)
		}
		_, err = auditlog.Insert(ctx, tx, auditlog.Event{
			OccurredAt:   createdAt,
			Actor:        run.CreatedBy,
			Action:       "run.submitted",
			ResourceType: "run",
			ResourceID:   run.ID,
			Payload:      map[string]any{"status": run.Status, "params": run.Params},
		})
		return err
	})
}

func (l *Ledger) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	if l == nil || l.db == nil {
		return domain.Run{}, fmt.Errorf("ledger not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	run, err := scanRun(l.db.QueryRowContext(ctx, selectRunQuery, runID))
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (l *Ledger) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("ledger not initialized")
	}
	rows, err := l.db.QueryContext(ctx, listRunsQuery, string(filter.Status), limitArg(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func (l *Ledger) UpdateRun(ctx context.Context, runID string, update repo.RunUpdate) (domain.Run, error) {
	if l == nil || l.db == nil {
		return domain.Run{}, fmt.Errorf("ledger not initialized")
	}
	if err := update.Validate(); err != nil {
		return domain.Run{}, err
	}
	artifactsJSON, err := encodeStrings(update.Artifacts)
	if err != nil {
		return domain.Run{}, fmt.Errorf("encode artifacts: %w", err)
	}
	now := l.now().UTC()
	var out domain.Run
	err = withTx(ctx, l.db, func(tx *sql.Tx) error {
		run, err := scanRun(tx.QueryRowContext(
			ctx,
			updateRunQuery,
			runID,
			string(update.ExpectStatus),
			string(update.Status),
			update.FinalArtifactURI,
			artifactsJSON,
			update.FailedStage,
			string(update.FailureKind),
			update.FailureMessage,
			update.FailureHint,
			now,
		))
		if errors.Is(err, sql.ErrNoRows) {
			return casMiss(ctx, tx, selectRunStatusQuery, "run "+runID, runID)
		}
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		out = run

		action := "run.artifacts"
		if update.Status != "" {
			action = "run." + strings.ToLower(string(update.Status))
		}
		actor := update.Actor
		if strings.TrimSpace(actor) == "" {
			actor = defaultActor
		}
		payload := map[string]any{"from": update.ExpectStatus, "status": run.Status}
		if len(update.Artifacts) > 0 {
			payload["artifacts"] = update.Artifacts
		}
		if update.FailureKind != "" {
			payload["failed_stage"] = update.FailedStage
			payload["failure_kind"] = update.FailureKind
		}
		_, err = auditlog.Insert(ctx, tx, auditlog.Event{
			OccurredAt:   now,
			Actor:        actor,
			Action:       action,
			ResourceType: "run",
			ResourceID:   runID,
			Payload:      payload,
		})
		return err
	})
	if err != nil {
		return domain.Run{}, err
	}
	return out, nil
}

func (l *Ledger) CreateTask(ctx context.Context, task domain.Task) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("ledger not initialized")
	}
	if err := task.Validate(); err != nil {
		return err
	}
	inputsJSON, err := encodeStrings(task.Inputs)
	if err != nil {
		return fmt.Errorf("encode inputs: %w", err)
	}
	outputsJSON, err := encodeStrings(task.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	createdAt := normalizeTime(task.CreatedAt)
	return withTx(ctx, l.db, func(tx *sql.Tx) error {
		var status string
		if err := tx.QueryRowContext(ctx, selectRunStatusQuery, task.RunID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("run %s: %w", task.RunID, repo.ErrNotFound)
			}
			return fmt.Errorf("lookup run: %w", err)
		}
		res, err := tx.ExecContext(
			ctx,
			insertTaskQuery,
			task.RunID,
			task.Name,
			task.Position,
			string(task.Status),
			createdAt,
			nullIfEmpty(task.AssignedTo),
			inputsJSON,
			outputsJSON,
			task.GateSignalURI,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("task %s/%s: %w", task.RunID, task.Name, repo.ErrAlreadyExists)
			}
			return fmt.Errorf("insert task: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("task %s/%s: %w", task.RunID, task.Name, repo.ErrAlreadyExists)
		}
		_, err = auditlog.Insert(ctx, tx, auditlog.Event{
			OccurredAt:   createdAt,
			Actor:        defaultActor,
			Action:       "task.opened",
			ResourceType: "run",
			ResourceID:   task.RunID,
			Payload:      map[string]any{"task": task.Name, "assigned_to": task.AssignedTo, "inputs": task.Inputs},
		})
		return err
	})
}

func (l *Ledger) GetTask(ctx context.Context, runID, taskName string) (domain.Task, error) {
	if l == nil || l.db == nil {
		return domain.Task{}, fmt.Errorf("ledger not initialized")
	}
	task, err := scanTask(l.db.QueryRowContext(ctx, selectTaskQuery, strings.TrimSpace(runID), strings.TrimSpace(taskName)))
	if err != nil {
		return domain.Task{}, handleNotFound(err)
	}
	return task, nil
}

func (l *Ledger) ListTasks(ctx context.Context, runID string) ([]domain.Task, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("ledger not initialized")
	}
	return l.queryTasks(ctx, listTasksQuery, strings.TrimSpace(runID))
}

func (l *Ledger) UpdateTask(ctx context.Context, runID, taskName string, update repo.TaskUpdate) (domain.Task, error) {
	if l == nil || l.db == nil {
		return domain.Task{}, fmt.Errorf("ledger not initialized")
	}
	if err := update.Validate(); err != nil {
		return domain.Task{}, err
	}
	outputsJSON, err := encodeStrings(update.Outputs)
	if err != nil {
		return domain.Task{}, fmt.Errorf("encode outputs: %w", err)
	}
	var out domain.Task
	err = withTx(ctx, l.db, func(tx *sql.Tx) error {
		task, err := scanTask(tx.QueryRowContext(
			ctx,
			updateTaskQuery,
			runID,
			taskName,
			string(update.ExpectStatus),
			string(update.Status),
			strings.TrimSpace(update.ApprovedBy),
			update.ApprovedAt.UTC(),
			nullIfEmpty(update.RejectionReason),
			outputsJSON,
		))
		if errors.Is(err, sql.ErrNoRows) {
			return casMiss(ctx, tx, selectTaskStatusQuery, "task "+runID+"/"+taskName, runID, taskName)
		}
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		out = task
		_, err = auditlog.Insert(ctx, tx, auditlog.Event{
			OccurredAt:   update.ApprovedAt.UTC(),
			Actor:        update.ApprovedBy,
			Action:       "task." + strings.ToLower(string(update.Status)),
			ResourceType: "run",
			ResourceID:   runID,
			Payload: map[string]any{
				"task":             taskName,
				"outputs":          update.Outputs,
				"rejection_reason": update.RejectionReason,
			},
		})
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	return out, nil
}

func (l *Ledger) QueryPendingTasks(ctx context.Context, filter repo.TaskFilter) ([]domain.Task, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("ledger not initialized")
	}
	return l.queryTasks(ctx, pendingTasksQuery, strings.TrimSpace(filter.AssignedTo), limitArg(filter.Limit))
}

// AuditTrail returns the audit events recorded for a run.
func (l *Ledger) AuditTrail(ctx context.Context, runID string) ([]auditlog.Record, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("ledger not initialized")
	}
	return auditlog.List(ctx, l.db, "run", runID)
}

func (l *Ledger) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// casMiss distinguishes a missing row from a lost compare-and-set.
func casMiss(ctx context.Context, tx *sql.Tx, query, label string, args ...any) error {
	var status string
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repo.ErrNotFound
		}
		return fmt.Errorf("lookup %s: %w", label, err)
	}
	return fmt.Errorf("%s is %s: %w", label, status, repo.ErrConflict)
}

func limitArg(limit int) sql.NullInt64 {
	if limit <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(limit), Valid: true}
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var status string
	var finalURI, failedStage, failureKind, failureMessage, failureHint sql.NullString
	var paramsJSON, artifactsJSON []byte
	if err := row.Scan(&run.ID, &run.CreatedAt, &run.CreatedBy, &status, &run.ArtifactRootURI, &finalURI,
		&paramsJSON, &artifactsJSON, &failedStage, &failureKind, &failureMessage, &failureHint, &run.UpdatedAt); err != nil {
		return domain.Run{}, err
	}
	run.Status = domain.RunStatus(status)
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	run.FinalArtifactURI = finalURI.String
	run.FailedStage = failedStage.String
	run.FailureKind = domain.ErrorKind(failureKind.String)
	run.FailureMessage = failureMessage.String
	run.FailureHint = failureHint.String

	var err error
	if run.Params, err = decodeStrings(paramsJSON); err != nil {
		return domain.Run{}, fmt.Errorf("decode params: %w", err)
	}
	if run.Artifacts, err = decodeStrings(artifactsJSON); err != nil {
		return domain.Run{}, fmt.Errorf("decode artifacts: %w", err)
	}
	return run, nil
}

func scanTask(row rowScanner) (domain.Task, error) {
	var task domain.Task
	var status string
	var assignedTo, approvedBy, rejectionReason sql.NullString
	var approvedAt sql.NullTime
	var inputsJSON, outputsJSON []byte
	if err := row.Scan(&task.RunID, &task.Name, &task.Position, &status, &task.CreatedAt, &assignedTo, &approvedBy,
		&approvedAt, &rejectionReason, &inputsJSON, &outputsJSON, &task.GateSignalURI); err != nil {
		return domain.Task{}, err
	}
	task.Status = domain.TaskStatus(status)
	task.CreatedAt = task.CreatedAt.UTC()
	task.AssignedTo = assignedTo.String
	task.ApprovedBy = approvedBy.String
	task.RejectionReason = rejectionReason.String
	if approvedAt.Valid {
		at := approvedAt.Time.UTC()
		task.ApprovedAt = &at
	}

	var err error
	if task.Inputs, err = decodeStrings(inputsJSON); err != nil {
		return domain.Task{}, fmt.Errorf("decode inputs: %w", err)
	}
	if task.Outputs, err = decodeStrings(outputsJSON); err != nil {
		return domain.Task{}, fmt.Errorf("decode outputs: %w", err)
	}
	return task, nil
}

var _ repo.RunLedger = (*Ledger)(nil)
