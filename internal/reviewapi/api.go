// Package reviewapi is the JSON surface the review UI uses to list pending
// approval tasks and resolve them.
package reviewapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/adpipe/internal/domain"
	"github.com/animus-labs/adpipe/internal/gate"
	"github.com/animus-labs/adpipe/internal/orchestrator"
	"github.com/animus-labs/adpipe/internal/platform/httpserver"
	"github.com/animus-labs/adpipe/internal/repo"
)

type Resolver interface {
	Resolve(ctx context.Context, req gate.ResolveRequest) (domain.Task, error)
	Reject(ctx context.Context, runID, taskName, rejectedBy, reason string) (domain.Task, error)
}

type Canceler interface {
	Cancel(ctx context.Context, runID, actor string) (domain.Run, error)
}

type API struct {
	logger   *slog.Logger
	ledger   repo.RunLedger
	resolver Resolver
	canceler Canceler
}

func New(logger *slog.Logger, ledger repo.RunLedger, resolver Resolver, canceler Canceler) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{logger: logger, ledger: ledger, resolver: resolver, canceler: canceler}
}

func (api *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/tasks", api.handleListPending)
	mux.HandleFunc("GET /v1/runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/cancel", api.handleCancelRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/tasks/{task}/approve", api.handleApprove)
	mux.HandleFunc("POST /v1/runs/{run_id}/tasks/{task}/reject", api.handleReject)
}

type taskView struct {
	RunID           string            `json:"run_id"`
	TaskName        string            `json:"task_name"`
	Position        int               `json:"position"`
	Status          string            `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	AssignedTo      string            `json:"assigned_to,omitempty"`
	ApprovedBy      string            `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time        `json:"approved_at,omitempty"`
	RejectionReason string            `json:"rejection_reason,omitempty"`
	Inputs          map[string]string `json:"inputs"`
	Outputs         map[string]string `json:"outputs,omitempty"`
}

type failureView struct {
	Stage   string `json:"stage,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

type runView struct {
	RunID            string            `json:"run_id"`
	Status           string            `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	CreatedBy        string            `json:"created_by"`
	UpdatedAt        time.Time         `json:"updated_at"`
	ArtifactRootURI  string            `json:"artifact_root_uri"`
	FinalArtifactURI string            `json:"final_artifact_uri,omitempty"`
	Params           map[string]string `json:"params"`
	Artifacts        map[string]string `json:"artifacts"`
	Failure          *failureView      `json:"failure,omitempty"`
	Tasks            []taskView        `json:"tasks"`
}

func toTaskView(t domain.Task) taskView {
	return taskView{
		RunID:           t.RunID,
		TaskName:        t.Name,
		Position:        t.Position,
		Status:          string(t.Status),
		CreatedAt:       t.CreatedAt,
		AssignedTo:      t.AssignedTo,
		ApprovedBy:      t.ApprovedBy,
		ApprovedAt:      t.ApprovedAt,
		RejectionReason: t.RejectionReason,
		Inputs:          t.Inputs,
		Outputs:         t.Outputs,
	}
}

func toRunView(run domain.Run, tasks []domain.Task) runView {
	v := runView{
		RunID:            run.ID,
		Status:           string(run.Status),
		CreatedAt:        run.CreatedAt,
		CreatedBy:        run.CreatedBy,
		UpdatedAt:        run.UpdatedAt,
		ArtifactRootURI:  run.ArtifactRootURI,
		FinalArtifactURI: run.FinalArtifactURI,
		Params:           run.Params,
		Artifacts:        run.Artifacts,
		Tasks:            make([]taskView, 0, len(tasks)),
	}
	if run.Status == domain.RunStatusFailed {
		v.Failure = &failureView{
			Stage:   run.FailedStage,
			Kind:    string(run.FailureKind),
			Message: run.FailureMessage,
			Hint:    run.FailureHint,
		}
	}
	for _, t := range tasks {
		v.Tasks = append(v.Tasks, toTaskView(t))
	}
	return v
}

func (api *API) handleListPending(w http.ResponseWriter, r *http.Request) {
	filter := repo.TaskFilter{AssignedTo: strings.TrimSpace(r.URL.Query().Get("assigned_to"))}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 500 {
			httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 500")
			return
		}
		filter.Limit = limit
	}
	tasks, err := api.ledger.QueryPendingTasks(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskView(t))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (api *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	run, err := api.ledger.GetRun(r.Context(), runID)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	tasks, err := api.ledger.ListTasks(r.Context(), runID)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toRunView(run, tasks))
}

type approveRequest struct {
	ApprovedBy string                    `json:"approved_by"`
	Edits      map[string]map[string]any `json:"edits,omitempty"`
}

func (api *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	task, err := api.resolver.Resolve(r.Context(), gate.ResolveRequest{
		RunID:      strings.TrimSpace(r.PathValue("run_id")),
		TaskName:   strings.TrimSpace(r.PathValue("task")),
		Edits:      req.Edits,
		ApprovedBy: req.ApprovedBy,
	})
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toTaskView(task))
}

type rejectRequest struct {
	RejectedBy string `json:"rejected_by"`
	Reason     string `json:"reason"`
}

func (api *API) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeJSON(r, &req); err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	task, err := api.resolver.Reject(r.Context(),
		strings.TrimSpace(r.PathValue("run_id")),
		strings.TrimSpace(r.PathValue("task")),
		req.RejectedBy, req.Reason)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toTaskView(task))
}

type cancelRequest struct {
	CanceledBy string `json:"canceled_by"`
}

func (api *API) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if api.canceler == nil {
		httpserver.WriteError(w, r, http.StatusNotImplemented, "cancel_unavailable", "")
		return
	}
	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	run, err := api.canceler.Cancel(r.Context(), strings.TrimSpace(r.PathValue("run_id")), req.CanceledBy)
	if err != nil {
		api.writeError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, toRunView(run, nil))
}

func (api *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, gate.ErrInvalidEdit):
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_edit", err.Error())
	case errors.Is(err, domain.ErrAlreadyResolved):
		httpserver.WriteError(w, r, http.StatusConflict, "already_resolved", err.Error())
	case errors.Is(err, gate.ErrRunClosed):
		httpserver.WriteError(w, r, http.StatusConflict, "run_finished", err.Error())
	case errors.Is(err, orchestrator.ErrNotCancelable):
		httpserver.WriteError(w, r, http.StatusConflict, "not_cancelable", err.Error())
	default:
		requestID, _ := httpserver.RequestIDFromContext(r.Context())
		api.logger.Error("review api request failed", "request_id", requestID, "path", r.URL.Path, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", "")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}
