package reviewapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/adpipe/internal/artifacts"
	"github.com/animus-labs/adpipe/internal/domain"
	"github.com/animus-labs/adpipe/internal/gate"
	"github.com/animus-labs/adpipe/internal/orchestrator"
	"github.com/animus-labs/adpipe/internal/platform/httpserver"
	"github.com/animus-labs/adpipe/internal/repo"
	"github.com/animus-labs/adpipe/internal/repo/memory"
	store "github.com/animus-labs/adpipe/internal/storage/objectstore"
)

type fakeCanceler struct {
	err   error
	calls []string
}

func (f *fakeCanceler) Cancel(ctx context.Context, runID, actor string) (domain.Run, error) {
	f.calls = append(f.calls, runID+":"+actor)
	if f.err != nil {
		return domain.Run{}, f.err
	}
	return domain.Run{ID: runID, Status: domain.RunStatusFailed, FailureKind: domain.KindCanceled}, nil
}

type fixture struct {
	server   *httptest.Server
	ledger   *memory.Ledger
	canceler *fakeCanceler
	inputs   map[string]string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s, err := artifacts.NewStore(store.NewMemoryStore(), "adpipe-test")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	l := memory.NewLedger()
	root := s.RunRoot("run-1")
	if err := l.CreateRun(ctx, domain.Run{ID: "run-1", CreatedBy: "tester", Status: domain.RunStatusRunning, ArtifactRootURI: root}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	uspURI := s.URIFor(root, "usp_analysis.json")
	if err := s.PutJSON(ctx, uspURI, map[string]any{"usps": []string{"30-hour battery"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	g, err := gate.New(l, s, gate.Config{PollInterval: time.Millisecond}, logger)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	inputs := map[string]string{"usp_analysis": uspURI}
	if _, err := g.Open(ctx, gate.OpenRequest{RunID: "run-1", RootURI: root, Name: domain.TaskAnalysisReview, Position: 1, AssignedTo: "strategy", Inputs: inputs}); err != nil {
		t.Fatalf("open: %v", err)
	}

	canceler := &fakeCanceler{}
	mux := http.NewServeMux()
	New(logger, l, g, canceler).Register(mux)
	srv := httptest.NewServer(httpserver.Wrap(logger, "adpipe-review", mux))
	t.Cleanup(srv.Close)
	return fixture{server: srv, ledger: l, canceler: canceler, inputs: inputs}
}

func (f fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, out
}

func TestListPendingTasks(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodGet, "/v1/tasks?assigned_to=strategy", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	tasks, _ := body["tasks"].([]any)
	if len(tasks) != 1 {
		t.Fatalf("tasks = %v", body["tasks"])
	}
	task := tasks[0].(map[string]any)
	if task["task_name"] != domain.TaskAnalysisReview || task["status"] != "PENDING" {
		t.Fatalf("task = %v", task)
	}

	_, body = f.do(t, http.MethodGet, "/v1/tasks?assigned_to=creative", "")
	if tasks, _ := body["tasks"].([]any); len(tasks) != 0 {
		t.Fatalf("filter ignored: %v", tasks)
	}

	if status, _ := f.do(t, http.MethodGet, "/v1/tasks?limit=0", ""); status != http.StatusBadRequest {
		t.Fatalf("limit=0 status = %d", status)
	}
}

func TestApproveWithEditsThenConflict(t *testing.T) {
	f := newFixture(t)
	path := "/v1/runs/run-1/tasks/analysis_review/approve"
	status, body := f.do(t, http.MethodPost, path, `{"approved_by":"ana","edits":{"usp_analysis":{"usps":["Long battery life"]}}}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	if body["status"] != "COMPLETED" || body["approved_by"] != "ana" {
		t.Fatalf("task = %v", body)
	}
	outputs, _ := body["outputs"].(map[string]any)
	if outputs["usp_analysis"] == "" || outputs["usp_analysis"] == f.inputs["usp_analysis"] {
		t.Fatalf("outputs = %v", outputs)
	}

	status, body = f.do(t, http.MethodPost, path, `{"approved_by":"bob"}`)
	if status != http.StatusConflict || body["error"] != "already_resolved" {
		t.Fatalf("second approve = %d %v", status, body)
	}
	task, err := f.ledger.GetTask(context.Background(), "run-1", domain.TaskAnalysisReview)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.ApprovedBy != "ana" || task.Outputs["usp_analysis"] != outputs["usp_analysis"] {
		t.Fatalf("second approve changed the task: %+v", task)
	}
}

func TestApproveRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	path := "/v1/runs/run-1/tasks/analysis_review/approve"
	tests := []struct {
		name string
		body string
		code string
	}{
		{"unknown input", `{"approved_by":"ana","edits":{"ad_brief":{"title":"x"}}}`, "invalid_edit"},
		{"missing approver", `{}`, "invalid_edit"},
		{"unknown field", `{"approved_by":"ana","approve":true}`, "invalid_json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.do(t, http.MethodPost, path, tt.body)
			if status != http.StatusBadRequest || body["error"] != tt.code {
				t.Fatalf("got %d %v, want 400 %s", status, body, tt.code)
			}
			if body["request_id"] == "" {
				t.Fatal("missing request id")
			}
		})
	}
}

func TestRejectAndGetRun(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodPost, "/v1/runs/run-1/tasks/analysis_review/reject", `{"rejected_by":"ana","reason":"off brand"}`)
	if status != http.StatusOK || body["status"] != "REJECTED" || body["rejection_reason"] != "off brand" {
		t.Fatalf("reject = %d %v", status, body)
	}

	status, body = f.do(t, http.MethodGet, "/v1/runs/run-1", "")
	if status != http.StatusOK {
		t.Fatalf("get run = %d %v", status, body)
	}
	tasks, _ := body["tasks"].([]any)
	if len(tasks) != 1 || tasks[0].(map[string]any)["status"] != "REJECTED" {
		t.Fatalf("tasks = %v", body["tasks"])
	}
}

func TestApproveRefusedAfterRunFinished(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ledger.UpdateRun(context.Background(), "run-1", repo.RunUpdate{
		ExpectStatus: domain.RunStatusRunning, Status: domain.RunStatusFailed, FailureKind: domain.KindCanceled,
	}); err != nil {
		t.Fatalf("cancel run: %v", err)
	}
	status, body := f.do(t, http.MethodPost, "/v1/runs/run-1/tasks/analysis_review/approve", `{"approved_by":"ana"}`)
	if status != http.StatusConflict || body["error"] != "run_finished" {
		t.Fatalf("approve = %d %v", status, body)
	}
	_, body = f.do(t, http.MethodGet, "/v1/tasks", "")
	if tasks, _ := body["tasks"].([]any); len(tasks) != 0 {
		t.Fatalf("finished run still listed: %v", tasks)
	}
}

func TestUnknownRunAndTask(t *testing.T) {
	f := newFixture(t)
	if status, body := f.do(t, http.MethodGet, "/v1/runs/nope", ""); status != http.StatusNotFound || body["error"] != "not_found" {
		t.Fatalf("get = %d %v", status, body)
	}
	if status, _ := f.do(t, http.MethodPost, "/v1/runs/run-1/tasks/brief_review/approve", `{"approved_by":"ana"}`); status != http.StatusNotFound {
		t.Fatalf("approve missing task = %d", status)
	}
}

func TestCancelRun(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodPost, "/v1/runs/run-1/cancel", `{"canceled_by":"ops"}`)
	if status != http.StatusOK || body["status"] != "FAILED" {
		t.Fatalf("cancel = %d %v", status, body)
	}
	failure, _ := body["failure"].(map[string]any)
	if failure["kind"] != "CANCELED" {
		t.Fatalf("failure = %v", failure)
	}
	if len(f.canceler.calls) != 1 || f.canceler.calls[0] != "run-1:ops" {
		t.Fatalf("calls = %v", f.canceler.calls)
	}

	f.canceler.err = orchestrator.ErrNotCancelable
	if status, body := f.do(t, http.MethodPost, "/v1/runs/run-1/cancel", ""); status != http.StatusConflict || body["error"] != "not_cancelable" {
		t.Fatalf("cancel not cancelable = %d %v", status, body)
	}
}
