package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/animus-labs/adpipe/internal/domain"
)

func TestLoadEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edits.json")
	if err := os.WriteFile(path, []byte(`{"ad_brief":{"title":"From file","tone":"calm"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := loadEdits(path, []string{
		`ad_brief.title=Launch day`,
		`usp_analysis.usps=["Long battery life"]`,
	})
	if err != nil {
		t.Fatalf("loadEdits: %v", err)
	}
	want := map[string]map[string]any{
		"ad_brief":     {"title": "Launch day", "tone": "calm"},
		"usp_analysis": {"usps": []any{"Long battery life"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("edits (-want +got):\n%s", diff)
	}
}

func TestLoadEditsRejectsMalformedSet(t *testing.T) {
	for _, set := range []string{"title=x", "ad_brief.title", ".title=x"} {
		if _, err := loadEdits("", []string{set}); err == nil {
			t.Fatalf("loadEdits(%q) succeeded", set)
		}
	}
	got, err := loadEdits("", nil)
	if err != nil || got != nil {
		t.Fatalf("no edits = %v, %v", got, err)
	}
}

func TestPrintRunShowsFailure(t *testing.T) {
	var buf bytes.Buffer
	printRun(&buf, domain.Run{
		ID:             "run-1",
		Status:         domain.RunStatusFailed,
		CreatedAt:      time.Now().Add(-time.Hour),
		CreatedBy:      "ana",
		FailedStage:    "video_generation",
		FailureKind:    domain.KindJobSubmission,
		FailureMessage: "submit response has no jobId",
		FailureHint:    "check the video request payload",
		Artifacts:      map[string]string{"usp_extraction": "s3://b/runs/run-1/usp_analysis-1.json"},
	}, []domain.Task{{RunID: "run-1", Name: domain.TaskAnalysisReview, Position: 1, Status: domain.TaskStatusCompleted, ApprovedBy: "bob"}})

	out := buf.String()
	for _, want := range []string{"JOB_SUBMISSION at video_generation", "hint: check the video request payload", "1 hour ago", "usp_extraction", "analysis_review", "bob"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPendingTableMarkdown(t *testing.T) {
	out := pendingTable([]domain.Task{{
		RunID: "run-1", Name: domain.TaskBriefReview, AssignedTo: "creative",
		CreatedAt: time.Now(), Inputs: map[string]string{"ad_brief": "s3://b/x"},
	}}, true)
	if !strings.Contains(strings.ToLower(out), "| run |") || !strings.Contains(out, "brief_review") {
		t.Fatalf("markdown table:\n%s", out)
	}
}
