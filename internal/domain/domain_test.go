package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCanTransition(t *testing.T) {
	statuses := []RunStatus{RunStatusPendingApproval, RunStatusRunning, RunStatusSucceeded, RunStatusFailed}
	allowed := map[[2]RunStatus]bool{
		{RunStatusPendingApproval, RunStatusRunning}: true,
		{RunStatusRunning, RunStatusSucceeded}:       true,
		{RunStatusRunning, RunStatusFailed}:          true,
	}
	for _, from := range statuses {
		for _, to := range statuses {
			want := allowed[[2]RunStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s)=%v, want %v", from, to, got, want)
			}
		}
	}
}

func TestErrorMatchesKindSentinel(t *testing.T) {
	err := fmt.Errorf("video: %w", &Error{Kind: KindJobSubmission, Stage: "video_generation", Err: errors.New("no job id")})
	if !errors.Is(err, ErrJobSubmission) {
		t.Fatalf("expected errors.Is to match ErrJobSubmission")
	}
	if errors.Is(err, ErrJobFailed) {
		t.Fatalf("did not expect ErrJobFailed match")
	}
	if KindOf(err) != KindJobSubmission {
		t.Fatalf("KindOf()=%s", KindOf(err))
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatalf("expected internal kind")
	}
	if KindOf(fmt.Errorf("wrap: %w", context.Canceled)) != KindCanceled {
		t.Fatalf("expected canceled kind")
	}
	if IsRetryable(errors.New("boom")) {
		t.Fatalf("unclassified errors must not be retryable")
	}
	if !IsRetryable(&Error{Kind: KindTransientNetwork}) {
		t.Fatalf("transient errors must be retryable")
	}
}

func TestWithStageKeepsKind(t *testing.T) {
	err := WithStage("usp_extraction", &Error{Kind: KindResponseFormat, Raw: "not json"})
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("expected *Error")
	}
	if de.Stage != "usp_extraction" || de.Kind != KindResponseFormat || de.Raw != "not json" {
		t.Fatalf("unexpected error: %+v", de)
	}
	wrapped := WithStage("brief_synthesis", errors.New("disk full"))
	if KindOf(wrapped) != KindInternal {
		t.Fatalf("expected internal kind, got %s", KindOf(wrapped))
	}
}

func TestColorListAcceptsBothShapes(t *testing.T) {
	var style StyleAnalysis
	raw := `{"tone":"bold","dominantColors":["#111111",{"hex_code":"#FFAA00","name":"amber"}],"fontStyle":"sans"}`
	if err := json.Unmarshal([]byte(raw), &style); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff(ColorList{"#111111", "#FFAA00"}, style.DominantColors); diff != "" {
		t.Fatalf("colors mismatch (-want +got):\n%s", diff)
	}
	if err := style.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	style.DominantColors = ColorList{"blue"}
	if err := style.Validate(); err == nil {
		t.Fatalf("expected invalid hex error")
	}
}

func TestAdBriefValidate(t *testing.T) {
	brief := AdBrief{Script: []Scene{
		{Scene: 1, DurationSeconds: 3, Visuals: "a"},
		{Scene: 2, DurationSeconds: 2.5, Visuals: "b"},
	}}
	if err := brief.Validate(2); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if err := brief.Validate(3); err == nil {
		t.Fatalf("expected scene count error")
	}
	brief.Script[1].DurationSeconds = 0
	if err := brief.Validate(2); err == nil {
		t.Fatalf("expected duration error")
	}
	if brief.TotalSeconds() != 3 {
		t.Fatalf("TotalSeconds()=%v", brief.TotalSeconds())
	}
}

func TestTaskCloneIsolatesMaps(t *testing.T) {
	task := Task{Inputs: map[string]string{"a": "s3://b/a"}}
	cp := task.Clone()
	cp.Inputs["a"] = "changed"
	if task.Inputs["a"] != "s3://b/a" {
		t.Fatalf("clone shares input map")
	}
}
