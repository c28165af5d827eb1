package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/animus-labs/adpipe/internal/domain"
	"github.com/animus-labs/adpipe/internal/platform/auditlog"
)

func newTable() table.Writer {
	w := table.NewWriter()
	w.SetStyle(table.StyleLight)
	return w
}

func printRun(out io.Writer, run domain.Run, tasks []domain.Task) {
	fmt.Fprintf(out, "Run:      %s\n", run.ID)
	fmt.Fprintf(out, "Status:   %s\n", run.Status)
	fmt.Fprintf(out, "Created:  %s by %s\n", ago(run.CreatedAt), run.CreatedBy)
	fmt.Fprintf(out, "Updated:  %s\n", ago(run.UpdatedAt))
	fmt.Fprintf(out, "Root:     %s\n", run.ArtifactRootURI)
	if run.FinalArtifactURI != "" {
		fmt.Fprintf(out, "Video:    %s\n", run.FinalArtifactURI)
	}
	if run.Status == domain.RunStatusFailed {
		stage := run.FailedStage
		if stage == "" {
			stage = "-"
		}
		fmt.Fprintf(out, "Failure:  %s at %s\n", run.FailureKind, stage)
		if run.FailureMessage != "" {
			fmt.Fprintf(out, "  %s\n", strings.ReplaceAll(run.FailureMessage, "\n", "\n  "))
		}
		if run.FailureHint != "" {
			fmt.Fprintf(out, "  hint: %s\n", run.FailureHint)
		}
	}

	if len(run.Artifacts) > 0 {
		t := newTable()
		t.AppendHeader(table.Row{"Stage", "Artifact"})
		for _, name := range sortedKeys(run.Artifacts) {
			t.AppendRow(table.Row{name, run.Artifacts[name]})
		}
		fmt.Fprintln(out, t.Render())
	}

	if len(tasks) > 0 {
		t := newTable()
		t.AppendHeader(table.Row{"#", "Task", "Status", "Assigned", "Decided by", "Decided"})
		for _, task := range tasks {
			decided := "-"
			if task.ApprovedAt != nil {
				decided = ago(*task.ApprovedAt)
			}
			t.AppendRow(table.Row{task.Position, task.Name, task.Status, dash(task.AssignedTo), dash(task.ApprovedBy), decided})
		}
		fmt.Fprintln(out, t.Render())
	}
}

func pendingTable(tasks []domain.Task, markdown bool) string {
	t := newTable()
	t.AppendHeader(table.Row{"Run", "Task", "Assigned", "Waiting", "Inputs"})
	for _, task := range tasks {
		t.AppendRow(table.Row{task.RunID, task.Name, dash(task.AssignedTo), ago(task.CreatedAt), strings.Join(sortedKeys(task.Inputs), ", ")})
	}
	if markdown {
		return t.RenderMarkdown()
	}
	return t.Render()
}

func auditTable(records []auditlog.Record) string {
	t := newTable()
	t.AppendHeader(table.Row{"When", "Actor", "Action", "Resource", "Verified"})
	for _, rec := range records {
		verified := "no"
		if ok, err := auditlog.Verify(rec); err == nil && ok {
			verified = "yes"
		}
		t.AppendRow(table.Row{rec.OccurredAt.UTC().Format(time.RFC3339), rec.Actor, rec.Action, rec.ResourceType + "/" + rec.ResourceID, verified})
	}
	return t.Render()
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
