package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/animus-labs/adpipe/internal/gate"
	"github.com/animus-labs/adpipe/internal/repo"
)

var approveFlags struct {
	by        string
	set       []string
	editsFile string
}

var approveCmd = &cobra.Command{
	Use:   "approve RUN_ID TASK",
	Short: "Approve a pending review task, optionally editing its documents",
	Example: `  adpipe approve 4f0c analysis_review --set 'usp_analysis.usps=["Long battery life"]'
  adpipe approve 4f0c brief_review --edits-file brief-edits.json`,
	Args: cobra.ExactArgs(2),
	RunE: runApprove,
}

var rejectFlags struct {
	by     string
	reason string
}

var rejectCmd = &cobra.Command{
	Use:   "reject RUN_ID TASK",
	Short: "Reject a pending review task; the run fails",
	Args:  cobra.ExactArgs(2),
	RunE:  runReject,
}

var pendingFlags struct {
	assignedTo string
	limit      int
	markdown   bool
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List review tasks waiting for a decision",
	Args:  cobra.NoArgs,
	RunE:  runPending,
}

func init() {
	f := approveCmd.Flags()
	f.StringVar(&approveFlags.by, "by", os.Getenv("USER"), "Reviewer recorded on the task")
	f.StringArrayVar(&approveFlags.set, "set", nil, "Edit as document.field=value; value is JSON or a plain string")
	f.StringVar(&approveFlags.editsFile, "edits-file", "", "JSON object of document -> field -> value")

	f = rejectCmd.Flags()
	f.StringVar(&rejectFlags.by, "by", os.Getenv("USER"), "Reviewer recorded on the task")
	f.StringVar(&rejectFlags.reason, "reason", "", "Why the task was rejected")

	f = pendingCmd.Flags()
	f.StringVar(&pendingFlags.assignedTo, "assigned-to", "", "Only tasks assigned to this reviewer group")
	f.IntVar(&pendingFlags.limit, "limit", 50, "Maximum tasks to list")
	f.BoolVar(&pendingFlags.markdown, "markdown", false, "Render as a Markdown table")
}

func runApprove(cmd *cobra.Command, args []string) error {
	edits, err := loadEdits(approveFlags.editsFile, approveFlags.set)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.close()

	task, err := a.gate.Resolve(cmd.Context(), gate.ResolveRequest{
		RunID:      args[0],
		TaskName:   args[1],
		Edits:      edits,
		ApprovedBy: approveFlags.by,
	})
	if err != nil {
		return fmt.Errorf("approve %s/%s: %w", args[0], args[1], err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s/%s %s by %s\n", task.RunID, task.Name, task.Status, task.ApprovedBy)
	for _, name := range sortedKeys(task.Outputs) {
		fmt.Fprintf(out, "  %s: %s\n", name, task.Outputs[name])
	}
	return nil
}

func runReject(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.close()

	task, err := a.gate.Reject(cmd.Context(), args[0], args[1], rejectFlags.by, rejectFlags.reason)
	if err != nil {
		return fmt.Errorf("reject %s/%s: %w", args[0], args[1], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s %s by %s\n", task.RunID, task.Name, task.Status, task.ApprovedBy)
	return nil
}

func runPending(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.close()

	tasks, err := a.ledger.QueryPendingTasks(cmd.Context(), repo.TaskFilter{
		AssignedTo: pendingFlags.assignedTo,
		Limit:      pendingFlags.limit,
	})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending review tasks.")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), pendingTable(tasks, pendingFlags.markdown))
	return nil
}

// loadEdits merges an edits file with --set flags; flags win.
func loadEdits(path string, sets []string) (map[string]map[string]any, error) {
	edits := map[string]map[string]any{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read edits: %w", err)
		}
		if err := json.Unmarshal(raw, &edits); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	for _, s := range sets {
		key, value, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("--set %q: want document.field=value", s)
		}
		doc, field, ok := strings.Cut(strings.TrimSpace(key), ".")
		if !ok || doc == "" || field == "" {
			return nil, fmt.Errorf("--set %q: want document.field=value", s)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		if edits[doc] == nil {
			edits[doc] = map[string]any{}
		}
		edits[doc][field] = v
	}
	if len(edits) == 0 {
		return nil, nil
	}
	return edits, nil
}
