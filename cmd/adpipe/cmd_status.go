package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusFlags struct {
	audit bool
}

var statusCmd = &cobra.Command{
	Use:   "status RUN_ID",
	Short: "Show a run, its review tasks and artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusFlags.audit, "audit", false, "Include the audit trail")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.close()

	run, err := a.ledger.GetRun(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	tasks, err := a.ledger.ListTasks(cmd.Context(), run.ID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	out := cmd.OutOrStdout()
	printRun(out, run, tasks)

	if !statusFlags.audit {
		return nil
	}
	records, err := a.ledger.AuditTrail(cmd.Context(), run.ID)
	if err != nil {
		return fmt.Errorf("audit trail: %w", err)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Audit:")
	fmt.Fprintln(out, auditTable(records))
	return nil
}
