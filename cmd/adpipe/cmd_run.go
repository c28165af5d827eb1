package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/animus-labs/adpipe/internal/domain"
	"github.com/animus-labs/adpipe/internal/worker"
)

var runFlags struct {
	resume bool
}

var runCmd = &cobra.Command{
	Use:   "run RUN_ID",
	Short: "Execute a submitted run in this process",
	Long: "Run claims a PENDING_APPROVAL run and drives it to completion, waiting at each review gate.\n" +
		"With --resume it also continues a RUNNING run whose previous process died.",
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var cancelFlags struct {
	by string
}

var cancelCmd = &cobra.Command{
	Use:   "cancel RUN_ID",
	Short: "Stop a RUNNING run and mark it FAILED",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Claim and execute submitted runs until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWorker,
}

func init() {
	runCmd.Flags().BoolVar(&runFlags.resume, "resume", false, "Continue a RUNNING run after a crash")
	cancelCmd.Flags().StringVar(&cancelFlags.by, "by", os.Getenv("USER"), "Operator recorded on the cancellation")
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer a.close()

	drive := a.orch.Execute
	if runFlags.resume {
		drive = a.orch.Resume
	}
	run, err := drive(cmd.Context(), args[0])
	if run.ID != "" {
		printRun(cmd.OutOrStdout(), run, nil)
	}
	if err != nil {
		return fmt.Errorf("run %s: %w", args[0], err)
	}
	if run.Status == domain.RunStatusFailed {
		return errors.New("run failed")
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.close()

	run, err := a.orch.Cancel(cmd.Context(), args[0], cancelFlags.by)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", args[0], err)
	}
	printRun(cmd.OutOrStdout(), run, nil)
	return nil
}

func runWorker(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer a.close()

	w, err := worker.New(a.logger, a.ledger, a.orch, worker.Config{
		Concurrency:  a.cfg.Worker.Concurrency,
		PollInterval: a.cfg.Worker.PollInterval,
		Resume:       a.cfg.Worker.Resume,
	})
	if err != nil {
		return err
	}
	a.logger.Info("worker started", "concurrency", a.cfg.Worker.Concurrency, "resume", a.cfg.Worker.Resume)
	return w.Run(cmd.Context())
}
