package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/animus-labs/adpipe/internal/orchestrator"
)

var submitFlags struct {
	runID         string
	createdBy     string
	productText   string
	productURL    string
	brandImageURL string
	campaignID    string
	productID     string
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Record a new run in PENDING_APPROVAL",
	Long:  "Submit records a run for a worker to pick up. Use 'adpipe run' to execute it in this process instead.",
	Args:  cobra.NoArgs,
	RunE:  runSubmit,
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submitFlags.runID, "run-id", "", "Run id (generated when empty)")
	f.StringVar(&submitFlags.createdBy, "by", os.Getenv("USER"), "Submitter recorded on the run")
	f.StringVar(&submitFlags.productText, "product-text", "", "Product description")
	f.StringVar(&submitFlags.productURL, "product-url", "", "Product page scraped for copy")
	f.StringVar(&submitFlags.brandImageURL, "brand-image-url", "", "Brand image analyzed for style (required)")
	f.StringVar(&submitFlags.campaignID, "campaign-id", "", "Campaign id copied into the brief")
	f.StringVar(&submitFlags.productID, "product-id", "", "Product id copied into the brief")

	_ = submitCmd.MarkFlagRequired("brand-image-url")
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.close()

	run, err := a.orch.Submit(cmd.Context(), orchestrator.Submission{
		RunID:         submitFlags.runID,
		CreatedBy:     submitFlags.createdBy,
		ProductText:   submitFlags.productText,
		ProductURL:    submitFlags.productURL,
		BrandImageURL: submitFlags.brandImageURL,
		CampaignID:    submitFlags.campaignID,
		ProductID:     submitFlags.productID,
	})
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), run.ID)
	return nil
}
