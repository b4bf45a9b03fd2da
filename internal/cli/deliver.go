package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/seclabs/reconplan/internal/delivery"
	"github.com/seclabs/reconplan/internal/ledger"
)

var deliverLimit int

var deliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Send a project report to the configured delivery endpoint",
	Long: `Build a project report from the decision ledger and post it per the
project_report_delivery settings (method, format, headers, mTLS).

  reconplan deliver
  reconplan deliver --limit 500`,
	RunE: deliverCommand,
}

func init() {
	deliverCmd.Flags().IntVar(&deliverLimit, "limit", 1000, "Maximum ledger entries to include")
	rootCmd.AddCommand(deliverCmd)
}

func deliverCommand(cmd *cobra.Command, args []string) error {
	manager, err := newManager()
	if err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}
	cfg, err := manager.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := openLedger()
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	decisions, err := store.ListDecisions(ctx, deliverLimit)
	if err != nil {
		return err
	}
	approvals, err := store.ListPendingApprovals(ctx, deliverLimit, "")
	if err != nil {
		return err
	}

	generatedAt := time.Now().UTC().Format(time.RFC3339)
	report := delivery.Report{
		JSON: map[string]any{
			"generated_at":      generatedAt,
			"decisions":         decisions,
			"pending_approvals": approvals,
		},
		Markdown: renderReportMarkdown(generatedAt, decisions, approvals),
	}

	sender := delivery.NewSender(newLogger())
	result, err := sender.Send(ctx, cfg.ProjectReportDelivery, report)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("report delivery failed: %s", deliveryFailure(result))
	}
	return nil
}

func deliveryFailure(result delivery.Result) string {
	if result.Error != "" {
		return result.Error
	}
	return fmt.Sprintf("endpoint returned status %d", result.StatusCode)
}

func renderReportMarkdown(generatedAt string, decisions []ledger.Decision, approvals []ledger.PendingApproval) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Recon Plan Report\n\nGenerated: %s\n\n", generatedAt)

	fmt.Fprintf(&b, "## Decisions (%d)\n\n", len(decisions))
	for _, d := range decisions {
		status := "auto-approved"
		if d.RequiresApproval {
			status = "approval required"
		}
		fmt.Fprintf(&b, "- `%s` on %s/%s %s (%s): %s\n",
			d.ToolID, d.HostIP, d.Port, d.Service, status, d.Reason)
	}

	fmt.Fprintf(&b, "\n## Approval queue (%d)\n\n", len(approvals))
	for _, a := range approvals {
		fmt.Fprintf(&b, "- #%d `%s` on %s/%s %s [%s] categories: %s\n",
			a.ID, a.ToolID, a.HostIP, a.Port, a.Service, a.Status,
			strings.Join(a.DangerCategories, ", "))
	}
	return b.String()
}
