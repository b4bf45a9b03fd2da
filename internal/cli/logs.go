package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	logsLimit     int
	logsApprovals bool
	logsStatus    string
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recorded planner decisions",
	Long: `Dump the decision ledger: every planned action with its risk verdict,
or the approval queue.

  reconplan logs
  reconplan logs --limit 50
  reconplan logs --approvals --status pending`,
	RunE: logsCommand,
}

func init() {
	logsCmd.Flags().IntVar(&logsLimit, "limit", 100, "Maximum entries to show")
	logsCmd.Flags().BoolVar(&logsApprovals, "approvals", false, "Show the approval queue instead of decisions")
	logsCmd.Flags().StringVar(&logsStatus, "status", "", "Filter approvals by status (pending, approved, denied)")
	rootCmd.AddCommand(logsCmd)
}

func logsCommand(cmd *cobra.Command, args []string) error {
	store, err := openLedger()
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")

	if logsApprovals {
		approvals, err := store.ListPendingApprovals(cmd.Context(), logsLimit, logsStatus)
		if err != nil {
			return err
		}
		return encoder.Encode(approvals)
	}

	decisions, err := store.ListDecisions(cmd.Context(), logsLimit)
	if err != nil {
		return err
	}
	return encoder.Encode(decisions)
}
