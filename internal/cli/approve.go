package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seclabs/reconplan/internal/approval"
	"github.com/seclabs/reconplan/internal/config"
	"github.com/seclabs/reconplan/internal/ledger"
)

var (
	approveList bool
	approveYes  bool
	approveDeny bool
)

var approveCmd = &cobra.Command{
	Use:   "approve [approval-id]",
	Short: "Review and resolve pending dangerous actions",
	Long: `Review a queued dangerous action. Approving records the command family
as pre-approved in the config, so future actions of the same family run
without prompting, and resolves the ledger entry.

  reconplan approve --list
  reconplan approve 7
  reconplan approve 7 --yes`,
	RunE: approveCommand,
}

func init() {
	approveCmd.Flags().BoolVar(&approveList, "list", false, "List pending approvals and exit")
	approveCmd.Flags().BoolVarP(&approveYes, "yes", "y", false, "Approve without prompting")
	approveCmd.Flags().BoolVar(&approveDeny, "deny", false, "Deny without prompting")
	rootCmd.AddCommand(approveCmd)
}

func approveCommand(cmd *cobra.Command, args []string) error {
	store, err := openLedger()
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()
	ctx := cmd.Context()

	if approveList {
		pending, err := store.ListPendingApprovals(ctx, 200, ledger.StatusPending)
		if err != nil {
			return err
		}
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(pending)
	}

	if len(args) != 1 {
		return fmt.Errorf("expected an approval id, or --list")
	}
	var approvalID int64
	if _, err := fmt.Sscanf(args[0], "%d", &approvalID); err != nil {
		return fmt.Errorf("invalid approval id %q", args[0])
	}

	pending, err := store.GetPendingApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	if pending == nil {
		return fmt.Errorf("approval #%d not found", approvalID)
	}
	if pending.Status != ledger.StatusPending {
		return fmt.Errorf("approval #%d already resolved (%s)", approvalID, pending.Status)
	}

	approved := approveYes
	userAction := "approve_flag"
	if approveDeny {
		approved = false
		userAction = "deny_flag"
	} else if !approveYes {
		result := approval.Ask(approval.Prompt{
			ToolID:           pending.ToolID,
			Label:            pending.Label,
			CommandTemplate:  pending.CommandTemplate,
			FamilyID:         pending.CommandFamilyID,
			DangerCategories: pending.DangerCategories,
			Rationale:        pending.Rationale,
		})
		approved = result.Approved
		userAction = result.UserAction
	}

	status := ledger.StatusDenied
	reason := fmt.Sprintf("denied by operator (%s)", userAction)
	var jobID string
	if approved {
		manager, err := newManager()
		if err != nil {
			return fmt.Errorf("resolve config: %w", err)
		}
		if _, err := manager.ApproveFamily(pending.CommandFamilyID, config.FamilyMeta{
			ToolID:           pending.ToolID,
			Label:            pending.Label,
			DangerCategories: pending.DangerCategories,
		}); err != nil {
			return fmt.Errorf("approve family: %w", err)
		}
		status = ledger.StatusApproved
		reason = fmt.Sprintf("approved by operator (%s)", userAction)
		jobID = ledger.NewJobID()
	}

	update := ledger.ApprovalUpdate{Status: &status, DecisionReason: &reason}
	if jobID != "" {
		update.ExecutionJobID = &jobID
	}
	resolved, err := store.UpdatePendingApproval(ctx, approvalID, update)
	if err != nil {
		return err
	}

	if _, err := store.UpdateDecisionForApproval(ctx, approvalID, ledger.DecisionUpdate{
		Approved: &approved,
		Reason:   &reason,
	}); err != nil {
		return err
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(resolved)
}
