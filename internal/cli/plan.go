package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/seclabs/reconplan/internal/ledger"
	"github.com/seclabs/reconplan/internal/planner"
	"github.com/seclabs/reconplan/internal/provider"
	"github.com/seclabs/reconplan/internal/recon"
	"github.com/seclabs/reconplan/internal/risk"
)

var (
	planService     string
	planPort        string
	planProtocol    string
	planCatalogue   string
	planLimit       int
	planExclude     []string
	planContextPath string
	planHostIP      string
	planHostID      int64
	planTaxonomy    string
	planQueue       bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Plan the next recon actions for a service",
	Long: `Build a ranked action plan for one service from a tool catalogue.
The scheduler mode (deterministic or ai) and goal profile come from the
config; host evidence can be supplied as a JSON context file. With
--queue and --host-id, AI host insights are persisted and carried into
the next planning round.

  reconplan plan --service smb --protocol tcp --catalogue tools.yaml
  reconplan plan --service http --catalogue tools.yaml --context host42.json --queue --host-id 42`,
	RunE: planCommand,
}

func init() {
	planCmd.Flags().StringVar(&planService, "service", "", "Service name, e.g. smb or http (required)")
	planCmd.Flags().StringVar(&planPort, "port", "", "Target port, recorded with queued approvals")
	planCmd.Flags().StringVar(&planProtocol, "protocol", "tcp", "Transport protocol")
	planCmd.Flags().StringVar(&planCatalogue, "catalogue", "", "Path to tool catalogue YAML (required)")
	planCmd.Flags().IntVar(&planLimit, "limit", 0, "Maximum actions to plan (0 = mode default)")
	planCmd.Flags().StringSliceVar(&planExclude, "exclude", nil, "Tool ids to exclude")
	planCmd.Flags().StringVar(&planContextPath, "context", "", "Path to JSON host evidence file")
	planCmd.Flags().StringVar(&planHostIP, "host", "", "Host IP, recorded with queued approvals")
	planCmd.Flags().Int64Var(&planHostID, "host-id", 0, "Host id for persisted AI continuity state")
	planCmd.Flags().StringVar(&planTaxonomy, "taxonomy", "", "Path to custom danger taxonomy YAML")
	planCmd.Flags().BoolVar(&planQueue, "queue", false, "Record decisions and queue approval-required actions in the ledger")
	planCmd.MarkFlagRequired("service")
	planCmd.MarkFlagRequired("catalogue")
	rootCmd.AddCommand(planCmd)
}

func planCommand(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	ctx := cmd.Context()

	manager, err := newManager()
	if err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}
	settings, err := planner.LoadSettings(planCatalogue)
	if err != nil {
		return err
	}

	opts := planner.PlanOptions{
		ExcludedToolIDs: planExclude,
		Limit:           planLimit,
	}
	if planContextPath != "" {
		rctx, err := loadPlanContext(planContextPath)
		if err != nil {
			return err
		}
		opts.Context = rctx
	}

	var store *ledger.Store
	if planQueue {
		store, err = openLedger()
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer store.Close()
	}

	if store != nil && planHostID > 0 {
		prior, err := store.GetHostAIState(ctx, planHostID)
		if err != nil {
			return err
		}
		if prior != nil {
			if opts.Context == nil {
				opts.Context = &recon.Context{}
			}
			if opts.Context.HostAIState == nil {
				opts.Context.HostAIState = prior.ReconState()
			}
		}
	}

	client := provider.NewClient(logger)
	p := planner.New(manager, client, logger)
	if planTaxonomy != "" {
		classifier, err := risk.LoadTaxonomy(planTaxonomy)
		if err != nil {
			return err
		}
		p.WithClassifier(classifier)
	}

	result := p.Plan(settings, planService, planProtocol, opts)

	if store != nil {
		if err := queuePlan(ctx, store, result.Actions); err != nil {
			return err
		}
		if planHostID > 0 && result.ProviderPayload != nil {
			if err := persistHostState(ctx, store, *result.ProviderPayload, result.Actions); err != nil {
				return err
			}
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func loadPlanContext(path string) (*recon.Context, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read context file: %w", err)
	}
	var rctx recon.Context
	if err := json.Unmarshal(data, &rctx); err != nil {
		return nil, fmt.Errorf("parse context file %s: %w", path, err)
	}
	return &rctx, nil
}

// queuePlan records every planned action in the decision log and queues the
// approval-required ones for an operator decision.
func queuePlan(ctx context.Context, store *ledger.Store, actions []recon.ScheduledAction) error {
	for _, action := range actions {
		decision := ledger.Decision{
			HostIP:           planHostIP,
			Port:             planPort,
			Protocol:         action.Protocol,
			Service:          planService,
			SchedulerMode:    action.Mode,
			GoalProfile:      action.GoalProfile,
			ToolID:           action.ToolID,
			Label:            action.Label,
			CommandFamilyID:  action.FamilyID,
			DangerCategories: action.DangerCategories,
			RequiresApproval: action.RequiresApproval,
			Rationale:        action.Rationale,
		}

		if action.RequiresApproval {
			approvalID, err := store.QueuePendingApproval(ctx, ledger.PendingApproval{
				HostIP:           planHostIP,
				Port:             planPort,
				Protocol:         action.Protocol,
				Service:          planService,
				ToolID:           action.ToolID,
				Label:            action.Label,
				CommandTemplate:  action.CommandTemplate,
				CommandFamilyID:  action.FamilyID,
				DangerCategories: action.DangerCategories,
				SchedulerMode:    action.Mode,
				GoalProfile:      action.GoalProfile,
				Rationale:        action.Rationale,
			})
			if err != nil {
				return err
			}
			decision.ApprovalID = strconv.FormatInt(approvalID, 10)
			decision.Reason = fmt.Sprintf("queued as approval #%d", approvalID)
			fmt.Fprintf(os.Stderr, "Queued %s for approval (#%d)\n", action.ToolID, approvalID)
		} else {
			decision.Approved = true
			decision.Reason = "no approval required"
		}

		if _, err := store.LogDecision(ctx, decision); err != nil {
			return err
		}
	}
	return nil
}

// persistHostState stores the provider's host insights so the next planning
// round for this host starts from them.
func persistHostState(ctx context.Context, store *ledger.Store, payload recon.Payload, actions []recon.ScheduledAction) error {
	goalProfile := ""
	if len(actions) > 0 {
		goalProfile = actions[0].GoalProfile
	}

	raw := map[string]any{}
	if data, err := json.Marshal(payload); err == nil {
		_ = json.Unmarshal(data, &raw)
	}

	return store.UpsertHostAIState(ctx, ledger.HostAIState{
		HostID:             planHostID,
		HostIP:             planHostIP,
		Provider:           payload.Provider,
		GoalProfile:        goalProfile,
		LastPort:           planPort,
		LastProtocol:       planProtocol,
		LastService:        planService,
		Hostname:           payload.HostUpdates.Hostname,
		HostnameConfidence: payload.HostUpdates.HostnameConfidence,
		OSMatch:            payload.HostUpdates.OS,
		OSConfidence:       payload.HostUpdates.OSConfidence,
		NextPhase:          payload.NextPhase,
		Technologies:       payload.Technologies,
		Findings:           payload.Findings,
		ManualTests:        payload.ManualTests,
		Raw:                raw,
	})
}
