package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seclabs/reconplan/internal/provider"
)

var probeProvider string

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check connectivity to the configured AI provider",
	Long: `Issue a minimal round trip against an AI provider and report the
endpoint, model selection, and latency.

  reconplan probe
  reconplan probe --provider lm_studio`,
	RunE: probeCommand,
}

func init() {
	probeCmd.Flags().StringVar(&probeProvider, "provider", "", "Provider to probe (default: the configured one)")
	rootCmd.AddCommand(probeCmd)
}

func probeCommand(cmd *cobra.Command, args []string) error {
	manager, err := newManager()
	if err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}
	cfg, err := manager.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client := provider.NewClient(newLogger())
	result := client.Probe(cfg, probeProvider)

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("provider probe failed: %s", result.Error)
	}
	return nil
}
