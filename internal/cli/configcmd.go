package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update scheduler configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the normalized configuration",
	RunE:  configShowCommand,
}

var configSetCmd = &cobra.Command{
	Use:   "set key=value [key=value ...]",
	Short: "Update configuration fields",
	Long: `Update configuration fields using dotted keys. Values parse as JSON
scalars where possible, falling back to strings.

  reconplan config set mode=ai provider=openai
  reconplan config set providers.openai.enabled=true providers.openai.api_key=sk-...
  reconplan config set project_report_delivery.endpoint=https://intake.example.com/reports`,
	Args: cobra.MinimumNArgs(1),
	RunE: configSetCommand,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}

func configShowCommand(cmd *cobra.Command, args []string) error {
	manager, err := newManager()
	if err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}
	cfg, err := manager.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(cfg)
}

func configSetCommand(cmd *cobra.Command, args []string) error {
	updates := map[string]any{}
	for _, arg := range args {
		key, rawValue, found := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return fmt.Errorf("invalid assignment %q, expected key=value", arg)
		}
		setNested(updates, strings.Split(key, "."), parseValue(rawValue))
	}

	manager, err := newManager()
	if err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}
	cfg, err := manager.UpdatePreferences(updates)
	if err != nil {
		return fmt.Errorf("update config: %w", err)
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(cfg)
}

// parseValue interprets booleans and numbers; everything else stays a string.
func parseValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.Atoi(trimmed); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return raw
}

func setNested(target map[string]any, path []string, value any) {
	for i, segment := range path {
		if i == len(path)-1 {
			target[segment] = value
			return
		}
		next, ok := target[segment].(map[string]any)
		if !ok {
			next = map[string]any{}
			target[segment] = next
		}
		target = next
	}
}
