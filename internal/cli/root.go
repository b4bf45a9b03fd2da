// Package cli wires the reconplan commands: plan, config, approve, probe,
// logs, and deliver.
package cli

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/seclabs/reconplan/internal/config"
	"github.com/seclabs/reconplan/internal/ledger"
)

var (
	configPath string
	ledgerPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "reconplan",
	Short: "reconplan - decision layer for recon tool scheduling",
	Long: `reconplan plans which recon tools to run next against a discovered
service: deterministic catalogue mapping or AI-assisted ranking, with
risk classification and a family-level approval gate for dangerous
commands.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to scheduler config (default: ~/.reconplan/scheduler.json)")
	rootCmd.PersistentFlags().StringVar(&ledgerPath, "ledger", "", "Path to decision ledger database (default: ~/.reconplan/ledger.db)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func Execute() error {
	return rootCmd.Execute()
}

func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

func newManager() (*config.Manager, error) {
	return config.NewManager(configPath)
}

func openLedger() (*ledger.Store, error) {
	path := ledgerPath
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(homeDir, config.DefaultConfigDir, "ledger.db")
	}
	return ledger.Open(path)
}
