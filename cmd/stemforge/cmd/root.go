// Package cmd implements the CLI commands for stemforge.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stemforge/stemforge/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "stemforge",
	Short:   "Deterministic job orchestrator for audio stem pipelines",
	Version: version.Short(),
	Long: `stemforge runs multi-stage audio processing jobs: fetch a source
track, separate it into stems, attach lyrics, and package the results.

Job state lives on the filesystem: each job is a folder inside exactly
one state directory (NEW, CLAIMED, RUNNING, DONE, FAILED), and every
state transition is a single atomic rename. A relational index mirrors
the tree for fast listing but is rebuilt from disk on every start.`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/stemforge, $HOME/.stemforge)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}
