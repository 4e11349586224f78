package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stemforge/stemforge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing stemforge configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format.

Without a config file this shows the defaults; redirect the output to
create a configuration template:

  stemforge config dump > config.yaml

Configuration can be set via:
  - Config file (./config.yaml, ./configs/, /etc/stemforge, $HOME/.stemforge)
  - Environment variables (STEMFORGE_STORAGE_ROOT, STEMFORGE_DATABASE_DSN, ...)
  - Command-line flags (for some options)

Environment variables use the STEMFORGE_ prefix and underscores for
nesting. Example: storage.root -> STEMFORGE_STORAGE_ROOT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	data, err := cfg.Dump()
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# stemforge configuration")
	fmt.Println("#")
	fmt.Println("# Duration format: 30s, 5m, 1h, 2d, 1w")
	fmt.Println("# Size format: 512KB, 5MB, 1GB")
	fmt.Println("# Reclaim cron uses six fields (seconds first): */30 * * * * *")
	fmt.Println("#")
	fmt.Print(string(data))
	return nil
}
