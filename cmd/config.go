package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"imagedecloner/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the current settings to the config file",
	Long: `Write the effective settings (defaults, the existing file and any
global flags) as YAML to the path given by --config.

Example:
  imagedecloner config init                          # Write defaults
  imagedecloner config init --workers 4 --force      # Overwrite with 4 workers`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if err := writeConfig(configPath, cfg, configForce); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", configPath)
	return nil
}

// writeConfig saves c to path, refusing to replace an existing file unless
// force is set.
func writeConfig(path string, c *config.Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return config.Save(path, c)
}
