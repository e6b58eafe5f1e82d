package main

import (
	"fmt"
	"os"

	"github.com/logix727/apisec"
	"github.com/spf13/cobra"
)

var configInitFlags struct {
	out   string
	force bool
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Work with configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an example configuration file",
	RunE:  runConfigInit,
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the effective configuration",
	RunE:  runConfigCheck,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configCheckCmd)

	configInitCmd.Flags().StringVarP(&configInitFlags.out, "out", "o", "apisec.yaml", "output path")
	configInitCmd.Flags().BoolVar(&configInitFlags.force, "force", false, "overwrite an existing file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if !configInitFlags.force {
		if _, err := os.Stat(configInitFlags.out); err == nil {
			return fmt.Errorf("%s already exists (use --force to replace it)", configInitFlags.out)
		}
	}
	if err := apisec.WriteExampleConfig(configInitFlags.out); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Generated %s\n", configInitFlags.out)
	return nil
}

func runConfigCheck(cmd *cobra.Command, args []string) error {
	cfg, err := apisec.LoadConfig(rootFlags.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
	return nil
}
