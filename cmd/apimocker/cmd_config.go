package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"apimocker/pkg/model"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change the global interception config",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the global config",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update fields of the global config",
	Example: `  apimocker config set --mode network
  apimocker config set --enabled=false
  apimocker config set --max-records 200 --auto-clean`,
	RunE: runConfigSet,
}

func init() {
	configSetCmd.Flags().Bool("enabled", true, "Enable interception")
	configSetCmd.Flags().String("mode", "", "Intercept mode (page|network)")
	configSetCmd.Flags().Int("max-records", 0, "Maximum number of request records kept")
	configSetCmd.Flags().Bool("auto-clean", true, "Trim records beyond max-records")

	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, _, cleanup, err := openService(cfg, cliLogger(cfg))
	if err != nil {
		return err
	}
	defer cleanup()

	g, err := svc.GetGlobalConfig(cmd.Context())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(g)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, _, cleanup, err := openService(cfg, cliLogger(cfg))
	if err != nil {
		return err
	}
	defer cleanup()

	g, err := svc.GetGlobalConfig(cmd.Context())
	if err != nil {
		return err
	}
	g = applyConfigFlags(cmd, g)
	if err := svc.SaveGlobalConfig(cmd.Context(), g); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "enabled=%t mode=%s maxRecords=%d autoClean=%t\n", g.Enabled, g.InterceptMode, g.MaxRecords, g.AutoClean)
	return nil
}

// applyConfigFlags 只覆盖显式指定的参数
func applyConfigFlags(cmd *cobra.Command, g model.GlobalConfig) model.GlobalConfig {
	flags := cmd.Flags()
	if flags.Changed("enabled") {
		g.Enabled, _ = flags.GetBool("enabled")
	}
	if flags.Changed("mode") {
		mode, _ := flags.GetString("mode")
		g.InterceptMode = model.InterceptMode(mode)
	}
	if flags.Changed("max-records") {
		g.MaxRecords, _ = flags.GetInt("max-records")
	}
	if flags.Changed("auto-clean") {
		g.AutoClean, _ = flags.GetBool("auto-clean")
	}
	return g
}
