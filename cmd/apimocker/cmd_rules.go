package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"apimocker/internal/rules"
	"apimocker/internal/storage"
	"apimocker/pkg/model"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage mock rules",
}

var rulesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List stored rules",
	RunE:    runRulesList,
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import rules from a YAML or JSON file",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesImport,
}

var rulesExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export rules and global config (stdout when no file is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRulesExport,
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a rule file without importing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesValidate,
}

func init() {
	rulesListCmd.Flags().Bool("score", false, "Sort by match score")
	rulesImportCmd.Flags().Bool("merge", false, "Merge into existing rules instead of replacing them")
	rulesExportCmd.Flags().String("format", "", "Output format (yaml|json), inferred from the file name by default")

	rulesCmd.AddCommand(rulesListCmd, rulesImportCmd, rulesExportCmd, rulesValidateCmd)
	rootCmd.AddCommand(rulesCmd)
}

func runRulesList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, _, cleanup, err := openService(cfg, cliLogger(cfg))
	if err != nil {
		return err
	}
	defer cleanup()

	list, err := svc.ListRules(cmd.Context())
	if err != nil {
		return err
	}
	if byScore, _ := cmd.Flags().GetBool("score"); byScore {
		list = rules.SortByScore(list)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tENABLED\tMETHOD\tMATCH\tURL\tSTATUS\tSCORE\tUSED")
	for _, r := range list {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\t%d\t%d\t%d\n",
			r.ID, r.Name, r.Enabled, r.Method, r.MatchType, r.URL, r.StatusCode, rules.Score(r), r.UsageCount)
	}
	return w.Flush()
}

func runRulesImport(cmd *cobra.Command, args []string) error {
	b, err := readBundle(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, _, cleanup, err := openService(cfg, cliLogger(cfg))
	if err != nil {
		return err
	}
	defer cleanup()

	merge, _ := cmd.Flags().GetBool("merge")
	n, err := svc.ImportRules(cmd.Context(), b, merge)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d rules from %s\n", n, args[0])
	return nil
}

func runRulesExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, _, cleanup, err := openService(cfg, cliLogger(cfg))
	if err != nil {
		return err
	}
	defer cleanup()

	b, err := svc.ExportRules(cmd.Context())
	if err != nil {
		return err
	}

	format := storage.FormatYAML
	var out io.Writer = os.Stdout
	if len(args) == 1 {
		format = storage.FormatFromPath(args[0])
		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	if v, _ := cmd.Flags().GetString("format"); v != "" {
		format = storage.Format(v)
	}
	return storage.EncodeBundle(out, b, format)
}

func runRulesValidate(cmd *cobra.Command, args []string) error {
	b, err := readBundle(args[0])
	if err != nil {
		return err
	}
	if n := validateBundle(cmd.OutOrStdout(), b); n > 0 {
		return fmt.Errorf("%d of %d rules are invalid", n, len(b.Rules))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d rules OK\n", len(b.Rules))
	return nil
}

func readBundle(path string) (model.Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Bundle{}, err
	}
	defer f.Close()
	return storage.DecodeBundle(f, storage.FormatFromPath(path))
}

// validateBundle 输出每条无效规则，返回无效数量
func validateBundle(w io.Writer, b model.Bundle) int {
	invalid := 0
	for i, r := range b.Rules {
		if err := rules.Validate(storage.NormalizeRule(r)); err != nil {
			invalid++
			fmt.Fprintf(w, "rule #%d %q: %v\n", i+1, r.Name, err)
		}
	}
	return invalid
}
