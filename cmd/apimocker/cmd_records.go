package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect request records",
}

var recordsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List the newest request records",
	RunE:    runRecordsList,
}

var recordsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all request records",
	RunE:  runRecordsClear,
}

func init() {
	recordsListCmd.Flags().IntP("limit", "n", 50, "Maximum number of records (0 for all)")
	recordsListCmd.Flags().Bool("mocked", false, "Show only mocked requests")

	recordsCmd.AddCommand(recordsListCmd, recordsClearCmd)
	rootCmd.AddCommand(recordsCmd)
}

func runRecordsList(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	mockedOnly, _ := cmd.Flags().GetBool("mocked")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, _, cleanup, err := openService(cfg, cliLogger(cfg))
	if err != nil {
		return err
	}
	defer cleanup()

	list, err := svc.ListRecords(cmd.Context(), limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tMETHOD\tSTATUS\tMOCKED\tRULE\tDURATION\tURL")
	for _, r := range list {
		if mockedOnly && !r.IsMocked {
			continue
		}
		rule := "-"
		if r.RuleName != "" {
			rule = r.RuleName
		}
		ts := time.UnixMilli(r.Timestamp).Format("2006-01-02 15:04:05")
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\t%dms\t%s\n", ts, r.Method, r.StatusCode, r.IsMocked, rule, r.Duration, r.URL)
	}
	return w.Flush()
}

func runRecordsClear(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, _, cleanup, err := openService(cfg, cliLogger(cfg))
	if err != nil {
		return err
	}
	defer cleanup()

	if err := svc.ClearRecords(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("Records cleared")
	return nil
}
