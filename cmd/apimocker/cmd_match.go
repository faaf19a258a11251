package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"apimocker/pkg/model"
	"apimocker/pkg/traffic"
)

var matchCmd = &cobra.Command{
	Use:   "match <url>",
	Short: "Show which rule would answer a request",
	Args:  cobra.ExactArgs(1),
	RunE:  runMatch,
}

func init() {
	matchCmd.Flags().StringP("method", "X", "GET", "Request method")
	matchCmd.Flags().StringArrayP("header", "H", nil, "Request header as name:value (repeatable)")
	matchCmd.Flags().StringP("data", "d", "", "Request body")
	matchCmd.Flags().Bool("json", false, "Print the result as JSON")
	matchCmd.Flags().Bool("via-hook", false, "Send the request through the page hook and print the response")

	rootCmd.AddCommand(matchCmd)
}

func runMatch(cmd *cobra.Command, args []string) error {
	req, err := matchRequest(cmd, args[0])
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

	if viaHook, _ := cmd.Flags().GetBool("via-hook"); viaHook {
		client, closeHook := svc.HookClient(nil, cfg.SessionConfig())
		defer closeHook()
		return sendViaHook(cmd.Context(), cmd.OutOrStdout(), client, req)
	}

	rule, all, err := svc.Match(cmd.Context(), req)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"rule": rule, "matches": all})
	}
	printMatch(cmd.OutOrStdout(), rule, all)
	return nil
}

func matchRequest(cmd *cobra.Command, url string) (*traffic.Request, error) {
	method, _ := cmd.Flags().GetString("method")
	headers, _ := cmd.Flags().GetStringArray("header")
	body, _ := cmd.Flags().GetString("data")

	req := traffic.NewRequest(url, strings.ToUpper(method))
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("invalid header %q, expected name:value", h)
		}
		req.Headers.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if body != "" {
		req.Body = []byte(body)
	}
	return req, nil
}

func printMatch(w io.Writer, rule *model.MockRule, all []model.MockRule) {
	if rule == nil {
		fmt.Fprintln(w, "No rule matches; the request passes through.")
		return
	}
	fmt.Fprintf(w, "Matched %s (%s %s %s) -> %d %s\n", rule.ID, rule.MatchType, rule.Method, rule.URL, rule.StatusCode, rule.ResponseType)
	if len(all) > 1 {
		fmt.Fprintf(w, "%d rules match in total:\n", len(all))
		for _, r := range all {
			fmt.Fprintf(w, "  %s %s %s\n", r.ID, r.MatchType, r.URL)
		}
	}
}

// sendViaHook 经由钩子发送请求，输出状态行、响应头与响应体
func sendViaHook(ctx context.Context, w io.Writer, client *http.Client, req *traffic.Request) error {
	var body io.Reader
	if req.HasBody() {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return err
	}
	for k, v := range req.Headers {
		hr.Header.Set(k, v)
	}
	resp, err := client.Do(hr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s %s\n", resp.Proto, resp.Status)
	names := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(w, "%s: %s\n", k, strings.Join(resp.Header[k], ", "))
	}
	fmt.Fprintln(w)
	_, err = w.Write(data)
	return err
}
