// Package main implements the patternctl CLI for manual operations
// against the patternd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the patternd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "patternctl",
	Short: "CLI for patternd server operations",
	Long: `patternctl is a command-line interface for the patternd daemon.
It lists governed patterns, triggers lifecycle evaluations, and disables
patterns that must stop being injected.`,
	Version: version,
}

var (
	listDomain        string
	listStatus        string
	listMinConfidence float64
	listLimit         int
	listOffset        int

	evaluateDryRun bool

	disableReason string
	disableActor  string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9290", "patternd server URL")

	listCmd.Flags().StringVar(&listDomain, "domain", "", "filter by domain")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by lifecycle status")
	listCmd.Flags().Float64Var(&listMinConfidence, "min-confidence", 0, "minimum confidence")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "page size (server clamps to 1-200)")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "page offset")

	evaluateCmd.Flags().BoolVar(&evaluateDryRun, "dry-run", false, "compute the transition without committing")

	disableCmd.Flags().StringVar(&disableReason, "reason", "", "why the pattern is disabled (required)")
	disableCmd.Flags().StringVar(&disableActor, "actor", "", "who is disabling the pattern")
	_ = disableCmd.MarkFlagRequired("reason")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(healthCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List governed patterns",
	Long: `List current patterns with their lifecycle status and reliability.

Examples:
  # All patterns
  patternctl list

  # Promoted patterns in one domain
  patternctl list --domain infra.retries --status promoted`,
	RunE: runList,
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <pattern-id>",
	Short: "Run a lifecycle evaluation for one pattern",
	Long: `Evaluate a pattern against the transition thresholds.

Examples:
  # See what would happen without committing
  patternctl evaluate 4f1c... --dry-run

  # Commit the transition if one applies
  patternctl evaluate 4f1c...`,
	Args: cobra.ExactArgs(1),
	RunE: runEvaluate,
}

var disableCmd = &cobra.Command{
	Use:   "disable <pattern-id>",
	Short: "Immediately deprecate a pattern",
	Long: `Disable a pattern so it is never injected again. This is the hard
trigger: it bypasses thresholds and takes effect immediately.

Examples:
  patternctl disable 4f1c... --reason "leaks internal hostnames" --actor ops@example.com`,
	Args: cobra.ExactArgs(1),
	RunE: runDisable,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check patternd server health",
	RunE:  runHealth,
}

// patternRow is the subset of the pattern record the CLI prints.
type patternRow struct {
	ID         string  `json:"id"`
	DomainID   string  `json:"domain_id"`
	Status     string  `json:"status"`
	Confidence float64 `json:"confidence"`
	Version    int     `json:"version"`
	Rolling    struct {
		Reliability    float64 `json:"reliability"`
		InjectionCount int     `json:"injection_count_rolling_20"`
	} `json:"rolling"`
}

type listResponse struct {
	Patterns []patternRow `json:"patterns"`
	Count    int          `json:"count"`
}

func runList(cmd *cobra.Command, args []string) error {
	query := url.Values{}
	if listDomain != "" {
		query.Set("domain", listDomain)
	}
	if listStatus != "" {
		query.Set("status", listStatus)
	}
	if listMinConfidence > 0 {
		query.Set("min_confidence", strconv.FormatFloat(listMinConfidence, 'f', -1, 64))
	}
	if listLimit > 0 {
		query.Set("limit", strconv.Itoa(listLimit))
	}
	if listOffset > 0 {
		query.Set("offset", strconv.Itoa(listOffset))
	}

	target := serverURL + "/api/v1/patterns"
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	var resp listResponse
	if err := getJSON(target, &resp); err != nil {
		return err
	}

	if resp.Count == 0 {
		fmt.Println("No patterns found")
		return nil
	}

	fmt.Printf("%-36s  %-20s  %-11s  %10s  %11s  %7s\n",
		"ID", "DOMAIN", "STATUS", "CONFIDENCE", "RELIABILITY", "VERSION")
	for _, p := range resp.Patterns {
		fmt.Printf("%-36s  %-20s  %-11s  %10.2f  %11.2f  %7d\n",
			p.ID, p.DomainID, p.Status, p.Confidence, p.Rolling.Reliability, p.Version)
	}
	return nil
}

// decision mirrors the evaluate endpoint's response.
type decision struct {
	PatternID   string  `json:"pattern_id"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	Eligible    bool    `json:"eligible"`
	DryRun      bool    `json:"dry_run"`
	Reliability float64 `json:"reliability"`
	RunCount    int     `json:"run_count"`
	Reason      string  `json:"reason"`
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	target := fmt.Sprintf("%s/api/v1/patterns/%s/evaluate?dry_run=%t",
		serverURL, url.PathEscape(args[0]), evaluateDryRun)

	var d decision
	if err := postJSON(target, nil, &d); err != nil {
		return err
	}

	if !d.Eligible {
		fmt.Printf("Not eligible: %s (status %s, reliability %.2f, runs %d)\n",
			d.Reason, d.From, d.Reliability, d.RunCount)
		return nil
	}
	verb := "Transitioned"
	if d.DryRun {
		verb = "Would transition"
	}
	fmt.Printf("%s %s -> %s: %s\n", verb, d.From, d.To, d.Reason)
	return nil
}

func runDisable(cmd *cobra.Command, args []string) error {
	body := map[string]string{"reason": disableReason, "actor": disableActor}
	target := fmt.Sprintf("%s/api/v1/patterns/%s/disable", serverURL, url.PathEscape(args[0]))

	var resp map[string]string
	if err := postJSON(target, body, &resp); err != nil {
		return err
	}

	fmt.Printf("Pattern %s is now %s\n", resp["pattern_id"], resp["status"])
	return nil
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	var resp healthResponse
	if err := getJSON(serverURL+"/health", &resp); err != nil {
		return err
	}
	fmt.Printf("Server Status: %s (%s)\n", resp.Status, resp.Service)
	return nil
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func getJSON(target string, out any) error {
	resp, err := httpClient().Get(target)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", target, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func postJSON(target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(http.MethodPost, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", target, err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK {
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
