package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/lineguard/internal/config"
)

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate <invoice.json>",
	Short: "Validate an invoice file against the catalog",
	Long: `Validate an invoice file against the catalog.

The file is a JSON document with invoice_id, optional currency, and items:

  {
    "invoice_id": "INV-1042",
    "currency": "USD",
    "items": [
      {"name": "PVC Pipe 2in", "quantity": 4, "unit_price": "12.50"}
    ]
  }`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading invoice file: %w", err)
		}
		var invoice map[string]any
		if err := json.Unmarshal(data, &invoice); err != nil {
			return fmt.Errorf("invalid invoice JSON: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/invoices", invoice)
		if err != nil {
			return err
		}

		var result struct {
			SessionID      string `json:"session_id"`
			InvoiceID      string `json:"invoice_id"`
			OverallStatus  string `json:"overall_status"`
			RuleViolations []string `json:"rule_violations"`
			Lines          []struct {
				ItemName    string   `json:"item_name"`
				Status      string   `json:"status"`
				Confidence  float64  `json:"confidence"`
				RiskFactors []string `json:"risk_factors"`
				PriceTier   string   `json:"price_tier"`
				PriceNote   string   `json:"price_note"`
			} `json:"lines"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Printf("%s %s\n",
			colorize(colorBold, result.InvoiceID),
			colorize(statusColor(result.OverallStatus), result.OverallStatus))
		for _, l := range result.Lines {
			fmt.Printf("  %s  %s  [%.2f]",
				colorize(statusColor(l.Status), fmt.Sprintf("%-13s", l.Status)),
				l.ItemName, l.Confidence)
			if l.PriceTier != "" {
				fmt.Printf("  %s", l.PriceTier)
			}
			fmt.Println()
			for _, risk := range l.RiskFactors {
				fmt.Printf("      - %s\n", risk)
			}
			if l.PriceNote != "" {
				fmt.Printf("      %s\n", l.PriceNote)
			}
		}
		for _, v := range result.RuleViolations {
			printWarning("rule violation: %s", v)
		}
		return nil
	},
}

// --- trace ---

var traceCmd = &cobra.Command{
	Use:   "trace <invoice-id>",
	Short: "Show the audit trace for a validated invoice",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/invoices/"+url.PathEscape(args[0])+"/trace")
		if err != nil {
			return err
		}

		var trace any
		if err := decodeJSON(resp, &trace); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(trace)
	},
}

// --- revalidate ---

var revalidateCmd = &cobra.Command{
	Use:   "revalidate <validation-id>",
	Short: "Re-run validation for a line item awaiting review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		extra, _ := cmd.Flags().GetString("context")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/revalidate", map[string]any{
			"validation_id":      args[0],
			"additional_context": extra,
		})
		if err != nil {
			return err
		}

		var result struct {
			Status    string `json:"Status"`
			Attempt   int    `json:"Attempt"`
			Converged bool   `json:"Converged"`
			Reason    string `json:"Reason"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		label := result.Status
		if result.Converged {
			label += " (converged)"
		}
		printStatus("Status", "%s", colorize(statusColor(result.Status), label))
		printStatus("Attempt", "%d", result.Attempt)
		if result.Reason != "" {
			printStatus("Reason", "%s", result.Reason)
		}
		return nil
	},
}

func init() {
	revalidateCmd.Flags().String("context", "", "additional context for the re-validation")
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Record a reviewer decision on a line item or proposal",
	Long: `Record a reviewer decision on a line item or proposal.

Examples:
  lineguard feedback --line <validation-id> --action APPROVE --by alice
  lineguard feedback --proposal <proposal-id> --action DENY --by bob --note "band looks right"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		lineID, _ := cmd.Flags().GetString("line")
		proposalID, _ := cmd.Flags().GetString("proposal")
		action, _ := cmd.Flags().GetString("action")
		note, _ := cmd.Flags().GetString("note")
		byUser, _ := cmd.Flags().GetString("by")

		if lineID == "" && proposalID == "" {
			return fmt.Errorf("one of --line or --proposal is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/feedback", map[string]any{
			"items": []map[string]any{{
				"line_id":     lineID,
				"proposal_id": proposalID,
				"action":      strings.ToUpper(action),
				"note":        note,
				"by_user":     byUser,
			}},
		})
		if err != nil {
			return err
		}

		var result struct {
			Results []struct {
				Status  string `json:"Status"`
				Applied bool   `json:"Applied"`
				Err     string `json:"Err"`
			} `json:"results"`
			DryRun bool `json:"dry_run"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if len(result.Results) == 0 {
			return fmt.Errorf("empty response")
		}
		r := result.Results[0]
		if r.Err != "" {
			printError("%s", r.Err)
			return fmt.Errorf("feedback not applied")
		}
		msg := fmt.Sprintf("Recorded %s, status %s", strings.ToUpper(action), r.Status)
		if result.DryRun {
			msg += " (dry run)"
		}
		printSuccess("%s", msg)
		return nil
	},
}

func init() {
	feedbackCmd.Flags().String("line", "", "line item validation ID")
	feedbackCmd.Flags().String("proposal", "", "proposal ID")
	feedbackCmd.Flags().String("action", "", "APPROVE, DENY, or REQUEST_INFO")
	feedbackCmd.Flags().String("note", "", "optional note")
	feedbackCmd.Flags().String("by", "", "reviewer identifier")
	feedbackCmd.MarkFlagRequired("action")
	feedbackCmd.MarkFlagRequired("by")
}

// --- scan ---

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run the catalog safety scan",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Running safety scan...")
		resp, err := client.post(cmd.Context(), "/v1/safety-scan", nil)
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

// --- suggest ---

var suggestCmd = &cobra.Command{
	Use:   "suggest <query>",
	Short: "Suggest catalog items matching a partial name",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/v1/suggest?q=%s&limit=%d", url.QueryEscape(query), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var suggestions []struct {
			CanonicalItemID string `json:"canonical_item_id"`
			Name            string `json:"name"`
			Kind            string `json:"kind"`
			Via             string `json:"via"`
		}
		if err := decodeJSON(resp, &suggestions); err != nil {
			return err
		}

		if len(suggestions) == 0 {
			fmt.Println("No matches found.")
			return nil
		}
		for _, s := range suggestions {
			fmt.Printf("%s  %s", colorize(colorCyan, s.CanonicalItemID[:8]), s.Name)
			if s.Kind != "" {
				fmt.Printf(" (%s)", s.Kind)
			}
			if s.Via != "name" {
				fmt.Printf("  via %s", s.Via)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	suggestCmd.Flags().Int("limit", 10, "maximum number of suggestions")
}

// --- proposals ---

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "List correction proposals",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/v1/proposals?status=%s&limit=%d", url.QueryEscape(status), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var proposals []struct {
			ID           string `json:"ID"`
			TargetEntity string `json:"TargetEntity"`
			TargetID     string `json:"TargetID"`
			AnomalyClass string `json:"AnomalyClass"`
			Status       string `json:"Status"`
			Rationale    string `json:"Rationale"`
		}
		if err := decodeJSON(resp, &proposals); err != nil {
			return err
		}

		if len(proposals) == 0 {
			fmt.Println("No proposals found.")
			return nil
		}
		for _, p := range proposals {
			fmt.Printf("%s  %-8s  %s/%s  %s\n",
				colorize(colorCyan, p.ID[:8]),
				p.Status, p.TargetEntity, p.TargetID, p.AnomalyClass)
			if p.Rationale != "" {
				fmt.Printf("      %s\n", p.Rationale)
			}
		}
		return nil
	},
}

func init() {
	proposalsCmd.Flags().String("status", "PENDING", "filter by status (PENDING, APPROVED, DENIED)")
	proposalsCmd.Flags().Int("limit", 50, "maximum number of proposals")
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent validation sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/v1/sessions?limit=%d", limit))
		if err != nil {
			return err
		}

		var sessions []struct {
			ID            string `json:"ID"`
			InvoiceID     string `json:"InvoiceID"`
			OverallStatus string `json:"OverallStatus"`
			CreatedAt     string `json:"CreatedAt"`
		}
		if err := decodeJSON(resp, &sessions); err != nil {
			return err
		}

		if len(sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		for _, s := range sessions {
			fmt.Printf("%s  %s  %s  %s\n",
				colorize(colorCyan, s.ID[:8]),
				s.CreatedAt,
				colorize(statusColor(s.OverallStatus), fmt.Sprintf("%-13s", s.OverallStatus)),
				s.InvoiceID)
		}
		return nil
	},
}

func init() {
	sessionsCmd.Flags().Int("limit", 20, "maximum number of sessions")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
