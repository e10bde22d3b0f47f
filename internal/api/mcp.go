package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/shopspring/decimal"

	"github.com/kalambet/lineguard/internal/catalog"
	"github.com/kalambet/lineguard/internal/pipeline"
	"github.com/kalambet/lineguard/internal/pricing"
	"github.com/kalambet/lineguard/internal/scan"
	"github.com/kalambet/lineguard/internal/storage"
)

// NewMCPServer exposes the validation pipeline as MCP tools so agents can
// match items, check prices, and pull audit traces.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"lineguard",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("lineguard — invoice line-item validation: catalog matching, price checks, and audit traces."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("match_item",
			mcp.WithDescription("Resolve a free-text item name to a canonical catalog entry."),
			mcp.WithString("name", mcp.Description("Item name as written on the invoice"), mcp.Required()),
			mcp.WithString("description", mcp.Description("Optional item description")),
			mcp.WithString("kind", mcp.Description("Optional item kind: material, equipment, labor")),
		),
		mcpMatchItem(deps),
	)

	s.AddTool(
		mcp.NewTool("validate_price",
			mcp.WithDescription("Check a unit price against the expected range for a catalog item."),
			mcp.WithString("canonical_item_id", mcp.Description("Catalog item ID"), mcp.Required()),
			mcp.WithString("unit_price", mcp.Description("Unit price as a decimal string"), mcp.Required()),
			mcp.WithString("currency", mcp.Description("ISO currency code (default USD)")),
		),
		mcpValidatePrice(deps),
	)

	s.AddTool(
		mcp.NewTool("validation_trace",
			mcp.WithDescription("Return the full audit trace for a validated invoice."),
			mcp.WithString("invoice_id", mcp.Description("Invoice ID"), mcp.Required()),
		),
		mcpValidationTrace(deps),
	)

	s.AddTool(
		mcp.NewTool("record_feedback",
			mcp.WithDescription("Record a reviewer decision on a line item or proposal."),
			mcp.WithString("action", mcp.Description("APPROVE, DENY, or REQUEST_INFO"), mcp.Required()),
			mcp.WithString("by_user", mcp.Description("Reviewer identifier"), mcp.Required()),
			mcp.WithString("line_id", mcp.Description("Line item validation ID")),
			mcp.WithString("proposal_id", mcp.Description("Proposal ID")),
			mcp.WithString("note", mcp.Description("Optional note")),
		),
		mcpRecordFeedback(deps),
	)

	s.AddTool(
		mcp.NewTool("run_safety_scan",
			mcp.WithDescription("Scan catalog and band data for anomalies and open correction proposals."),
		),
		mcpRunSafetyScan(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"lineguard://sessions",
			"Recent Validation Sessions",
			mcp.WithResourceDescription("Last 10 validation sessions"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSessions(deps),
	)

	return s
}

func mcpMatchItem(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}

		match, err := deps.Matcher.Match(ctx, catalog.MatchRequest{
			Name:        name,
			Description: req.GetString("description", ""),
			Kind:        req.GetString("kind", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("match failed: %v", err)), nil
		}
		b, err := json.Marshal(match)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpValidatePrice(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		itemID, err := req.RequireString("canonical_item_id")
		if err != nil {
			return mcpError("canonical_item_id is required"), nil
		}
		rawPrice, err := req.RequireString("unit_price")
		if err != nil {
			return mcpError("unit_price is required"), nil
		}
		price, err := decimal.NewFromString(rawPrice)
		if err != nil {
			return mcpError(fmt.Sprintf("invalid unit_price: %v", err)), nil
		}

		res, err := deps.Validator.Validate(ctx, pricing.Request{
			CanonicalItemID: itemID,
			UnitPrice:       price,
			Currency:        req.GetString("currency", "USD"),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("price validation failed: %v", err)), nil
		}
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpValidationTrace(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		invoiceID, err := req.RequireString("invoice_id")
		if err != nil {
			return mcpError("invoice_id is required"), nil
		}

		trace, err := deps.Recorder.GetValidationTrace(invoiceID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("no validation for invoice %q", invoiceID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("loading trace: %v", err)), nil
		}
		b, err := json.Marshal(trace)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal trace: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecordFeedback(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		action, err := req.RequireString("action")
		if err != nil {
			return mcpError("action is required"), nil
		}
		byUser, err := req.RequireString("by_user")
		if err != nil {
			return mcpError("by_user is required"), nil
		}

		results, err := deps.Orchestrator.ApplyFeedback([]pipeline.FeedbackItem{{
			LineID:     req.GetString("line_id", ""),
			ProposalID: req.GetString("proposal_id", ""),
			Action:     action,
			Note:       req.GetString("note", ""),
			ByUser:     byUser,
		}}, deps.DryRun)
		if err != nil {
			return mcpError(fmt.Sprintf("feedback failed: %v", err)), nil
		}
		if results[0].Err != "" {
			return mcpError(results[0].Err), nil
		}
		b, err := json.Marshal(results[0])
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRunSafetyScan(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := deps.Scanner.Run(ctx)
		if errors.Is(err, scan.ErrDisabled) {
			return mcpError("safety scan is disabled"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("scan failed: %v", err)), nil
		}
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceSessions(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sessions, err := deps.Store.ListRecentSessions(10)
		if err != nil {
			return nil, fmt.Errorf("listing sessions: %w", err)
		}

		type sessionSummary struct {
			ID            string `json:"id"`
			InvoiceID     string `json:"invoice_id"`
			CreatedAt     string `json:"created_at"`
			OverallStatus string `json:"overall_status"`
		}
		summaries := make([]sessionSummary, len(sessions))
		for i, sess := range sessions {
			summaries[i] = sessionSummary{
				ID:            sess.ID,
				InvoiceID:     sess.InvoiceID,
				CreatedAt:     sess.CreatedAt.Format(time.RFC3339),
				OverallStatus: sess.OverallStatus,
			}
		}
		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("marshaling sessions: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
