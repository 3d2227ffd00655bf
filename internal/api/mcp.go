package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/salesmail/internal/customer"
	"github.com/kalambet/salesmail/internal/document"
	"github.com/kalambet/salesmail/internal/generator"
	"github.com/kalambet/salesmail/internal/prompt"
	"github.com/kalambet/salesmail/internal/storage"
	"github.com/kalambet/salesmail/internal/tracking"
)

const recentRunsLimit = 10

// EvalRuns lists recorded evaluation runs.
type EvalRuns interface {
	ListEvalRuns(ctx context.Context, limit int) ([]storage.EvalRun, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Generator Generator
	Customers Customers
	Feedback  tracking.AssessmentLogger
	Runs      EvalRuns // optional; if nil, evals://recent is not registered
}

// NewMCPServer creates an MCP server exposing email generation as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"salesmail",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("salesmail drafts follow-up sales emails from customer records."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_companies",
			mcp.WithDescription("List the account names of all known customers."),
		),
		mcpListCompanies(deps),
	)

	s.AddTool(
		mcp.NewTool("get_customer",
			mcp.WithDescription("Return a customer record formatted as markdown, the way the email model sees it."),
			mcp.WithString("name", mcp.Description("Customer account name"), mcp.Required()),
		),
		mcpGetCustomer(deps),
	)

	s.AddTool(
		mcp.NewTool("generate_email",
			mcp.WithDescription("Draft a follow-up email to a customer. Returns subject_line, body and trace_id."),
			mcp.WithString("customer_name", mcp.Description("Customer account name"), mcp.Required()),
			mcp.WithString("user_input", mcp.Description("Optional instructions from the sales rep")),
		),
		mcpGenerateEmail(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_feedback",
			mcp.WithDescription("Rate a generated email thumbs up or down."),
			mcp.WithString("trace_id", mcp.Description("Trace id returned by generate_email"), mcp.Required()),
			mcp.WithString("rating", mcp.Description("up or down"), mcp.Required(), mcp.Enum("up", "down")),
			mcp.WithString("comment", mcp.Description("Optional comment")),
			mcp.WithString("sales_rep_name", mcp.Description("Who is rating")),
		),
		mcpSubmitFeedback(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"prompt://current",
			"Current Prompt",
			mcp.WithResourceDescription("Prompt template currently used for generation"),
			mcp.WithMIMEType("text/plain"),
		),
		mcpResourcePrompt(deps),
	)

	if deps.Runs != nil {
		s.AddResource(
			mcp.NewResource(
				"evals://recent",
				"Recent Evaluation Runs",
				mcp.WithResourceDescription("Last 10 evaluation runs"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceRecentRuns(deps),
		)
	}

	return s
}

func mcpListCompanies(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		names, err := deps.Customers.Names()
		if err != nil {
			return mcpError(fmt.Sprintf("listing customers: %v", err)), nil
		}
		b, err := json.Marshal(names)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal names: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetCustomer(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}
		rec, err := deps.Customers.Lookup(name)
		if errors.Is(err, customer.ErrNotFound) {
			return mcpError(fmt.Sprintf("Customer '%s' not found", name)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}
		return mcpText(document.Join(rec.Documents())), nil
	}
}

func mcpGenerateEmail(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("customer_name")
		if err != nil {
			return mcpError("customer_name is required"), nil
		}
		res, err := deps.Generator.Generate(ctx, generator.Request{
			CustomerName: name,
			UserInput:    req.GetString("user_input", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("generation failed (%s): %v", generator.KindOf(err), err)), nil
		}
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal email: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSubmitFeedback(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		traceID, err := req.RequireString("trace_id")
		if err != nil {
			return mcpError("trace_id is required"), nil
		}
		rating, err := req.RequireString("rating")
		if err != nil || (rating != "up" && rating != "down") {
			return mcpError("rating must be 'up' or 'down'"), nil
		}

		res := tracking.SubmitFeedback(ctx, deps.Feedback, tracking.Feedback{
			TraceID:  traceID,
			Positive: rating == "up",
			Comment:  req.GetString("comment", ""),
			Rater:    req.GetString("sales_rep_name", ""),
		})
		if !res.Success {
			return mcpError(res.Message), nil
		}
		return mcpText(res.Message), nil
	}
}

func mcpResourcePrompt(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		p := deps.Generator.Prompt()
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/plain",
				Text:     prompt.DisplayText(p.Template),
			},
		}, nil
	}
}

func mcpResourceRecentRuns(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Runs.ListEvalRuns(ctx, recentRunsLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to list evaluation runs: %w", err)
		}

		type runSummary struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			Dataset     string `json:"dataset,omitempty"`
			PromptModel string `json:"prompt_model,omitempty"`
			Status      string `json:"status"`
			CreatedAt   string `json:"created_at"`
		}

		summaries := make([]runSummary, len(runs))
		for i, r := range runs {
			summaries[i] = runSummary{
				ID:          r.ID,
				Name:        r.Name,
				Dataset:     r.Dataset,
				PromptModel: r.PromptModel,
				Status:      r.Status,
				CreatedAt:   r.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal runs: %w", err)
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
