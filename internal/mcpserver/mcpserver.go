// Package mcpserver exposes the playground as MCP tools.
package mcpserver

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"luau-runner/internal/playground"
	"luau-runner/internal/storage"
)

//go:embed instructions.md
var Instructions string

// handler holds shared dependencies for the tool handlers.
type handler struct {
	dispatcher *playground.Dispatcher
	history    storage.HistoryStore // nil disables luau_history output
}

type runParams struct {
	Code string `json:"code" jsonschema:"Luau source to run."`
}

type historyParams struct {
	Limit int `json:"limit,omitempty" jsonschema:"Number of entries to return, 1-50. Default: 50."`
}

// NewServer creates an MCP server whose tools run on d. One server serves
// one session, so its runs never overlap.
func NewServer(d *playground.Dispatcher, history storage.HistoryStore, version string) *mcp.Server {
	h := &handler{dispatcher: d, history: history}

	s := mcp.NewServer(&mcp.Implementation{Name: "luau-runner", Version: version}, &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
	})

	mcp.AddTool(s, &mcp.Tool{
		Name: "luau_run",
		Description: `Run a Luau script and return its output.

The result is marked as an error when the script raised an error or timed out;
output produced before the failure is still included.`,
	}, h.runHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "luau_history",
		Description: "List recent playground runs, newest first.",
	}, h.historyHandler)

	return s
}

func (h *handler) runHandler(ctx context.Context, _ *mcp.CallToolRequest, params runParams) (*mcp.CallToolResult, any, error) {
	res, err := h.dispatcher.Submit(ctx, params.Code)
	if err != nil {
		var verr *playground.ValidationError
		switch {
		case errors.As(err, &verr):
			return errorResult(verr.Message)
		case errors.Is(err, playground.ErrBusy):
			return errorResult("An execution is already in progress; wait for it to finish.")
		default:
			return errorResult(fmt.Sprintf("execution failed: %v", err))
		}
	}

	if res.Failed() {
		return errorResult(fmt.Sprintf("%s\n\nError: %s", res.Transcript, res.Error))
	}
	return textResult(res.Transcript)
}

func (h *handler) historyHandler(ctx context.Context, _ *mcp.CallToolRequest, params historyParams) (*mcp.CallToolResult, any, error) {
	if h.history == nil {
		return errorResult("history is not configured")
	}

	snippets, err := h.history.ListRecent(ctx, storage.ClampLimit(params.Limit))
	if err != nil {
		return errorResult(fmt.Sprintf("listing history: %v", err))
	}
	return textResult(formatHistory(snippets))
}

func formatHistory(snippets []storage.Snippet) string {
	if len(snippets) == 0 {
		return "No runs yet."
	}

	var b strings.Builder
	for i, s := range snippets {
		if i > 0 {
			fmt.Fprintln(&b)
		}
		fmt.Fprintf(&b, "#%d  %s\n", s.ID, s.CreatedAt.UTC().Format("2006-01-02 15:04:05Z"))
		fmt.Fprintln(&b, "Code:")
		fmt.Fprintln(&b, indent(s.Code))
		fmt.Fprintln(&b, "Output:")
		if s.Output == nil {
			fmt.Fprintln(&b, "  (none)")
		} else {
			fmt.Fprintln(&b, indent(*s.Output))
		}
	}
	return b.String()
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n  ")
}

func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}
