package simworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterMCP registers the read-only simworker tools on srv.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	registerTool(srv, &mcp.Tool{
		Name:        "uxsim_run_status",
		Description: "Status of a simulation run with its episodes and per-status counts",
		InputSchema: inputSchema(map[string]any{
			"run_id": map[string]any{"type": "string", "description": "Run ID"},
		}, []string{"run_id"}),
	}, func(ctx context.Context, p toolArgs) (any, error) {
		return s.RunStatus(ctx, p.RunID)
	})

	registerTool(srv, &mcp.Tool{
		Name:        "uxsim_get_report",
		Description: "Final report of a run: summary, per-screen and per-persona breakdowns, findings",
		InputSchema: inputSchema(map[string]any{
			"run_id": map[string]any{"type": "string", "description": "Run ID"},
		}, []string{"run_id"}),
	}, func(ctx context.Context, p toolArgs) (any, error) {
		return s.Report(ctx, p.RunID)
	})

	registerTool(srv, &mcp.Tool{
		Name:        "uxsim_list_findings",
		Description: "Ranked usability findings of a run, most severe first",
		InputSchema: inputSchema(map[string]any{
			"run_id": map[string]any{"type": "string", "description": "Run ID"},
			"limit":  map[string]any{"type": "integer", "description": "Max findings (default all)"},
		}, []string{"run_id"}),
	}, func(ctx context.Context, p toolArgs) (any, error) {
		return s.Findings(ctx, p.RunID, p.Limit)
	})

	registerTool(srv, &mcp.Tool{
		Name:        "uxsim_episode_trace",
		Description: "Step-by-step trace of one persona episode",
		InputSchema: inputSchema(map[string]any{
			"episode_id": map[string]any{"type": "string", "description": "Episode ID"},
		}, []string{"episode_id"}),
	}, func(ctx context.Context, p toolArgs) (any, error) {
		return s.EpisodeTrace(ctx, p.EpisodeID)
	})
}

// toolArgs is the union of every tool's arguments.
type toolArgs struct {
	RunID     string `json:"run_id"`
	EpisodeID string `json:"episode_id"`
	Limit     int    `json:"limit"`
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// registerTool adds a tool whose result is the JSON encoding of endpoint's
// return value. Errors become tool errors, not protocol errors.
func registerTool(srv *mcp.Server, tool *mcp.Tool, endpoint func(context.Context, toolArgs) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var p toolArgs
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &p); err != nil {
				return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
			}
		}
		resp, err := endpoint(ctx, p)
		if err != nil {
			return toolError(errors.New(err.Error())), nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return toolError(fmt.Errorf("marshal: %w", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}
