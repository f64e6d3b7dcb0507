// Package mcp provides an MCP (Model Context Protocol) server for snakeface.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/snakemake/snakeface/internal/client"
	"github.com/snakemake/snakeface/internal/supervisor"
	"github.com/snakemake/snakeface/internal/telemetry"
)

// Server wraps the MCP server with snakeface-specific functionality.
type Server struct {
	mcpServer *server.MCPServer
	client    *client.Client
}

// NewServer creates a new MCP server whose tools call the snakeface
// server through c.
func NewServer(version string, c *client.Client) *Server {
	s := &Server{client: c}

	s.mcpServer = server.NewMCPServer(
		"snakeface",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s.registerTools()

	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// ListToolNames returns the registered tool names, sorted.
func (s *Server) ListToolNames() []string {
	var names []string
	for name := range s.mcpServer.ListTools() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequiredArguments maps each tool to the arguments it requires.
func (s *Server) RequiredArguments() map[string][]string {
	required := map[string][]string{}
	for name, tool := range s.mcpServer.ListTools() {
		required[name] = tool.Tool.InputSchema.Required
	}
	return required
}

func (s *Server) registerTools() {
	s.registerSubmit()
	s.registerCancel()
	s.registerRemove()
	s.registerShare()
	s.registerStatus()
	s.registerRuns()
	s.registerSchema()
}

// addTool registers a handler and records each call.
func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		telemetry.MCPToolCall(tool.Name)
		return handler(ctx, request)
	})
}

// jsonResult marshals a result to JSON and returns a tool result.
func jsonResult(result any) (*mcp.CallToolResult, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(resultJSON)), nil
}

// outcomeResult reports a refused request as a tool error carrying the
// outcome, so the agent sees the reason and any validation messages.
func outcomeResult(out supervisor.Outcome) (*mcp.CallToolResult, error) {
	if out.OK() {
		return jsonResult(out)
	}
	msg := out.Message
	if len(out.Errors) > 0 {
		msg += "\n" + strings.Join(out.Errors, "\n")
	}
	return mcp.NewToolResultError(msg), nil
}

func (s *Server) registerSubmit() {
	tool := mcp.NewTool("snakeface_submit",
		mcp.WithDescription("Validate a workflow configuration and start a run. Returns the generated command and run id."),
		mcp.WithObject("config",
			mcp.Required(),
			mcp.Description("Argument values by name, e.g. {\"snakefile\": \"Snakefile\", \"cores\": 4}. See snakeface_schema."),
		),
		mcp.WithString("run_id",
			mcp.Description("Resubmit this existing run instead of creating a new one"),
		),
		mcp.WithString("name",
			mcp.Description("Name of a new run"),
		),
		mcp.WithBoolean("private",
			mcp.Description("Hide the run from other users (default: false)"),
		),
	)

	s.addTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		config, ok := args["config"].(map[string]any)
		if !ok {
			return mcp.NewToolResultError("config must be an object"), nil
		}
		data, err := json.Marshal(config)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid config: %v", err)), nil
		}

		out, err := s.client.Submit(ctx, request.GetString("run_id", ""), client.SubmitRequest{
			Name:    request.GetString("name", ""),
			Private: request.GetBool("private", false),
			Config:  data,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to submit: %v", err)), nil
		}
		return outcomeResult(out)
	})
}

func (s *Server) registerCancel() {
	tool := mcp.NewTool("snakeface_cancel",
		mcp.WithDescription("Cancel a running workflow. The engine is terminated within one poll interval."),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
	)

	s.addTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := request.RequireString("run_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		out, err := s.client.Cancel(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to cancel: %v", err)), nil
		}
		return outcomeResult(out)
	})
}

func (s *Server) registerRemove() {
	tool := mcp.NewTool("snakeface_remove",
		mcp.WithDescription("Delete a workflow run that is not executing"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
	)

	s.addTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := request.RequireString("run_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		out, err := s.client.Delete(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to remove: %v", err)), nil
		}
		return outcomeResult(out)
	})
}

func (s *Server) registerShare() {
	tool := mcp.NewTool("snakeface_share",
		mcp.WithDescription("Make another existing user an owner of a workflow run"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
		mcp.WithString("user",
			mcp.Required(),
			mcp.Description("Name of the user to add"),
		),
	)

	s.addTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := request.RequireString("run_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		user, err := request.RequireString("user")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		out, err := s.client.Share(ctx, runID, user)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to share: %v", err)), nil
		}
		return outcomeResult(out)
	})
}

func (s *Server) registerStatus() {
	tool := mcp.NewTool("snakeface_status",
		mcp.WithDescription("Get a run's state, exit code, output and the status messages the engine reported"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
	)

	s.addTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := request.RequireString("run_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		run, err := s.client.GetRun(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to get run: %v", err)), nil
		}
		statuses, err := s.client.Statuses(ctx, runID, true)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to get statuses: %v", err)), nil
		}

		result := map[string]any{
			"run_id":   run.ID,
			"status":   run.Status,
			"command":  run.Command,
			"workdir":  run.Workdir,
			"output":   run.Output,
			"error":    run.Error,
			"statuses": statuses,
		}
		if run.Retval != nil {
			result["retval"] = *run.Retval
		}
		return jsonResult(result)
	})
}

func (s *Server) registerRuns() {
	tool := mcp.NewTool("snakeface_runs",
		mcp.WithDescription("List workflow runs visible to the caller, newest first"),
	)

	s.addTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runs, err := s.client.ListRuns(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
		}

		list := make([]map[string]any, 0, len(runs))
		for _, run := range runs {
			info := map[string]any{
				"run_id":  run.ID,
				"name":    run.Name,
				"status":  run.Status,
				"command": run.Command,
				"private": run.Private,
			}
			if run.Retval != nil {
				info["retval"] = *run.Retval
			}
			list = append(list, info)
		}
		return jsonResult(map[string]any{"runs": list})
	})
}

func (s *Server) registerSchema() {
	tool := mcp.NewTool("snakeface_schema",
		mcp.WithDescription("List the engine arguments a run can be configured with, grouped, with required ones flagged"),
	)

	s.addTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		schema, err := s.client.Schema(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to get schema: %v", err)), nil
		}
		return jsonResult(schema)
	})
}
