package telemetry

import "time"

// CLI

var cliCommandName string
var cliStartTime time.Time

func CLICommandStart(commandName string) {
	cliCommandName = commandName
	cliStartTime = time.Now()
}

func CLICommandEnd() {
	if cliCommandName == "" {
		return
	}
	durationMs := time.Since(cliStartTime).Milliseconds()
	send("cli:command_run", "command_name", cliCommandName, "duration_ms", durationMs)
}

// Server

func ServerStart(notebook bool, driver string) {
	send("server:start", "notebook", notebook, "database", driver)
}

// RunLifecycle records one supervisor event. Run ids are never sent.
func RunLifecycle(eventType string, retval int, duration time.Duration, reason string) {
	props := []any{"type", eventType}
	switch eventType {
	case "run_finished", "run_cancelled":
		props = append(props, "retval", retval, "duration_ms", duration.Milliseconds())
	case "run_rejected":
		props = append(props, "reason", reason)
	}
	send("server:run_lifecycle", props...)
}

// MCP

func MCPToolCall(toolName string) {
	send("mcp:tool_call", "tool_name", toolName)
}

// TUI

var tuiStartTime time.Time

func TUISessionStart() {
	tuiStartTime = time.Now()
	send("tui:session_start")
}

func TUISessionEnd() {
	durationMs := time.Since(tuiStartTime).Milliseconds()
	send("tui:session_end", "duration_ms", durationMs)
}

func TUIActionExecute(actionName string) {
	send("tui:action_execute", "action_name", actionName)
}
