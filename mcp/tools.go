package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerTools registers the phone-agent tool set.
func (s *MCPServer) registerTools() {
	s.server.AddTool(
		mcp.NewTool("list_devices",
			mcp.WithDescription("List all connected Android devices"),
		),
		s.handleDeviceList,
	)

	s.server.AddTool(
		mcp.NewTool("list_apps",
			mcp.WithDescription("List app names the agent can launch by name"),
		),
		s.handleAppList,
	)

	s.server.AddTool(
		mcp.NewTool("start_task",
			mcp.WithDescription("Start a natural-language phone automation task. Returns the task ID immediately; poll get_task for progress."),
			mcp.WithString("description",
				mcp.Required(),
				mcp.Description("What the agent should do, e.g. 'open WeChat and check unread messages'"),
			),
			mcp.WithString("device_id",
				mcp.Description("Target device ID; defaults to the first connected device"),
			),
		),
		s.handleTaskStart,
	)

	s.server.AddTool(
		mcp.NewTool("stop_task",
			mcp.WithDescription("Cancel a running task"),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("Task ID returned by start_task"),
			),
		),
		s.handleTaskStop,
	)

	s.server.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Get the current status and result of a task"),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("Task ID returned by start_task"),
			),
		),
		s.handleTaskStatus,
	)

	s.server.AddTool(
		mcp.NewTool("get_task_steps",
			mcp.WithDescription("Get the recorded step history of a task"),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("Task ID returned by start_task"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of steps to return (default 50)"),
			),
		),
		s.handleTaskSteps,
	)
}

func textResult(parts ...string) *mcp.CallToolResult {
	content := make([]mcp.Content, 0, len(parts))
	for _, p := range parts {
		content = append(content, mcp.NewTextContent(p))
	}
	return &mcp.CallToolResult{Content: content}
}

func stringArg(request mcp.CallToolRequest, key string) (string, error) {
	args := request.GetArguments()
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func (s *MCPServer) handleDeviceList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	devices, err := s.app.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	if len(devices) == 0 {
		return textResult("No devices connected"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d device(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Fprintf(&b, "%d. %s [%s] state=%s model=%s\n", i+1, d.ID, d.Type, d.State, d.Model)
	}
	jsonData, _ := json.MarshalIndent(devices, "", "  ")
	return textResult(b.String(), "```json\n"+string(jsonData)+"\n```"), nil
}

func (s *MCPServer) handleAppList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	apps := s.app.SupportedApps()
	return textResult(fmt.Sprintf("Supported apps (%d):\n%s", len(apps), strings.Join(apps, ", "))), nil
}

func (s *MCPServer) handleTaskStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	description, err := stringArg(request, "description")
	if err != nil {
		return nil, err
	}
	deviceID, _ := request.GetArguments()["device_id"].(string)

	taskID, err := s.app.StartTask(ctx, description, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to start task: %w", err)
	}
	return textResult(fmt.Sprintf("Task started: %s", taskID)), nil
}

func (s *MCPServer) handleTaskStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := stringArg(request, "task_id")
	if err != nil {
		return nil, err
	}
	if err := s.app.StopTask(ctx, taskID); err != nil {
		return nil, fmt.Errorf("failed to stop task: %w", err)
	}
	return textResult("Stop signal sent to task " + taskID), nil
}

func (s *MCPServer) handleTaskStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := stringArg(request, "task_id")
	if err != nil {
		return nil, err
	}
	task, err := s.app.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if task == nil {
		return textResult("Task not found: " + taskID), nil
	}

	jsonData, _ := json.MarshalIndent(task, "", "  ")
	return textResult(string(jsonData)), nil
}

func (s *MCPServer) handleTaskSteps(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := stringArg(request, "task_id")
	if err != nil {
		return nil, err
	}
	limit := 50
	if v, ok := request.GetArguments()["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	steps, err := s.app.GetTaskSteps(ctx, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get steps: %w", err)
	}
	if len(steps) == 0 {
		return textResult("No steps recorded for task " + taskID), nil
	}

	jsonData, _ := json.MarshalIndent(steps, "", "  ")
	return textResult(string(jsonData)), nil
}
