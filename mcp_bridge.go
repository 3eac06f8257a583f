package main

import (
	"context"

	"Drover/mcp"
)

// MCPBridge adapts the session manager and device layer onto the narrow
// interface the MCP server consumes. MCP tasks run in one dedicated session,
// so a start_task while an MCP task is still running is rejected as busy.
type MCPBridge struct {
	manager   *SessionManager
	device    DeviceIO
	version   string
	sessionID string
}

// NewMCPBridge creates the bridge with its own session.
func NewMCPBridge(manager *SessionManager, device DeviceIO, version string) *MCPBridge {
	return &MCPBridge{
		manager:   manager,
		device:    device,
		version:   version,
		sessionID: manager.CreateSession("mcp"),
	}
}

func (b *MCPBridge) ListDevices(ctx context.Context) ([]mcp.Device, error) {
	devices, err := b.device.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]mcp.Device, len(devices))
	for i, d := range devices {
		out[i] = mcp.Device{ID: d.ID, Type: d.Type, State: d.State, Model: d.Model}
	}
	return out, nil
}

func (b *MCPBridge) SupportedApps() []string {
	return SupportedApps()
}

func (b *MCPBridge) StartTask(ctx context.Context, description, deviceID string) (string, error) {
	var overrides *AgentConfig
	if deviceID != "" {
		cfg := b.manager.cfg.AgentConfig()
		cfg.DeviceID = deviceID
		overrides = &cfg
	}
	return b.manager.Start(b.sessionID, description, overrides)
}

func (b *MCPBridge) StopTask(ctx context.Context, taskID string) error {
	b.manager.StopTask(taskID)
	return nil
}

func (b *MCPBridge) GetTask(ctx context.Context, taskID string) (*mcp.TaskInfo, error) {
	task, err := b.manager.QueryTask(ctx, taskID)
	if err != nil || task == nil {
		return nil, err
	}
	return &mcp.TaskInfo{
		TaskID:      task.ID,
		SessionID:   task.SessionID,
		Description: task.Description,
		Status:      string(task.Status),
		CreatedAt:   task.CreatedAt,
		Result:      task.Result,
		Error:       task.Error,
	}, nil
}

func (b *MCPBridge) GetTaskSteps(ctx context.Context, taskID string, limit int) ([]mcp.StepInfo, error) {
	steps, err := b.manager.store.GetSteps(ctx, taskID, limit, 0)
	if err != nil {
		return nil, err
	}
	out := make([]mcp.StepInfo, len(steps))
	for i, s := range steps {
		out[i] = mcp.StepInfo{
			StepNumber:    s.StepNumber,
			Type:          string(s.Type),
			Thought:       s.Thought,
			Outcome:       string(s.Outcome),
			ScreenshotRef: s.ScreenshotRef,
		}
	}
	return out, nil
}

func (b *MCPBridge) Version() string { return b.version }
