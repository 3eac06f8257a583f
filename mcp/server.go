// Package mcp exposes the phone agent over the Model Context Protocol so
// external AI clients (like Claude Desktop) can drive Android tasks.
package mcp

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"
)

// Device mirrors the core device shape for the MCP surface.
type Device struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	State string `json:"state"`
	Model string `json:"model,omitempty"`
}

// TaskInfo is the task view returned to MCP clients.
type TaskInfo struct {
	TaskID      string    `json:"taskId"`
	SessionID   string    `json:"sessionId"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// StepInfo is one step of a task's history.
type StepInfo struct {
	StepNumber    int    `json:"stepNumber"`
	Type          string `json:"type"`
	Thought       string `json:"thought,omitempty"`
	Outcome       string `json:"outcome"`
	ScreenshotRef string `json:"screenshotRef,omitempty"`
}

// PhoneApp is the surface the MCP server needs from the main application.
// The narrow interface keeps this package decoupled from the agent core.
type PhoneApp interface {
	ListDevices(ctx context.Context) ([]Device, error)
	SupportedApps() []string
	StartTask(ctx context.Context, description, deviceID string) (string, error)
	StopTask(ctx context.Context, taskID string) error
	GetTask(ctx context.Context, taskID string) (*TaskInfo, error)
	GetTaskSteps(ctx context.Context, taskID string, limit int) ([]StepInfo, error)
	Version() string
}

// MCPServer wraps the mcp-go server with the phone tools registered.
type MCPServer struct {
	app    PhoneApp
	server *server.MCPServer
	stdio  *server.StdioServer

	mu        sync.Mutex
	isRunning bool
}

// NewMCPServer builds a server with every tool registered.
func NewMCPServer(app PhoneApp) *MCPServer {
	mcpServer := server.NewMCPServer(
		"drover-phone-agent",
		app.Version(),
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	s := &MCPServer{
		app:    app,
		server: mcpServer,
	}
	s.registerTools()
	return s
}

// Start serves MCP over stdio until stdin closes or an interrupt arrives.
func (s *MCPServer) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("MCP server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	return s.run()
}

func (s *MCPServer) run() error {
	s.stdio = server.NewStdioServer(s.server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		cancel()
	}()

	fmt.Fprintln(os.Stderr, "[MCP] Drover MCP server started")
	err := s.stdio.Listen(ctx, os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[MCP] server error: %v\n", err)
	}

	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()
	return err
}

// IsRunning reports whether the stdio loop is active.
func (s *MCPServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
