package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockApp is an in-memory PhoneApp for tests.
type MockApp struct {
	mu      sync.Mutex
	devices []Device
	tasks   map[string]*TaskInfo
	steps   map[string][]StepInfo
	nextID  int
}

// NewMockApp returns a mock with one connected device.
func NewMockApp() *MockApp {
	return &MockApp{
		devices: []Device{{ID: "emulator-5554", Type: "usb", State: "device", Model: "Pixel 6"}},
		tasks:   make(map[string]*TaskInfo),
		steps:   make(map[string][]StepInfo),
	}
}

func (m *MockApp) ListDevices(ctx context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Device(nil), m.devices...), nil
}

func (m *MockApp) SupportedApps() []string {
	return []string{"wechat", "settings"}
}

func (m *MockApp) StartTask(ctx context.Context, description, deviceID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("task-%d", m.nextID)
	m.tasks[id] = &TaskInfo{
		TaskID:      id,
		SessionID:   "session-1",
		Description: description,
		Status:      "running",
		CreatedAt:   time.Now(),
	}
	return id, nil
}

func (m *MockApp) StopTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[taskID]; ok {
		t.Status = "stopped"
		return nil
	}
	return fmt.Errorf("unknown task: %s", taskID)
}

func (m *MockApp) GetTask(ctx context.Context, taskID string) (*TaskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[taskID]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (m *MockApp) GetTaskSteps(ctx context.Context, taskID string, limit int) ([]StepInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := m.steps[taskID]
	if limit > 0 && len(steps) > limit {
		steps = steps[:limit]
	}
	return append([]StepInfo(nil), steps...), nil
}

func (m *MockApp) Version() string { return "test" }
