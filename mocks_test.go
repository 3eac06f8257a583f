package main

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ========================================
// Shared test doubles
// ========================================

// fakeDevice records every DeviceIO invocation as a rendered string.
type fakeDevice struct {
	mu    sync.Mutex
	calls []string

	devices       []Device
	currentApp    string
	screenshot    *Screenshot
	screenshotErr error
	launchErr     error
	typeErr       error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		devices: []Device{{ID: "emulator-5554", Type: "usb", State: "device", Model: "Pixel 6"}},
		screenshot: &Screenshot{
			PNG:        []byte{0x89, 0x50, 0x4E, 0x47},
			Width:      1080,
			Height:     2400,
			CapturedAt: time.Now(),
		},
		currentApp: "com.android.launcher3",
	}
}

func (d *fakeDevice) record(format string, args ...any) {
	d.mu.Lock()
	d.calls = append(d.calls, fmt.Sprintf(format, args...))
	d.mu.Unlock()
}

func (d *fakeDevice) callLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDevice) Screenshot(ctx context.Context, deviceID string) (*Screenshot, error) {
	if d.screenshotErr != nil {
		return nil, d.screenshotErr
	}
	d.record("screenshot")
	sc := *d.screenshot
	return &sc, nil
}

func (d *fakeDevice) Tap(ctx context.Context, deviceID string, x, y int) error {
	d.record("tap %d %d", x, y)
	return nil
}

func (d *fakeDevice) DoubleTap(ctx context.Context, deviceID string, x, y int) error {
	d.record("double_tap %d %d", x, y)
	return nil
}

func (d *fakeDevice) LongPress(ctx context.Context, deviceID string, x, y int, duration time.Duration) error {
	d.record("long_press %d %d %d", x, y, duration.Milliseconds())
	return nil
}

func (d *fakeDevice) Swipe(ctx context.Context, deviceID string, x1, y1, x2, y2 int, duration time.Duration) error {
	d.record("swipe %d %d %d %d", x1, y1, x2, y2)
	return nil
}

func (d *fakeDevice) KeyEvent(ctx context.Context, deviceID string, key string) error {
	d.record("keyevent %s", key)
	return nil
}

func (d *fakeDevice) TypeText(ctx context.Context, deviceID string, text string) error {
	if d.typeErr != nil {
		return d.typeErr
	}
	d.record("type %s", text)
	return nil
}

func (d *fakeDevice) LaunchApp(ctx context.Context, deviceID string, packageID string) error {
	if d.launchErr != nil {
		return d.launchErr
	}
	d.record("launch %s", packageID)
	return nil
}

func (d *fakeDevice) CurrentApp(ctx context.Context, deviceID string) (string, error) {
	return d.currentApp, nil
}

func (d *fakeDevice) ListDevices(ctx context.Context) ([]Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Device(nil), d.devices...), nil
}

// scriptedModel replays canned reply contents through the real envelope
// parser. When block is set, Request hangs until cancellation.
type scriptedModel struct {
	mu      sync.Mutex
	replies []string
	idx     int
	block   bool
}

func (m *scriptedModel) Request(ctx context.Context, messages []Message) (*ModelReply, error) {
	if m.block {
		<-ctx.Done()
		return nil, cancelledErr("model_request")
	}
	m.mu.Lock()
	if len(m.replies) == 0 {
		m.mu.Unlock()
		return nil, agentErr(KindModelPermanent, "model_request", "no scripted replies", nil)
	}
	content := m.replies[m.idx]
	if m.idx < len(m.replies)-1 {
		m.idx++
	}
	m.mu.Unlock()

	thinking, action := parseModelEnvelope(content)
	return &ModelReply{Thinking: thinking, ActionText: action, Raw: content}, nil
}

// memStore is an in-memory TaskStore with injectable append failures.
type memStore struct {
	mu          sync.Mutex
	tasks       map[string]*Task
	steps       map[string]map[int]StepRecord
	appendErr   error
	appendCalls int
}

func newMemStore() *memStore {
	return &memStore{
		tasks: make(map[string]*Task),
		steps: make(map[string]map[int]StepRecord),
	}
}

func (s *memStore) CreateTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *memStore) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, endTime *time.Time, result, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return agentErr(KindStoreError, "update_task", "unknown task", nil)
	}
	t.Status = status
	t.LastActivity = time.Now()
	t.EndTime = endTime
	t.Result = result
	t.Error = errMsg
	return nil
}

func (s *memStore) AppendSteps(ctx context.Context, taskID string, steps []StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendCalls++
	if s.appendErr != nil {
		return s.appendErr
	}
	m, ok := s.steps[taskID]
	if !ok {
		m = make(map[int]StepRecord)
		s.steps[taskID] = m
	}
	for _, st := range steps {
		m[st.StepNumber] = st
	}
	return nil
}

func (s *memStore) setAppendErr(err error) {
	s.mu.Lock()
	s.appendErr = err
	s.mu.Unlock()
}

func (s *memStore) stepNumbers(taskID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var nums []int
	for n := range s.steps[taskID] {
		nums = append(nums, n)
	}
	return nums
}

func (s *memStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []Task
	for _, t := range s.tasks {
		if f.SessionID != "" && t.SessionID != f.SessionID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		tasks = append(tasks, *t)
	}
	return tasks, nil
}

func (s *memStore) GetSteps(ctx context.Context, taskID string, limit, offset int) ([]StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.steps[taskID]
	var out []StepRecord
	for n := 1; ; n++ {
		rec, ok := m[n]
		if !ok {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *memStore) GetScreenshots(ctx context.Context, taskID string) ([]string, error) {
	steps, _ := s.GetSteps(ctx, taskID, 0, 0)
	var refs []string
	for _, st := range steps {
		if st.ScreenshotRef != "" {
			refs = append(refs, st.ScreenshotRef)
		}
	}
	return refs, nil
}

func (s *memStore) Close() error { return nil }

// memBlobs is an in-memory BlobStore.
type memBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: make(map[string][]byte)}
}

func (b *memBlobs) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[key] = append([]byte(nil), data...)
	return "mem://" + key, nil
}

func (b *memBlobs) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, key)
	return nil
}

// recordingConfirmer captures confirmation prompts.
type recordingConfirmer struct {
	mu       sync.Mutex
	messages []string
	answer   bool
}

func (c *recordingConfirmer) Confirm(message string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message)
	return c.answer
}
