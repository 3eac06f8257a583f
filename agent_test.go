package main

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) sink(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *eventCollector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *eventCollector) stepEvents() []Event {
	var out []Event
	for _, ev := range c.all() {
		if ev.Type == EventStepUpdate {
			out = append(out, ev)
		}
	}
	return out
}

func newTestAgent(t *testing.T, model ModelCaller, dev *fakeDevice, cfg AgentConfig, confirm Confirmer) (*Agent, *eventCollector, *memStore, *StepTracker) {
	t.Helper()
	store := newMemStore()
	tracker, err := NewStepTracker("task-1", store, newMemBlobs(), nil,
		StepTrackerOptions{BufferSize: 32, FlushInterval: 20 * time.Millisecond, SpillDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	t.Cleanup(func() { tracker.Close(time.Second) })

	collector := &eventCollector{}
	agent := NewAgent(model, dev, tracker, cfg, confirm, AutoCancel{}, collector.sink)
	return agent, collector, store, tracker
}

func testTask() *Task {
	now := time.Now()
	return &Task{
		ID:           "task-1",
		SessionID:    "session-1",
		Description:  "say done",
		Status:       TaskRunning,
		CreatedAt:    now,
		LastActivity: now,
	}
}

func TestAgentSingleStepFinish(t *testing.T) {
	model := &scriptedModel{replies: []string{
		`<think>already done</think><answer>finish(message="ok")</answer>`,
	}}
	dev := newFakeDevice()
	agent, collector, _, _ := newTestAgent(t, model, dev, AgentConfig{MaxSteps: 10, Lang: LangEN}, nil)

	res := agent.Run(context.Background(), testTask())
	if res.Status != TaskCompleted {
		t.Fatalf("expected completed, got %s (%s)", res.Status, res.Message)
	}
	if res.Message != "ok" {
		t.Errorf("expected result 'ok', got %q", res.Message)
	}

	steps := collector.stepEvents()
	if len(steps) != 1 {
		t.Fatalf("expected 1 step event, got %d", len(steps))
	}
	if steps[0].Action != "Finish" || !steps[0].Finished {
		t.Errorf("unexpected step event: %+v", steps[0])
	}
	for _, call := range dev.callLog() {
		if strings.HasPrefix(call, "tap") {
			t.Errorf("no tap should be issued: %v", dev.callLog())
		}
	}
}

func TestAgentLaunchThenFinish(t *testing.T) {
	model := &scriptedModel{replies: []string{
		`<think>open wechat</think><answer>do(action="Launch", app="微信")</answer>`,
		`<think>done</think><answer>finish(message="done")</answer>`,
	}}
	dev := newFakeDevice()
	agent, collector, _, _ := newTestAgent(t, model, dev, AgentConfig{MaxSteps: 10, Lang: LangEN}, nil)

	res := agent.Run(context.Background(), testTask())
	if res.Status != TaskCompleted || res.Message != "done" {
		t.Fatalf("unexpected result: %+v", res)
	}

	launches := 0
	for _, call := range dev.callLog() {
		if call == "launch com.tencent.mm" {
			launches++
		}
	}
	if launches != 1 {
		t.Errorf("expected exactly one launch of com.tencent.mm, calls: %v", dev.callLog())
	}
	if len(collector.stepEvents()) != 2 {
		t.Errorf("expected 2 step events, got %d", len(collector.stepEvents()))
	}
}

func TestAgentSensitiveTapDeniedThenFinish(t *testing.T) {
	model := &scriptedModel{replies: []string{
		`<think>pay now</think><answer>do(action="Tap", element=[500,500], message="pay")</answer>`,
		`<think>stop</think><answer>finish(message="abort")</answer>`,
	}}
	dev := newFakeDevice()
	confirm := &recordingConfirmer{answer: false}
	agent, collector, _, _ := newTestAgent(t, model, dev, AgentConfig{MaxSteps: 10, Lang: LangEN}, confirm)

	res := agent.Run(context.Background(), testTask())
	if res.Status != TaskCompleted || res.Message != "abort" {
		t.Fatalf("unexpected result: %+v", res)
	}

	for _, call := range dev.callLog() {
		if strings.HasPrefix(call, "tap") {
			t.Errorf("denied tap must not reach the device: %v", dev.callLog())
		}
	}
	steps := collector.stepEvents()
	if len(steps) != 2 {
		t.Fatalf("expected 2 step events, got %d", len(steps))
	}
	if !steps[0].Success || steps[0].Outcome == "" {
		t.Errorf("denied step should be success with a user message: %+v", steps[0])
	}
}

func TestAgentBudgetExhaustion(t *testing.T) {
	model := &scriptedModel{replies: []string{
		`<think>wait</think><answer>do(action="Wait", duration="0 seconds")</answer>`,
	}}
	dev := newFakeDevice()
	agent, collector, _, _ := newTestAgent(t, model, dev, AgentConfig{MaxSteps: 3, Lang: LangEN}, nil)

	res := agent.Run(context.Background(), testTask())
	if res.Status != TaskError {
		t.Fatalf("expected error, got %s", res.Status)
	}
	if !strings.Contains(strings.ToLower(res.Message), "budget") {
		t.Errorf("message should mention the budget: %q", res.Message)
	}

	steps := collector.stepEvents()
	if len(steps) != 3 {
		t.Fatalf("expected exactly 3 step events, got %d", len(steps))
	}
	for i, ev := range steps {
		if ev.StepNumber != i+1 {
			t.Errorf("step numbers must be 1..n in order, got %d at %d", ev.StepNumber, i)
		}
	}
}

func TestAgentCancellationDuringModelCall(t *testing.T) {
	model := &scriptedModel{block: true}
	dev := newFakeDevice()
	agent, collector, store, _ := newTestAgent(t, model, dev, AgentConfig{MaxSteps: 10, Lang: LangEN}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := agent.Run(ctx, testTask())
	if res.Status != TaskStopped {
		t.Fatalf("expected stopped, got %s", res.Status)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("cancellation not observed within 2s")
	}
	// The in-progress iteration is not recorded.
	if len(collector.stepEvents()) != 0 {
		t.Errorf("no step events expected, got %v", collector.stepEvents())
	}
	if nums := store.stepNumbers("task-1"); len(nums) != 0 {
		t.Errorf("no steps should be persisted, got %v", nums)
	}
}

func TestAgentParseStorm(t *testing.T) {
	model := &scriptedModel{replies: []string{
		`<answer>garbled()</answer>`,
	}}
	dev := newFakeDevice()
	agent, collector, _, _ := newTestAgent(t, model, dev, AgentConfig{MaxSteps: 10, Lang: LangEN}, nil)

	res := agent.Run(context.Background(), testTask())
	if res.Status != TaskError {
		t.Fatalf("expected error after parse storm, got %s", res.Status)
	}

	// Two error steps are emitted; the third consecutive failure terminates
	// without its own step.
	steps := collector.stepEvents()
	if len(steps) != 2 {
		t.Fatalf("expected 2 error step events, got %d", len(steps))
	}
	for _, ev := range steps {
		if ev.Success {
			t.Errorf("error steps must not be successes: %+v", ev)
		}
	}
}

func TestAgentParseFailureRecovers(t *testing.T) {
	// One bad reply, then a good one: the failure counter resets.
	model := &scriptedModel{replies: []string{
		`<answer>garbled()</answer>`,
		`<answer>finish(message="ok")</answer>`,
	}}
	dev := newFakeDevice()
	agent, collector, _, _ := newTestAgent(t, model, dev, AgentConfig{MaxSteps: 10, Lang: LangEN}, nil)

	res := agent.Run(context.Background(), testTask())
	if res.Status != TaskCompleted {
		t.Fatalf("expected completed, got %s (%s)", res.Status, res.Message)
	}
	if len(collector.stepEvents()) != 2 {
		t.Errorf("expected 2 step events (error + finish), got %d", len(collector.stepEvents()))
	}
}

func TestAgentNoDevice(t *testing.T) {
	model := &scriptedModel{replies: []string{`<answer>finish(message="ok")</answer>`}}
	dev := newFakeDevice()
	dev.devices = nil
	agent, collector, _, _ := newTestAgent(t, model, dev, AgentConfig{MaxSteps: 10, Lang: LangEN}, nil)

	res := agent.Run(context.Background(), testTask())
	if res.Status != TaskError {
		t.Fatalf("expected error, got %s", res.Status)
	}
	if len(collector.stepEvents()) != 0 {
		t.Errorf("preflight failure should emit no steps")
	}
}

func TestAgentPersistsMonotonicSteps(t *testing.T) {
	model := &scriptedModel{replies: []string{
		`<answer>do(action="Tap", element=[100,100])</answer>`,
		`<answer>do(action="Back")</answer>`,
		`<answer>finish(message="ok")</answer>`,
	}}
	dev := newFakeDevice()
	agent, _, store, tracker := newTestAgent(t, model, dev, AgentConfig{MaxSteps: 10, Lang: LangEN, Record: true}, nil)

	res := agent.Run(context.Background(), testTask())
	if res.Status != TaskCompleted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := tracker.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	steps, _ := store.GetSteps(context.Background(), "task-1", 0, 0)
	if len(steps) != 3 {
		t.Fatalf("expected 3 persisted steps, got %d", len(steps))
	}
	for i, s := range steps {
		if s.StepNumber != i+1 {
			t.Errorf("persisted order broken: %d at index %d", s.StepNumber, i)
		}
	}
	// Recorded runs carry screenshot references.
	if steps[0].ScreenshotRef == "" {
		t.Error("expected a screenshot reference on recorded steps")
	}
}

func TestAgentPinsConfiguredDevice(t *testing.T) {
	model := &scriptedModel{replies: []string{`<answer>finish(message="ok")</answer>`}}
	dev := newFakeDevice()
	cfg := AgentConfig{MaxSteps: 5, Lang: LangEN, DeviceID: "pixel-7"}
	agent, _, _, _ := newTestAgent(t, model, dev, cfg, nil)

	res := agent.Run(context.Background(), testTask())
	if res.Status != TaskCompleted {
		t.Fatalf("unexpected result: %+v", res)
	}
}
