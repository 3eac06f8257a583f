package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func setupTaskStore(t *testing.T) *SQLiteTaskStore {
	t.Helper()
	store, err := NewSQLiteTaskStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create task store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newStoredTask(sessionID string) *Task {
	now := time.Now()
	return &Task{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		Description:  "open settings",
		Status:       TaskRunning,
		CreatedAt:    now,
		LastActivity: now,
	}
}

func TestTaskLifecycle(t *testing.T) {
	store := setupTaskStore(t)
	ctx := context.Background()

	task := newStoredTask("session-1")
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil || got.ID != task.ID || got.Status != TaskRunning {
		t.Fatalf("unexpected task: %+v", got)
	}
	if got.EndTime != nil {
		t.Error("running task must have no end time")
	}

	end := time.Now()
	if err := store.UpdateTaskStatus(ctx, task.ID, TaskCompleted, &end, "done", ""); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, _ = store.GetTask(ctx, task.ID)
	if got.Status != TaskCompleted || got.Result != "done" {
		t.Errorf("unexpected terminal task: %+v", got)
	}
	if got.EndTime == nil {
		t.Error("terminal task must carry an end time")
	}
	if got.LastActivity.Before(got.CreatedAt) {
		t.Error("last_activity must be stamped on update")
	}
}

func TestGetTaskMissing(t *testing.T) {
	store := setupTaskStore(t)
	got, err := store.GetTask(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing task, got %+v", got)
	}
}

func TestAppendStepsOrderedAndQueried(t *testing.T) {
	store := setupTaskStore(t)
	ctx := context.Background()
	task := newStoredTask("session-1")
	store.CreateTask(ctx, task)

	var batch []StepRecord
	for n := 1; n <= 4; n++ {
		rec := makeStep(task.ID, n)
		rec.Thought = "step thought"
		if n == 2 {
			rec.ScreenshotRef = "file:///tmp/s2.png"
		}
		batch = append(batch, rec)
	}
	if err := store.AppendSteps(ctx, task.ID, batch); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	steps, err := store.GetSteps(ctx, task.ID, 0, 0)
	if err != nil {
		t.Fatalf("get steps failed: %v", err)
	}
	if len(steps) != 4 {
		t.Fatalf("expected 4 steps, got %d", len(steps))
	}
	for i, s := range steps {
		if s.StepNumber != i+1 {
			t.Errorf("step order broken at index %d: %d", i, s.StepNumber)
		}
	}

	refs, err := store.GetScreenshots(ctx, task.ID)
	if err != nil {
		t.Fatalf("get screenshots failed: %v", err)
	}
	if len(refs) != 1 || refs[0] != "file:///tmp/s2.png" {
		t.Errorf("unexpected screenshot refs: %v", refs)
	}
}

func TestAppendStepsIdempotentReplay(t *testing.T) {
	store := setupTaskStore(t)
	ctx := context.Background()
	task := newStoredTask("session-1")
	store.CreateTask(ctx, task)

	batch := []StepRecord{makeStep(task.ID, 1), makeStep(task.ID, 2)}
	if err := store.AppendSteps(ctx, task.ID, batch); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	// Replaying the same (task_id, step_number) pairs must leave the store
	// in the same state as a single append.
	batch[1].Thought = "replayed"
	if err := store.AppendSteps(ctx, task.ID, batch); err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	steps, _ := store.GetSteps(ctx, task.ID, 0, 0)
	if len(steps) != 2 {
		t.Fatalf("replay duplicated steps: got %d", len(steps))
	}
	if steps[1].Thought != "replayed" {
		t.Errorf("replay should upsert the newer payload, got %q", steps[1].Thought)
	}
}

func TestListTasksFilter(t *testing.T) {
	store := setupTaskStore(t)
	ctx := context.Background()

	t1 := newStoredTask("session-a")
	t2 := newStoredTask("session-b")
	store.CreateTask(ctx, t1)
	store.CreateTask(ctx, t2)
	end := time.Now()
	store.UpdateTaskStatus(ctx, t2.ID, TaskStopped, &end, "", "stopped by user")

	byA, err := store.ListTasks(ctx, TaskFilter{SessionID: "session-a"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(byA) != 1 || byA[0].ID != t1.ID {
		t.Errorf("unexpected session filter result: %+v", byA)
	}

	stopped, err := store.ListTasks(ctx, TaskFilter{Status: TaskStopped})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(stopped) != 1 || stopped[0].ID != t2.ID || stopped[0].Error != "stopped by user" {
		t.Errorf("unexpected status filter result: %+v", stopped)
	}
}

func TestTrackerAgainstRealStore(t *testing.T) {
	// Spill recovery replays through the real store's idempotent upsert, so
	// a step persisted once and then recovered again stays single.
	store := setupTaskStore(t)
	ctx := context.Background()
	task := newStoredTask("session-1")
	store.CreateTask(ctx, task)

	opts := StepTrackerOptions{BufferSize: 8, FlushInterval: time.Hour, SpillDir: t.TempDir()}
	tracker, err := NewStepTracker(task.ID, store, newMemBlobs(), nil, opts)
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}

	tracker.Append(makeStep(task.ID, 1), nil)
	if _, err := tracker.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	tracker.Close(time.Second)

	// Pretend the truncate never happened (crash right before it): replay
	// the same record through recovery.
	spillPath := filepath.Join(opts.SpillDir, task.ID+".spill")
	f, err := os.OpenFile(spillPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	writeSpillRecord(f, makeStep(task.ID, 1))
	f.Close()

	if _, err := RecoverSpilledSteps(ctx, opts.SpillDir, store); err != nil {
		t.Fatalf("recovery failed: %v", err)
	}

	steps, _ := store.GetSteps(ctx, task.ID, 0, 0)
	if len(steps) != 1 {
		t.Errorf("replayed step duplicated: got %d rows", len(steps))
	}
}
