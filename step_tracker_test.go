package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testTrackerOptions(t *testing.T) StepTrackerOptions {
	t.Helper()
	return StepTrackerOptions{
		BufferSize:    8,
		FlushInterval: 50 * time.Millisecond,
		SpillDir:      t.TempDir(),
	}
}

func makeStep(taskID string, n int) StepRecord {
	return StepRecord{
		TaskID:     taskID,
		StepNumber: n,
		Type:       StepAction,
		Outcome:    OutcomeSuccess,
		CreatedAt:  time.Now(),
	}
}

func TestTrackerFlushPreservesOrder(t *testing.T) {
	store := newMemStore()
	tracker, err := NewStepTracker("task-1", store, newMemBlobs(), nil, testTrackerOptions(t))
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	defer tracker.Close(time.Second)

	for n := 1; n <= 5; n++ {
		tracker.Append(makeStep("task-1", n), nil)
	}

	if _, err := tracker.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	steps, _ := store.GetSteps(context.Background(), "task-1", 0, 0)
	if len(steps) != 5 {
		t.Fatalf("expected 5 persisted steps, got %d", len(steps))
	}
	for i, s := range steps {
		if s.StepNumber != i+1 {
			t.Errorf("step %d has number %d", i, s.StepNumber)
		}
	}
}

func TestTrackerUploadsScreenshots(t *testing.T) {
	store := newMemStore()
	blobs := newMemBlobs()
	tracker, err := NewStepTracker("task-1", store, blobs, nil, testTrackerOptions(t))
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	defer tracker.Close(time.Second)

	rec := makeStep("task-1", 1)
	rec.ScreenshotRef = "screenshot_20250101_120000_abcd1234.png"
	tracker.Append(rec, []byte("png-bytes"))

	if _, err := tracker.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	blobs.mu.Lock()
	data, ok := blobs.blobs["task/task-1/step/1.png"]
	blobs.mu.Unlock()
	if !ok || string(data) != "png-bytes" {
		t.Fatalf("screenshot not uploaded under the canonical key")
	}

	steps, _ := store.GetSteps(context.Background(), "task-1", 0, 0)
	if steps[0].ScreenshotRef != "mem://task/task-1/step/1.png" {
		t.Errorf("persisted record should carry the durable URL, got %q", steps[0].ScreenshotRef)
	}
}

func TestTrackerOverflowDropsOldestAndSignals(t *testing.T) {
	// Built without its background flusher so buffer contents are
	// deterministic.
	var dropped int
	tracker := &StepTracker{
		taskID:     "task-1",
		store:      newMemStore(),
		onOverflow: func(n int) { dropped += n },
		opts:       StepTrackerOptions{BufferSize: 4, FlushInterval: time.Hour},
		wake:       make(chan struct{}, 1),
	}

	for n := 1; n <= 6; n++ {
		tracker.Append(makeStep("task-1", n), nil)
	}

	if dropped != 2 {
		t.Errorf("expected 2 overflow drops, got %d", dropped)
	}

	tracker.mu.Lock()
	last := tracker.buf[len(tracker.buf)-1].rec.StepNumber
	first := tracker.buf[0].rec.StepNumber
	tracker.mu.Unlock()
	if last != 6 {
		t.Errorf("newest step must be retained, got %d", last)
	}
	if first != 3 {
		t.Errorf("oldest steps should be dropped first, buffer starts at %d", first)
	}
}

func TestTrackerSpillOnStoreFailureThenRecovers(t *testing.T) {
	store := newMemStore()
	store.setAppendErr(fmt.Errorf("store down"))

	opts := testTrackerOptions(t)
	tracker, err := NewStepTracker("task-1", store, newMemBlobs(), nil, opts)
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}

	tracker.Append(makeStep("task-1", 1), nil)
	tracker.Append(makeStep("task-1", 2), nil)
	tracker.Flush(context.Background()) // fails, records stay in the spill
	tracker.Close(time.Second)

	// Simulate a process restart: recover the spill into a healthy store.
	store.setAppendErr(nil)
	recovered, err := RecoverSpilledSteps(context.Background(), opts.SpillDir, store)
	if err != nil {
		t.Fatalf("recovery failed: %v", err)
	}
	if recovered != 2 {
		t.Errorf("expected 2 recovered steps, got %d", recovered)
	}

	steps, _ := store.GetSteps(context.Background(), "task-1", 0, 0)
	if len(steps) != 2 {
		t.Errorf("expected 2 persisted steps after recovery, got %d", len(steps))
	}

	// Spill files are removed once drained.
	matches, _ := filepath.Glob(filepath.Join(opts.SpillDir, "*.spill"))
	if len(matches) != 0 {
		t.Errorf("spill files should be removed after recovery: %v", matches)
	}
}

func TestTrackerSpillSurvivesHardKill(t *testing.T) {
	// Append writes the spill before returning, so a crash between append
	// and store write never loses the record.
	store := newMemStore()
	opts := testTrackerOptions(t)
	opts.FlushInterval = time.Hour
	tracker, err := NewStepTracker("task-9", store, newMemBlobs(), nil, opts)
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}

	tracker.Append(makeStep("task-9", 1), nil)
	// No flush, no close: the "process" dies here.

	recs, err := readSpillRecords(filepath.Join(opts.SpillDir, "task-9.spill"))
	if err != nil {
		t.Fatalf("failed to read spill: %v", err)
	}
	if len(recs) != 1 || recs[0].StepNumber != 1 {
		t.Fatalf("unexpected spill contents: %+v", recs)
	}

	recovered, err := RecoverSpilledSteps(context.Background(), opts.SpillDir, store)
	if err != nil || recovered != 1 {
		t.Fatalf("recovery failed: %d %v", recovered, err)
	}
	tracker.Close(100 * time.Millisecond)
}

func TestTrackerSpillTruncatedAfterSuccessfulDrain(t *testing.T) {
	store := newMemStore()
	opts := testTrackerOptions(t)
	tracker, err := NewStepTracker("task-1", store, newMemBlobs(), nil, opts)
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	defer tracker.Close(time.Second)

	tracker.Append(makeStep("task-1", 1), nil)
	if _, err := tracker.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(opts.SpillDir, "task-1.spill"))
	if err != nil {
		t.Fatalf("spill file missing: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("spill should be truncated after a clean drain, size=%d", info.Size())
	}
}

func TestSpillRecordRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.spill")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}

	want := makeStep("task-7", 3)
	want.Thought = "thinking 思考"
	if err := writeSpillRecord(f, want); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	// A torn half-written record at the tail must not break recovery.
	f.Write([]byte{0, 0, 0, 99, 'p', 'a', 'r'})
	f.Close()

	recs, err := readSpillRecords(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 intact record, got %d", len(recs))
	}
	if recs[0].TaskID != "task-7" || recs[0].StepNumber != 3 || recs[0].Thought != want.Thought {
		t.Errorf("round-trip mismatch: %+v", recs[0])
	}
}
