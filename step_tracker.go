package main

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ========================================
// Step tracker - 步骤缓冲与异步落盘
// ========================================

// StepTrackerOptions tunes the buffer and flush behavior.
type StepTrackerOptions struct {
	BufferSize    int           // in-memory buffer capacity (default 64)
	FlushInterval time.Duration // background flush period (default 5s)
	SpillDir      string        // directory for the crash-recovery spill file
}

func (o *StepTrackerOptions) applyDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 64
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
}

// OverflowFunc is invoked once per dropped step.
type OverflowFunc func(dropped int)

type pendingStep struct {
	rec StepRecord
	png []byte
}

type flushResult struct {
	flushed int
	err     error
}

// StepTracker buffers step records and flushes them asynchronously to the
// TaskStore, uploading screenshots to the BlobStore on the way. Append is
// non-blocking: when the buffer is full the oldest unflushed step is dropped
// from memory (an overflow event fires once per drop) while the newest step
// is always retained.
//
// Durability: every appended record also lands in an on-disk spill file
// before Append returns, so a crash between append and store write never
// loses the record. The spill is replayed through the store's idempotent
// upsert on recovery and truncated after a successful drain that leaves the
// buffer empty; records of steps dropped on overflow are discarded with it.
type StepTracker struct {
	taskID     string
	store      TaskStore
	blobs      BlobStore
	onOverflow OverflowFunc
	opts       StepTrackerOptions

	mu  sync.Mutex
	buf []pendingStep

	spillMu   sync.Mutex
	spillPath string
	spillFile *os.File

	// store failure backoff
	failCount int
	nextRetry time.Time

	wake     chan struct{}
	flushReq chan chan flushResult
	quit     chan struct{}
	done     chan struct{}

	closeOnce sync.Once
}

// NewStepTracker creates a tracker for one task and starts its background
// flusher.
func NewStepTracker(taskID string, store TaskStore, blobs BlobStore, onOverflow OverflowFunc, opts StepTrackerOptions) (*StepTracker, error) {
	opts.applyDefaults()

	t := &StepTracker{
		taskID:     taskID,
		store:      store,
		blobs:      blobs,
		onOverflow: onOverflow,
		opts:       opts,
		wake:       make(chan struct{}, 1),
		flushReq:   make(chan chan flushResult),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	if opts.SpillDir != "" {
		if err := os.MkdirAll(opts.SpillDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create spill directory: %w", err)
		}
		t.spillPath = filepath.Join(opts.SpillDir, taskID+".spill")
		f, err := os.OpenFile(t.spillPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open spill file: %w", err)
		}
		t.spillFile = f
	}

	go t.flusher()
	return t, nil
}

// Append enqueues one step record. png optionally carries the screenshot
// bytes to upload; rec.ScreenshotRef should already hold the capture
// filename so subscribers can reference the frame before it is durable.
func (t *StepTracker) Append(rec StepRecord, png []byte) {
	t.appendSpill(rec)

	t.mu.Lock()
	if len(t.buf) >= t.opts.BufferSize {
		// Drop the oldest unflushed step; losing a middle step hurts the
		// trace less than losing the newest (often terminal) one.
		copy(t.buf, t.buf[1:])
		t.buf = t.buf[:len(t.buf)-1]
		if t.onOverflow != nil {
			t.onOverflow(1)
		}
	}
	t.buf = append(t.buf, pendingStep{rec: rec, png: png})
	over := len(t.buf) >= (t.opts.BufferSize+1)/2
	t.mu.Unlock()

	if over {
		select {
		case t.wake <- struct{}{}:
		default:
		}
	}
}

// Flush blocks until everything currently buffered is written or the context
// expires, returning the number of records flushed.
func (t *StepTracker) Flush(ctx context.Context) (int, error) {
	reply := make(chan flushResult, 1)
	select {
	case t.flushReq <- reply:
	case <-t.done:
		return 0, nil
	case <-ctx.Done():
		return 0, cancelledErr("tracker_flush")
	}
	select {
	case res := <-reply:
		return res.flushed, res.err
	case <-ctx.Done():
		return 0, cancelledErr("tracker_flush")
	}
}

// Close flushes remaining steps within the grace period and joins the
// background worker.
func (t *StepTracker) Close(grace time.Duration) error {
	t.closeOnce.Do(func() {
		close(t.quit)
	})
	select {
	case <-t.done:
	case <-time.After(grace):
	}

	t.spillMu.Lock()
	if t.spillFile != nil {
		t.spillFile.Close()
		t.spillFile = nil
	}
	t.spillMu.Unlock()
	return nil
}

// flusher is the background worker: it wakes on the watermark signal or the
// flush interval, drains the buffer, and retries spilled batches with
// bounded exponential backoff.
func (t *StepTracker) flusher() {
	defer close(t.done)

	ticker := time.NewTicker(t.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.drain(context.Background())
		case <-t.wake:
			t.drain(context.Background())
		case reply := <-t.flushReq:
			n, err := t.drain(context.Background())
			reply <- flushResult{flushed: n, err: err}
		case <-t.quit:
			// Final drain with a bounded deadline.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			t.drain(ctx)
			cancel()
			return
		}
	}
}

// drain uploads screenshots, writes the buffered batch to the store, and
// truncates the spill once everything it covers is persisted.
func (t *StepTracker) drain(ctx context.Context) (int, error) {
	t.mu.Lock()
	batch := t.buf
	t.buf = nil
	t.mu.Unlock()

	if len(batch) == 0 {
		return t.retrySpill(ctx), nil
	}

	recs := make([]StepRecord, len(batch))
	for i, p := range batch {
		rec := p.rec
		if len(p.png) > 0 && t.blobs != nil {
			key := StepBlobKey(t.taskID, rec.StepNumber)
			url, err := t.blobs.Put(ctx, key, p.png, "image/png")
			if err != nil {
				LogWarn("tracker").Err(err).Str("key", key).Msg("screenshot upload failed")
			} else {
				rec.ScreenshotRef = url
			}
		}
		recs[i] = rec
	}

	// After an earlier failure the spill still holds that batch; persist it
	// before the truncate below can discard it.
	t.spillMu.Lock()
	failing := t.failCount > 0
	t.spillMu.Unlock()
	if failing {
		if spilled, err := readSpillRecords(t.spillPath); err == nil && len(spilled) > 0 {
			if err := t.store.AppendSteps(ctx, t.taskID, spilled); err != nil {
				t.bumpBackoff()
				return 0, err
			}
		}
	}

	if err := t.store.AppendSteps(ctx, t.taskID, recs); err != nil {
		// Records are already in the spill file; count the failure and let
		// the backoff cycle replay them.
		t.bumpBackoff()
		LogError("tracker").Err(err).Int("count", len(recs)).Msg("store write failed, keeping records in spill")
		return 0, err
	}

	t.resetBackoff()
	t.truncateSpillIfIdle()
	return len(recs), nil
}

// retrySpill replays the spill file once the backoff window has elapsed.
// Returns the number of records persisted.
func (t *StepTracker) retrySpill(ctx context.Context) int {
	t.spillMu.Lock()
	failing := t.failCount > 0
	ready := time.Now().After(t.nextRetry)
	t.spillMu.Unlock()
	if !failing || !ready {
		return 0
	}

	recs, err := readSpillRecords(t.spillPath)
	if err != nil || len(recs) == 0 {
		return 0
	}
	if err := t.store.AppendSteps(ctx, t.taskID, recs); err != nil {
		t.bumpBackoff()
		return 0
	}
	t.resetBackoff()
	t.truncateSpillIfIdle()
	return len(recs)
}

func (t *StepTracker) bumpBackoff() {
	t.spillMu.Lock()
	t.failCount++
	backoff := time.Duration(1<<uint(min(t.failCount, 6))) * time.Second
	t.nextRetry = time.Now().Add(backoff)
	t.spillMu.Unlock()
}

func (t *StepTracker) resetBackoff() {
	t.spillMu.Lock()
	t.failCount = 0
	t.nextRetry = time.Time{}
	t.spillMu.Unlock()
}

// ========================================
// Spill file (crash-recovery WAL)
// ========================================
//
// Append-only file of length-prefixed records: {u32 big-endian length,
// JSON-serialized StepRecord}. Truncated after a successful drain.

func (t *StepTracker) appendSpill(rec StepRecord) {
	t.spillMu.Lock()
	defer t.spillMu.Unlock()
	if t.spillFile == nil {
		return
	}
	if err := writeSpillRecord(t.spillFile, rec); err != nil {
		LogWarn("tracker").Err(err).Msg("spill write failed")
	}
}

// truncateSpillIfIdle truncates the spill file when the in-memory buffer is
// empty, meaning every buffered record has been persisted (records of steps
// dropped on overflow are not written before the truncate).
func (t *StepTracker) truncateSpillIfIdle() {
	t.mu.Lock()
	idle := len(t.buf) == 0
	t.mu.Unlock()
	if !idle {
		return
	}

	t.spillMu.Lock()
	defer t.spillMu.Unlock()
	if t.failCount > 0 || t.spillFile == nil {
		return
	}
	if err := t.spillFile.Truncate(0); err == nil {
		t.spillFile.Seek(0, io.SeekStart)
	}
}

func writeSpillRecord(w io.Writer, rec StepRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if f, ok := w.(*os.File); ok {
		return f.Sync()
	}
	return nil
}

// readSpillRecords reads every intact record; a torn tail record from a
// crash mid-write is ignored.
func readSpillRecords(path string) ([]StepRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var recs []StepRecord
	for len(data) >= 4 {
		n := int(binary.BigEndian.Uint32(data[:4]))
		if n <= 0 || len(data) < 4+n {
			break
		}
		var rec StepRecord
		if err := json.Unmarshal(data[4:4+n], &rec); err == nil {
			recs = append(recs, rec)
		}
		data = data[4+n:]
	}
	return recs, nil
}

// RecoverSpilledSteps replays spill files left behind by a crashed process
// and removes them once their records are persisted. Safe to call at every
// startup; replay is idempotent because the store upserts on
// (task_id, step_number).
func RecoverSpilledSteps(ctx context.Context, spillDir string, store TaskStore) (int, error) {
	matches, err := filepath.Glob(filepath.Join(spillDir, "*.spill"))
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, path := range matches {
		recs, err := readSpillRecords(path)
		if err != nil {
			LogWarn("tracker").Err(err).Str("path", path).Msg("failed to read spill file")
			continue
		}
		if len(recs) == 0 {
			os.Remove(path)
			continue
		}
		taskID := recs[0].TaskID
		if taskID == "" {
			taskID = strings.TrimSuffix(filepath.Base(path), ".spill")
		}
		if err := store.AppendSteps(ctx, taskID, recs); err != nil {
			LogError("tracker").Err(err).Str("taskId", taskID).Msg("spill recovery write failed")
			continue
		}
		recovered += len(recs)
		os.Remove(path)
	}
	return recovered, nil
}

// EncodePNGBase64 is a small helper for building model messages from
// screenshot bytes.
func EncodePNGBase64(png []byte) string {
	return base64.StdEncoding.EncodeToString(png)
}
