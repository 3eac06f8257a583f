package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ========================================
// Blob store - 截图对象存储
// ========================================

// BlobStore stores opaque bytes under a key and returns a retrieval URL.
// Implementations must be safe for concurrent use.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// StepBlobKey builds the canonical blob key for a step's screenshot.
func StepBlobKey(taskID string, stepNumber int) string {
	return fmt.Sprintf("task/%s/step/%d.png", taskID, stepNumber)
}

// ScreenshotFilename builds the unique per-capture filename used in
// step_update references. The uuid fragment keeps names unique under
// concurrent writers.
func ScreenshotFilename(now time.Time) string {
	return fmt.Sprintf("screenshot_%s_%s.png",
		now.Format("20060102_150405"),
		uuid.New().String()[:8])
}

// LocalBlobStore keeps blobs on the local filesystem and hands out file://
// URLs. It backs the agent when no cloud object store is wired in.
type LocalBlobStore struct {
	root string
}

// NewLocalBlobStore creates the store rooted at dir.
func NewLocalBlobStore(dir string) (*LocalBlobStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &LocalBlobStore{root: abs}, nil
}

func (s *LocalBlobStore) pathFor(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob key: %s", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Put writes the blob and returns its file:// URL.
func (s *LocalBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", cancelledErr("blob_put")
	}
	path, err := s.pathFor(key)
	if err != nil {
		return "", agentErr(KindStoreError, "blob_put", "bad key", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", agentErr(KindStoreError, "blob_put", "mkdir", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", agentErr(KindStoreError, "blob_put", "write", err)
	}
	return "file://" + filepath.ToSlash(path), nil
}

// Delete removes a blob. Missing blobs are not an error.
func (s *LocalBlobStore) Delete(ctx context.Context, key string) error {
	path, err := s.pathFor(key)
	if err != nil {
		return agentErr(KindStoreError, "blob_delete", "bad key", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return agentErr(KindStoreError, "blob_delete", "remove", err)
	}
	return nil
}
