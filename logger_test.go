package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

func testLogConfig(t *testing.T) LogConfig {
	t.Helper()
	cfg := DefaultLogConfig()
	cfg.File = true
	cfg.FilePath = filepath.Join(t.TempDir(), "drover.log")
	cfg.MaxBackups = 3
	return cfg
}

func TestPersistentLoggerWritesAndTracksSize(t *testing.T) {
	cfg := testLogConfig(t)
	pl, err := NewPersistentLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer pl.Close()

	line := []byte("hello log line\n")
	if _, err := pl.Write(line); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if pl.size != int64(len(line)) {
		t.Errorf("size tracking off: %d", pl.size)
	}

	data, err := os.ReadFile(cfg.FilePath)
	if err != nil || !bytes.Equal(data, line) {
		t.Errorf("unexpected file contents: %q %v", data, err)
	}
}

func TestPersistentLoggerRotationLadder(t *testing.T) {
	cfg := testLogConfig(t)
	pl, err := NewPersistentLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer pl.Close()

	pl.Write([]byte("first generation\n"))
	if err := pl.rotate(); err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	pl.Write([]byte("second generation\n"))
	if err := pl.rotate(); err != nil {
		t.Fatalf("rotate failed: %v", err)
	}

	// The older generation shifted to .2.gz; the newer sits in .1.gz.
	gz1 := readGzipFile(t, cfg.FilePath+".1.gz")
	gz2 := readGzipFile(t, cfg.FilePath+".2.gz")
	if gz1 != "second generation\n" {
		t.Errorf(".1.gz should hold the latest rotation, got %q", gz1)
	}
	if gz2 != "first generation\n" {
		t.Errorf(".2.gz should hold the older rotation, got %q", gz2)
	}

	// The active file starts fresh after rotation.
	if pl.size != 0 {
		t.Errorf("active file should be empty after rotation, size=%d", pl.size)
	}
}

func TestPersistentLoggerRotationDropsOldestBeyondMaxBackups(t *testing.T) {
	cfg := testLogConfig(t)
	cfg.MaxBackups = 2
	pl, err := NewPersistentLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer pl.Close()

	for i := 0; i < 4; i++ {
		pl.Write([]byte("generation\n"))
		if err := pl.rotate(); err != nil {
			t.Fatalf("rotate %d failed: %v", i, err)
		}
	}

	if _, err := os.Stat(cfg.FilePath + ".1.gz"); err != nil {
		t.Error(".1.gz missing")
	}
	if _, err := os.Stat(cfg.FilePath + ".2.gz"); err != nil {
		t.Error(".2.gz missing")
	}
	if _, err := os.Stat(cfg.FilePath + ".3.gz"); err == nil {
		t.Error("backups beyond MaxBackups must be dropped")
	}
}

func TestPersistentLoggerAutoRotatesOnSize(t *testing.T) {
	cfg := testLogConfig(t)
	cfg.MaxSizeMB = 1
	pl, err := NewPersistentLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer pl.Close()

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	pl.Write(chunk)
	pl.Write(chunk) // crosses 1 MB, must rotate first

	if _, err := os.Stat(cfg.FilePath + ".1.gz"); err != nil {
		t.Error("size threshold should have produced a backup")
	}
	if pl.size != int64(len(chunk)) {
		t.Errorf("active file should hold only the post-rotation write, size=%d", pl.size)
	}
}

func TestPersistentLoggerPrunesOverAgeBackups(t *testing.T) {
	cfg := testLogConfig(t)
	cfg.MaxAgeDays = 1
	pl, err := NewPersistentLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer pl.Close()

	pl.Write([]byte("old\n"))
	if err := pl.rotate(); err != nil {
		t.Fatalf("rotate failed: %v", err)
	}

	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(cfg.FilePath+".1.gz", old, old); err != nil {
		t.Fatal(err)
	}

	pl.prune()
	if _, err := os.Stat(cfg.FilePath + ".1.gz"); err == nil {
		t.Error("over-age backup should have been pruned")
	}
}

func readGzipFile(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("missing %s: %v", path, err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("bad gzip %s: %v", path, err)
	}
	defer gz.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(gz); err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return buf.String()
}
