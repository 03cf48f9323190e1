package discover

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// batchCollector records debounced change batches.
type batchCollector struct {
	mu      sync.Mutex
	batches [][]string
}

func (c *batchCollector) collect(paths []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, paths)
}

func (c *batchCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *batchCollector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func waitForBatches(t *testing.T, c *batchCollector, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d batches, have %d", n, c.count())
}

func TestWatcherReportsChanges(t *testing.T) {
	root := t.TempDir()
	c := &batchCollector{}

	w, err := NewWatcher(root, nil, 20*time.Millisecond, c.collect, discardLogger())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	path := filepath.Join(root, "main.go")
	if err := os.WriteFile(path, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitForBatches(t, c, 1, 2*time.Second)

	found := false
	for _, p := range c.all() {
		if p == path {
			found = true
		}
	}
	if !found {
		t.Errorf("batches %v missing %s", c.all(), path)
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	root := t.TempDir()
	c := &batchCollector{}

	w, err := NewWatcher(root, nil, 50*time.Millisecond, c.collect, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// A burst of writes within the debounce window.
	for i := 0; i < 5; i++ {
		path := filepath.Join(root, "f.go")
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	waitForBatches(t, c, 1, 2*time.Second)
	// The whole burst must have collapsed into a single batch.
	time.Sleep(100 * time.Millisecond)
	if n := c.count(); n != 1 {
		t.Errorf("batches = %d, want 1", n)
	}
}

func TestWatcherIgnoresExcluded(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	c := &batchCollector{}

	w, err := NewWatcher(root, []string{"**/.git/**"}, 20*time.Millisecond, c.collect, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "kept.go"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitForBatches(t, c, 1, 2*time.Second)
	for _, p := range c.all() {
		if filepath.Base(p) == "HEAD" {
			t.Errorf("excluded path reported: %s", p)
		}
	}
}

func TestWatcherPicksUpNewDirectories(t *testing.T) {
	root := t.TempDir()
	c := &batchCollector{}

	w, err := NewWatcher(root, nil, 20*time.Millisecond, c.collect, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	sub := filepath.Join(root, "pkg")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to register the new directory.
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(sub, "new.go")
	if err := os.WriteFile(path, []byte("package pkg\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitForBatches(t, c, 1, 2*time.Second)
	found := false
	for _, p := range c.all() {
		if p == path {
			found = true
		}
	}
	if !found {
		t.Errorf("batches %v missing %s", c.all(), path)
	}
}

func TestWatcherCloseStopsDelivery(t *testing.T) {
	root := t.TempDir()
	c := &batchCollector{}

	w, err := NewWatcher(root, nil, 10*time.Millisecond, c.collect, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := os.WriteFile(filepath.Join(root, "late.go"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := c.count(); n != 0 {
		t.Errorf("batches after Close = %d, want 0", n)
	}
}
