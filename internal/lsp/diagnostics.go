package lsp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// diagEntry is the cached diagnostics for one open document.
type diagEntry struct {
	diagnostics []Diagnostic
	receivedAt  time.Time
}

// DiagnosticsCache stores the latest push-published diagnostics per open
// document. Each publish replaces the previous set wholesale; an empty
// publish is meaningful (the document is clean) and is cached, not
// dropped. Entries exist only for documents the tracker has open.
type DiagnosticsCache struct {
	mu      sync.Mutex
	entries map[string]*diagEntry
	waiters map[string][]chan struct{}
	isOpen  func(path string) bool
	logger  *slog.Logger
}

// NewDiagnosticsCache creates an empty cache. isOpen gates publishes so
// a late publish for an already-closed document cannot resurrect state.
func NewDiagnosticsCache(isOpen func(path string) bool, logger *slog.Logger) *DiagnosticsCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiagnosticsCache{
		entries: make(map[string]*diagEntry),
		waiters: make(map[string][]chan struct{}),
		isOpen:  isOpen,
		logger:  logger.With("component", "diagnostics"),
	}
}

// HandleNotification is the transport handler for
// textDocument/publishDiagnostics.
func (c *DiagnosticsCache) HandleNotification(method string, params json.RawMessage) {
	var p PublishDiagnosticsParams
	if err := json.Unmarshal(params, &p); err != nil {
		c.logger.Warn("malformed publishDiagnostics", "error", err)
		return
	}
	c.publish(URIToFilePath(p.URI), p.Diagnostics)
}

// publish replaces the diagnostics for path and wakes any waiters.
// Publishes for unopened documents are discarded.
func (c *DiagnosticsCache) publish(path string, diagnostics []Diagnostic) {
	c.mu.Lock()
	if c.isOpen != nil && !c.isOpen(path) {
		c.mu.Unlock()
		c.logger.Debug("discarding diagnostics for closed document", "path", path)
		return
	}
	if diagnostics == nil {
		diagnostics = []Diagnostic{}
	}
	c.entries[path] = &diagEntry{diagnostics: diagnostics, receivedAt: time.Now()}
	waiters := c.waiters[path]
	delete(c.waiters, path)
	c.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// Get returns the cached diagnostics for path and whether any publish has
// been received since the document was opened.
func (c *DiagnosticsCache) Get(path string) ([]Diagnostic, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[path]
	if !ok {
		return nil, false
	}
	out := make([]Diagnostic, len(entry.diagnostics))
	copy(out, entry.diagnostics)
	return out, true
}

// ReceivedAt returns when the cached entry for path was published.
func (c *DiagnosticsCache) ReceivedAt(path string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[path]
	if !ok {
		return time.Time{}, false
	}
	return entry.receivedAt, true
}

// Subscribe registers interest in the next publish for path before any
// action that may trigger it, so the publish cannot slip in between. The
// returned wait blocks until that publish arrives or its ctx expires,
// and must be called exactly once.
func (c *DiagnosticsCache) Subscribe(path string) func(ctx context.Context) error {
	ch := make(chan struct{})
	c.mu.Lock()
	c.waiters[path] = append(c.waiters[path], ch)
	c.mu.Unlock()

	return func(ctx context.Context) error {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			c.removeWaiter(path, ch)
			return ctx.Err()
		}
	}
}

// WaitForUpdate blocks until the next publish for path arrives or ctx
// expires. Used by forced refresh to give the engine a bounded chance to
// deliver fresh results before falling back to the cache.
func (c *DiagnosticsCache) WaitForUpdate(ctx context.Context, path string) error {
	return c.Subscribe(path)(ctx)
}

func (c *DiagnosticsCache) removeWaiter(path string, ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.waiters[path]
	for i, w := range ws {
		if w == ch {
			c.waiters[path] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(c.waiters[path]) == 0 {
		delete(c.waiters, path)
	}
}

// ClearForFile drops the entry for path. Called when the document is
// closed or evicted so the cache never holds state for unopened files.
func (c *DiagnosticsCache) ClearForFile(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}

// Clear drops every entry. Called on engine crash: a fresh engine will
// republish for reopened documents.
func (c *DiagnosticsCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*diagEntry)
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *DiagnosticsCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
