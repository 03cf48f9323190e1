package lsp

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultMaxOpenDocuments bounds engine memory: language servers keep
// full ASTs and type information for every open document.
const DefaultMaxOpenDocuments = 100

// trackedDoc is one document the engine currently has open.
type trackedDoc struct {
	path       string
	uri        DocumentURI
	languageID string
	version    int
	openedAt   time.Time
}

// DocumentTracker mirrors the engine's set of open documents. Opens are
// lazy and deduplicated per file; the set is LRU-bounded, and evicting or
// closing a document notifies the engine and the eviction callback so
// dependent state (diagnostics) stays coherent.
type DocumentTracker struct {
	mu       sync.Mutex
	capacity int
	notify   func(ctx context.Context, method string, params any) error
	onClose  func(path string)
	logger   *slog.Logger

	// order front = most recently used; values are *trackedDoc.
	order *list.List
	docs  map[string]*list.Element

	group singleflight.Group
}

// NewDocumentTracker creates a tracker that sends lifecycle notifications
// through notify. capacity <= 0 uses DefaultMaxOpenDocuments.
func NewDocumentTracker(capacity int, notify func(ctx context.Context, method string, params any) error, logger *slog.Logger) *DocumentTracker {
	if capacity <= 0 {
		capacity = DefaultMaxOpenDocuments
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentTracker{
		capacity: capacity,
		notify:   notify,
		logger:   logger.With("component", "documents"),
		order:    list.New(),
		docs:     make(map[string]*list.Element),
	}
}

// SetOnClose registers the callback invoked whenever a document stops
// being open, by eviction, explicit close, or reopen failure. Must be
// called before the tracker is used.
func (t *DocumentTracker) SetOnClose(fn func(path string)) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

// EnsureOpen guarantees the engine has the document open, opening it on
// first use. Concurrent calls for the same path collapse into a single
// read and a single didOpen. An already-open document is only promoted
// to most recently used.
func (t *DocumentTracker) EnsureOpen(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, ErrValidation)
	}
	abs = filepath.Clean(abs)

	t.mu.Lock()
	if elem, ok := t.docs[abs]; ok {
		t.order.MoveToFront(elem)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	_, err, _ = t.group.Do(abs, func() (any, error) {
		// A concurrent caller may have finished the open while this one
		// was queued on the flight group.
		t.mu.Lock()
		if elem, ok := t.docs[abs]; ok {
			t.order.MoveToFront(elem)
			t.mu.Unlock()
			return nil, nil
		}
		t.mu.Unlock()

		return nil, t.open(ctx, abs)
	})
	return err
}

// open reads the file, evicts past capacity, then notifies the engine
// and inserts the document. Eviction happens first so the engine never
// holds more than capacity documents. Called with mu NOT held.
func (t *DocumentTracker) open(ctx context.Context, abs string) error {
	content, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("read %s: %v: %w", abs, err, ErrFileAccess)
	}

	var evicted []*trackedDoc
	t.mu.Lock()
	for len(t.docs) >= t.capacity {
		oldest := t.order.Back()
		if oldest == nil {
			break
		}
		ev := oldest.Value.(*trackedDoc)
		t.order.Remove(oldest)
		delete(t.docs, ev.path)
		evicted = append(evicted, ev)
	}
	onClose := t.onClose
	t.mu.Unlock()

	for _, ev := range evicted {
		t.logger.Debug("evicting least recently used document", "path", ev.path)
		t.sendDidClose(ctx, ev.uri)
		if onClose != nil {
			onClose(ev.path)
		}
	}

	doc := &trackedDoc{
		path:       abs,
		uri:        FilePathToURI(abs),
		languageID: DetectLanguageID(abs),
		version:    1,
		openedAt:   time.Now(),
	}

	params := DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{
			URI:        doc.uri,
			LanguageID: doc.languageID,
			Version:    doc.version,
			Text:       string(content),
		},
	}
	if err := t.notify(ctx, "textDocument/didOpen", params); err != nil {
		return err
	}

	t.mu.Lock()
	t.docs[abs] = t.order.PushFront(doc)
	t.mu.Unlock()
	return nil
}

// Close explicitly closes a tracked document. Closing an untracked path
// is a no-op.
func (t *DocumentTracker) Close(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, ErrValidation)
	}
	abs = filepath.Clean(abs)

	t.mu.Lock()
	elem, ok := t.docs[abs]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	doc := elem.Value.(*trackedDoc)
	t.order.Remove(elem)
	delete(t.docs, abs)
	onClose := t.onClose
	t.mu.Unlock()

	t.sendDidClose(ctx, doc.uri)
	if onClose != nil {
		onClose(abs)
	}
	return nil
}

// CloseAll closes every tracked document and drops all state. The
// didClose notifications are best-effort; with the engine already gone
// they fail and only the local state is dropped.
func (t *DocumentTracker) CloseAll(ctx context.Context) {
	t.mu.Lock()
	docs := make([]*trackedDoc, 0, len(t.docs))
	for e := t.order.Front(); e != nil; e = e.Next() {
		docs = append(docs, e.Value.(*trackedDoc))
	}
	t.order.Init()
	t.docs = make(map[string]*list.Element)
	onClose := t.onClose
	t.mu.Unlock()

	for _, doc := range docs {
		t.sendDidClose(ctx, doc.uri)
		if onClose != nil {
			onClose(doc.path)
		}
	}
}

// ReopenAll replays didOpen for every tracked document, most recently
// used first. A fresh engine after a restart has no document state; this
// restores it. Files that have since become unreadable are dropped.
func (t *DocumentTracker) ReopenAll(ctx context.Context) {
	t.mu.Lock()
	docs := make([]*trackedDoc, 0, len(t.docs))
	for e := t.order.Front(); e != nil; e = e.Next() {
		docs = append(docs, e.Value.(*trackedDoc))
	}
	t.mu.Unlock()

	for _, doc := range docs {
		content, err := os.ReadFile(doc.path)
		if err != nil {
			t.logger.Warn("dropping unreadable document on reopen", "path", doc.path, "error", err)
			t.drop(doc.path)
			continue
		}

		t.mu.Lock()
		doc.version++
		version := doc.version
		t.mu.Unlock()

		params := DidOpenTextDocumentParams{
			TextDocument: TextDocumentItem{
				URI:        doc.uri,
				LanguageID: doc.languageID,
				Version:    version,
				Text:       string(content),
			},
		}
		if err := t.notify(ctx, "textDocument/didOpen", params); err != nil {
			t.logger.Warn("reopen failed", "path", doc.path, "error", err)
			t.drop(doc.path)
		}
	}
}

// Reopen re-reads an open document from disk and replays didOpen with a
// bumped version, so external edits reach the engine. Untracked paths
// are ignored; a now-unreadable file is dropped.
func (t *DocumentTracker) Reopen(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, ErrValidation)
	}
	abs = filepath.Clean(abs)

	t.mu.Lock()
	elem, ok := t.docs[abs]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	doc := elem.Value.(*trackedDoc)
	t.mu.Unlock()

	content, err := os.ReadFile(abs)
	if err != nil {
		t.logger.Warn("dropping unreadable document on refresh", "path", abs, "error", err)
		t.drop(abs)
		return fmt.Errorf("read %s: %v: %w", abs, err, ErrFileAccess)
	}

	t.mu.Lock()
	doc.version++
	version := doc.version
	t.mu.Unlock()

	return t.notify(ctx, "textDocument/didOpen", DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{
			URI:        doc.uri,
			LanguageID: doc.languageID,
			Version:    version,
			Text:       string(content),
		},
	})
}

// drop removes a document without engine notification.
func (t *DocumentTracker) drop(path string) {
	t.mu.Lock()
	elem, ok := t.docs[path]
	if ok {
		t.order.Remove(elem)
		delete(t.docs, path)
	}
	onClose := t.onClose
	t.mu.Unlock()

	if ok && onClose != nil {
		onClose(path)
	}
}

func (t *DocumentTracker) sendDidClose(ctx context.Context, uri DocumentURI) {
	params := DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	}
	if err := t.notify(ctx, "textDocument/didClose", params); err != nil {
		// Best effort: the engine may already be gone.
		t.logger.Debug("didClose failed", "uri", uri, "error", err)
	}
}

// IsOpen reports whether the path is currently tracked.
func (t *DocumentTracker) IsOpen(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	abs = filepath.Clean(abs)
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.docs[abs]
	return ok
}

// OpenCount returns the number of tracked documents.
func (t *DocumentTracker) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.docs)
}

// OpenPaths returns tracked paths, most recently used first.
func (t *DocumentTracker) OpenPaths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	paths := make([]string, 0, len(t.docs))
	for e := t.order.Front(); e != nil; e = e.Next() {
		paths = append(paths, e.Value.(*trackedDoc).path)
	}
	return paths
}
