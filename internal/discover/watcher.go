package discover

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes a workspace tree and reports changed files in
// debounced batches. Bursts of events (saves, branch switches, build
// output) collapse into one callback per quiet interval.
type Watcher struct {
	fsw      *fsnotify.Watcher
	root     string
	exclude  []string
	debounce time.Duration
	onChange func(paths []string)
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher starts watching root recursively, skipping excluded
// directories. onChange receives each debounced batch of absolute paths
// on its own goroutine.
func NewWatcher(root string, exclude []string, debounce time.Duration, onChange func(paths []string), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		fsw:      fsw,
		root:     absRoot,
		exclude:  exclude,
		debounce: debounce,
		onChange: onChange,
		logger:   logger.With("component", "watcher"),
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}

	if err := w.addRecursive(absRoot); err != nil {
		fsw.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// addRecursive registers root and every non-excluded subdirectory.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(w.root, path)
		if rerr == nil && rel != "." && dirExcluded(w.exclude, filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}
		if werr := w.fsw.Add(path); werr != nil {
			w.logger.Debug("cannot watch directory", "path", path, "error", werr)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if matchAny(w.exclude, rel) || dirExcluded(w.exclude, rel) {
		return
	}

	// New directories join the watch set so their contents are seen.
	if event.Op.Has(fsnotify.Create) && IsDir(event.Name) {
		if err := w.addRecursive(event.Name); err != nil {
			w.logger.Debug("cannot watch new directory", "path", event.Name, "error", err)
		}
		return
	}
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[event.Name] = struct{}{}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.flush)
	} else {
		w.timer.Reset(w.debounce)
	}
}

// flush delivers the accumulated batch after a quiet interval.
func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}
	w.onChange(paths)
}

// Close stops the watcher and discards any pending batch.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}
