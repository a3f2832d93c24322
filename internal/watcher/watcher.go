// Package watcher reports Ruby file changes in a workspace so the
// server can re-index files edited outside the client.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/scan"
)

const debounceWindow = 200 * time.Millisecond

// Op describes what happened to a file.
type Op int

const (
	OpModified Op = iota
	OpCreated
	OpDeleted
)

func (o Op) String() string {
	switch o {
	case OpCreated:
		return "created"
	case OpDeleted:
		return "deleted"
	default:
		return "modified"
	}
}

// Event is one debounced file change.
type Event struct {
	Path string
	Op   Op
}

// ChangeFunc receives a debounced batch of changes.
type ChangeFunc func(ctx context.Context, events []Event) error

// Watcher follows a workspace tree with fsnotify and coalesces bursts
// of events into single callbacks.
type Watcher struct {
	root     string
	fn       ChangeFunc
	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]Op
	timer   *time.Timer
	fire    chan struct{}
}

// New creates a Watcher over root. fn is called after each quiet period
// with the accumulated changes.
func New(root string, fn ChangeFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:     root,
		fn:       fn,
		fsw:      fsw,
		debounce: debounceWindow,
		pending:  make(map[string]Op),
		fire:     make(chan struct{}, 1),
	}
	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree registers root and every non-skipped subdirectory. fsnotify
// watches are not recursive.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && scan.SkipDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// Run blocks until ctx is cancelled, dispatching debounced batches.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher.error", "err", err)
		case <-w.fire:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !scan.SkipDir(filepath.Base(ev.Name)) {
				w.addTree(ev.Name)
			}
			return
		}
	}
	if !scan.IsRubyFile(ev.Name) {
		return
	}

	var op Op
	switch {
	case ev.Op.Has(fsnotify.Create):
		op = OpCreated
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		op = OpDeleted
	case ev.Op.Has(fsnotify.Write):
		op = OpModified
	default:
		return
	}

	w.mu.Lock()
	// Created then modified within one window stays created; anything
	// followed by a delete is a delete.
	prev, seen := w.pending[ev.Name]
	switch {
	case op == OpDeleted:
		w.pending[ev.Name] = OpDeleted
	case seen && prev == OpCreated:
	default:
		w.pending[ev.Name] = op
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case w.fire <- struct{}{}:
		default:
		}
	})
	w.mu.Unlock()
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	events := make([]Event, 0, len(w.pending))
	for path, op := range w.pending {
		events = append(events, Event{Path: path, Op: op})
	}
	w.pending = make(map[string]Op)
	w.mu.Unlock()

	slog.Debug("watcher.changed", "events", len(events))
	if err := w.fn(ctx, events); err != nil {
		slog.Warn("watcher.apply", "err", err)
	}
}
