// Package watcher reports changes made to the record files of a munki
// repository, including changes made behind the store's back (a git pull,
// an admin editing files by hand).
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/schaermu/munkirepo/internal/pliststore"
)

// Op is the kind of change reported for a record.
type Op string

const (
	OpCreate Op = "create"
	OpWrite  Op = "write"
	OpRemove Op = "remove"
)

// Event describes a change to one record file.
type Event struct {
	ID   string
	Kind string
	Path string // slash separated, relative to the kind directory
	Op   Op
	Time time.Time
}

// pending is a debounced event waiting for its timer.
type pending struct {
	event Event
	timer *time.Timer
}

// Watcher watches the kind directories below a repository root.
type Watcher struct {
	root     string
	kinds    map[string]bool
	debounce time.Duration
	logger   *slog.Logger

	fsw     *fsnotify.Watcher
	dirs    map[string]bool
	pending map[string]*pending
	fire    chan string
	ready   chan struct{}
	done    chan struct{}
}

// New creates a watcher for the given kinds below root.
func New(root string, kinds []string, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	set := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return &Watcher{
		root:     root,
		kinds:    set,
		debounce: debounce,
		logger:   logger,
		dirs:     make(map[string]bool),
		pending:  make(map[string]*pending),
		fire:     make(chan string, 64),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Ready is closed once all existing kind directories are being watched,
// or when Run fails before getting there.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches until ctx is cancelled, calling emit for each debounced
// change. emit is only ever called from the goroutine running Run. A
// Watcher can be run once. Kind directories that do not exist are skipped.
func (w *Watcher) Run(ctx context.Context, emit func(Event)) error {
	defer close(w.done)
	var readyOnce sync.Once
	markReady := func() { readyOnce.Do(func() { close(w.ready) }) }
	defer markReady()

	if info, err := os.Stat(w.root); err != nil {
		return fmt.Errorf("failed to access repository root: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("repository root %s is not a directory", w.root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	w.fsw = fsw
	defer func() {
		_ = fsw.Close()
	}()

	for kind := range w.kinds {
		kindDir := filepath.Join(w.root, kind)
		info, err := os.Stat(kindDir)
		if err != nil || !info.IsDir() {
			w.logger.Debug("kind directory missing, not watching it", "kind", kind, "dir", kindDir)
			continue
		}
		if err := w.addTree(kindDir, false); err != nil {
			return fmt.Errorf("failed to watch %s: %w", kindDir, err)
		}
	}
	w.logger.Info("watching repository", "root", w.root, "directories", len(w.dirs))
	markReady()

	for {
		select {
		case <-ctx.Done():
			for _, p := range w.pending {
				p.timer.Stop()
			}
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)

		case path := <-w.fire:
			p, ok := w.pending[path]
			if !ok {
				continue
			}
			delete(w.pending, path)
			emit(p.event)
		}
	}
}

// handle translates one fsnotify event into a pending record event.
func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !w.watchable(ev.Name) {
				return
			}
			if err := w.addTree(ev.Name, true); err != nil {
				w.logger.Warn("failed to watch new directory", "dir", ev.Name, "error", err)
			}
			return
		}
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if w.dirs[ev.Name] {
			delete(w.dirs, ev.Name)
			return
		}
	}

	kind, rel, ok := w.classify(ev.Name)
	if !ok {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		w.schedule(ev.Name, kind, rel, OpCreate)
	case ev.Has(fsnotify.Write):
		w.schedule(ev.Name, kind, rel, OpWrite)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.schedule(ev.Name, kind, rel, OpRemove)
	}
}

// classify maps an absolute path to its kind and record path, rejecting
// paths List would not report.
func (w *Watcher) classify(path string) (kind, rel string, ok bool) {
	r, err := filepath.Rel(w.root, path)
	if err != nil || r == "." || strings.HasPrefix(r, "..") {
		return "", "", false
	}
	parts := strings.Split(filepath.ToSlash(r), "/")
	if len(parts) < 2 || !w.kinds[parts[0]] {
		return "", "", false
	}
	for _, dir := range parts[1 : len(parts)-1] {
		if pliststore.IsControlDir(dir) {
			return "", "", false
		}
	}
	name := parts[len(parts)-1]
	if pliststore.IsHidden(name) {
		return "", "", false
	}
	return parts[0], strings.Join(parts[1:], "/"), true
}

// schedule records an event for path and (re)starts its debounce timer. A
// write following a create within the window is still reported as a create.
func (w *Watcher) schedule(path, kind, rel string, op Op) {
	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
		if !(p.event.Op == OpCreate && op == OpWrite) {
			p.event.Op = op
		}
		p.event.Time = time.Now()
		p.timer = w.after(path)
		return
	}

	w.pending[path] = &pending{
		event: Event{
			ID:   uuid.NewString(),
			Kind: kind,
			Path: rel,
			Op:   op,
			Time: time.Now(),
		},
		timer: w.after(path),
	}
}

func (w *Watcher) after(path string) *time.Timer {
	return time.AfterFunc(w.debounce, func() {
		select {
		case w.fire <- path:
		case <-w.done:
		}
	})
}

// addTree watches dir and every directory below it, skipping control
// directories. When announce is set, files already present are reported as
// created, covering files written before the watch was in place.
func (w *Watcher) addTree(dir string, announce bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != dir && pliststore.IsControlDir(d.Name()) {
				return filepath.SkipDir
			}
			if !w.watchable(path) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(path); err != nil {
				return err
			}
			w.dirs[path] = true
			return nil
		}
		if announce {
			if kind, rel, ok := w.classify(path); ok {
				w.schedule(path, kind, rel, OpCreate)
			}
		}
		return nil
	})
}

// watchable accepts kind directories and directories below them that are
// not inside a control directory.
func (w *Watcher) watchable(dir string) bool {
	r, err := filepath.Rel(w.root, dir)
	if err != nil || strings.HasPrefix(r, "..") {
		return false
	}
	parts := strings.Split(filepath.ToSlash(r), "/")
	if !w.kinds[parts[0]] {
		return false
	}
	for _, name := range parts[1:] {
		if pliststore.IsControlDir(name) {
			return false
		}
	}
	return true
}
