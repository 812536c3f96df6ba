// Package watcher turns file-system notifications into coalesced change
// events and applies them to a workspace index.
package watcher

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/yoanbernabeu/codegrep/indexer"
)

const DefaultDebounce = 500 * time.Millisecond

type EventType int

const (
	EventCreate EventType = iota
	EventModify
	EventDelete
	EventRename
)

type FileEvent struct {
	Type EventType
	Path string // relative to the workspace root, slash separated
}

// Watcher watches every admitted directory of a workspace, following
// directory symlinks the way the walker does. Notifications for one path are
// collapsed until no new one arrived for the debounce window.
type Watcher struct {
	root     string
	watcher  *fsnotify.Watcher
	walker   *indexer.Walker
	debounce time.Duration
	events   chan FileEvent
	done     chan struct{}
	closed   sync.Once

	// Debouncing state: one deadline per path, one timer for the earliest.
	pending   map[string]pendingEvent
	pendingMu sync.Mutex
	timer     *time.Timer
}

type pendingEvent struct {
	event    FileEvent
	deadline time.Time
}

func NewWatcher(walker *indexer.Walker, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Watcher{
		root:     walker.Root(),
		watcher:  fsw,
		walker:   walker,
		debounce: debounce,
		events:   make(chan FileEvent, 256),
		done:     make(chan struct{}),
		pending:  make(map[string]pendingEvent),
	}, nil
}

// Start registers the workspace directories and begins processing
// notifications until ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addTree(ctx, "", false); err != nil {
		return err
	}

	go w.processEvents(ctx)
	return nil
}

// Events delivers coalesced events. It is never closed; stop reading when
// Close has been called.
func (w *Watcher) Events() <-chan FileEvent {
	return w.events
}

// Done is closed by Close.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Pending returns the number of paths waiting for their debounce window.
func (w *Watcher) Pending() int {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	return len(w.pending)
}

func (w *Watcher) Close() error {
	var err error
	w.closed.Do(func() {
		close(w.done)
		w.pendingMu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.pendingMu.Unlock()
		err = w.watcher.Close()
	})
	return err
}

// addTree watches rel and its admitted subdirectories. With emit set, every
// file found is queued as created, for directories that appeared after
// Start and may already hold files.
func (w *Watcher) addTree(ctx context.Context, rel string, emit bool) error {
	return w.walker.WalkTree(ctx, rel, indexer.Visitor{
		Dir: func(abs, _ string) {
			if err := w.watcher.Add(abs); err != nil {
				log.Printf("Failed to watch %s: %v", abs, err)
			}
		},
		File: func(c indexer.Candidate) error {
			if emit {
				w.debounceEvent(FileEvent{Type: EventCreate, Path: c.Path})
			}
			return nil
		},
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	relPath, err := filepath.Rel(w.root, event.Name)
	if err != nil || relPath == "." || strings.HasPrefix(relPath, "..") {
		return
	}
	relPath = filepath.ToSlash(relPath)

	if w.walker.Pruned(relPath) {
		return
	}

	// New directory created, add to watcher
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(ctx, relPath, true); err != nil {
				log.Printf("Failed to add new directory %s: %v", event.Name, err)
			}
			return
		}
	}

	var evType EventType
	switch {
	case event.Has(fsnotify.Remove):
		evType = EventDelete
	case event.Has(fsnotify.Rename):
		evType = EventRename
	case event.Has(fsnotify.Create):
		evType = EventCreate
	case event.Has(fsnotify.Write):
		evType = EventModify
	default:
		return
	}

	// Deletes may name a directory, which the extension rules say nothing about.
	if (evType == EventCreate || evType == EventModify) && w.walker.Excluded(relPath) {
		return
	}

	w.debounceEvent(FileEvent{
		Type: evType,
		Path: relPath,
	})
}

func (w *Watcher) debounceEvent(event FileEvent) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}

	// The latest notification wins; the updater reads the file's current
	// state anyway.
	w.pending[event.Path] = pendingEvent{event: event, deadline: time.Now().Add(w.debounce)}
	w.scheduleLocked()
}

// scheduleLocked arms the timer for the earliest pending deadline.
func (w *Watcher) scheduleLocked() {
	if len(w.pending) == 0 {
		return
	}
	var earliest time.Time
	for _, p := range w.pending {
		if earliest.IsZero() || p.deadline.Before(earliest) {
			earliest = p.deadline
		}
	}
	wait := time.Until(earliest)
	if wait < 0 {
		wait = 0
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(wait, w.flush)
		return
	}
	w.timer.Reset(wait)
}

func (w *Watcher) flush() {
	now := time.Now()

	w.pendingMu.Lock()
	var events []FileEvent
	for path, p := range w.pending {
		if !p.deadline.After(now) {
			events = append(events, p.event)
			delete(w.pending, path)
		}
	}
	w.scheduleLocked()
	w.pendingMu.Unlock()

	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	for _, event := range events {
		select {
		case w.events <- event:
		case <-w.done:
			return
		}
	}
}

func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "CREATE"
	case EventModify:
		return "MODIFY"
	case EventDelete:
		return "DELETE"
	case EventRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}
