package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/yoanbernabeu/codegrep/embedder"
	"github.com/yoanbernabeu/codegrep/indexer"
	"github.com/yoanbernabeu/codegrep/watcher"
	"github.com/yoanbernabeu/codegrep/workspace"
)

const (
	changeBuffer = 1024
	maxWarnings  = 1000
)

// WatchHandle is a running watch on one workspace. It owns the writer lock
// of the workspace index until it is closed.
type WatchHandle struct {
	ID            string
	WorkspaceID   string
	WorkspacePath string

	// Initial is the catch-up run made before watching started.
	Initial *IndexReport

	engine  *Engine
	ws      *workspace.Workspace
	watcher *watcher.Watcher
	updater *watcher.Updater
	changes chan watcher.Change
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	err      error
	warnings []indexer.Warning
}

// Watch opens the workspace at path for writing, indexes whatever changed
// since the last run and then applies file-system changes as they happen.
// The watch stops when ctx is done or the handle is closed.
func (e *Engine) Watch(ctx context.Context, path string) (*WatchHandle, error) {
	canonical, cfg, err := e.resolve(path)
	if err != nil {
		return nil, err
	}
	ws, rebuilt, err := e.openWritable(ctx, canonical, cfg, false)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*WatchHandle, error) {
		ws.Close()
		return nil, err
	}

	// Only an index built with embeddings keeps embedding new content.
	var emb embedder.Embedder
	vecs := ws.Vectors()
	if vecs != nil {
		var model string
		emb, model, err = e.readyEmbedder(ctx, cfg)
		switch {
		case err != nil:
			log.Printf("Warning: watching %s without embeddings: %v", canonical, err)
			emb = nil
		case model != ws.Meta().EmbeddingModel:
			log.Printf("Warning: index embeddings were made by %s, configured model is %s; new content is not embedded", ws.Meta().EmbeddingModel, model)
			emb = nil
		}
	}

	ix, err := e.newIndexer(ws, cfg, vecs, emb)
	if err != nil {
		return fail(err)
	}
	w, err := watcher.NewWatcher(ix.Walker(), cfg.Watch.Debounce())
	if err != nil {
		return fail(fmt.Errorf("failed to create watcher: %w", err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := w.Start(runCtx); err != nil {
		cancel()
		w.Close()
		return fail(fmt.Errorf("failed to start watcher: %w", err))
	}

	// Files changed while nothing was watching. Events raised from here on
	// are queued and re-checked by the updater.
	res, err := ix.IndexAll(runCtx, nil)
	if err == nil {
		err = ws.Save()
	}
	if err != nil {
		cancel()
		w.Close()
		return fail(err)
	}

	h := &WatchHandle{
		ID:            uuid.NewString(),
		WorkspaceID:   ws.ID(),
		WorkspacePath: ws.Path(),
		Initial: &IndexReport{
			WorkspaceID:        ws.ID(),
			WorkspacePath:      ws.Path(),
			DocumentsIndexed:   res.DocumentsIndexed,
			DocumentsUnchanged: res.DocumentsUnchanged,
			DocumentsRemoved:   res.DocumentsRemoved,
			ChunksIndexed:      res.ChunksIndexed,
			Embedded:           res.Embedded,
			Skipped:            res.Skipped,
			Warnings:           res.Warnings,
			EmbeddingError:     res.EmbeddingError,
			Rebuilt:            rebuilt,
			DurationMs:         res.Duration.Milliseconds(),
		},
		engine:  e,
		ws:      ws,
		watcher: w,
		changes: make(chan watcher.Change, changeBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	h.updater = watcher.NewUpdater(watcher.UpdaterConfig{
		Indexer: ix,
		Index:   ws.Index(),
		Metrics: e.metrics,
		Persist: func() error {
			if emb != nil {
				saveEmbeddingCache(emb)
			}
			return ws.Save()
		},
		OnChange:  h.emit,
		OnWarning: h.warn,
	})

	e.mu.Lock()
	e.watches[h.WorkspaceID] = h
	e.mu.Unlock()
	e.dropSnapshot(h.WorkspaceID)

	log.Printf("Watching %s (%d documents indexed, %d removed)", canonical, res.DocumentsIndexed, res.DocumentsRemoved)
	go h.run(runCtx)
	return h, nil
}

func (h *WatchHandle) run(ctx context.Context) {
	defer close(h.done)

	err := h.updater.Run(ctx, h.watcher)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	h.watcher.Close()

	h.engine.mu.Lock()
	if h.engine.watches[h.WorkspaceID] == h {
		delete(h.engine.watches, h.WorkspaceID)
	}
	h.engine.mu.Unlock()

	if unlockErr := h.ws.Close(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	close(h.changes)

	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// emit never blocks the updater. A consumer that falls behind misses
// changes; the index itself is still updated.
func (h *WatchHandle) emit(c watcher.Change) {
	select {
	case h.changes <- c:
	default:
		log.Printf("Warning: change feed full, dropping %s %s", c.Action, c.Path)
	}
}

func (h *WatchHandle) warn(w indexer.Warning) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.warnings) < maxWarnings {
		h.warnings = append(h.warnings, w)
	}
}

// Changes delivers every applied change. It is closed when the watch ends.
func (h *WatchHandle) Changes() <-chan watcher.Change {
	return h.changes
}

// Done is closed when the watch has ended.
func (h *WatchHandle) Done() <-chan struct{} {
	return h.done
}

// State returns the updater state.
func (h *WatchHandle) State() watcher.State {
	return h.updater.State(h.watcher)
}

// Applied returns the number of changes applied since the watch started.
func (h *WatchHandle) Applied() int {
	return h.updater.Applied()
}

// Warnings returns the paths skipped while watching.
func (h *WatchHandle) Warnings() []indexer.Warning {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]indexer.Warning(nil), h.warnings...)
}

// Err returns why the watch ended, once Done is closed.
func (h *WatchHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Close stops the watch and waits for the last batch to be saved.
func (h *WatchHandle) Close() error {
	h.cancel()
	<-h.done
	return h.Err()
}
