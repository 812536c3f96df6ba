package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yoanbernabeu/codegrep/index"
	"github.com/yoanbernabeu/codegrep/indexer"
	"github.com/yoanbernabeu/codegrep/metrics"
)

// Action is what an applied change did to the index.
type Action string

const (
	ActionAdded   Action = "added"
	ActionUpdated Action = "updated"
	ActionRemoved Action = "removed"
)

// Change is one document mutation applied by the updater.
type Change struct {
	Path   string    `json:"path"`
	Action Action    `json:"action"`
	Time   time.Time `json:"time"`
}

// State is the updater's position in its cycle.
type State int32

const (
	StateIdle State = iota
	StateDetecting
	StateApplying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDetecting:
		return "detecting"
	case StateApplying:
		return "applying"
	default:
		return "unknown"
	}
}

// UpdaterConfig wires an Updater.
type UpdaterConfig struct {
	Indexer *indexer.Indexer
	Index   *index.Index
	Metrics *metrics.Metrics

	// Persist is called after each applied batch that changed the index.
	Persist func() error

	// OnChange receives every applied change.
	OnChange func(Change)

	// OnWarning receives paths that could not be indexed.
	OnWarning func(indexer.Warning)
}

// Updater is the single consumer of a Watcher's events. Each event re-runs
// the admission checks on its path and then replaces or removes the
// document, so the index always follows the file's current state.
type Updater struct {
	cfg   UpdaterConfig
	state atomic.Int32

	mu      sync.Mutex
	applied int
	lastErr error
}

func NewUpdater(cfg UpdaterConfig) *Updater {
	return &Updater{cfg: cfg}
}

// State returns the current state. Events still inside their debounce
// window count as detecting.
func (u *Updater) State(w *Watcher) State {
	s := State(u.state.Load())
	if s == StateIdle && w != nil && (w.Pending() > 0 || len(w.events) > 0) {
		return StateDetecting
	}
	return s
}

// Applied returns the number of changes applied so far.
func (u *Updater) Applied() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.applied
}

// LastError returns the last persistence failure, if any.
func (u *Updater) LastError() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastErr
}

// Run consumes w's events until ctx is done or w is closed. Events already
// queued when one arrives are applied in the same batch, followed by one
// persist.
func (u *Updater) Run(ctx context.Context, w *Watcher) error {
	for {
		u.state.Store(int32(StateIdle))

		var first FileEvent
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.Done():
			return nil
		case first = <-w.Events():
		}

		u.state.Store(int32(StateDetecting))
		batch := []FileEvent{first}
	drain:
		for {
			select {
			case ev := <-w.Events():
				batch = append(batch, ev)
			default:
				break drain
			}
		}

		u.state.Store(int32(StateApplying))
		var changed bool
		for _, ev := range batch {
			if len(u.Apply(ctx, ev)) > 0 {
				changed = true
			}
		}
		if changed {
			u.persist()
		}
	}
}

func (u *Updater) persist() {
	if u.cfg.Persist == nil {
		return
	}
	err := u.cfg.Persist()
	if err != nil {
		log.Printf("Failed to persist index: %v", err)
	}
	u.mu.Lock()
	u.lastErr = err
	u.mu.Unlock()
}

// Apply brings the document at ev.Path in line with the file system and
// returns the resulting changes. A path that is gone and names a directory
// removes every document below it.
func (u *Updater) Apply(ctx context.Context, ev FileEvent) []Change {
	var changes []Change
	now := time.Now()

	f, err := u.cfg.Indexer.Admit(ev.Path)
	switch {
	case err == nil:
		if !u.cfg.Indexer.NeedsReindex(f) {
			return nil
		}
		action := ActionAdded
		if _, ok := u.cfg.Index.Documents().Get(f.Path); ok {
			action = ActionUpdated
		}
		if _, err := u.cfg.Indexer.IndexFile(ctx, f); err != nil {
			log.Printf("Warning: %v", err)
		}
		changes = append(changes, Change{Path: f.Path, Action: action, Time: now})

	case errors.Is(err, fs.ErrNotExist):
		if u.cfg.Indexer.RemoveFile(ev.Path) {
			changes = append(changes, Change{Path: ev.Path, Action: ActionRemoved, Time: now})
			break
		}
		for _, path := range u.cfg.Index.Documents().List() {
			if index.HasPathPrefix(path, ev.Path) && u.cfg.Indexer.RemoveFile(path) {
				changes = append(changes, Change{Path: path, Action: ActionRemoved, Time: now})
			}
		}

	case errors.Is(err, indexer.ErrExcluded):
		if u.cfg.Indexer.RemoveFile(ev.Path) {
			changes = append(changes, Change{Path: ev.Path, Action: ActionRemoved, Time: now})
		}

	default:
		var warn *indexer.Warning
		if errors.As(err, &warn) {
			log.Printf("Warning: skipping %v", warn)
			u.cfg.Metrics.Warning(string(warn.Kind))
			if u.cfg.OnWarning != nil {
				u.cfg.OnWarning(*warn)
			}
		} else {
			log.Printf("Failed to index %s: %v", ev.Path, err)
		}
		if u.cfg.Indexer.RemoveFile(ev.Path) {
			changes = append(changes, Change{Path: ev.Path, Action: ActionRemoved, Time: now})
		}
	}

	u.mu.Lock()
	u.applied += len(changes)
	u.mu.Unlock()
	for _, c := range changes {
		u.cfg.Metrics.WatchEvent(string(c.Action))
		if u.cfg.OnChange != nil {
			u.cfg.OnChange(c)
		}
	}
	return changes
}
