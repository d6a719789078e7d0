package responder

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"chatnerd/internal/logging"
)

// RuleWatcher reloads a rules file into a RuleSet when it changes on disk.
// A file that fails to parse leaves the previous snapshot in place.
type RuleWatcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	path     string
	set      *RuleSet
	debounce time.Duration
	reloads  int
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}

	// OnReload is called after every successful reload.
	OnReload func(rules []Rule)
}

// NewRuleWatcher creates a watcher for path feeding set.
func NewRuleWatcher(path string, set *RuleSet) (*RuleWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return &RuleWatcher{
		watcher:  w,
		path:     abs,
		set:      set,
		debounce: 200 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start watches the file's directory, so editors that replace the file are seen too.
func (rw *RuleWatcher) Start(ctx context.Context) error {
	rw.mu.Lock()
	if rw.running {
		rw.mu.Unlock()
		return nil
	}
	rw.running = true
	rw.mu.Unlock()

	if err := rw.watcher.Add(filepath.Dir(rw.path)); err != nil {
		rw.mu.Lock()
		rw.running = false
		rw.mu.Unlock()
		return err
	}
	logging.Responder("watching rules file %s", rw.path)
	go rw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for its loop to exit.
func (rw *RuleWatcher) Stop() {
	rw.mu.Lock()
	running := rw.running
	rw.running = false
	rw.mu.Unlock()

	if running {
		close(rw.stopCh)
		<-rw.doneCh
	}
	if err := rw.watcher.Close(); err != nil {
		logging.ResponderError("closing rules watcher: %v", err)
	}
}

// Reloads counts successful reloads.
func (rw *RuleWatcher) Reloads() int {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.reloads
}

func (rw *RuleWatcher) run(ctx context.Context) {
	defer close(rw.doneCh)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-rw.stopCh:
			return
		case ev, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != rw.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			// rapid saves collapse into one reload
			pending = time.After(rw.debounce)
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			logging.ResponderError("rules watcher: %v", err)
		case <-pending:
			pending = nil
			rw.reload()
		}
	}
}

func (rw *RuleWatcher) reload() {
	rules, err := LoadRules(rw.path)
	if err != nil {
		logging.ResponderError("keeping previous rules: %v", err)
		return
	}
	rw.set.Store(rules)
	rw.mu.Lock()
	rw.reloads++
	hook := rw.OnReload
	rw.mu.Unlock()
	logging.Responder("reloaded %d rules from %s", len(rules), rw.path)
	if hook != nil {
		hook(rules)
	}
}
