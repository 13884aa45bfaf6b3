// Package dirwatch turns changes other processes make to a directory-backed
// store into external change notifications.
package dirwatch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/UltraSive/kvstate/internal/datastore"
)

// Refresher re-reads a key and notifies whoever follows it.
// *storage.Shared satisfies it.
type Refresher interface {
	Refresh(key string) error
}

type Option func(*Watcher)

func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// WithDebounce sets how long a key must stay quiet before it is refreshed.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// Watcher follows one directory written by datastore.Dir.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	dir      string
	target   Refresher
	log      *zap.Logger
	debounce time.Duration
	pending  map[string]time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

func New(dir string, target Refresher, opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:  fw,
		dir:      dir,
		target:   target,
		log:      zap.NewNop(),
		debounce: 50 * time.Millisecond,
		pending:  make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching in the background. It returns an error if the
// directory cannot be watched.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	if err := w.watcher.Add(w.dir); err != nil {
		w.mu.Unlock()
		return err
	}
	w.running = true
	w.mu.Unlock()

	w.log.Debug("watching directory", zap.String("dir", w.dir))
	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for its goroutine to exit. Stop on a
// watcher that was never started only releases the fsnotify handle.
func (w *Watcher) Stop() {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	if running {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.watcher.Close(); err != nil {
		w.log.Warn("closing watcher failed", zap.Error(err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	every := w.debounce / 2
	if every < time.Millisecond {
		every = time.Millisecond
	}
	tick := time.NewTicker(every)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", zap.String("dir", w.dir), zap.Error(err))
		case <-tick.C:
			w.flush()
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return
	}
	key, ok := datastore.KeyFromFileName(filepath.Base(ev.Name))
	if !ok {
		return
	}
	w.mu.Lock()
	w.pending[key] = time.Now()
	w.mu.Unlock()
}

// flush refreshes keys that have been quiet for the debounce window.
func (w *Watcher) flush() {
	now := time.Now()
	var ready []string
	w.mu.Lock()
	for key, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			ready = append(ready, key)
			delete(w.pending, key)
		}
	}
	w.mu.Unlock()

	for _, key := range ready {
		if err := w.target.Refresh(key); err != nil {
			w.log.Warn("refreshing changed key failed", zap.String("key", key), zap.Error(err))
		}
	}
}
