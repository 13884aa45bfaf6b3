package storage

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/UltraSive/kvstate/internal/datastore"
)

type Option func(*Shared)

func WithLogger(l *zap.Logger) Option {
	return func(s *Shared) {
		if l != nil {
			s.log = l
		}
	}
}

// WithJournal records every published change in j.
func WithJournal(j *Journal) Option {
	return func(s *Shared) { s.journal = j }
}

// Shared is one backing store shared by any number of execution contexts.
type Shared struct {
	ds      datastore.Datastore
	log     *zap.Logger
	journal *Journal

	// mu serializes writes and publication so every context sees changes in
	// the same order the backend applied them.
	mu sync.Mutex
	// seen holds the last raw value this process wrote or was told about per
	// key. External notifications matching it are echoes and get dropped.
	seen map[string]*string

	ctxMu    sync.RWMutex
	contexts map[string]*Context
}

func NewShared(ds datastore.Datastore, opts ...Option) *Shared {
	s := &Shared{
		ds:       ds,
		log:      zap.NewNop(),
		seen:     make(map[string]*string),
		contexts: make(map[string]*Context),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Journal returns the change journal, or nil when none was configured.
func (s *Shared) Journal() *Journal { return s.journal }

// Open starts a new execution context.
func (s *Shared) Open() *Context {
	c := newContext(uuid.NewString(), s)
	s.ctxMu.Lock()
	s.contexts[c.id] = c
	s.ctxMu.Unlock()
	go c.dispatch()
	s.log.Debug("context opened", zap.String("context", c.id))
	return c
}

func (s *Shared) Get(key string) (string, bool, error) {
	v, ok, err := s.ds.Get(key)
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return v, ok, nil
}

func (s *Shared) Keys(prefix string) ([]string, error) {
	keys, err := s.ds.Keys(prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// Put writes value under key on behalf of origin.
func (s *Shared) Put(origin, key, value string) error {
	return s.write(origin, key, &value)
}

// Delete removes key on behalf of origin. Removing an absent key is a no-op.
func (s *Shared) Delete(origin, key string) error {
	return s.write(origin, key, nil)
}

func (s *Shared) write(origin, key string, value *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var old *string
	if v, ok, err := s.ds.Get(key); err != nil {
		return fmt.Errorf("read %q before write: %w", key, err)
	} else if ok {
		old = ptr(v)
	}

	if value == nil {
		if err := s.ds.Delete(key); err != nil {
			return fmt.Errorf("delete %q: %w", key, err)
		}
	} else {
		if err := s.ds.Put(key, *value); err != nil {
			return fmt.Errorf("put %q: %w", key, err)
		}
	}
	s.seen[key] = value
	s.supersede(origin, key)

	if samePtr(old, value) {
		return nil
	}
	s.publish(Event{Key: key, OldValue: old, NewValue: value, Origin: origin})
	return nil
}

// Notify delivers a change made outside this process. Changes that do not
// move key away from the last value this process saw are dropped.
func (s *Shared) Notify(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, known := s.seen[ev.Key]; known {
		if samePtr(prev, ev.NewValue) {
			s.log.Debug("dropping echoed change", zap.String("key", ev.Key))
			return
		}
		ev.OldValue = prev
	}
	s.seen[ev.Key] = ev.NewValue
	s.publish(ev)
}

// Refresh re-reads key from the backend and notifies contexts if it changed
// behind this process's back.
func (s *Shared) Refresh(key string) error {
	v, ok, err := s.ds.Get(key)
	if err != nil {
		return fmt.Errorf("refresh %q: %w", key, err)
	}
	ev := Event{Key: key}
	if ok {
		ev.NewValue = ptr(v)
	}
	s.Notify(ev)
	return nil
}

// supersede drops changes to key still queued for the writing context: its
// own write landed after them. s.mu must be held.
func (s *Shared) supersede(origin, key string) {
	s.ctxMu.RLock()
	c := s.contexts[origin]
	s.ctxMu.RUnlock()
	if c != nil {
		c.drop(key)
	}
}

// publish must be called with s.mu held.
func (s *Shared) publish(ev Event) {
	if s.journal != nil {
		s.journal.Append(ev)
	}
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	for id, c := range s.contexts {
		if id == ev.Origin {
			continue
		}
		c.enqueue(ev)
	}
}

func (s *Shared) detach(id string) {
	s.ctxMu.Lock()
	delete(s.contexts, id)
	s.ctxMu.Unlock()
}

// Close closes every open context. The datastore stays open; its owner closes it.
func (s *Shared) Close() {
	s.ctxMu.RLock()
	open := make([]*Context, 0, len(s.contexts))
	for _, c := range s.contexts {
		open = append(open, c)
	}
	s.ctxMu.RUnlock()
	for _, c := range open {
		c.Close()
	}
}
