// Package kv binds in-memory values to durable storage under a fixed
// namespace and keeps them in step with changes made by other execution
// contexts sharing that storage.
//
// A Store serves one execution context. Bind a key on it to get a Binding
// holding the current value:
//
//	year, err := kv.Bind(store, "selected-year", 2024)
//	year.Set(2022)          // in memory and in storage "spark-kv:selected-year" = "2022"
//	year.Update(func(y int) int { return y + 1 })
//	year.Clear()            // back to 2024, storage key removed
//
// Storage problems never surface to callers of Set, Update or Clear. They are
// logged and the binding keeps its previous value.
package kv

import (
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/UltraSive/kvstate/internal/storage"
)

// Namespace prefixes every key this package writes.
const Namespace = "spark-kv"

const namespacePrefix = Namespace + ":"

var (
	ErrEmptyKey = errors.New("kv: empty key")
	ErrClosed   = errors.New("kv: store closed")
)

// NamespacedKey is the storage key a binding for key reads and writes.
func NamespacedKey(key string) string {
	return namespacePrefix + key
}

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// member is the type-erased side of a Binding the Store fans changes out to.
type member interface {
	// apply moves the binding to raw (nil for removed) and returns the
	// watcher notification to run once all locks are released, or nil.
	apply(raw *string) func()
}

// group serializes changes to one key within one Store.
type group struct {
	mu      sync.Mutex
	members map[uint64]member
}

type Store struct {
	port   storage.Port
	log    *zap.Logger
	cancel func()

	mu     sync.Mutex
	groups map[string]*group
	nextID uint64
	closed bool
}

// New creates the store for one execution context on port.
func New(port storage.Port, opts ...Option) *Store {
	s := &Store{
		port:   port,
		log:    zap.NewNop(),
		groups: make(map[string]*group),
	}
	for _, o := range opts {
		o(s)
	}
	s.cancel = port.Subscribe(s.onChange)
	return s
}

func (s *Store) join(nskey string, m member) (uint64, *group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, nil, ErrClosed
	}
	g, ok := s.groups[nskey]
	if !ok {
		g = &group{members: make(map[uint64]member)}
		s.groups[nskey] = g
	}
	s.nextID++
	id := s.nextID

	g.mu.Lock()
	g.members[id] = m
	g.mu.Unlock()
	return id, g, nil
}

func (s *Store) leave(g *group, id uint64) {
	g.mu.Lock()
	delete(g.members, id)
	g.mu.Unlock()
}

func (s *Store) group(nskey string) *group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[nskey]
}

// onChange applies a change made by another context.
func (s *Store) onChange(ev storage.Event) {
	if !strings.HasPrefix(ev.Key, namespacePrefix) {
		return
	}
	g := s.group(ev.Key)
	if g == nil {
		return
	}
	s.log.Debug("external change",
		zap.String("key", ev.Key),
		zap.Bool("deleted", ev.Deleted()),
		zap.String("origin", ev.Origin))

	g.mu.Lock()
	notify := fanOut(g, 0, s.current(ev))
	g.mu.Unlock()
	run(notify)
}

// current returns what is stored under ev.Key now. An event may arrive after
// this context wrote the key itself, so the backend wins over ev.NewValue.
// g.mu must be held.
func (s *Store) current(ev storage.Event) *string {
	v, ok, err := s.port.Get(ev.Key)
	if err != nil {
		s.log.Warn("re-reading changed key failed, using the event value",
			zap.String("key", ev.Key), zap.Error(err))
		return ev.NewValue
	}
	if !ok {
		return nil
	}
	return &v
}

// fanOut applies raw to every member of g except skip. g.mu must be held.
func fanOut(g *group, skip uint64, raw *string) []func() {
	var notify []func()
	for id, m := range g.members {
		if id == skip {
			continue
		}
		if fn := m.apply(raw); fn != nil {
			notify = append(notify, fn)
		}
	}
	return notify
}

func run(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// Keys lists the caller-facing keys that currently have a stored value.
func (s *Store) Keys() ([]string, error) {
	raw, err := s.port.Keys()
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, k := range raw {
		if strings.HasPrefix(k, namespacePrefix) {
			keys = append(keys, strings.TrimPrefix(k, namespacePrefix))
		}
	}
	return keys, nil
}

// Close stops listening for external changes. Existing bindings keep their
// last value and can still write.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
}
