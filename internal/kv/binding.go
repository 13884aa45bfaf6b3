package kv

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

type BindOption[T any] func(*Binding[T])

// WithCodec replaces the JSON codec.
func WithCodec[T any](c Codec[T]) BindOption[T] {
	return func(b *Binding[T]) { b.codec = c }
}

// WithValidator rejects decoded values; rejected stored content reads as the default.
func WithValidator[T any](fn func(T) error) BindOption[T] {
	return func(b *Binding[T]) { b.validate = fn }
}

// Binding is one key bound to an in-memory value.
type Binding[T any] struct {
	store    *Store
	group    *group
	id       uint64
	key      string
	nskey    string
	def      T
	codec    Codec[T]
	validate func(T) error
	log      *zap.Logger

	mu    sync.Mutex
	value T
	// raw is the stored text value was derived from, nil when nothing is stored.
	raw       *string
	watchers  map[uint64]func(T)
	nextWatch uint64
	closed    bool
}

// Bind reads key from storage and returns a binding holding its value, or def
// when nothing usable is stored. The only errors are an empty key and a closed store.
func Bind[T any](s *Store, key string, def T, opts ...BindOption[T]) (*Binding[T], error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	b := &Binding[T]{
		store:    s,
		key:      key,
		nskey:    NamespacedKey(key),
		def:      def,
		codec:    JSONCodec[T]{},
		value:    def,
		watchers: make(map[uint64]func(T)),
	}
	for _, o := range opts {
		o(b)
	}
	b.log = s.log.With(zap.String("key", key))

	id, g, err := s.join(b.nskey, b)
	if err != nil {
		return nil, err
	}
	b.id, b.group = id, g

	// Joined first, so a change landing during the read is not lost; the read
	// wins since storage already holds that change.
	g.mu.Lock()
	b.mu.Lock()
	b.value, b.raw = b.load()
	b.mu.Unlock()
	g.mu.Unlock()
	return b, nil
}

func (b *Binding[T]) load() (T, *string) {
	v, ok, err := b.store.port.Get(b.nskey)
	if err != nil {
		b.log.Warn("reading stored value failed, using default", zap.Error(err))
		return b.def, nil
	}
	if !ok {
		return b.def, nil
	}
	return b.decode(v), &v
}

// decode turns stored text into a value, falling back to the default.
func (b *Binding[T]) decode(raw string) T {
	if raw == "" {
		return b.def
	}
	v, err := b.codec.Decode(raw)
	if errors.Is(err, ErrNull) {
		b.log.Debug("null stored, using default")
		return b.def
	}
	if err != nil {
		b.log.Warn("stored value is unreadable, using default", zap.Error(err))
		return b.def
	}
	if b.validate != nil {
		if err := b.validate(v); err != nil {
			b.log.Warn("stored value rejected, using default", zap.Error(err))
			return b.def
		}
	}
	return v
}

func (b *Binding[T]) Key() string { return b.key }

// Get returns the current in-memory value.
func (b *Binding[T]) Get() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// Set stores v.
func (b *Binding[T]) Set(v T) {
	b.commit(func(T) T { return v })
}

// Update stores fn applied to the current in-memory value. It is atomic with
// respect to this context only; another context may write in between.
// fn may call Get but must not write to any binding of the same key.
func (b *Binding[T]) Update(fn func(current T) T) {
	b.commit(fn)
}

func (b *Binding[T]) commit(fn func(T) T) {
	run(b.write(fn))
}

// write holds the group lock for the whole write and b.mu only around
// reads and updates of the binding's own state, so fn runs unlocked.
func (b *Binding[T]) write(fn func(T) T) []func() {
	b.group.mu.Lock()
	defer b.group.mu.Unlock()

	b.mu.Lock()
	closed, current := b.closed, b.value
	b.mu.Unlock()
	if closed {
		b.log.Warn("write on closed binding ignored")
		return nil
	}

	next := fn(current)
	raw, err := b.codec.Encode(next)
	if err != nil {
		b.log.Warn("value cannot be serialized, keeping previous value", zap.Error(err))
		return nil
	}
	if err := b.store.port.Set(b.nskey, raw); err != nil {
		b.log.Warn("writing value failed, keeping previous value", zap.Error(err))
		return nil
	}

	b.mu.Lock()
	b.value, b.raw = next, &raw
	notify := []func(){b.notification(next)}
	b.mu.Unlock()
	return append(notify, fanOut(b.group, b.id, &raw)...)
}

// Clear removes the stored value and resets to the default.
func (b *Binding[T]) Clear() {
	run(b.clear())
}

func (b *Binding[T]) clear() []func() {
	b.group.mu.Lock()
	defer b.group.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.log.Warn("clear on closed binding ignored")
		return nil
	}
	if err := b.store.port.Remove(b.nskey); err != nil {
		b.log.Warn("removing value failed, keeping previous value", zap.Error(err))
		return nil
	}
	var notify []func()
	if b.raw != nil {
		notify = append(notify, b.notification(b.def))
	}
	b.value, b.raw = b.def, nil
	return append(notify, fanOut(b.group, b.id, nil)...)
}

func (b *Binding[T]) apply(raw *string) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || sameRaw(b.raw, raw) {
		return nil
	}
	next := b.def
	if raw != nil {
		next = b.decode(*raw)
	}
	b.value, b.raw = next, raw
	return b.notification(next)
}

// Watch calls fn with the new value after every change, local or external.
// Calls happen on the goroutine that made or delivered the change.
func (b *Binding[T]) Watch(fn func(T)) (cancel func()) {
	b.mu.Lock()
	id := b.nextWatch
	b.nextWatch++
	b.watchers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.watchers, id)
			b.mu.Unlock()
		})
	}
}

// notification snapshots the watchers. b.mu must be held.
func (b *Binding[T]) notification(v T) func() {
	if len(b.watchers) == 0 {
		return func() {}
	}
	fns := make([]func(T), 0, len(b.watchers))
	for _, fn := range b.watchers {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn(v)
		}
	}
}

// Close detaches the binding from its store. The last value stays readable.
func (b *Binding[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.watchers = make(map[uint64]func(T))
	b.mu.Unlock()
	b.store.leave(b.group, b.id)
}

func sameRaw(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
