package storage

import "sync"

// Context is one execution context on a Shared store. It implements Port.
type Context struct {
	id     string
	shared *Shared

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	subs    map[uint64]func(Event)
	nextSub uint64
	closed  bool
	done    chan struct{}
}

var _ Port = (*Context)(nil)

func newContext(id string, s *Shared) *Context {
	c := &Context{
		id:     id,
		shared: s,
		subs:   make(map[uint64]func(Event)),
		done:   make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ID identifies this context as the Origin of the changes it makes.
func (c *Context) ID() string { return c.id }

func (c *Context) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Context) Get(key string) (string, bool, error) {
	if c.isClosed() {
		return "", false, ErrClosed
	}
	return c.shared.Get(key)
}

func (c *Context) Set(key, value string) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.shared.Put(c.id, key, value)
}

func (c *Context) Remove(key string) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.shared.Delete(c.id, key)
}

func (c *Context) Keys() ([]string, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.shared.Keys("")
}

func (c *Context) Subscribe(fn func(Event)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

func (c *Context) enqueue(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.queue = append(c.queue, ev)
	c.cond.Signal()
}

// drop removes queued events for key.
func (c *Context) drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.queue[:0]
	for _, ev := range c.queue {
		if ev.Key != key {
			kept = append(kept, ev)
		}
	}
	clear(c.queue[len(kept):])
	c.queue = kept
}

// dispatch delivers queued events one at a time, outside the lock, so a
// subscriber may call back into the context.
func (c *Context) dispatch() {
	defer close(c.done)
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.queue = nil
			c.mu.Unlock()
			return
		}
		ev := c.queue[0]
		c.queue[0] = Event{}
		c.queue = c.queue[1:]
		subs := make([]func(Event), 0, len(c.subs))
		for _, fn := range c.subs {
			subs = append(subs, fn)
		}
		c.mu.Unlock()

		for _, fn := range subs {
			fn(ev)
		}
	}
}

// Close detaches the context and stops delivery. Pending events are dropped.
// It waits for an in-flight delivery, so it must not be called from a subscriber.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	c.shared.detach(c.id)
	<-c.done
}
