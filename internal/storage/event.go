// Package storage is the port the persistent state store is layered on: a
// synchronous string-keyed get/set/remove/enumerate API plus an asynchronous
// change feed.
//
// A Shared wraps one durable datastore. Every execution context (one running
// consumer of the store, the way a browser tab is one consumer of local
// storage) opens its own Context on it. A write made through one Context is
// delivered to every other Context's subscribers and never to the writer.
package storage

import "errors"

// ErrClosed is returned by a Context after Close.
var ErrClosed = errors.New("storage context closed")

// Event describes one change to one key. Values are the raw stored strings.
// A nil NewValue means the key was removed; a nil OldValue means it did not
// exist or its previous content is unknown.
type Event struct {
	Key      string  `json:"key"`
	OldValue *string `json:"old,omitempty"`
	NewValue *string `json:"new"`
	// Origin is the ID of the context that made the change. External changes
	// carry the ID of their remote writer, or nothing.
	Origin string `json:"origin,omitempty"`
}

// Deleted reports whether the event removed its key.
func (e Event) Deleted() bool { return e.NewValue == nil }

// Port is what a state store needs from its backing storage.
type Port interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
	Keys() ([]string, error)
	// Subscribe registers fn for changes made by other contexts. Calls are
	// serialized and arrive in change order.
	Subscribe(fn func(Event)) (cancel func())
}

func ptr(s string) *string { return &s }

func samePtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
