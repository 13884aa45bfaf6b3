package datastore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrClosed is returned by every operation on a datastore after Close.
var ErrClosed = errors.New("datastore closed")

// Datastore defines the minimal operations we need from a durable backend.
// Values are raw strings; callers own their encoding.
type Datastore interface {
	Get(key string) (string, bool, error)
	Put(key, value string) error
	Delete(key string) error
	// Keys returns the sorted keys starting with prefix. An empty prefix lists everything.
	Keys(prefix string) ([]string, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory  = "memory"
	BackendRocksDB = "rocksdb"
	BackendSQLite  = "sqlite"
	BackendDir     = "dir"
)

// Backends lists every backend Open understands.
var Backends = []string{BackendMemory, BackendRocksDB, BackendSQLite, BackendDir}

// Open creates the named backend under dataPath. SQLite keeps a single
// kvstate.db file there, RocksDB and Dir use subdirectories.
func Open(backend, dataPath string) (Datastore, error) {
	switch backend {
	case BackendMemory:
		return NewMemory(), nil
	case BackendRocksDB:
		if err := os.MkdirAll(dataPath, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return NewRocksDB(filepath.Join(dataPath, "rocksdb"))
	case BackendSQLite:
		if err := os.MkdirAll(dataPath, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return NewSQLite(filepath.Join(dataPath, "kvstate.db"))
	case BackendDir:
		return NewDir(filepath.Join(dataPath, "entries"))
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}
