package datastore

import (
	"fmt"
	"sync"

	"github.com/linxGnu/grocksdb"
)

type RocksDB struct {
	mu        sync.RWMutex
	db        *grocksdb.DB
	readOpts  *grocksdb.ReadOptions
	writeOpts *grocksdb.WriteOptions
	closed    bool
}

func NewRocksDB(path string) (*RocksDB, error) {
	opts := grocksdb.NewDefaultOptions()
	defer opts.Destroy()
	opts.SetCreateIfMissing(true)
	db, err := grocksdb.OpenDb(opts, path)
	if err != nil {
		return nil, fmt.Errorf("open rocksdb %s: %w", path, err)
	}
	return &RocksDB{
		db:        db,
		readOpts:  grocksdb.NewDefaultReadOptions(),
		writeOpts: grocksdb.NewDefaultWriteOptions(),
	}, nil
}

func (r *RocksDB) Get(key string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return "", false, ErrClosed
	}
	v, err := r.db.Get(r.readOpts, []byte(key))
	if err != nil {
		return "", false, err
	}
	defer v.Free()
	if !v.Exists() {
		return "", false, nil
	}
	// string() copies out of the C-owned slice before Free.
	return string(v.Data()), true, nil
}

func (r *RocksDB) Put(key, value string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return r.db.Put(r.writeOpts, []byte(key), []byte(value))
}

func (r *RocksDB) Delete(key string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return r.db.Delete(r.writeOpts, []byte(key))
}

func (r *RocksDB) Keys(prefix string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	var keys []string
	it := r.db.NewIterator(r.readOpts)
	defer it.Close()
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		k := it.Key()
		keys = append(keys, string(k.Data()))
		k.Free()
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("iterate rocksdb: %w", err)
	}
	return keys, nil
}

func (r *RocksDB) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.readOpts.Destroy()
	r.writeOpts.Destroy()
	r.db.Close()
	return nil
}
