package datastore

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	dirEntryPrefix = "k_"
	dirTempPattern = ".tmp-*"
)

// Dir keeps one file per key inside a directory. Writes go through a temp file
// and a rename, so a reader in another process sees either the old or the new
// content, never a torn write.
type Dir struct {
	mu     sync.RWMutex
	path   string
	closed bool
}

func NewDir(path string) (*Dir, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(clean, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Dir{path: clean}, nil
}

// Path is the watched directory.
func (d *Dir) Path() string { return d.path }

// FileName maps a key to its file name inside the directory.
func FileName(key string) string {
	return dirEntryPrefix + url.PathEscape(key)
}

// KeyFromFileName reverses FileName. ok is false for files that do not hold an entry.
func KeyFromFileName(name string) (string, bool) {
	name = filepath.Base(name)
	if !strings.HasPrefix(name, dirEntryPrefix) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimPrefix(name, dirEntryPrefix))
	if err != nil {
		return "", false
	}
	return key, true
}

func (d *Dir) Get(key string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return "", false, ErrClosed
	}
	b, err := os.ReadFile(filepath.Join(d.path, FileName(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %q: %w", key, err)
	}
	return string(b), true, nil
}

func (d *Dir) Put(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	tmp, err := os.CreateTemp(d.path, dirTempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(d.path, FileName(key))); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %q: %w", key, err)
	}
	return nil
}

func (d *Dir) Delete(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	err := os.Remove(filepath.Join(d.path, FileName(key)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (d *Dir) Keys(prefix string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, ok := KeyFromFileName(e.Name())
		if ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
