package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS kv_changes (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    key TEXT NOT NULL
);
`

// ChangeLogSize is how many rows kv_changes keeps before pruning the oldest.
const ChangeLogSize = 4096

// SQLite persists entries in a single table. Several processes may open the
// same file; WAL mode and the busy timeout keep their writes from failing
// under light contention. Every write also appends the key to kv_changes, which
// ChangedKeys reads so other processes can follow the file.
type SQLite struct {
	sqlDB *sql.DB
	keep  int64
}

func NewSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}
	return &SQLite{sqlDB: sqlDB, keep: ChangeLogSize}, nil
}

func (s *SQLite) Get(key string) (string, bool, error) {
	if s.sqlDB == nil {
		return "", false, ErrClosed
	}
	var value string
	err := s.sqlDB.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLite) Put(key, value string) error {
	if s.sqlDB == nil {
		return ErrClosed
	}
	err := s.change(key, `
INSERT INTO kv (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(key string) error {
	if s.sqlDB == nil {
		return ErrClosed
	}
	if err := s.change(key, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// change runs query and records key in kv_changes in one transaction. A query
// that touches no row records nothing.
func (s *SQLite) change(key, query string, args ...any) error {
	tx, err := s.sqlDB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return tx.Commit()
	}

	res, err = tx.Exec(`INSERT INTO kv_changes (key) VALUES (?)`, key)
	if err != nil {
		return fmt.Errorf("record change: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("record change: %w", err)
	}
	if seq > s.keep {
		if _, err := tx.Exec(`DELETE FROM kv_changes WHERE seq <= ?`, seq-s.keep); err != nil {
			return fmt.Errorf("prune changes: %w", err)
		}
	}
	return tx.Commit()
}

// ChangedKeys returns the keys written or deleted after cursor since, each
// once and ordered by its latest change, and the cursor to pass next time.
// truncated reports that changes after since were pruned, or that since is
// ahead of the log, so keys may be incomplete.
func (s *SQLite) ChangedKeys(ctx context.Context, since uint64) (keys []string, next uint64, truncated bool, err error) {
	if s.sqlDB == nil {
		return nil, 0, false, ErrClosed
	}
	tx, err := s.sqlDB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, false, fmt.Errorf("read changes: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var first, last uint64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MIN(seq), 0), COALESCE(MAX(seq), 0) FROM kv_changes`).Scan(&first, &last); err != nil {
		return nil, 0, false, fmt.Errorf("read change log head: %w", err)
	}
	if since > last || first > since+1 {
		truncated = true
	}
	if since >= last {
		return nil, last, truncated, nil
	}

	rows, err := tx.QueryContext(ctx, `
SELECT key, MAX(seq) AS latest FROM kv_changes
WHERE seq > ? AND seq <= ?
GROUP BY key ORDER BY latest`, since, last)
	if err != nil {
		return nil, 0, false, fmt.Errorf("read changes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k      string
			latest uint64
		)
		if err := rows.Scan(&k, &latest); err != nil {
			return nil, 0, false, fmt.Errorf("scan change: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, false, err
	}
	return keys, last, truncated, nil
}

func (s *SQLite) Keys(prefix string) ([]string, error) {
	if s.sqlDB == nil {
		return nil, ErrClosed
	}
	// Byte-wise prefix match; LIKE would treat '%' and '_' in prefixes as wildcards.
	rows, err := s.sqlDB.Query(
		`SELECT key FROM kv WHERE substr(CAST(key AS BLOB), 1, ?) = CAST(? AS BLOB) ORDER BY key`,
		len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLite) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	err := s.sqlDB.Close()
	s.sqlDB = nil
	return err
}
