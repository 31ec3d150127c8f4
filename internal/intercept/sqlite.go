package intercept

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DefaultSQLitePath is used when no path is configured.
const DefaultSQLitePath = ".cache/coinwatch-intercept.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS intercept_entries (
	namespace  TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	status     INTEGER NOT NULL,
	header     TEXT    NOT NULL,
	body       BLOB    NOT NULL,
	cached_at  INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
)`

// SQLiteStore implements Store on a local SQLite database so entries survive
// restarts and can be served by the interception daemon while the dashboard
// is not running.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
// It enables WAL mode so the daemon and the dashboard can read concurrently.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultSQLitePath
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite only allows one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create intercept_entries table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	var (
		status   int
		header   string
		body     []byte
		cachedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, header, body, cached_at FROM intercept_entries WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&status, &header, &body, &cachedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read intercept entry: %w", err)
	}

	entry := &Entry{
		Namespace: namespace,
		Key:       key,
		Status:    status,
		Body:      body,
		CachedAt:  time.UnixMilli(cachedAt),
	}
	if err := json.Unmarshal([]byte(header), &entry.Header); err != nil {
		return nil, fmt.Errorf("failed to decode stored headers: %w", err)
	}
	return entry, nil
}

// Put upserts the entry; SQLite applies the single statement atomically.
func (s *SQLiteStore) Put(ctx context.Context, entry *Entry) error {
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}
	body := entry.Body
	if body == nil {
		body = []byte{}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO intercept_entries (namespace, key, status, header, body, cached_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET
			status = excluded.status,
			header = excluded.header,
			body = excluded.body,
			cached_at = excluded.cached_at`,
		entry.Namespace, entry.Key, entry.Status, string(header), body, entry.CachedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to write intercept entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT namespace FROM intercept_entries ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("failed to scan namespace: %w", err)
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteNamespace(ctx context.Context, namespace string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM intercept_entries WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("failed to delete namespace %s: %w", namespace, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
