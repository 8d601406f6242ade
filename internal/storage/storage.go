// Package storage provides the durable key-value store backing the
// permission ledger and the installed MCP server manifests. Values are
// JSON blobs; callers own the schema of what they put under each key.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Well-known keys.
const (
	KeyOriginPermissions = "harbor_origin_permissions"
	KeyMcpServers        = "harbor_mcp_servers"

	// Legacy key migrated into KeyMcpServers on open.
	legacyWasmServersKey = "harbor_wasm_servers"
)

// ErrNotFound is returned by Get when the key has never been set.
var ErrNotFound = errors.New("storage: key not found")

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
`

// Store is a sqlite-backed KV store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at homeDir/harbor.db and runs
// the one-time legacy-key migration.
func Open(homeDir string) (*Store, error) {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}
	dbPath := filepath.Join(homeDir, "harbor.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrateLegacyServers(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory store for tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get unmarshals the value stored under key into out.
func (s *Store) Get(ctx context.Context, key string, out any) error {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %q: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}
	return nil
}

// Set marshals value and stores it under key, replacing any prior value.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now');
	`, key, string(b))
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting a missing key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// migrateLegacyServers moves the old WASM-only server list under the
// current manifest key. Runs once; the legacy key is deleted afterwards.
func (s *Store) migrateLegacyServers(ctx context.Context) error {
	var legacy json.RawMessage
	err := s.Get(ctx, legacyWasmServersKey, &legacy)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read legacy server list: %w", err)
	}

	var current json.RawMessage
	err = s.Get(ctx, KeyMcpServers, &current)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	// Only migrate when the new key is empty; never clobber newer data.
	if errors.Is(err, ErrNotFound) {
		if err := s.Set(ctx, KeyMcpServers, legacy); err != nil {
			return fmt.Errorf("migrate legacy server list: %w", err)
		}
	}
	return s.Delete(ctx, legacyWasmServersKey)
}
