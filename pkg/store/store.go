// Package store persists opaque JSON documents keyed by namespace and name.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/modoterra/sractl/pkg/core"
)

// Namespaces used by sractl.
const (
	NamespaceConfigs  = "configs"
	NamespaceSettings = "settings"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	namespace  TEXT NOT NULL,
	name       TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, name)
)`

// Store is a SQLite-backed document store. It is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w: %w", core.ErrIO, err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w: %w", path, core.ErrIO, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store %s: %w: %w", path, core.ErrIO, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w: %w", core.ErrIO, err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func checkKey(namespace, name string) error {
	if strings.TrimSpace(namespace) == "" {
		return fmt.Errorf("namespace is required: %w", core.ErrInvalidArgument)
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("name is required: %w", core.ErrInvalidArgument)
	}
	return nil
}

// Get returns the stored document.
func (s *Store) Get(ctx context.Context, namespace, name string) (json.RawMessage, error) {
	if err := checkKey(namespace, name); err != nil {
		return nil, err
	}
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM documents WHERE namespace = ? AND name = ?`, namespace, name,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", namespace, name, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w: %w", namespace, name, core.ErrIO, err)
	}
	return json.RawMessage(value), nil
}

// Put stores value, replacing any previous document. value must be valid JSON.
func (s *Store) Put(ctx context.Context, namespace, name string, value json.RawMessage) error {
	if err := checkKey(namespace, name); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("%s/%s: value is not valid JSON: %w", namespace, name, core.ErrInvalidArgument)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (namespace, name, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(namespace, name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, name, string(value), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w: %w", namespace, name, core.ErrIO, err)
	}
	return nil
}

// List returns the names in namespace, sorted.
func (s *Store) List(ctx context.Context, namespace string) ([]string, error) {
	if strings.TrimSpace(namespace) == "" {
		return nil, fmt.Errorf("namespace is required: %w", core.ErrInvalidArgument)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM documents WHERE namespace = ? ORDER BY name`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w: %w", namespace, core.ErrIO, err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list %s: %w: %w", namespace, core.ErrIO, err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w: %w", namespace, core.ErrIO, err)
	}
	return names, nil
}

// Delete removes a document. Deleting a missing document returns core.ErrNotFound.
func (s *Store) Delete(ctx context.Context, namespace, name string) error {
	if err := checkKey(namespace, name); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE namespace = ? AND name = ?`, namespace, name)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w: %w", namespace, name, core.ErrIO, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s/%s: %w", namespace, name, core.ErrNotFound)
	}
	return nil
}
