package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Config locates a database file. Relative paths resolve against Workspace.
type Config struct {
	Workspace string
	Name      string
}

func dbPath(cfg Config) string {
	workspace := cfg.Workspace
	if workspace == "" {
		workspace = "."
	}
	if filepath.IsAbs(cfg.Name) {
		return cfg.Name
	}
	return filepath.Join(workspace, cfg.Name)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", err
	}
	return workspace, nil
}

// Open opens the read-write outreach database with foreign keys on. Several
// batch processes may share the file, so writers wait on the lock instead of
// failing immediately.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(filepath.Dir(dbPath(cfg))); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath(cfg))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// OpenReadOnly opens a database owned by another subsystem. The file must exist.
func OpenReadOnly(cfg Config) (*sql.DB, error) {
	path := dbPath(cfg)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the resolved db path.
func Path(cfg Config) string {
	return dbPath(cfg)
}
