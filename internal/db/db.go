package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "scanline.db"

type Config struct {
	Dataset string
}

func dbPath(dataset string) string {
	if dataset == "" {
		dataset = "."
	}
	return filepath.Join(dataset, ".scanline", defaultDBName)
}

// EnsureWorkspace creates the .scanline directory if missing.
func EnsureWorkspace(dataset string) (string, error) {
	path := filepath.Join(dataset, ".scanline")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Dataset); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", dbPath(cfg.Dataset))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for a dataset root.
func Path(dataset string) string {
	return dbPath(dataset)
}
