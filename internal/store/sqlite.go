// Package store opens the station's local SQLite database, which holds the
// durable sync queue and the guest cache.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Open opens (creating if needed) the station database at dbPath, applies
// pragmas and runs migrations.
//
// A database that fails its integrity check or cannot be migrated is moved
// aside to "<path>.corrupt-<unix>" and a fresh one is created in its place.
// Losing unsynced events is preferred over a process that cannot start.
func Open(dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := open(dbPath)
	if err == nil {
		return db, nil
	}
	if !errors.Is(err, ErrCorrupt) || dbPath == ":memory:" {
		return nil, err
	}

	moved, mvErr := quarantine(dbPath, time.Now())
	if mvErr != nil {
		return nil, fmt.Errorf("quarantine corrupt database: %w", mvErr)
	}
	slog.Warn("station database discarded",
		"component", "store",
		"path", dbPath,
		"moved_to", moved,
		"error", err,
	)

	return open(dbPath)
}

func open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: enable pragmas: %v", ErrCorrupt, err)
	}

	if err := checkIntegrity(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	return db, nil
}

// enablePragmas sets SQLite pragmas for durability and concurrent readers.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=FULL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

func checkIntegrity(db *sql.DB) error {
	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: quick_check: %v", ErrCorrupt, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: quick_check: %s", ErrCorrupt, result)
	}
	return nil
}

// quarantine renames the database file and its WAL sidecars out of the way.
func quarantine(dbPath string, now time.Time) (string, error) {
	target := fmt.Sprintf("%s.corrupt-%d", dbPath, now.Unix())
	if err := os.Rename(dbPath, target); err != nil && !os.IsNotExist(err) {
		return "", err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Rename(dbPath+suffix, target+suffix); err != nil && !os.IsNotExist(err) {
			return "", err
		}
	}
	return target, nil
}
