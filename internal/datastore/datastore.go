// Package datastore is the configuration database of a controller. Every
// committed write is handed to a hook so the replication journal can mirror
// it to the other controller.
package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO required)

	"github.com/ozanturksever/failover-manager/internal/ha"
)

var (
	// ErrNoFailoverRow is returned when the failover settings row is missing.
	ErrNoFailoverRow = errors.New("failover settings not initialized")
	// ErrCorruptCopy is returned by Restore when the received file fails
	// the SQLite integrity check.
	ErrCorruptCopy = errors.New("received database failed integrity check")
)

// Hook receives committed writes in commit order.
type Hook interface {
	Push(st ha.Statement)
	PushReset()
}

// Settings is the administrative failover configuration.
type Settings struct {
	Disabled   bool    `json:"disabled"`
	MasterNode ha.Node `json:"masterNode"`
	Timeout    int     `json:"timeout"`
}

// Interface is a network interface as far as failover cares.
type Interface struct {
	Name     string `json:"name"`
	Critical bool   `json:"critical"`
	VIP      string `json:"vip,omitempty"`
}

// tables are copied as a whole when a database is received from the peer.
var tables = []string{"system_failover", "storage_volume", "network_interfaces"}

const schema = `
CREATE TABLE IF NOT EXISTS system_failover (
    id INTEGER PRIMARY KEY,
    disabled INTEGER NOT NULL DEFAULT 0,
    master_node TEXT NOT NULL DEFAULT '',
    timeout INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS storage_volume (
    id INTEGER PRIMARY KEY,
    vol_name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS network_interfaces (
    id INTEGER PRIMARY KEY,
    int_interface TEXT NOT NULL UNIQUE,
    int_critical INTEGER NOT NULL DEFAULT 0,
    int_vip TEXT NOT NULL DEFAULT ''
);
INSERT OR IGNORE INTO system_failover (id, disabled, master_node, timeout) VALUES (1, 1, '', 0);
`

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	hook   Hook
	logger *slog.Logger

	// writeMu orders commits with hook pushes and fences snapshots.
	writeMu sync.Mutex
}

// Open opens (creating if needed) the database at path and applies the
// schema. hook may be nil.
func Open(ctx context.Context, path string, hook Hook) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{
		db:     db,
		hook:   hook,
		logger: slog.Default().With("component", "datastore"),
	}
	s.logger.Info("database opened", "path", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Exec runs a write locally and, once committed, hands it to the hook.
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	st, err := ha.NewStatement(query, args...)
	if err != nil {
		return fmt.Errorf("build statement: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, st.SQL, st.Args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if s.hook != nil {
		s.hook.Push(st)
	}
	return nil
}

// ApplyStatement runs a statement replicated from the other controller.
// It is never handed to the hook.
func (s *Store) ApplyStatement(ctx context.Context, st ha.Statement) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, st.SQL, st.Args...); err != nil {
		return fmt.Errorf("apply replicated statement: %w", err)
	}
	return nil
}

// Snapshot writes a consistent copy of the database to dst and emits the
// journal reset marker at the same point in the write order, so every
// write before the marker is contained in the copy.
func (s *Store) Snapshot(ctx context.Context, dst string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = os.Remove(dst)
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("snapshot database: %w", err)
	}
	if s.hook != nil {
		s.hook.PushReset()
	}
	s.logger.Info("database snapshot written", "path", dst)
	return nil
}

// Restore replaces the content of every replicated table with the content
// of the database file at src.
func (s *Store) Restore(ctx context.Context, src string) (err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS incoming", src); err != nil {
		return fmt.Errorf("attach received database: %w", err)
	}
	defer func() {
		if _, derr := conn.ExecContext(context.Background(), "DETACH DATABASE incoming"); derr != nil && err == nil {
			err = fmt.Errorf("detach received database: %w", derr)
		}
	}()

	var result string
	if err := conn.QueryRowContext(ctx, "PRAGMA incoming.integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		s.logger.Error("received database integrity check failed", "source", src, "result", result)
		return fmt.Errorf("%w: %s", ErrCorruptCopy, result)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin restore: %w", err)
	}
	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM main."+t); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("clear %s: %w", t, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO main.%s SELECT * FROM incoming.%s", t, t)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("copy %s: %w", t, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit restore: %w", err)
	}

	s.logger.Info("database restored from peer copy", "source", src)
	return nil
}
