// Package journal replicates local configuration writes to the other
// controller. Writes enter an in-process Queue, the Driver moves them into a
// durable Journal while this node is MASTER, and drains the Journal to the
// peer in commit order.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/ozanturksever/failover-manager/internal/ha"
)

// Journal is the ordered backlog of statements not yet applied on the peer.
// It is owned by a single goroutine and is not safe for concurrent use.
type Journal struct {
	path   string
	logger *slog.Logger

	entries   []ha.Statement
	persisted []ha.Statement
}

// Load reads the journal at path. A missing or unreadable file yields an
// empty journal; only the unreadable case is logged.
func Load(path string, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{path: path, logger: logger}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		logger.Warn("failed to read journal", "path", path, "error", err)
	default:
		var entries []ha.Statement
		if err := json.Unmarshal(data, &entries); err != nil {
			logger.Warn("failed to decode journal, starting empty", "path", path, "error", err)
		} else {
			j.entries = entries
		}
	}

	j.persisted = slices.Clone(j.entries)
	return j
}

// Len returns the number of pending statements.
func (j *Journal) Len() int { return len(j.entries) }

// Peek returns the oldest pending statement.
func (j *Journal) Peek() (ha.Statement, bool) {
	if len(j.entries) == 0 {
		return ha.Statement{}, false
	}
	return j.entries[0], true
}

// Shift drops the oldest pending statement.
func (j *Journal) Shift() {
	if len(j.entries) > 0 {
		j.entries = slices.Clone(j.entries[1:])
	}
}

// Append adds a statement at the tail.
func (j *Journal) Append(st ha.Statement) {
	j.entries = append(j.entries, st)
}

// Clear drops every pending statement.
func (j *Journal) Clear() {
	j.entries = nil
}

// Entries returns a copy of the pending statements in order.
func (j *Journal) Entries() []ha.Statement {
	return slices.Clone(j.entries)
}

// Dirty reports whether memory differs from the last persisted content.
func (j *Journal) Dirty() bool {
	return !slices.EqualFunc(j.entries, j.persisted, ha.Statement.Equal)
}

// Persist writes the journal if it changed since the last successful write.
// The file under the canonical name is only ever replaced whole.
func (j *Journal) Persist() error {
	if !j.Dirty() {
		return nil
	}

	entries := j.entries
	if entries == nil {
		entries = []ha.Statement{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}
	if err := writeFileAtomic(j.path, data, 0600); err != nil {
		return err
	}

	j.persisted = slices.Clone(j.entries)
	return nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create temp journal: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync temp journal: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp journal: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename journal: %w", err)
	}

	// Make the rename itself durable.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
