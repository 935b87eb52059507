package shadow

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mindburn-labs/aegis/pkg/twin"
	_ "modernc.org/sqlite"
)

// DurabilityMirror persists the last-known-good snapshot to a local
// SQLite database so a restarted process has a recent fallback while
// the initial HTTP/event-bus resync completes. It is a cache, never
// the canonical twin copy — spec.md's Non-goals exclude persistence of
// state beyond what the shadow already models as eventual.
type DurabilityMirror struct {
	db *sql.DB
}

// OpenDurabilityMirror opens (creating if needed) the mirror database
// at path.
func OpenDurabilityMirror(path string) (*DurabilityMirror, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("shadow: open durability mirror: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS shadow_snapshot (
	shell_id TEXT PRIMARY KEY,
	shell_json TEXT NOT NULL,
	submodels_json TEXT NOT NULL,
	saved_at INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("shadow: migrate durability mirror: %w", err)
	}
	return &DurabilityMirror{db: db}, nil
}

// Close releases the underlying database handle.
func (d *DurabilityMirror) Close() error { return d.db.Close() }

// Save persists the manager's current state, overwriting any prior
// snapshot for the same shell id.
func (d *DurabilityMirror) Save(m *Manager) error {
	m.mu.RLock()
	shell := m.shell
	submodels := m.submodels
	m.mu.RUnlock()

	shellJSON, err := json.Marshal(shell)
	if err != nil {
		return fmt.Errorf("shadow: marshal shell for mirror: %w", err)
	}
	submodelsJSON, err := json.Marshal(submodels)
	if err != nil {
		return fmt.Errorf("shadow: marshal submodels for mirror: %w", err)
	}

	_, err = d.db.Exec(
		`INSERT INTO shadow_snapshot (shell_id, shell_json, submodels_json, saved_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(shell_id) DO UPDATE SET shell_json=excluded.shell_json,
			submodels_json=excluded.submodels_json, saved_at=excluded.saved_at`,
		shell.ID, string(shellJSON), string(submodelsJSON), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("shadow: save durability mirror: %w", err)
	}
	return nil
}

// MirroredSnapshot is the decoded last-known-good state for a shell id.
type MirroredSnapshot struct {
	Shell     twin.Shell
	Submodels map[string]twin.Submodel
}

// Load retrieves the last mirrored snapshot for shellID, if any. The
// caller seeds a Manager's state from this before Initialize runs, so
// queries have a recent-but-stale answer during the initial resync
// rather than an empty shadow.
func (d *DurabilityMirror) Load(shellID string) (MirroredSnapshot, bool, error) {
	row := d.db.QueryRow(`SELECT shell_json, submodels_json FROM shadow_snapshot WHERE shell_id = ?`, shellID)
	var shellJSON, submodelsJSON string
	if scanErr := row.Scan(&shellJSON, &submodelsJSON); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return MirroredSnapshot{}, false, nil
		}
		return MirroredSnapshot{}, false, fmt.Errorf("shadow: load durability mirror: %w", scanErr)
	}

	var snap MirroredSnapshot
	if err := json.Unmarshal([]byte(shellJSON), &snap.Shell); err != nil {
		return MirroredSnapshot{}, false, fmt.Errorf("shadow: decode mirrored shell: %w", err)
	}
	if err := json.Unmarshal([]byte(submodelsJSON), &snap.Submodels); err != nil {
		return MirroredSnapshot{}, false, fmt.Errorf("shadow: decode mirrored submodels: %w", err)
	}
	return snap, true, nil
}

// SeedFrom initializes a not-yet-initialized Manager's state from a
// mirrored snapshot. It must be called before Initialize.
func (m *Manager) SeedFrom(snap MirroredSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shell = snap.Shell
	m.submodels = snap.Submodels
	if m.submodels == nil {
		m.submodels = make(map[string]twin.Submodel)
	}
}
