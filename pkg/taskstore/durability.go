package taskstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Mirror keeps a local SQLite copy of the task list that ListByStatus
// can query without a twin round-trip. The twin submodel property
// remains the canonical store; Mirror is refreshed after every
// successful write. Store's own reads (Get, Pending, All, and through
// them Approve/Reject/WaitForApproval) never consult it and always read
// the version-checked twin state.
type Mirror struct {
	db *sql.DB
}

// OpenMirror opens (creating if needed) the local task index at path.
func OpenMirror(path string) (*Mirror, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("taskstore: open mirror: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS task_index (
	task_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	task_json TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("taskstore: migrate mirror: %w", err)
	}
	return &Mirror{db: db}, nil
}

// Close releases the underlying database handle.
func (m *Mirror) Close() error { return m.db.Close() }

// Replace overwrites the mirrored index with the given task list,
// called after every successful twin write so the mirror never drifts
// far from the canonical copy.
func (m *Mirror) Replace(tasks []Task) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("taskstore: begin mirror tx: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM task_index`); err != nil {
		tx.Rollback()
		return fmt.Errorf("taskstore: clear mirror: %w", err)
	}
	now := time.Now().Unix()
	for _, t := range tasks {
		raw, err := json.Marshal(t)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("taskstore: marshal mirrored task: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO task_index (task_id, status, task_json, updated_at) VALUES (?, ?, ?, ?)`,
			t.TaskID, string(t.Status), string(raw), now,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("taskstore: insert mirrored task: %w", err)
		}
	}
	return tx.Commit()
}

// ListByStatus returns every mirrored task with the given status,
// newest-updated first. Used for dashboard-style reads that tolerate a
// recent-but-possibly-stale view in exchange for not hitting the twin.
func (m *Mirror) ListByStatus(status Status) ([]Task, error) {
	rows, err := m.db.Query(
		`SELECT task_json FROM task_index WHERE status = ? ORDER BY updated_at DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("taskstore: query mirror: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("taskstore: scan mirrored task: %w", err)
		}
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("taskstore: decode mirrored task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// WithMirror attaches a local mirror to the store. After this call,
// every successful Create/Approve/Reject refreshes the mirror from the
// freshly-written task list.
func (s *Store) WithMirror(m *Mirror) *Store {
	s.mirror = m
	return s
}
