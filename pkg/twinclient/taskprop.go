package twinclient

import (
	"context"
	"encoding/json"
	"fmt"
)

// TaskListEnvelope is the whole-blob JSON structure persisted in the
// designated task-store property. Version is an optimistic counter:
// writers must re-read and compare before writing, retrying once on
// mismatch (see DESIGN.md's task-store concurrency decision).
type TaskListEnvelope struct {
	Version int64           `json:"version"`
	Tasks   json.RawMessage `json:"tasks"`
}

// GetTasks reads the task-store property as a raw envelope.
func (c *Client) GetTasks(ctx context.Context, submodelID, path string) (TaskListEnvelope, error) {
	raw, err := c.GetPropertyValue(ctx, submodelID, path)
	if err != nil {
		return TaskListEnvelope{}, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return TaskListEnvelope{Version: 0, Tasks: json.RawMessage("[]")}, nil
	}
	var env TaskListEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return TaskListEnvelope{}, fmt.Errorf("twinclient: decode task envelope: %w", err)
	}
	return env, nil
}

// ErrVersionConflict is returned by UpdateTasks when the stored
// version no longer matches expectedVersion.
var ErrVersionConflict = fmt.Errorf("twinclient: task store version conflict")

// UpdateTasks rewrites the whole task-store property, but only if the
// currently-stored version still equals expectedVersion; on success
// the new envelope's version is expectedVersion+1.
func (c *Client) UpdateTasks(ctx context.Context, submodelID, path string, expectedVersion int64, tasks json.RawMessage) error {
	current, err := c.GetTasks(ctx, submodelID, path)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	env := TaskListEnvelope{Version: expectedVersion + 1, Tasks: tasks}
	return c.SetPropertyValue(ctx, submodelID, path, env)
}
