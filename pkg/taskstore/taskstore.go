// Package taskstore implements the human-approval task lifecycle:
// PendingApproval -> Approved | Rejected | Expired, persisted in the
// twin's designated task property via an optimistic version counter.
package taskstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mindburn-labs/aegis/pkg/audit"
	"github.com/mindburn-labs/aegis/pkg/twinclient"
)

// Status is the lifecycle state of an approval task.
type Status string

const (
	PendingApproval Status = "PendingApproval"
	Approved        Status = "Approved"
	Rejected        Status = "Rejected"
	Expired         Status = "Expired"
)

// Task is one human-in-the-loop approval request.
type Task struct {
	TaskID            string                 `json:"task_id"`
	Tool              string                 `json:"tool"`
	Risk              string                 `json:"risk"`
	RequestedByRoles  []string               `json:"requested_by_roles"`
	Args              map[string]interface{} `json:"args"`
	SafetyReasoning   string                 `json:"safety_reasoning,omitempty"`
	Status            Status                 `json:"status"`
	CreatedAt         float64                `json:"created_at"`
	SimulationResult  interface{}            `json:"simulate_result,omitempty"`
	ActionID          string                 `json:"action_id,omitempty"`
	ApprovedBy        string                 `json:"approved_by,omitempty"`
	ApprovedAt        float64                `json:"approved_at,omitempty"`
	RejectedBy        string                 `json:"rejected_by,omitempty"`
	RejectedAt        float64                `json:"rejected_at,omitempty"`
	RejectionReason   string                 `json:"rejection_reason,omitempty"`
}

// ErrNotFound is returned when a task id is not present in the store.
var ErrNotFound = errors.New("taskstore: task not found")

// ErrNotPending is returned by Approve/Reject when the task is no
// longer in PendingApproval state.
var ErrNotPending = errors.New("taskstore: task is not pending approval")

// CreateParams describes a new approval task.
type CreateParams struct {
	Tool             string
	Risk             string
	Roles            []string
	Params           map[string]interface{}
	SimulationResult interface{}
	ActionID         string
}

// Store persists approval tasks in a twin submodel property via
// twinclient's optimistic-version task envelope, and emits
// approval_requested/approved/rejected/timeout audit events.
type Store struct {
	twinClient *twinclient.Client
	auditLog   *audit.Log
	submodelID string
	path       string
	mirror     *Mirror
}

// New builds a Store writing tasks to submodelID/path.
func New(tc *twinclient.Client, auditLog *audit.Log, submodelID, path string) *Store {
	return &Store{twinClient: tc, auditLog: auditLog, submodelID: submodelID, path: path}
}

func genTaskID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return "task-" + hex.EncodeToString(b[:])
}

func (s *Store) readAll(ctx context.Context) ([]Task, int64, error) {
	env, err := s.twinClient.GetTasks(ctx, s.submodelID, s.path)
	if err != nil {
		return nil, 0, err
	}
	var tasks []Task
	if len(env.Tasks) > 0 && string(env.Tasks) != "null" {
		if err := json.Unmarshal(env.Tasks, &tasks); err != nil {
			return nil, 0, fmt.Errorf("taskstore: decode tasks: %w", err)
		}
	}
	return tasks, env.Version, nil
}

func (s *Store) writeAll(ctx context.Context, tasks []Task, version int64) error {
	raw, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("taskstore: encode tasks: %w", err)
	}
	err = s.twinClient.UpdateTasks(ctx, s.submodelID, s.path, version, raw)
	if errors.Is(err, twinclient.ErrVersionConflict) {
		// retry once against the freshly-read version
		_, version2, rerr := s.readAll(ctx)
		if rerr != nil {
			return rerr
		}
		if err2 := s.twinClient.UpdateTasks(ctx, s.submodelID, s.path, version2, raw); err2 != nil {
			return err2
		}
		s.refreshMirror(tasks)
		return nil
	}
	if err != nil {
		return err
	}
	s.refreshMirror(tasks)
	return nil
}

func (s *Store) refreshMirror(tasks []Task) {
	if s.mirror == nil {
		return
	}
	_ = s.mirror.Replace(tasks)
}

// Create persists a new PendingApproval task and returns its id.
func (s *Store) Create(ctx context.Context, p CreateParams) (string, error) {
	tasks, version, err := s.readAll(ctx)
	if err != nil {
		return "", err
	}

	args := make(map[string]interface{}, len(p.Params))
	for k, v := range p.Params {
		if k == "simulate" || k == "safety_reasoning" {
			continue
		}
		args[k] = v
	}
	var safetyReasoning string
	if v, ok := p.Params["safety_reasoning"].(string); ok {
		safetyReasoning = v
	}

	task := Task{
		TaskID:           genTaskID(),
		Tool:             p.Tool,
		Risk:             p.Risk,
		RequestedByRoles: append([]string(nil), p.Roles...),
		Args:             args,
		SafetyReasoning:  safetyReasoning,
		Status:           PendingApproval,
		CreatedAt:        nowSeconds(),
		SimulationResult: p.SimulationResult,
		ActionID:         p.ActionID,
	}

	tasks = append(tasks, task)
	if err := s.writeAll(ctx, tasks, version); err != nil {
		return "", err
	}

	if s.auditLog != nil {
		_, _ = s.auditLog.Log(ctx, audit.EventApprovalRequested, map[string]interface{}{
			"task_id": task.TaskID,
			"tool":    task.Tool,
			"risk":    task.Risk,
			"roles":   task.RequestedByRoles,
		})
	}
	return task.TaskID, nil
}

// Get returns one task by id.
func (s *Store) Get(ctx context.Context, taskID string) (Task, error) {
	tasks, _, err := s.readAll(ctx)
	if err != nil {
		return Task{}, err
	}
	for _, t := range tasks {
		if t.TaskID == taskID {
			return t, nil
		}
	}
	return Task{}, ErrNotFound
}

// CheckStatus returns a task's status, or Expired if it no longer exists.
func (s *Store) CheckStatus(ctx context.Context, taskID string) (Status, error) {
	task, err := s.Get(ctx, taskID)
	if errors.Is(err, ErrNotFound) {
		return Expired, nil
	}
	if err != nil {
		return "", err
	}
	return task.Status, nil
}

// Pending returns every task currently PendingApproval.
func (s *Store) Pending(ctx context.Context) ([]Task, error) {
	tasks, _, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, t := range tasks {
		if t.Status == PendingApproval {
			out = append(out, t)
		}
	}
	return out, nil
}

// All returns every task in the store.
func (s *Store) All(ctx context.Context) ([]Task, error) {
	tasks, _, err := s.readAll(ctx)
	return tasks, err
}

func (s *Store) mutate(ctx context.Context, taskID string, mutate func(*Task) error) error {
	tasks, version, err := s.readAll(ctx)
	if err != nil {
		return err
	}
	found := false
	for i := range tasks {
		if tasks[i].TaskID == taskID {
			if err := mutate(&tasks[i]); err != nil {
				return err
			}
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}
	return s.writeAll(ctx, tasks, version)
}

// Approve marks a pending task Approved. Returns ErrNotPending if the
// task is not currently PendingApproval, ErrNotFound if it does not exist.
func (s *Store) Approve(ctx context.Context, taskID, approver string) error {
	err := s.mutate(ctx, taskID, func(t *Task) error {
		if t.Status != PendingApproval {
			return ErrNotPending
		}
		t.Status = Approved
		t.ApprovedBy = approver
		t.ApprovedAt = nowSeconds()
		return nil
	})
	if err != nil {
		return err
	}
	if s.auditLog != nil {
		_, _ = s.auditLog.Log(ctx, audit.EventApproved, map[string]interface{}{
			"task_id": taskID, "approved_by": approver,
		})
	}
	return nil
}

// Reject marks a pending task Rejected.
func (s *Store) Reject(ctx context.Context, taskID, rejector, reason string) error {
	err := s.mutate(ctx, taskID, func(t *Task) error {
		if t.Status != PendingApproval {
			return ErrNotPending
		}
		t.Status = Rejected
		t.RejectedBy = rejector
		t.RejectedAt = nowSeconds()
		t.RejectionReason = reason
		return nil
	})
	if err != nil {
		return err
	}
	if s.auditLog != nil {
		_, _ = s.auditLog.Log(ctx, audit.EventRejected, map[string]interface{}{
			"task_id": taskID, "rejected_by": rejector, "rejection_reason": reason,
		})
	}
	return nil
}

// WaitForApproval polls CheckStatus every pollInterval until the task
// is Approved, Rejected, Expired, or timeout elapses. Returns
// (approved, reason).
func (s *Store) WaitForApproval(ctx context.Context, taskID string, timeout, pollInterval time.Duration) (bool, string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, err := s.CheckStatus(ctx, taskID)
		if err != nil {
			return false, "", err
		}
		switch status {
		case Approved:
			if s.auditLog != nil {
				_, _ = s.auditLog.Log(ctx, audit.EventApproved, map[string]interface{}{"task_id": taskID})
			}
			return true, "Task approved", nil
		case Rejected:
			if s.auditLog != nil {
				_, _ = s.auditLog.Log(ctx, audit.EventRejected, map[string]interface{}{"task_id": taskID})
			}
			return false, "Task rejected by human operator", nil
		case Expired:
			return false, "Task not found or expired", nil
		}
		select {
		case <-ctx.Done():
			return false, "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	if s.auditLog != nil {
		_, _ = s.auditLog.Log(ctx, audit.EventTimeout, map[string]interface{}{"task_id": taskID})
	}
	return false, "Approval timeout", nil
}

func nowSeconds() float64 { return float64(time.Now().UnixNano()) / 1e9 }
