// Package kernel implements the Safety Kernel: the four-layer defense
// (RBAC, interlocks, simulation forcing, approval gating) every tool
// invocation passes through before it reaches the digital twin, with a
// per-stage audit trail.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mindburn-labs/aegis/pkg/audit"
	"github.com/mindburn-labs/aegis/pkg/policy"
	"github.com/mindburn-labs/aegis/pkg/shadow"
	"github.com/mindburn-labs/aegis/pkg/taskstore"
	"github.com/mindburn-labs/aegis/pkg/twin"
	"github.com/mindburn-labs/aegis/pkg/twinclient"
)

// ErrDenied is a typed error for a denied Decision. Evaluate reports
// denials as Decision values, and no caller in this module returns or
// wraps ErrDenied.
var ErrDenied = errors.New("kernel: operation denied by safety kernel")

// ErrPolicyUnavailable is returned by Evaluate when the in-force policy
// could not be loaded or verified.
var ErrPolicyUnavailable = errors.New("kernel: policy unavailable")

// Decision is the outcome of evaluating one tool invocation.
type Decision struct {
	Allowed         bool
	Reason          string
	ForceSimulation bool
	RequireApproval bool
}

// MetricsRecorder observes kernel decisions for RED-style metrics.
// Optional: a nil Recorder on Kernel skips recording.
type MetricsRecorder interface {
	RecordDecision(allowed, requireApproval bool)
}

// Kernel is the Safety Kernel.
type Kernel struct {
	shadowMgr  *shadow.Manager
	twinClient *twinclient.Client
	auditLog   *audit.Log
	policy     *policy.Loader
	interlocks *interlockEngine
	logger     *slog.Logger
	metrics    MetricsRecorder

	mu             sync.Mutex
	taskStoreCache map[string]*taskstore.Store
	taskMirror     *taskstore.Mirror
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) { k.logger = l }
}

// WithMetrics installs a MetricsRecorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(k *Kernel) { k.metrics = m }
}

// WithTaskMirror attaches a local task-store mirror so that every
// task store the kernel lazily creates refreshes it after each write.
// The kernel's own task reads still go to the twin.
func WithTaskMirror(m *taskstore.Mirror) Option {
	return func(k *Kernel) { k.taskMirror = m }
}

// New builds a Kernel. Returns an error only if the CEL environments
// fail to construct, which only happens on a malformed variable
// declaration — i.e. never, for the fixed declarations used here.
func New(shadowMgr *shadow.Manager, tc *twinclient.Client, auditLog *audit.Log, policyLoader *policy.Loader, opts ...Option) (*Kernel, error) {
	engine, err := newInterlockEngine()
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		shadowMgr:      shadowMgr,
		twinClient:     tc,
		auditLog:       auditLog,
		policy:         policyLoader,
		interlocks:     engine,
		logger:         slog.Default(),
		taskStoreCache: map[string]*taskstore.Store{},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// LoadPolicy exposes the current effective policy so callers outside
// the kernel (the orchestrator's job monitor needs the job-status
// submodel/path) can read it without duplicating the loader.
func (k *Kernel) LoadPolicy(ctx context.Context) (policy.Config, error) {
	return k.policy.Load(ctx)
}

// Evaluate runs a tool invocation through all four defense layers in
// order: RBAC, interlocks, simulation forcing, approval gating. Only an
// infrastructure failure (e.g. an unreadable/unverifiable policy) is
// returned as an error; an ordinary safety denial is reported via
// Decision.Allowed=false with Decision.Reason set.
func (k *Kernel) Evaluate(ctx context.Context, toolName string, risk twin.RiskLevel, roles []string, params map[string]interface{}, actionID string, shadowFreshness float64) (Decision, error) {
	cfg, err := k.policy.Load(ctx)
	if err != nil {
		if errors.Is(err, policy.ErrVerificationFailed) || errors.Is(err, policy.ErrSignedPolicyRequired) {
			k.audit(ctx, audit.EventDenied, map[string]interface{}{
				"tool": toolName, "risk": risk.String(), "roles": roles, "reason": "policy_verification_failed",
			})
			k.record(false, false)
			return Decision{Allowed: false, Reason: "Policy verification failed"}, nil
		}
		return Decision{}, fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}

	k.audit(ctx, audit.EventIntent, map[string]interface{}{
		"tool": toolName, "risk": risk.String(), "roles": roles, "params": params,
		"action_id": actionID, "shadow_freshness": shadowFreshness,
	})

	if !checkRBAC(cfg, toolName, roles) {
		k.audit(ctx, audit.EventDenied, map[string]interface{}{
			"tool": toolName, "roles": roles, "action_id": actionID, "reason": "rbac",
		})
		k.record(false, false)
		return Decision{Allowed: false, Reason: fmt.Sprintf("Role(s) %v not permitted to invoke %s", roles, toolName)}, nil
	}

	if msg := k.evaluateInterlocks(cfg); msg != "" {
		k.audit(ctx, audit.EventDenied, map[string]interface{}{
			"tool": toolName, "roles": roles, "action_id": actionID, "reason": "interlock", "message": msg,
		})
		k.record(false, false)
		return Decision{Allowed: false, Reason: msg}, nil
	}

	forceSim := shouldForceSimulation(risk, params, cfg)
	requireApproval := shouldRequireApproval(risk, cfg)
	k.record(true, requireApproval)
	return Decision{Allowed: true, ForceSimulation: forceSim, RequireApproval: requireApproval}, nil
}

func (k *Kernel) record(allowed, requireApproval bool) {
	if k.metrics != nil {
		k.metrics.RecordDecision(allowed, requireApproval)
	}
}

func (k *Kernel) audit(ctx context.Context, event string, extra map[string]interface{}) {
	if k.auditLog == nil {
		return
	}
	if _, err := k.auditLog.Log(ctx, event, extra); err != nil {
		k.logger.Error("audit log write failed", "event", event, "error", err)
	}
}

// checkRBAC implements Layer 1: empty role bindings permit every role;
// otherwise a role must carry an explicit "*" or exact tool-name grant.
func checkRBAC(cfg policy.Config, toolName string, roles []string) bool {
	if len(cfg.RoleBindings) == 0 {
		return true
	}
	for _, role := range roles {
		binding, ok := cfg.RoleBindings[role]
		if !ok {
			continue
		}
		for _, allowed := range binding.Allow {
			if allowed == "*" || allowed == toolName {
				return true
			}
		}
	}
	return false
}

// evaluateInterlocks implements Layer 2: the first violated or
// unreadable (fail-safe) interlock rule wins.
func (k *Kernel) evaluateInterlocks(cfg policy.Config) string {
	for _, rule := range cfg.Interlocks {
		if rule.Submodel == "" || rule.Path == "" || rule.Op == "" {
			k.logger.Warn("skipping malformed interlock rule", "rule_id", rule.ID)
			continue
		}

		current, ok := k.shadowMgr.GetPropertyValue(rule.Submodel, rule.Path)
		if !ok {
			if k.policy.InterlockFailSafe() {
				msg := fmt.Sprintf(
					"Safety interlock %s cannot be evaluated: property %s not found in submodel %s. Operation denied for safety (fail-safe mode).",
					rule.ID, rule.Path, rule.Submodel,
				)
				if rule.Message != "" {
					msg = rule.Message + ": " + msg
				}
				return msg
			}
			k.logger.Warn("interlock property not found, failing open (not recommended for production)",
				"rule_id", rule.ID, "submodel", rule.Submodel, "path", rule.Path)
			continue
		}

		if k.interlocks.violates(rule.ID, current, rule.Op, rule.Value) {
			if rule.Message != "" {
				return rule.Message
			}
			return fmt.Sprintf("Interlock %s violated", rule.ID)
		}
	}
	return ""
}

// shouldForceSimulation implements Layer 3: risk at or above the
// configured threshold forces simulation, unless the caller already
// requested it.
func shouldForceSimulation(risk twin.RiskLevel, params map[string]interface{}, cfg policy.Config) bool {
	if sim, ok := params["simulate"].(bool); ok && sim {
		return false
	}
	return risk >= cfg.RequireSimulationForRisk
}

// shouldRequireApproval implements Layer 4: risk at or above the
// configured threshold requires human approval before real execution.
func shouldRequireApproval(risk twin.RiskLevel, cfg policy.Config) bool {
	return risk >= cfg.RequireApprovalForRisk
}

func (k *Kernel) taskStoreFor(cfg policy.Config) *taskstore.Store {
	key := cfg.TaskSubmodelID + "|" + cfg.TasksPropertyPath
	k.mu.Lock()
	defer k.mu.Unlock()
	if ts, ok := k.taskStoreCache[key]; ok {
		return ts
	}
	ts := taskstore.New(k.twinClient, k.auditLog, cfg.TaskSubmodelID, cfg.TasksPropertyPath)
	if k.taskMirror != nil {
		ts.WithMirror(k.taskMirror)
	}
	k.taskStoreCache[key] = ts
	return ts
}

// CreateApprovalTask records a pending human-approval task for a
// denied-by-risk invocation and returns its id.
func (k *Kernel) CreateApprovalTask(ctx context.Context, toolName string, risk twin.RiskLevel, roles []string, params map[string]interface{}, simulationResult interface{}, actionID string) (string, error) {
	cfg, err := k.policy.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}
	return k.taskStoreFor(cfg).Create(ctx, taskstore.CreateParams{
		Tool: toolName, Risk: risk.String(), Roles: roles, Params: params,
		SimulationResult: simulationResult, ActionID: actionID,
	})
}

// CheckTaskStatus reports one task's current lifecycle state.
func (k *Kernel) CheckTaskStatus(ctx context.Context, taskID string) (taskstore.Status, error) {
	cfg, err := k.policy.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}
	return k.taskStoreFor(cfg).CheckStatus(ctx, taskID)
}

// GetTask returns one task by id.
func (k *Kernel) GetTask(ctx context.Context, taskID string) (taskstore.Task, error) {
	cfg, err := k.policy.Load(ctx)
	if err != nil {
		return taskstore.Task{}, fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}
	return k.taskStoreFor(cfg).Get(ctx, taskID)
}

// GetPendingTasks returns every task awaiting approval.
func (k *Kernel) GetPendingTasks(ctx context.Context) ([]taskstore.Task, error) {
	cfg, err := k.policy.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}
	return k.taskStoreFor(cfg).Pending(ctx)
}

// GetAllTasks returns every task in the store, regardless of status.
func (k *Kernel) GetAllTasks(ctx context.Context) ([]taskstore.Task, error) {
	cfg, err := k.policy.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}
	return k.taskStoreFor(cfg).All(ctx)
}

// ApproveTask approves a pending task on behalf of approver.
func (k *Kernel) ApproveTask(ctx context.Context, taskID, approver string) error {
	cfg, err := k.policy.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}
	return k.taskStoreFor(cfg).Approve(ctx, taskID, approver)
}

// RejectTask rejects a pending task on behalf of rejector.
func (k *Kernel) RejectTask(ctx context.Context, taskID, rejector, reason string) error {
	cfg, err := k.policy.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}
	return k.taskStoreFor(cfg).Reject(ctx, taskID, rejector, reason)
}

// WaitForApproval blocks (subject to ctx and timeout) until a task
// leaves PendingApproval, polling at pollInterval.
func (k *Kernel) WaitForApproval(ctx context.Context, taskID string, timeout, pollInterval time.Duration) (bool, string, error) {
	cfg, err := k.policy.Load(ctx)
	if err != nil {
		return false, "", fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}
	return k.taskStoreFor(cfg).WaitForApproval(ctx, taskID, timeout, pollInterval)
}

// LogExecution records a successful (real or simulated) tool execution.
func (k *Kernel) LogExecution(ctx context.Context, toolName string, risk twin.RiskLevel, roles []string, result interface{}, simulated bool, actionID string) {
	event := audit.EventExecuted
	if simulated {
		event = audit.EventSimulated
	}
	k.audit(ctx, event, map[string]interface{}{
		"tool": toolName, "risk": risk.String(), "roles": roles, "result": result, "action_id": actionID,
	})
}

// LogError records a failed tool invocation.
func (k *Kernel) LogError(ctx context.Context, toolName string, roles []string, errMsg string, actionID string) {
	k.audit(ctx, audit.EventError, map[string]interface{}{
		"tool": toolName, "roles": roles, "error": errMsg, "action_id": actionID,
	})
}
