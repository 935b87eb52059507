// Package orchestrator implements the agent's request/response loop:
// it retrieves candidate tools from the capability index, asks the
// language model for intent, runs each requested tool call through the
// safety kernel, invokes the twin operation, and monitors any
// resulting async job to completion.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mindburn-labs/aegis/pkg/capability"
	"github.com/mindburn-labs/aegis/pkg/kernel"
	"github.com/mindburn-labs/aegis/pkg/llm"
	"github.com/mindburn-labs/aegis/pkg/policy"
	"github.com/mindburn-labs/aegis/pkg/shadow"
	"github.com/mindburn-labs/aegis/pkg/taskstore"
	"github.com/mindburn-labs/aegis/pkg/twin"
	"github.com/mindburn-labs/aegis/pkg/twinclient"
)

// SystemPrompt is the fixed system message given to the language model
// on every turn.
const SystemPrompt = `You are an AI assistant controlling industrial equipment through a digital twin interface.

You have access to operations that control real equipment. Follow these guidelines:
1. Always provide safety_reasoning explaining why an action is appropriate
2. For high-risk operations, consider using simulate=true first
3. If an interlock or safety check fails, explain the issue to the user
4. Monitor job status for long-running operations

Be concise and focus on the task at hand.`

// ToolResult is the outcome of one tool call within a turn.
type ToolResult struct {
	ToolName   string      `json:"tool_name"`
	Success    bool        `json:"success"`
	Result     interface{} `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	Simulated  bool        `json:"simulated"`
	JobID      string      `json:"job_id,omitempty"`
	Status     string      `json:"status"`
	ActionID   string      `json:"action_id,omitempty"`
}

// AgentResponse is the complete reply to one ProcessMessage call.
type AgentResponse struct {
	Reply           string       `json:"reply"`
	ToolResults     []ToolResult `json:"tool_results,omitempty"`
	PendingApproval bool         `json:"pending_approval"`
	TaskID          string       `json:"task_id,omitempty"`
}

// CapabilityIndex is the subset of *capability.Index / *capability.HybridIndex
// the orchestrator needs, so either can be injected.
type CapabilityIndex interface {
	Search(query string, topK int) []capability.Hit
	GetByName(name string) (twin.ToolSpec, bool)
}

// KernelService is the subset of *kernel.Kernel the orchestrator calls
// through; a narrow interface rather than the concrete type so tests
// can substitute a fake safety decision without standing up the full
// policy/shadow/twin stack for every scenario.
type KernelService interface {
	LoadPolicy(ctx context.Context) (policy.Config, error)
	Evaluate(ctx context.Context, toolName string, risk twin.RiskLevel, roles []string, params map[string]interface{}, actionID string, shadowFreshness float64) (kernel.Decision, error)
	CreateApprovalTask(ctx context.Context, toolName string, risk twin.RiskLevel, roles []string, params map[string]interface{}, simulationResult interface{}, actionID string) (string, error)
	GetTask(ctx context.Context, taskID string) (taskstore.Task, error)
	WaitForApproval(ctx context.Context, taskID string, timeout, pollInterval time.Duration) (bool, string, error)
	LogExecution(ctx context.Context, toolName string, risk twin.RiskLevel, roles []string, result interface{}, simulated bool, actionID string)
	LogError(ctx context.Context, toolName string, roles []string, errMsg string, actionID string)
}

// Config holds the orchestrator's tunables, mirroring the reference
// application settings (capability_top_k, job_timeout, and friends).
type Config struct {
	CapabilityTopK       int
	JobPollInterval      time.Duration
	JobTimeout           time.Duration
	JobHTTPFallbackPolls int
}

// DefaultConfig returns the reference implementation's defaults.
func DefaultConfig() Config {
	return Config{
		CapabilityTopK:       12,
		JobPollInterval:      time.Second,
		JobTimeout:           300 * time.Second,
		JobHTTPFallbackPolls: 5,
	}
}

// Orchestrator is the main agent loop.
type Orchestrator struct {
	llm          llm.Client
	shadow       *shadow.Manager
	twin         *twinclient.Client
	kernel       KernelService
	capabilities CapabilityIndex
	cfg          Config
	logger       *slog.Logger

	conversation []llm.Message
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithConfig overrides the default Config.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// New builds an Orchestrator.
func New(llmClient llm.Client, shadowMgr *shadow.Manager, tc *twinclient.Client, k KernelService, capabilities CapabilityIndex, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		llm:          llmClient,
		shadow:       shadowMgr,
		twin:         tc,
		kernel:       k,
		capabilities: capabilities,
		cfg:          DefaultConfig(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessMessage runs one user turn through the full agent loop:
// retrieval, LM planning, and (if the model requested any) tool
// execution.
func (o *Orchestrator) ProcessMessage(ctx context.Context, userMessage string, roles []string) (AgentResponse, error) {
	o.logger.Info("processing message", "roles", roles)

	o.conversation = append(o.conversation, llm.Message{Role: llm.RoleUser, Content: userMessage})

	hits := o.capabilities.Search(userMessage, o.cfg.CapabilityTopK)
	tools := make([]llm.ToolDescriptor, len(hits))
	for i, h := range hits {
		tools[i] = toolToDescriptor(h.Tool)
	}
	o.logger.Debug("retrieved tools", "count", len(tools))

	resp, err := o.llm.Chat(ctx, o.conversation, tools, SystemPrompt)
	if err != nil {
		return AgentResponse{}, fmt.Errorf("orchestrator: llm chat: %w", err)
	}

	if len(resp.ToolCalls) == 0 {
		o.conversation = append(o.conversation, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
		return AgentResponse{Reply: resp.Content}, nil
	}

	var results []ToolResult
	pendingApproval := false
	taskID := ""

	for _, call := range resp.ToolCalls {
		result := o.executeTool(ctx, call.Name, call.Arguments, roles)
		results = append(results, result)
		if result.Status == "pending_approval" {
			pendingApproval = true
			taskID = result.JobID
		}
	}

	reply := buildReply(resp.Content, results)
	o.conversation = append(o.conversation, llm.Message{Role: llm.RoleAssistant, Content: reply})

	return AgentResponse{
		Reply:           reply,
		ToolResults:     results,
		PendingApproval: pendingApproval,
		TaskID:          taskID,
	}, nil
}

// executeTool runs one planned tool call through the safety kernel and
// (if allowed) invokes the underlying operation.
func (o *Orchestrator) executeTool(ctx context.Context, toolName string, params map[string]interface{}, roles []string) ToolResult {
	actionID := uuid.NewString()
	o.logger.Debug("starting tool execution", "tool", toolName, "action_id", actionID)

	tool, ok := o.capabilities.GetByName(toolName)
	if !ok {
		return ToolResult{ToolName: toolName, Success: false, Error: "Unknown tool: " + toolName, Status: "error", ActionID: actionID}
	}

	freshness := o.shadow.FreshnessSeconds()

	decision, err := o.kernel.Evaluate(ctx, toolName, tool.RiskLevel, roles, params, actionID, freshness)
	if err != nil {
		o.kernel.LogError(ctx, toolName, roles, err.Error(), actionID)
		return ToolResult{ToolName: toolName, Success: false, Error: err.Error(), Status: "error", ActionID: actionID}
	}
	if !decision.Allowed {
		return ToolResult{ToolName: toolName, Success: false, Error: decision.Reason, Status: "denied", ActionID: actionID}
	}

	if decision.ForceSimulation {
		if sim, ok := params["simulate"].(bool); !ok || !sim {
			o.logger.Info("forcing simulation", "tool", toolName, "risk", tool.RiskLevel.String())
			merged := make(map[string]interface{}, len(params)+1)
			for k, v := range params {
				merged[k] = v
			}
			merged["simulate"] = true
			params = merged
		}
	}

	result, err := o.invokeOperation(ctx, tool, params, actionID)
	if err != nil {
		o.kernel.LogError(ctx, toolName, roles, err.Error(), actionID)
		return ToolResult{ToolName: toolName, Success: false, Error: err.Error(), Status: "error", ActionID: actionID}
	}

	simulated, _ := params["simulate"].(bool)
	o.kernel.LogExecution(ctx, toolName, tool.RiskLevel, roles, result, simulated, actionID)

	if decision.RequireApproval && !simulated {
		taskID, err := o.kernel.CreateApprovalTask(ctx, toolName, tool.RiskLevel, roles, params, result, actionID)
		if err != nil {
			return ToolResult{ToolName: toolName, Success: false, Error: err.Error(), Status: "error", ActionID: actionID}
		}
		return ToolResult{
			ToolName:  toolName,
			Success:   true,
			Result:    map[string]interface{}{"message": "Awaiting human approval"},
			JobID:     taskID,
			Status:    "pending_approval",
			Simulated: simulated,
			ActionID:  actionID,
		}
	}

	if simulated {
		return ToolResult{ToolName: toolName, Success: true, Result: result, Simulated: true, Status: "simulated_only", ActionID: actionID}
	}

	if jobID := jobIDFromResult(result); jobID != "" {
		final := o.monitorJob(ctx, jobID, tool.SubmodelID, tool.OperationPath)
		status, _ := final["status"].(string)
		return ToolResult{ToolName: toolName, Success: status == "COMPLETED", Result: final, JobID: jobID, Status: "completed", ActionID: actionID}
	}

	return ToolResult{ToolName: toolName, Success: true, Result: result, Status: "completed", ActionID: actionID}
}

// invokeOperation strips safety-only fields from params and invokes
// the operation, preferring a delegation URL if the tool has one.
func (o *Orchestrator) invokeOperation(ctx context.Context, tool twin.ToolSpec, params map[string]interface{}, actionID string) (map[string]interface{}, error) {
	var args []twinclient.InputArgument
	for key, value := range params {
		if key == "simulate" || key == "safety_reasoning" {
			continue
		}
		args = append(args, twinclient.InputArgument{IDShort: key, Value: value})
	}
	simulate, _ := params["simulate"].(bool)

	var (
		res twinclient.InvokeResult
		err error
	)
	if tool.DelegationURL != "" {
		res, err = o.twin.InvokeDelegatedOperation(ctx, tool.DelegationURL, args, simulate)
	} else {
		res, err = o.twin.InvokeOperation(ctx, tool.SubmodelID, tool.OperationPath, args, map[string]interface{}{"simulate": simulate, "action_id": actionID}, true)
	}
	if err != nil {
		return nil, err
	}
	return resultToMap(res), nil
}

// resultToMap decodes an InvokeResult into a generic map, surfacing a
// jobId if the response was an async job handle.
func resultToMap(res twinclient.InvokeResult) map[string]interface{} {
	out := map[string]interface{}{}
	if len(res.Result) > 0 {
		_ = json.Unmarshal(res.Result, &out)
	}
	if res.JobID != "" {
		out["jobId"] = res.JobID
	}
	return out
}

func jobIDFromResult(result map[string]interface{}) string {
	if v, ok := result["jobId"].(string); ok {
		return v
	}
	if v, ok := result["job_id"].(string); ok {
		return v
	}
	return ""
}

// monitorJob polls the shadow twin's job-status property until the job
// reaches a terminal state or the overall timeout elapses, falling
// back to an HTTP poll once the shadow appears stale.
func (o *Orchestrator) monitorJob(ctx context.Context, jobID, submodelID, operationPath string) map[string]interface{} {
	cfg, err := o.kernel.LoadPolicy(ctx)
	if err != nil {
		o.logger.Warn("monitorJob: policy unavailable", "error", err)
		return map[string]interface{}{"job_id": jobID, "status": "TIMEOUT"}
	}

	deadline := time.Now().Add(o.cfg.JobTimeout)
	pollsWithoutUpdate := 0
	lastVersion := ""

	for time.Now().Before(deadline) {
		value, ok := o.shadow.GetPropertyValue(cfg.JobStatusSubmodelID, cfg.JobStatusPropertyPath)
		var status map[string]interface{}
		if ok {
			status = decodeJobStatusPayload(value, jobID, o.logger)
		}

		if status == nil {
			pollsWithoutUpdate++
		} else {
			version, _ := json.Marshal(status)
			if string(version) == lastVersion {
				pollsWithoutUpdate++
			} else {
				pollsWithoutUpdate = 0
				lastVersion = string(version)
			}

			if jobs, ok := status["jobs"].([]interface{}); ok {
				for _, j := range jobs {
					job, ok := j.(map[string]interface{})
					if !ok {
						continue
					}
					if job["job_id"] != jobID {
						continue
					}
					if s, _ := job["status"].(string); s == "COMPLETED" || s == "FAILED" || s == "CANCELLED" {
						return job
					}
				}
			}
		}

		if pollsWithoutUpdate >= o.cfg.JobHTTPFallbackPolls && submodelID != "" && operationPath != "" {
			o.logger.Info("shadow twin stale, falling back to HTTP job polling", "job_id", jobID, "polls_without_update", pollsWithoutUpdate)
			if httpStatus, err := o.twin.GetJobStatus(ctx, submodelID, operationPath, jobID); err != nil {
				o.logger.Warn("http job polling failed", "job_id", jobID, "error", err)
			} else if httpStatus.State == "COMPLETED" || httpStatus.State == "FINISHED" || httpStatus.State == "FAILED" || httpStatus.State == "CANCELLED" {
				var result interface{}
				if len(httpStatus.Result) > 0 {
					_ = json.Unmarshal(httpStatus.Result, &result)
				}
				return map[string]interface{}{"job_id": jobID, "status": httpStatus.State, "result": result, "source": "http_fallback"}
			}
			pollsWithoutUpdate = 0
		}

		select {
		case <-ctx.Done():
			return map[string]interface{}{"job_id": jobID, "status": "TIMEOUT"}
		case <-time.After(o.cfg.JobPollInterval):
		}
	}

	return map[string]interface{}{"job_id": jobID, "status": "TIMEOUT"}
}

// decodeJobStatusPayload accepts either an already-decoded map or a
// JSON-encoded string property value, matching the shadow twin's
// freedom to store job status either way.
func decodeJobStatusPayload(value interface{}, jobID string, logger *slog.Logger) map[string]interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return v
	case string:
		if v == "" {
			return nil
		}
		var out map[string]interface{}
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			logger.Warn("invalid job status JSON payload", "job_id", jobID)
			return nil
		}
		return out
	default:
		return nil
	}
}

// buildReply assembles the user-facing reply text from the model's
// own content plus a summary line per tool result.
func buildReply(llmContent string, results []ToolResult) string {
	var parts []string
	if llmContent != "" {
		parts = append(parts, llmContent)
	}
	for _, r := range results {
		switch {
		case r.Success && r.Simulated:
			parts = append(parts, fmt.Sprintf("Simulation completed for '%s'. To execute for real, re-issue the command with simulate=false.", r.ToolName))
		case r.Success && r.Status == "pending_approval":
			parts = append(parts, fmt.Sprintf("Operation '%s' requires human approval. Task ID: %s", r.ToolName, r.JobID))
		case r.Success:
			parts = append(parts, fmt.Sprintf("Executed '%s' successfully.", r.ToolName))
		default:
			parts = append(parts, fmt.Sprintf("Failed to execute '%s': %s", r.ToolName, r.Error))
		}
	}
	if len(parts) == 0 {
		return "No response generated."
	}
	return strings.Join(parts, " ")
}

// WaitForApproval blocks until a pending task is approved, rejected, or
// times out, and reports a user-facing reply either way.
func (o *Orchestrator) WaitForApproval(ctx context.Context, taskID string, timeout, pollInterval time.Duration) (AgentResponse, error) {
	approved, reason, err := o.kernel.WaitForApproval(ctx, taskID, timeout, pollInterval)
	if err != nil {
		return AgentResponse{}, err
	}
	if approved {
		return AgentResponse{Reply: fmt.Sprintf("Task %s was approved. Operation can proceed.", taskID)}, nil
	}
	return AgentResponse{Reply: fmt.Sprintf("Task %s was not approved: %s", taskID, reason)}, nil
}

// ExecuteApprovedTask re-executes a task whose status is Approved,
// allowing execution after an agent restart or an out-of-band approval.
func (o *Orchestrator) ExecuteApprovedTask(ctx context.Context, taskID string, roles []string) (AgentResponse, error) {
	task, err := o.kernel.GetTask(ctx, taskID)
	if err != nil {
		return AgentResponse{
			Reply:       fmt.Sprintf("Task %s not found.", taskID),
			ToolResults: []ToolResult{{ToolName: "execute_task", Success: false, Error: fmt.Sprintf("Task %s not found", taskID)}},
		}, nil
	}

	if task.Status != taskstore.Approved {
		return AgentResponse{
			Reply:       fmt.Sprintf("Task %s cannot be executed. Status: %s", taskID, task.Status),
			ToolResults: []ToolResult{{ToolName: "execute_task", Success: false, Error: fmt.Sprintf("Task status is %s, expected Approved", task.Status)}},
		}, nil
	}

	tool, ok := o.capabilities.GetByName(task.Tool)
	if !ok {
		return AgentResponse{
			Reply:       fmt.Sprintf("Tool '%s' from task %s not found.", task.Tool, taskID),
			ToolResults: []ToolResult{{ToolName: task.Tool, Success: false, Error: "Tool not found: " + task.Tool}},
		}, nil
	}

	if !checkRBAC(task.RequestedByRoles, roles) {
		return AgentResponse{
			Reply:       fmt.Sprintf("Roles %v not authorized to execute task %s.", roles, taskID),
			ToolResults: []ToolResult{{ToolName: task.Tool, Success: false, Error: fmt.Sprintf("Unauthorized: roles %v", roles)}},
		}, nil
	}

	o.logger.Info("executing approved task", "task_id", taskID, "tool", task.Tool, "roles", roles)
	actionID := uuid.NewString()

	result, err := o.invokeOperation(ctx, tool, task.Args, actionID)
	if err != nil {
		o.kernel.LogError(ctx, task.Tool, roles, err.Error(), actionID)
		return AgentResponse{
			Reply:       fmt.Sprintf("Task %s execution failed: %s", taskID, err.Error()),
			ToolResults: []ToolResult{{ToolName: task.Tool, Success: false, Error: err.Error(), ActionID: actionID}},
		}, nil
	}

	o.kernel.LogExecution(ctx, task.Tool, tool.RiskLevel, roles, result, false, actionID)

	if jobID := jobIDFromResult(result); jobID != "" {
		final := o.monitorJob(ctx, jobID, tool.SubmodelID, tool.OperationPath)
		status, _ := final["status"].(string)
		return AgentResponse{
			Reply:       fmt.Sprintf("Task %s executed successfully.", taskID),
			ToolResults: []ToolResult{{ToolName: task.Tool, Success: status == "COMPLETED", Result: final, JobID: jobID, ActionID: actionID}},
		}, nil
	}

	return AgentResponse{
		Reply:       fmt.Sprintf("Task %s executed successfully.", taskID),
		ToolResults: []ToolResult{{ToolName: task.Tool, Success: true, Result: result, ActionID: actionID}},
	}, nil
}

// checkRBAC allows admin/maintenance/supervisor roles to execute any
// approved task, or the original requester to execute their own.
func checkRBAC(originalRoles, currentRoles []string) bool {
	privileged := map[string]bool{"admin": true, "maintenance": true, "supervisor": true}
	for _, r := range currentRoles {
		if privileged[r] {
			return true
		}
	}
	for _, o := range originalRoles {
		for _, c := range currentRoles {
			if o == c {
				return true
			}
		}
	}
	return false
}

// ResetConversation clears the accumulated conversation history.
func (o *Orchestrator) ResetConversation() {
	o.conversation = nil
}

// toolToDescriptor converts a twin.ToolSpec into the llm package's
// provider-agnostic tool format.
func toolToDescriptor(t twin.ToolSpec) llm.ToolDescriptor {
	return llm.ToolDescriptor{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  map[string]interface{}(t.InputSchema),
	}
}
