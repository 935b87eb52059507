package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mindburn-labs/aegis/pkg/kernel"
	"github.com/mindburn-labs/aegis/pkg/orchestrator"
	"github.com/mindburn-labs/aegis/pkg/ratelimit"
	"github.com/mindburn-labs/aegis/pkg/taskstore"
)

// EventBus is the subset of *eventbus.Client the readiness probe needs.
type EventBus interface {
	IsConnected() bool
}

// ShadowStatus is the subset of *shadow.Manager the readiness and
// metrics handlers need.
type ShadowStatus interface {
	IsInitialized() bool
	EventCount() int64
	FreshnessSeconds() float64
}

// Config configures the HTTP API surface.
type Config struct {
	AuthMode         AuthMode
	RoleHeader       string
	RoleMapper       RoleMapper
	RateLimitRPS     float64
	RateLimitBurst   float64
	RateLimitExclude []string
	ShutdownDrain    time.Duration
}

// DefaultConfig returns sane production defaults.
func DefaultConfig() Config {
	return Config{
		AuthMode:         AuthNone,
		RoleHeader:       "X-Roles",
		RateLimitRPS:     20,
		RateLimitBurst:   40,
		RateLimitExclude: []string{"/health", "/ready", "/metrics"},
		ShutdownDrain:    30 * time.Second,
	}
}

// Server is the agent's public HTTP surface: chat, conversation reset,
// approval-task management, and liveness/readiness/metrics probes.
type Server struct {
	orch    *orchestrator.Orchestrator
	kernel  *kernel.Kernel
	shadow  ShadowStatus
	bus     EventBus
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	cfg     Config
}

// New builds a Server wired against a running orchestrator, kernel,
// shadow state manager, and event bus.
func New(orch *orchestrator.Orchestrator, k *kernel.Kernel, shadowMgr ShadowStatus, bus EventBus, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orch:    orch,
		kernel:  k,
		shadow:  shadowMgr,
		bus:     bus,
		limiter: ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 5*time.Minute),
		logger:  logger,
		cfg:     cfg,
	}
}

// Routes builds the full handler chain: request-id, logging, rate
// limiting, auth, then the route table itself.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	protected := http.NewServeMux()
	protected.HandleFunc("POST /chat", s.handleChat)
	protected.HandleFunc("POST /reset", s.handleReset)
	protected.HandleFunc("GET /tasks", s.handleListTasks)
	protected.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	protected.HandleFunc("POST /tasks/{id}/approve", s.handleApprove)
	protected.HandleFunc("POST /tasks/{id}/reject", s.handleReject)
	protected.HandleFunc("POST /tasks/{id}/execute", s.handleExecute)

	authed := AuthMiddleware(s.cfg.AuthMode, s.cfg.RoleHeader, s.cfg.RoleMapper)(protected)
	mux.Handle("/chat", authed)
	mux.Handle("/reset", authed)
	mux.Handle("/tasks", authed)
	mux.Handle("/tasks/", authed)

	chain := Chain(RequestID, Logging(s.logger), RateLimit(s.limiter, s.cfg.RateLimitExclude))
	return chain(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.shadow != nil && s.shadow.IsInitialized() && s.bus != nil && s.bus.IsConnected()
	if !ready {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "shadow state or event bus not yet ready")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := map[string]interface{}{
		"rate_limiter_active_clients": s.limiter.Size(),
	}
	if s.shadow != nil {
		snapshot["shadow_event_count"] = s.shadow.EventCount()
		snapshot["shadow_freshness_seconds"] = s.shadow.FreshnessSeconds()
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid JSON body")
		return
	}
	if req.Message == "" {
		WriteBadRequest(w, "message is required")
		return
	}

	resp, err := s.orch.ProcessMessage(r.Context(), req.Message, RolesFromContext(r.Context()))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.orch.ResetConversation()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var (
		tasks []taskstore.Task
		err   error
	)
	if r.URL.Query().Get("status") == "pending" {
		tasks, err = s.kernel.GetPendingTasks(r.Context())
	} else {
		tasks, err = s.kernel.GetAllTasks(r.Context())
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.kernel.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			WriteNotFound(w, "Task not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type approveRequest struct {
	Approver string `json:"approver"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Approver == "" {
		req.Approver = firstRole(RolesFromContext(r.Context()))
	}
	if err := s.kernel.ApproveTask(r.Context(), r.PathValue("id"), req.Approver); err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			WriteNotFound(w, "Task not found")
			return
		}
		if errors.Is(err, taskstore.ErrNotPending) {
			WriteBadRequest(w, "Task is not pending approval")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

type rejectRequest struct {
	Rejector string `json:"rejector"`
	Reason   string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Rejector == "" {
		req.Rejector = firstRole(RolesFromContext(r.Context()))
	}
	if err := s.kernel.RejectTask(r.Context(), r.PathValue("id"), req.Rejector, req.Reason); err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			WriteNotFound(w, "Task not found")
			return
		}
		if errors.Is(err, taskstore.ErrNotPending) {
			WriteBadRequest(w, "Task is not pending approval")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	resp, err := s.orch.ExecuteApprovedTask(r.Context(), r.PathValue("id"), RolesFromContext(r.Context()))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func firstRole(roles []string) string {
	if len(roles) == 0 {
		return "unknown"
	}
	return roles[0]
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
