// Command aegisd runs the safety-governed execution core: the Shadow
// State Manager, Safety Kernel, Capability Index, and Orchestrator,
// exposed over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mindburn-labs/aegis/pkg/audit"
	"github.com/mindburn-labs/aegis/pkg/breaker"
	"github.com/mindburn-labs/aegis/pkg/capability"
	"github.com/mindburn-labs/aegis/pkg/config"
	"github.com/mindburn-labs/aegis/pkg/eventbus"
	"github.com/mindburn-labs/aegis/pkg/httpapi"
	"github.com/mindburn-labs/aegis/pkg/kernel"
	"github.com/mindburn-labs/aegis/pkg/llm"
	"github.com/mindburn-labs/aegis/pkg/orchestrator"
	"github.com/mindburn-labs/aegis/pkg/policy"
	"github.com/mindburn-labs/aegis/pkg/shadow"
	"github.com/mindburn-labs/aegis/pkg/taskstore"
	"github.com/mindburn-labs/aegis/pkg/telemetry"
	"github.com/mindburn-labs/aegis/pkg/twin"
	"github.com/mindburn-labs/aegis/pkg/twinclient"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load(nil)
	if cfgPath := os.Getenv("AEGIS_CONFIG_FILE"); cfgPath != "" {
		fileCfg, err := config.LoadFile(cfgPath)
		if err != nil {
			logger.Error("failed to load config file", "path", cfgPath, "error", err)
			os.Exit(1)
		}
		cfg = config.Load(fileCfg)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryProvider, err := telemetry.New(ctx, &telemetry.Config{
		ServiceName:  "aegis-agent",
		Environment:  firstNonEmpty(os.Getenv("AEGIS_ENVIRONMENT"), "production"),
		OTLPEndpoint: os.Getenv("AEGIS_OTLP_ENDPOINT"),
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      os.Getenv("AEGIS_TELEMETRY_ENABLED") == "true",
		Insecure:     true,
	})
	if err != nil {
		logger.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryProvider.Shutdown(context.Background())

	twinBreaker := breaker.New(breaker.DefaultConfig())
	tc := twinclient.New(cfg.TwinBaseURL, firstNonEmpty(cfg.SubmodelBaseURL, cfg.TwinBaseURL),
		twinclient.WithBreaker(twinBreaker),
		twinclient.WithTimeout(cfg.HTTPTimeout),
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.MQTTBrokerHost, cfg.MQTTBrokerPort),
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
	})
	bus := eventbus.New(rdb, logger)

	shadowMgr := shadow.New(tc, bus, cfg.AASID, cfg.RepoID, shadow.WithLogger(logger))
	telemetryProvider.ObserveShadowFreshness(shadowMgr.FreshnessSeconds)

	if err := shadowMgr.Initialize(ctx); err != nil {
		logger.Error("failed to initialize shadow state", "error", err)
		os.Exit(1)
	}
	go bus.Run(ctx)

	if err := ensureParentDir(cfg.AuditLogPath); err != nil {
		logger.Error("failed to create audit log directory", "path", cfg.AuditLogPath, "error", err)
		os.Exit(1)
	}
	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		logger.Error("failed to open audit log", "path", cfg.AuditLogPath, "error", err)
		os.Exit(1)
	}

	policyLoader := policy.NewLoader(shadowMgr, auditLog, cfg.PolicySubmodelID, cfg.PolicyVerificationRequired)

	if err := ensureParentDir(cfg.TaskMirrorPath); err != nil {
		logger.Error("failed to create task mirror directory", "path", cfg.TaskMirrorPath, "error", err)
		os.Exit(1)
	}
	taskMirror, err := taskstore.OpenMirror(cfg.TaskMirrorPath)
	if err != nil {
		logger.Error("failed to open task mirror", "path", cfg.TaskMirrorPath, "error", err)
		os.Exit(1)
	}

	k, err := kernel.New(shadowMgr, tc, auditLog, policyLoader,
		kernel.WithLogger(logger),
		kernel.WithMetrics(telemetryProvider),
		kernel.WithTaskMirror(taskMirror),
	)
	if err != nil {
		logger.Error("failed to construct safety kernel", "error", err)
		os.Exit(1)
	}

	tools := discoverTools(shadowMgr)
	logger.Info("discovered operations", "count", len(tools))
	capIndex := capability.NewWithTools(tools)

	llmClient := buildLLMClient(cfg, logger)

	orch := orchestrator.New(llmClient, shadowMgr, tc, k, capIndex,
		orchestrator.WithLogger(logger),
		orchestrator.WithConfig(orchestrator.Config{
			CapabilityTopK:       cfg.CapabilityTopK,
			JobPollInterval:      cfg.JobPollInterval,
			JobTimeout:           cfg.JobTimeout,
			JobHTTPFallbackPolls: cfg.JobHTTPFallbackPolls,
		}),
	)

	var roleMapper httpapi.RoleMapper
	if cfg.AuthMode == string(httpapi.AuthMTLS) {
		roleMapper = func(subject string) []string { return cfg.DefaultRoles }
	}

	apiCfg := httpapi.Config{
		AuthMode:         httpapi.AuthMode(cfg.AuthMode),
		RoleHeader:       "X-Roles",
		RoleMapper:       roleMapper,
		RateLimitRPS:     cfg.RateLimitRPS,
		RateLimitBurst:   cfg.RateLimitBurst,
		RateLimitExclude: []string{"/health", "/ready", "/metrics"},
		ShutdownDrain:    cfg.ShutdownDrain,
	}
	server := httpapi.New(orch, k, shadowMgr, bus, apiCfg, logger)

	addr := fmt.Sprintf("%s:%d", cfg.AgentHost, cfg.AgentPort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("aegisd listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", "drain", cfg.ShutdownDrain)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrain)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// discoverTools walks every operation currently visible in the shadow
// state and derives a ToolSpec for each, the set the capability index
// searches over and the orchestrator ultimately invokes.
func discoverTools(shadowMgr *shadow.Manager) []twin.ToolSpec {
	ops := shadowMgr.GetOperations()
	tools := make([]twin.ToolSpec, 0, len(ops))
	for _, op := range ops {
		tools = append(tools, twin.GenerateToolSpec(op.Element, op.SubmodelID, op.Path))
	}
	return tools
}

// buildLLMClient selects the model backend per cfg.LLMProvider. Only
// "rules" has a concrete implementation in this tree — no Anthropic or
// OpenAI SDK exists anywhere in the dependency pack (see DESIGN.md), so
// those providers fall back to the rules planner with a loud warning
// rather than silently failing to start.
func buildLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	if cfg.LLMProvider != "rules" {
		logger.Warn("llm provider has no client implementation in this build, falling back to rules",
			"requested_provider", cfg.LLMProvider)
	}
	return llm.NewRules()
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
