// Package config loads aegisd's runtime configuration from environment
// variables, with an optional YAML defaults file layered underneath.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting aegisd needs to start: twin connection,
// MQTT event bus, LLM provider selection, agent HTTP surface, safety
// kernel defaults, and the internal sandbox/opservice ports.
type Config struct {
	// Twin connection
	TwinBaseURL     string `yaml:"twin_base_url"`
	SubmodelBaseURL string `yaml:"submodel_base_url"`
	RepoID          string `yaml:"repo_id"`
	AASID           string `yaml:"aas_id"`

	// MQTT event bus
	MQTTBrokerHost string `yaml:"mqtt_broker_host"`
	MQTTBrokerPort int    `yaml:"mqtt_broker_port"`
	MQTTClientID   string `yaml:"mqtt_client_id"`
	MQTTUsername   string `yaml:"mqtt_username"`
	MQTTPassword   string `yaml:"mqtt_password"`

	// LLM
	LLMProvider     string `yaml:"llm_provider"` // anthropic | openai | rules
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	LLMModel        string `yaml:"llm_model"`
	LLMMaxTokens    int    `yaml:"llm_max_tokens"`

	// Agent HTTP surface
	AgentHost       string `yaml:"agent_host"`
	AgentPort       int    `yaml:"agent_port"`
	CapabilityTopK  int    `yaml:"capability_top_k"`
	AuthMode        string `yaml:"auth_mode"`
	RateLimitRPS    float64 `yaml:"rate_limit_rps"`
	RateLimitBurst  float64 `yaml:"rate_limit_burst"`

	// Safety kernel
	DefaultRoles               []string `yaml:"default_roles"`
	AuditLogPath               string   `yaml:"audit_log_path"`
	PolicyVerificationRequired bool     `yaml:"policy_verification_required"`
	PolicySubmodelID           string   `yaml:"policy_submodel_id"`
	TaskMirrorPath             string   `yaml:"task_mirror_path"`

	// Sandbox/OpService (internal HMAC-authenticated peers)
	SandboxPort    int    `yaml:"sandbox_port"`
	OpServicePort  int    `yaml:"opservice_port"`
	InternalSecret string `yaml:"internal_secret"`

	// Timeouts
	HTTPTimeout          time.Duration `yaml:"http_timeout"`
	JobPollInterval      time.Duration `yaml:"job_poll_interval"`
	JobTimeout           time.Duration `yaml:"job_timeout"`
	JobHTTPFallbackPolls int           `yaml:"job_http_fallback_polls"`
	ApprovalTimeout      time.Duration `yaml:"approval_timeout"`
	ShutdownDrain        time.Duration `yaml:"shutdown_drain"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the reference implementation's defaults, read from
// original_source/common/settings.py's Settings field defaults.
func Default() *Config {
	return &Config{
		TwinBaseURL:     "http://localhost:8081",
		SubmodelBaseURL: "",
		RepoID:          "default",
		AASID:           "urn:example:aas:pump-001",

		MQTTBrokerHost: "localhost",
		MQTTBrokerPort: 1883,
		MQTTClientID:   "aegis-agent",

		LLMProvider:  "rules",
		LLMModel:     "claude-sonnet-4-20250514",
		LLMMaxTokens: 4096,

		AgentHost:      "0.0.0.0",
		AgentPort:      8080,
		CapabilityTopK: 12,
		AuthMode:       "none",
		RateLimitRPS:   20,
		RateLimitBurst: 40,

		DefaultRoles:               []string{"viewer"},
		AuditLogPath:               "audit_logs/audit.jsonl",
		PolicyVerificationRequired: true,
		PolicySubmodelID:           "policy",
		TaskMirrorPath:             "audit_logs/tasks.db",

		SandboxPort:   8081,
		OpServicePort: 8087,

		HTTPTimeout:          30 * time.Second,
		JobPollInterval:      time.Second,
		JobTimeout:           300 * time.Second,
		JobHTTPFallbackPolls: 5,
		ApprovalTimeout:      3600 * time.Second,
		ShutdownDrain:        30 * time.Second,

		LogLevel: "INFO",
	}
}

// LoadFile layers YAML defaults from path onto Default(), the way a
// deployment might ship a baseline config checked into its repo rather
// than set every field by hand via environment variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Load builds a Config from environment variables, all under the
// AEGIS_ prefix (mirroring the original's TWINOPS_ env_prefix), falling
// back to base's values — or Default()'s, if base is nil — for any
// variable that isn't set. Pass the result of LoadFile as base to layer
// env vars on top of a YAML file; pass nil to use defaults directly.
func Load(base *Config) *Config {
	cfg := base
	if cfg == nil {
		cfg = Default()
	}

	cfg.TwinBaseURL = getEnvString("AEGIS_TWIN_BASE_URL", cfg.TwinBaseURL)
	cfg.SubmodelBaseURL = getEnvString("AEGIS_SUBMODEL_BASE_URL", cfg.SubmodelBaseURL)
	cfg.RepoID = getEnvString("AEGIS_REPO_ID", cfg.RepoID)
	cfg.AASID = getEnvString("AEGIS_AAS_ID", cfg.AASID)

	cfg.MQTTBrokerHost = getEnvString("AEGIS_MQTT_BROKER_HOST", cfg.MQTTBrokerHost)
	cfg.MQTTBrokerPort = getEnvInt("AEGIS_MQTT_BROKER_PORT", cfg.MQTTBrokerPort)
	cfg.MQTTClientID = getEnvString("AEGIS_MQTT_CLIENT_ID", cfg.MQTTClientID)
	cfg.MQTTUsername = getEnvString("AEGIS_MQTT_USERNAME", cfg.MQTTUsername)
	cfg.MQTTPassword = getEnvString("AEGIS_MQTT_PASSWORD", cfg.MQTTPassword)

	cfg.LLMProvider = getEnvString("AEGIS_LLM_PROVIDER", cfg.LLMProvider)
	cfg.AnthropicAPIKey = getEnvString("AEGIS_ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.OpenAIAPIKey = getEnvString("AEGIS_OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.LLMModel = getEnvString("AEGIS_LLM_MODEL", cfg.LLMModel)
	cfg.LLMMaxTokens = getEnvInt("AEGIS_LLM_MAX_TOKENS", cfg.LLMMaxTokens)

	cfg.AgentHost = getEnvString("AEGIS_AGENT_HOST", cfg.AgentHost)
	cfg.AgentPort = getEnvInt("AEGIS_AGENT_PORT", cfg.AgentPort)
	cfg.CapabilityTopK = getEnvInt("AEGIS_CAPABILITY_TOP_K", cfg.CapabilityTopK)
	cfg.AuthMode = getEnvString("AEGIS_AUTH_MODE", cfg.AuthMode)
	cfg.RateLimitRPS = getEnvFloat("AEGIS_RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = getEnvFloat("AEGIS_RATE_LIMIT_BURST", cfg.RateLimitBurst)

	if raw := os.Getenv("AEGIS_DEFAULT_ROLES"); raw != "" {
		cfg.DefaultRoles = splitAndTrim(raw)
	}
	cfg.AuditLogPath = getEnvString("AEGIS_AUDIT_LOG_PATH", cfg.AuditLogPath)
	cfg.TaskMirrorPath = getEnvString("AEGIS_TASK_MIRROR_PATH", cfg.TaskMirrorPath)
	cfg.PolicyVerificationRequired = getEnvBool("AEGIS_POLICY_VERIFICATION_REQUIRED", cfg.PolicyVerificationRequired)
	cfg.PolicySubmodelID = getEnvString("AEGIS_POLICY_SUBMODEL_ID", cfg.PolicySubmodelID)

	cfg.SandboxPort = getEnvInt("AEGIS_SANDBOX_PORT", cfg.SandboxPort)
	cfg.OpServicePort = getEnvInt("AEGIS_OPSERVICE_PORT", cfg.OpServicePort)
	cfg.InternalSecret = getEnvString("AEGIS_INTERNAL_SECRET", cfg.InternalSecret)

	cfg.HTTPTimeout = getEnvDuration("AEGIS_HTTP_TIMEOUT", cfg.HTTPTimeout)
	cfg.JobPollInterval = getEnvDuration("AEGIS_JOB_POLL_INTERVAL", cfg.JobPollInterval)
	cfg.JobTimeout = getEnvDuration("AEGIS_JOB_TIMEOUT", cfg.JobTimeout)
	cfg.JobHTTPFallbackPolls = getEnvInt("AEGIS_JOB_HTTP_FALLBACK_POLLS", cfg.JobHTTPFallbackPolls)
	cfg.ApprovalTimeout = getEnvDuration("AEGIS_APPROVAL_TIMEOUT", cfg.ApprovalTimeout)
	cfg.ShutdownDrain = getEnvDuration("AEGIS_SHUTDOWN_DRAIN", cfg.ShutdownDrain)

	cfg.LogLevel = getEnvString("AEGIS_LOG_LEVEL", cfg.LogLevel)

	return cfg
}

// Validate checks the invariants aegisd cannot start without: a known
// LLM provider, an API key present when that provider needs one, and a
// non-empty twin base URL.
func (c *Config) Validate() error {
	switch c.LLMProvider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("config: llm_provider=anthropic requires AEGIS_ANTHROPIC_API_KEY")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("config: llm_provider=openai requires AEGIS_OPENAI_API_KEY")
		}
	case "rules":
		// no external credential needed
	default:
		return fmt.Errorf("config: unknown llm_provider %q (want anthropic, openai, or rules)", c.LLMProvider)
	}
	if c.TwinBaseURL == "" {
		return fmt.Errorf("config: twin_base_url is required")
	}
	if c.AASID == "" {
		return fmt.Errorf("config: aas_id is required")
	}
	return nil
}

func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return fallback
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
