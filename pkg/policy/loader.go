package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/mindburn-labs/aegis/pkg/audit"
	"github.com/mindburn-labs/aegis/pkg/shadow"
	"github.com/mindburn-labs/aegis/pkg/twin"
)

// ErrSignedPolicyRequired is returned when no signed policy is found
// and verification is required, so an unsigned fallback is rejected.
var ErrSignedPolicyRequired = errors.New("policy: signed policy not found and verification is required")

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithCacheTTL overrides the default 300s cache TTL.
func WithCacheTTL(d time.Duration) LoaderOption {
	return func(l *Loader) { l.cacheTTL = d }
}

// WithMaxAge sets an absolute cache age beyond which a cached policy is
// reloaded even if otherwise still within TTL. Zero disables this.
func WithMaxAge(d time.Duration) LoaderOption {
	return func(l *Loader) { l.maxAge = d }
}

// WithInterlockFailSafe controls behavior when an interlock's property
// cannot be read: true (default) denies the operation, false logs a
// warning and allows it (fail-open, not recommended in production).
func WithInterlockFailSafe(failSafe bool) LoaderOption {
	return func(l *Loader) { l.interlockFailSafe = failSafe }
}

// Loader loads, verifies, and caches the in-force policy from a
// PolicyTwin submodel tracked by the shadow state manager.
type Loader struct {
	shadowMgr           *shadow.Manager
	auditLog            *audit.Log
	policySubmodelID    string
	requireVerification bool
	interlockFailSafe   bool
	cacheTTL            time.Duration
	maxAge              time.Duration

	mu         sync.Mutex
	cached     Config
	cachedAt   time.Time
	haveCached bool
}

// NewLoader builds a Loader reading policySubmodelID from shadowMgr and
// emitting policy_loaded audit events (source signed, unsigned or
// default) to auditLog.
func NewLoader(shadowMgr *shadow.Manager, auditLog *audit.Log, policySubmodelID string, requireVerification bool, opts ...LoaderOption) *Loader {
	l := &Loader{
		shadowMgr:           shadowMgr,
		auditLog:            auditLog,
		policySubmodelID:    policySubmodelID,
		requireVerification: requireVerification,
		interlockFailSafe:   true,
		cacheTTL:            300 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// InterlockFailSafe reports the configured fail-safe mode for interlock
// property lookups.
func (l *Loader) InterlockFailSafe() bool { return l.interlockFailSafe }

// Load returns the in-force policy, serving from cache when fresh.
// Mirrors the reference load_policy: prefer a signed policy, fall back
// to an unsigned one only when verification is not required, and fall
// back to Default() when no policy submodel is present, or when the
// submodel holds no policy properties and verification is not required.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	l.mu.Lock()
	if l.haveCached && !l.expired() {
		cfg := l.cached
		l.mu.Unlock()
		return cfg, nil
	}
	l.mu.Unlock()

	cfg, err := l.load(ctx)
	if err != nil {
		return Config{}, err
	}

	l.mu.Lock()
	l.cached = cfg
	l.cachedAt = time.Now()
	l.haveCached = true
	l.mu.Unlock()
	return cfg, nil
}

// expired reports whether the cache must be refreshed: caller holds l.mu.
func (l *Loader) expired() bool {
	age := time.Since(l.cachedAt)
	if age >= l.cacheTTL {
		return true
	}
	if l.maxAge > 0 && age >= l.maxAge {
		return true
	}
	return false
}

func (l *Loader) load(ctx context.Context) (Config, error) {
	sm, ok := l.shadowMgr.GetSubmodel(l.policySubmodelID)
	if !ok {
		cfg := Default()
		l.logPolicyDefault(ctx, cfg, "submodel not found")
		return cfg, nil
	}

	if signed, ok := ExtractSignedFromSubmodel(sm); ok {
		cfg, err := VerifyAndParse(signed, l.requireVerification)
		if err != nil {
			return Config{}, err
		}
		l.logPolicyLoaded(ctx, cfg, signed.PolicyJSON, "signed")
		return cfg, nil
	}

	// No signed policy; look for a raw unsigned PolicyJson property.
	if raw, ok := rawPolicyJSON(sm); ok {
		if l.requireVerification {
			return Config{}, ErrSignedPolicyRequired
		}
		cfg, err := FromJSON([]byte(raw))
		if err != nil {
			return Config{}, err
		}
		cfg.IsVerified = false
		l.logPolicyLoaded(ctx, cfg, raw, "unsigned")
		return cfg, nil
	}

	if l.requireVerification {
		return Config{}, ErrSignedPolicyRequired
	}
	cfg := Default()
	l.logPolicyDefault(ctx, cfg, "no policy properties present")
	return cfg, nil
}

// rawPolicyJSON looks for a lone, unsigned PolicyJson string property.
func rawPolicyJSON(sm twin.Submodel) (string, bool) {
	for _, e := range sm.Elements {
		if e.IDShort != "PolicyJson" {
			continue
		}
		if s, ok := e.Value.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func (l *Loader) logPolicyLoaded(ctx context.Context, cfg Config, policyJSON, source string) {
	if l.auditLog == nil {
		return
	}
	sum := sha256.Sum256([]byte(policyJSON))
	_, _ = l.auditLog.Log(ctx, audit.EventPolicyLoaded, map[string]interface{}{
		"policy_hash": hex.EncodeToString(sum[:]),
		"verified":    cfg.IsVerified,
		"source":      source,
	})
}

func (l *Loader) logPolicyDefault(ctx context.Context, cfg Config, reason string) {
	if l.auditLog == nil {
		return
	}
	_, _ = l.auditLog.Log(ctx, audit.EventPolicyLoaded, map[string]interface{}{
		"policy_hash": "",
		"verified":    false,
		"source":      "default",
		"reason":      reason,
	})
}

// ForceReload drops the cache so the next Load re-reads the submodel.
func (l *Loader) ForceReload() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.haveCached = false
}
