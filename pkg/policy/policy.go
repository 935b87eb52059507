// Package policy implements Ed25519-signed policy distribution: the
// safety kernel's role bindings, interlock rules, and risk thresholds
// are authored as a JSON document, signed over its exact UTF-8 bytes,
// and distributed through a PolicyTwin submodel.
package policy

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/mindburn-labs/aegis/pkg/twin"
)

// ErrVerificationFailed is returned when a policy signature does not
// verify and verification is required.
var ErrVerificationFailed = errors.New("policy: signature verification failed")

// ErrNotSignedPolicy is returned by ExtractSignedFromSubmodel when the
// submodel lacks one of the three signed-policy properties.
var ErrNotSignedPolicy = errors.New("policy: submodel has no signed policy")

// InterlockRule is one policy-defined safety predicate: if the shadow
// twin's property at Submodel/Path satisfies Op against Value, the
// operation is denied with Message.
type InterlockRule struct {
	ID       string `json:"id"`
	Submodel string `json:"submodel"`
	Path     string `json:"path"`
	Op       string `json:"op"`
	Value    string `json:"value"`
	Message  string `json:"message"`
}

// rawInterlock mirrors the nested {"deny_when": {...}} shape the
// original policy documents use.
type rawInterlock struct {
	ID       string `json:"id"`
	DenyWhen struct {
		Submodel string      `json:"submodel"`
		Path     string      `json:"path"`
		Op       string      `json:"op"`
		Value    interface{} `json:"value"`
	} `json:"deny_when"`
	Message string `json:"message"`
}

// RoleBinding is the set of tool names ("*" for all) a role may invoke.
type RoleBinding struct {
	Allow []string `json:"allow"`
}

// Config is the parsed, in-force policy.
type Config struct {
	SchemaVersion           string                 `json:"schema_version"`
	RequireSimulationForRisk twin.RiskLevel
	RequireApprovalForRisk   twin.RiskLevel
	RoleBindings             map[string]RoleBinding
	Interlocks               []InterlockRule
	TaskSubmodelID           string
	TasksPropertyPath        string
	JobStatusSubmodelID      string
	JobStatusPropertyPath    string
	IsVerified               bool
}

// Default returns the fail-safe default policy used when no policy
// submodel is present, or when it holds no policy properties and
// verification is not required: no role
// bindings (permit-all), no interlocks, CRITICAL-only approval gate.
func Default() Config {
	return Config{
		RequireSimulationForRisk: twin.RiskHigh,
		RequireApprovalForRisk:   twin.RiskCritical,
		TasksPropertyPath:        "TasksJson",
		JobStatusPropertyPath:    "JobStatusJson",
	}
}

// rawConfig is the wire JSON shape a policy document is authored in.
type rawConfig struct {
	SchemaVersion            string                  `json:"schema_version"`
	RequireSimulationForRisk string                  `json:"require_simulation_for_risk"`
	RequireApprovalForRisk   string                  `json:"require_approval_for_risk"`
	RoleBindings             map[string]RoleBinding  `json:"role_bindings"`
	Interlocks               []rawInterlock          `json:"interlocks"`
	TaskSubmodelID           string                  `json:"task_submodel_id"`
	TasksPropertyPath        string                  `json:"tasks_property_path"`
	JobStatusSubmodelID      string                  `json:"job_status_submodel_id"`
	JobStatusPropertyPath    string                  `json:"job_status_property_path"`
}

// FromJSON parses a policy document's raw bytes into a Config,
// applying the same field defaults as the reference PolicyConfig.
// A schema_version that fails semver parsing is rejected, per
// SPEC_FULL.md §3: an unparseable schema is treated as untrusted
// rather than silently accepted.
func FromJSON(data []byte) (Config, error) {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("policy: decode config: %w", err)
	}

	cfg := Default()
	cfg.SchemaVersion = raw.SchemaVersion
	if raw.SchemaVersion != "" {
		if _, err := semver.NewVersion(raw.SchemaVersion); err != nil {
			return Config{}, fmt.Errorf("policy: invalid schema_version %q: %w", raw.SchemaVersion, err)
		}
	}

	if raw.RequireSimulationForRisk != "" {
		cfg.RequireSimulationForRisk = twin.ParseRiskLevel(raw.RequireSimulationForRisk)
	}
	if raw.RequireApprovalForRisk != "" {
		cfg.RequireApprovalForRisk = twin.ParseRiskLevel(raw.RequireApprovalForRisk)
	}
	cfg.RoleBindings = raw.RoleBindings
	for _, ri := range raw.Interlocks {
		cfg.Interlocks = append(cfg.Interlocks, InterlockRule{
			ID:       ri.ID,
			Submodel: ri.DenyWhen.Submodel,
			Path:     ri.DenyWhen.Path,
			Op:       ri.DenyWhen.Op,
			Value:    fmt.Sprintf("%v", ri.DenyWhen.Value),
			Message:  ri.Message,
		})
	}
	if raw.TaskSubmodelID != "" {
		cfg.TaskSubmodelID = raw.TaskSubmodelID
	}
	if raw.TasksPropertyPath != "" {
		cfg.TasksPropertyPath = raw.TasksPropertyPath
	}
	if raw.JobStatusSubmodelID != "" {
		cfg.JobStatusSubmodelID = raw.JobStatusSubmodelID
	}
	if raw.JobStatusPropertyPath != "" {
		cfg.JobStatusPropertyPath = raw.JobStatusPropertyPath
	}
	return cfg, nil
}

// SignedPolicy is a policy document as distributed through a
// PolicyTwin submodel: the exact JSON bytes, the signer's public key,
// and a signature over those exact bytes.
type SignedPolicy struct {
	PolicyJSON   string
	PublicKeyPEM string
	SignatureB64 string
	IsVerified   bool
}

// ExtractSignedFromSubmodel reads the PolicyJson/PolicyPublicKeyPem/
// PolicySignature properties from a PolicyTwin submodel. All three
// must be present string-valued properties or ok is false.
func ExtractSignedFromSubmodel(sm twin.Submodel) (SignedPolicy, bool) {
	var sp SignedPolicy
	for _, e := range sm.Elements {
		s, isStr := e.Value.(string)
		if !isStr {
			continue
		}
		switch e.IDShort {
		case "PolicyJson":
			sp.PolicyJSON = s
		case "PolicyPublicKeyPem":
			sp.PublicKeyPEM = s
		case "PolicySignature":
			sp.SignatureB64 = s
		}
	}
	if sp.PolicyJSON == "" || sp.PublicKeyPEM == "" || sp.SignatureB64 == "" {
		return SignedPolicy{}, false
	}
	return sp, true
}

// VerifySignature checks an Ed25519 signature over the exact UTF-8
// bytes of policyJSON — never re-canonicalized, per spec.md §4.8: sign
// what you store.
func VerifySignature(policyJSON, publicKeyPEM, signatureB64 string) (bool, error) {
	pub, err := parsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return false, fmt.Errorf("policy: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, fmt.Errorf("policy: decode signature: %w", err)
	}
	return ed25519.Verify(pub, []byte(policyJSON), sig), nil
}

// Sign computes an Ed25519 signature over the exact UTF-8 bytes of
// policyJSON.
func Sign(policyJSON, privateKeyPEM string) (string, error) {
	priv, err := parsePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return "", fmt.Errorf("policy: %w", err)
	}
	sig := ed25519.Sign(priv, []byte(policyJSON))
	return base64.StdEncoding.EncodeToString(sig), nil
}

// GenerateKeypair creates a new Ed25519 key pair PEM-encoded as
// PKCS8 (private) / SubjectPublicKeyInfo (public), matching
// scripts/generate_policy_keypair.py's output shape.
func GenerateKeypair() (privatePEM, publicPEM string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("policy: generate keypair: %w", err)
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("policy: marshal private key: %w", err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", "", fmt.Errorf("policy: marshal public key: %w", err)
	}
	privatePEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}))
	publicPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}))
	return privatePEM, publicPEM, nil
}

func parsePublicKeyPEM(pemStr string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("invalid PEM block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("key is not Ed25519")
	}
	return pub, nil
}

func parsePrivateKeyPEM(pemStr string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("invalid PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("key is not Ed25519")
	}
	return priv, nil
}

// VerifyAndParse verifies signed's signature (unless requireVerification
// is false and the signature is simply absent-of-trust) and parses the
// resulting policy JSON into a Config. A failed verification only
// returns an error when requireVerification is true; otherwise the
// config is returned with IsVerified=false so callers can fail open
// only when explicitly configured to.
func VerifyAndParse(signed SignedPolicy, requireVerification bool) (Config, error) {
	valid, err := VerifySignature(signed.PolicyJSON, signed.PublicKeyPEM, signed.SignatureB64)
	if err != nil {
		return Config{}, fmt.Errorf("policy: %w", err)
	}
	if !valid && requireVerification {
		return Config{}, ErrVerificationFailed
	}

	cfg, err := FromJSON([]byte(signed.PolicyJSON))
	if err != nil {
		return Config{}, err
	}
	cfg.IsVerified = valid
	return cfg, nil
}
