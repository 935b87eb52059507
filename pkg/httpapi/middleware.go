package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mindburn-labs/aegis/pkg/ratelimit"
)

// AuthMode selects how a request's caller identity (and hence roles) is
// established. none/mtls cover the public HTTP surface; hmac is an
// internal-only scheme for service-to-service calls (sandbox/opservice)
// that the public interface never exposes.
type AuthMode string

const (
	AuthNone AuthMode = "none"
	AuthMTLS AuthMode = "mtls"
	AuthHMAC AuthMode = "hmac"
)

type contextKey int

const (
	rolesContextKey contextKey = iota
	requestIDContextKey
)

// RolesFromContext returns the caller roles attached by AuthMiddleware.
func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(rolesContextKey).([]string)
	return roles
}

// RequestIDFromContext returns the request id attached by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

// RoleMapper maps an authenticated subject (an mTLS certificate's common
// name) to the roles it carries.
type RoleMapper func(subject string) []string

// RequestID assigns a stable id to every request, reusing an inbound
// X-Request-ID if the caller already set one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AuthMiddleware extracts caller roles per the configured auth mode and
// attaches them to the request context. Fails closed: an unrecognized
// mode, missing header, or absent client certificate is rejected rather
// than treated as an anonymous/no-roles caller.
func AuthMiddleware(mode AuthMode, roleHeader string, mapper RoleMapper) func(http.Handler) http.Handler {
	if roleHeader == "" {
		roleHeader = "X-Roles"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var roles []string
			switch mode {
			case AuthNone:
				raw := r.Header.Get(roleHeader)
				if raw == "" {
					WriteUnauthorized(w, "Missing "+roleHeader+" header")
					return
				}
				for _, role := range strings.Split(raw, ",") {
					role = strings.TrimSpace(role)
					if role != "" {
						roles = append(roles, role)
					}
				}
			case AuthMTLS:
				subject := mtlsSubject(r)
				if subject == "" {
					WriteUnauthorized(w, "No client certificate subject presented")
					return
				}
				if mapper == nil {
					WriteUnauthorized(w, "mTLS role mapping not configured")
					return
				}
				roles = mapper(subject)
				if len(roles) == 0 {
					WriteForbidden(w, "Subject "+subject+" is not mapped to any role")
					return
				}
			default:
				WriteUnauthorized(w, "Unsupported auth mode")
				return
			}

			ctx := context.WithValue(r.Context(), rolesContextKey, roles)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// mtlsSubject reads the client certificate's common name, falling back
// to a trusted reverse-proxy header for deployments that terminate TLS
// upstream of this process.
func mtlsSubject(r *http.Request) string {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return r.TLS.PeerCertificates[0].Subject.CommonName
	}
	return r.Header.Get("X-Forwarded-Client-Cert-Subject")
}

// RateLimit wraps next in the token-bucket rate limiter, keyed per
// ratelimit.ClientID's api-key/remote-addr convention, skipping the
// given path prefixes (health/readiness/metrics probes).
func RateLimit(limiter *ratelimit.Limiter, excluded []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range excluded {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}

			clientID := ratelimit.ClientID(r.Header.Get("X-API-Key"), r.RemoteAddr)
			allowed, retryAfter := limiter.Allow(clientID)
			if !allowed {
				WriteTooManyRequests(w, int(math.Ceil(retryAfter.Seconds())))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// hmacMaxSkew bounds how stale a signed request's timestamp may be
// before it is rejected as a replay.
const hmacMaxSkew = 5 * time.Minute

// HMACAuth verifies the internal service-to-service signature scheme:
// header "X-Signature: <unix-timestamp>:<hex hmac>" over
// HMAC-SHA256(secret, timestamp + "." + method + "." + path + "." + body),
// checked with a constant-time comparison. There is no third-party HMAC
// library in the dependency pack for this internal-only scheme, so it is
// built directly on stdlib crypto/hmac and crypto/sha256.
func HMACAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("X-Signature")
			parts := strings.SplitN(header, ":", 2)
			if len(parts) != 2 {
				WriteUnauthorized(w, "Missing or malformed X-Signature header")
				return
			}

			ts, err := strconv.ParseInt(parts[0], 10, 64)
			if err != nil {
				WriteUnauthorized(w, "Invalid signature timestamp")
				return
			}
			if skew := time.Since(time.Unix(ts, 0)); skew > hmacMaxSkew || skew < -hmacMaxSkew {
				WriteUnauthorized(w, "Signature timestamp outside allowed skew")
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				WriteBadRequest(w, "Unable to read request body")
				return
			}
			r.Body = io.NopCloser(strings.NewReader(string(body)))

			mac := hmac.New(sha256.New, []byte(secret))
			mac.Write([]byte(parts[0] + "." + r.Method + "." + r.URL.Path + "." + string(body)))
			expected := hex.EncodeToString(mac.Sum(nil))

			if !hmac.Equal([]byte(expected), []byte(parts[1])) {
				WriteUnauthorized(w, "Invalid signature")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Logging logs each request's method, path, status, and duration at
// Info level once it completes.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", RequestIDFromContext(r.Context()),
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Chain composes middleware in the order given: Chain(a, b)(h) == a(b(h)).
func Chain(mws ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
