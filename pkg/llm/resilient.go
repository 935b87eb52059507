package llm

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mindburn-labs/aegis/pkg/breaker"
)

// Resilient wraps a primary Client with a circuit breaker and falls
// back to a secondary Client (typically a RulesClient, but any Client
// works) whenever the primary is unavailable: the breaker is open, or
// the primary call itself fails.
//
// This composition is not present in the reference implementation
// (original_source/agent/llm/factory.py wires exactly one provider per
// process) — it is the Go-native answer to spec.md's naming of a
// "Resilient LM Wrapper" as a distinct component, built from the
// already-proven pkg/breaker rather than inventing new failure-handling.
type Resilient struct {
	primary  Client
	fallback Client
	breaker  *breaker.Breaker
	logger   *slog.Logger
}

// ResilientOption configures a Resilient client.
type ResilientOption func(*Resilient)

// WithBreaker overrides the default breaker instance.
func WithBreaker(b *breaker.Breaker) ResilientOption {
	return func(r *Resilient) { r.breaker = b }
}

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) ResilientOption {
	return func(r *Resilient) { r.logger = l }
}

// NewResilient builds a Resilient client guarding primary with fallback.
func NewResilient(primary, fallback Client, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		primary:  primary,
		fallback: fallback,
		breaker:  breaker.New(breaker.DefaultConfig()),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Chat tries the primary client when the breaker allows it, recording
// the outcome; any refusal or primary failure falls through to the
// fallback client, which is expected to always succeed (the
// dependency-free RulesClient, in the common case).
func (r *Resilient) Chat(ctx context.Context, messages []Message, tools []ToolDescriptor, system string) (Response, error) {
	if r.breaker.CanExecute() {
		resp, err := r.primary.Chat(ctx, messages, tools, system)
		if err == nil {
			r.breaker.RecordSuccess()
			return resp, nil
		}
		r.breaker.RecordFailure()
		r.logger.Warn("primary LM client failed, falling back", "error", err)
	} else {
		r.logger.Warn("primary LM client circuit open, using fallback")
	}

	resp, err := r.fallback.Chat(ctx, messages, tools, system)
	if err != nil {
		return Response{}, errors.Join(ErrFallbackFailed, err)
	}
	return resp, nil
}

// Close closes both the primary and fallback clients, joining any errors.
func (r *Resilient) Close() error {
	return errors.Join(r.primary.Close(), r.fallback.Close())
}

// ErrFallbackFailed wraps an error from the fallback client after the
// primary has already been exhausted.
var ErrFallbackFailed = errors.New("llm: fallback client also failed")
