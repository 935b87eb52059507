package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "aegis-agent", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestTrackOperation(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, finish := p.TrackOperation(context.Background(), "test.operation",
		attribute.String("test.key", "test.value"))
	require.NotNil(t, ctx)
	finish(nil)
}

func TestTrackOperationWithError(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	_, finish := p.TrackOperation(context.Background(), "test.operation.error")
	finish(errors.New("boom"))
}

func TestRecordMetrics_NoopWhenDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordRequest(ctx, attribute.String("test", "value"))
	p.RecordError(ctx, errors.New("test"), attribute.String("test", "value"))
	p.RecordDuration(ctx, 100*time.Millisecond, attribute.String("test", "value"))
	p.RecordDecision(true, false)
	p.RecordBreakerTransition(ctx, "twin-http", "closed", "open")
	p.RecordRateLimitReject(ctx, "client-1")
	p.RecordShadowEventApply(ctx, 5*time.Millisecond, "status")
	p.RecordCapabilityQuery(ctx, time.Millisecond, 12)
	p.RecordJobPoll(ctx, "pending")
	p.RecordAuditAppend(ctx, time.Millisecond)
}

func TestStartSpan(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "test.span")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	span.End()
}

func TestShutdown_NoopWhenDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestObserveShadowFreshness_CallbackWired(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	called := false
	p.ObserveShadowFreshness(func() float64 {
		called = true
		return 3.5
	})
	require.NotNil(t, p.freshnessFn)
	require.Equal(t, 3.5, p.freshnessFn())
	require.True(t, called)
}
