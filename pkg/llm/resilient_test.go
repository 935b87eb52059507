package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubClient struct {
	resp    Response
	err     error
	calls   int
	closed  bool
}

func (s *stubClient) Chat(_ context.Context, _ []Message, _ []ToolDescriptor, _ string) (Response, error) {
	s.calls++
	if s.err != nil {
		return Response{}, s.err
	}
	return s.resp, nil
}

func (s *stubClient) Close() error {
	s.closed = true
	return nil
}

func TestResilient_UsesPrimaryWhenHealthy(t *testing.T) {
	primary := &stubClient{resp: Response{Content: "primary"}}
	fallback := &stubClient{resp: Response{Content: "fallback"}}
	r := NewResilient(primary, fallback)

	resp, err := r.Chat(context.Background(), nil, nil, "")
	require.NoError(t, err)
	require.Equal(t, "primary", resp.Content)
	require.Equal(t, 1, primary.calls)
	require.Equal(t, 0, fallback.calls)
}

func TestResilient_FallsBackOnPrimaryError(t *testing.T) {
	primary := &stubClient{err: errors.New("boom")}
	fallback := &stubClient{resp: Response{Content: "fallback"}}
	r := NewResilient(primary, fallback)

	resp, err := r.Chat(context.Background(), nil, nil, "")
	require.NoError(t, err)
	require.Equal(t, "fallback", resp.Content)
}

func TestResilient_FallsBackAfterBreakerOpens(t *testing.T) {
	primary := &stubClient{err: errors.New("boom")}
	fallback := &stubClient{resp: Response{Content: "fallback"}}
	r := NewResilient(primary, fallback)

	for i := 0; i < 10; i++ {
		_, _ = r.Chat(context.Background(), nil, nil, "")
	}
	callsBeforeOpen := primary.calls
	_, err := r.Chat(context.Background(), nil, nil, "")
	require.NoError(t, err)
	require.LessOrEqual(t, primary.calls, callsBeforeOpen+1)
}

func TestResilient_Close(t *testing.T) {
	primary := &stubClient{}
	fallback := &stubClient{}
	r := NewResilient(primary, fallback)
	require.NoError(t, r.Close())
	require.True(t, primary.closed)
	require.True(t, fallback.closed)
}
