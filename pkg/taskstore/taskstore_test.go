package taskstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mindburn-labs/aegis/pkg/twinclient"
	"github.com/stretchr/testify/require"
)

// fakeTwin serves a single property's $value GET/PUT, mimicking the
// BaSyx submodel-elements endpoint closely enough for taskstore's use.
type fakeTwin struct {
	mu    sync.Mutex
	value json.RawMessage
}

func newFakeTwin() *httptest.Server {
	ft := &fakeTwin{value: json.RawMessage("null")}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			w.Write(ft.value)
		case http.MethodPut:
			body := make([]byte, r.ContentLength)
			r.Body.Read(body)
			ft.value = json.RawMessage(body)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	srv := newFakeTwin()
	t.Cleanup(srv.Close)
	tc := twinclient.New(srv.URL, srv.URL)
	return New(tc, nil, "Tasks", "TasksJson")
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, CreateParams{
		Tool:  "EmergencyStop",
		Risk:  "CRITICAL",
		Roles: []string{"operator"},
		Params: map[string]interface{}{
			"simulate":         true,
			"safety_reasoning": "testing",
			"reason":           "drill",
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, PendingApproval, task.Status)
	require.Equal(t, "EmergencyStop", task.Tool)
	require.Equal(t, "testing", task.SafetyReasoning)
	require.NotContains(t, task.Args, "simulate")
	require.NotContains(t, task.Args, "safety_reasoning")
	require.Equal(t, "drill", task.Args["reason"])
}

func TestApproveRejectLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, CreateParams{Tool: "StartPump", Risk: "HIGH", Roles: []string{"operator"}})
	require.NoError(t, err)

	require.NoError(t, store.Approve(ctx, id, "supervisor1"))
	status, err := store.CheckStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, Approved, status)

	// approving again fails: no longer pending
	require.ErrorIs(t, store.Approve(ctx, id, "supervisor1"), ErrNotPending)

	id2, err := store.Create(ctx, CreateParams{Tool: "StopPump", Risk: "HIGH", Roles: []string{"operator"}})
	require.NoError(t, err)
	require.NoError(t, store.Reject(ctx, id2, "supervisor1", "unsafe"))
	status2, err := store.CheckStatus(ctx, id2)
	require.NoError(t, err)
	require.Equal(t, Rejected, status2)
}

func TestCheckStatus_UnknownIsExpired(t *testing.T) {
	store := newTestStore(t)
	status, err := store.CheckStatus(context.Background(), "task-doesnotexist")
	require.NoError(t, err)
	require.Equal(t, Expired, status)
}

func TestWaitForApproval_ApprovedDuringPoll(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.Create(ctx, CreateParams{Tool: "SetSpeed", Risk: "HIGH", Roles: []string{"operator"}})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.Approve(context.Background(), id, "op2")
	}()

	approved, reason, err := store.WaitForApproval(ctx, id, time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, approved)
	require.Equal(t, "Task approved", reason)
}

func TestWaitForApproval_Timeout(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id, err := store.Create(ctx, CreateParams{Tool: "SetSpeed", Risk: "HIGH", Roles: []string{"operator"}})
	require.NoError(t, err)

	approved, reason, err := store.WaitForApproval(ctx, id, 30*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	require.False(t, approved)
	require.Equal(t, "Approval timeout", reason)
}

func TestPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.Create(ctx, CreateParams{Tool: "A", Risk: "HIGH", Roles: []string{"operator"}})
	require.NoError(t, err)
	id2, err := store.Create(ctx, CreateParams{Tool: "B", Risk: "HIGH", Roles: []string{"operator"}})
	require.NoError(t, err)
	require.NoError(t, store.Approve(ctx, id2, "op"))

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "A", pending[0].Tool)
}
