package taskstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mindburn-labs/aegis/pkg/twinclient"
	"github.com/stretchr/testify/require"
)

func TestMirror_RefreshedAfterCreate(t *testing.T) {
	srv := newFakeTwin()
	defer srv.Close()

	tc := twinclient.New(srv.URL, srv.URL)
	store := New(tc, nil, "tasks-submodel", "tasks")

	mirror, err := OpenMirror(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	defer mirror.Close()
	store.WithMirror(mirror)

	taskID, err := store.Create(context.Background(), CreateParams{
		Tool: "move_valve", Risk: "medium", Roles: []string{"operator"},
	})
	require.NoError(t, err)

	pending, err := mirror.ListByStatus(PendingApproval)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, taskID, pending[0].TaskID)

	require.NoError(t, store.Approve(context.Background(), taskID, "supervisor-1"))

	pending, err = mirror.ListByStatus(PendingApproval)
	require.NoError(t, err)
	require.Empty(t, pending)

	approved, err := mirror.ListByStatus(Approved)
	require.NoError(t, err)
	require.Len(t, approved, 1)
	require.Equal(t, "supervisor-1", approved[0].ApprovedBy)
}
