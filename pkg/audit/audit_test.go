package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)
	return l
}

func TestChainLinksConsecutiveEntries(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	e1, err := l.Log(ctx, EventIntent, map[string]interface{}{"tool": "GetStatus"})
	require.NoError(t, err)
	assert.Equal(t, "", e1.PrevHash)

	e2, err := l.Log(ctx, EventExecuted, map[string]interface{}{"tool": "GetStatus"})
	require.NoError(t, err)
	assert.Equal(t, e1.Hash, e2.PrevHash)

	valid, broken, err := l.VerifyChain()
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Empty(t, broken)
}

func TestCorruptionDetected(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	_, err := l.Log(ctx, EventIntent, nil)
	require.NoError(t, err)
	_, err = l.Log(ctx, EventExecuted, nil)
	require.NoError(t, err)

	raw, err := os.ReadFile(l.path)
	require.NoError(t, err)
	// Flip a byte in the middle of the file content.
	corrupted := []byte(raw)
	mid := len(corrupted) / 2
	if corrupted[mid] == 'a' {
		corrupted[mid] = 'b'
	} else {
		corrupted[mid] = 'a'
	}
	require.NoError(t, os.WriteFile(l.path, corrupted, 0o600))

	valid, broken, err := l.VerifyChain()
	require.NoError(t, err)
	assert.False(t, valid)
	assert.NotEmpty(t, broken)
}

func TestRequestIDAndSubjectFolded(t *testing.T) {
	l := newTestLog(t)
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithSubject(ctx, "operator:alice")

	e, err := l.Log(ctx, EventIntent, nil)
	require.NoError(t, err)
	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, "operator:alice", e.Subject)
}

func TestFirstEntryHasEmptyPrevHash(t *testing.T) {
	l := newTestLog(t)
	e, err := l.Log(context.Background(), EventIntent, nil)
	require.NoError(t, err)
	assert.Empty(t, e.PrevHash)
	assert.NotEmpty(t, e.Hash)
}

func TestVerifyChainOnEmptyLog(t *testing.T) {
	l := newTestLog(t)
	valid, broken, err := l.VerifyChain()
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Empty(t, broken)
}
