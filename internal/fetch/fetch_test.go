package fetch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CamStan/scr/internal/comm/local"
	"github.com/CamStan/scr/internal/fetch"
	"github.com/CamStan/scr/internal/index"
	"github.com/CamStan/scr/internal/summary"
)

// TestAttemptFallsBackThroughIndex exercises spec.md scenario S6: the
// newest candidate's summary fails validation (wrong rank count), so the
// caller must fall back to the next-older complete entry in the index
// and succeed there.
func TestAttemptFallsBackThroughIndex(t *testing.T) {
	prefix := t.TempDir()
	idx := &index.Index{}

	newDir := "ckpt.new"
	oldDir := "ckpt.old"
	require.NoError(t, os.MkdirAll(filepath.Join(prefix, newDir), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(prefix, oldDir), 0o755))

	bad := summary.New(2, 99) // wrong rank count: validation will fail
	bad.Complete = true
	require.NoError(t, summary.Write(filepath.Join(prefix, newDir, "summary.scr"), bad))

	good := summary.New(1, 1)
	good.Complete = true
	require.NoError(t, summary.Write(filepath.Join(prefix, oldDir, "summary.scr"), good))

	idx.Register(newDir, 2, 200)
	idx.Register(oldDir, 1, 100)

	hub := local.NewHub(1, "nodeA")
	c := hub.Rank(0)

	cand, ok := fetch.ResolveCurrent(prefix, "", idx)
	require.True(t, ok)
	assert.Equal(t, newDir, cand.Directory)

	commit, _, err := fetch.Attempt(context.Background(), c, cand, filepath.Join(prefix, cand.Directory, "summary.scr"), 2, nil, fetch.Options{})
	require.NoError(t, err)
	assert.False(t, commit, "newest candidate must be rejected on rank-count mismatch")

	idx.MarkFailed(cand.Directory)
	next, ok := fetch.NextOlder(idx, cand)
	require.True(t, ok)
	assert.Equal(t, oldDir, next.Directory)

	commit, s, err := fetch.Attempt(context.Background(), c, next, filepath.Join(prefix, next.Directory, "summary.scr"), 1, nil, fetch.Options{})
	require.NoError(t, err)
	assert.True(t, commit)
	assert.Equal(t, 1, s.CheckpointID)
}
