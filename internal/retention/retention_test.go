package retention_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CamStan/scr/internal/filemap"
	"github.com/CamStan/scr/internal/flush"
	"github.com/CamStan/scr/internal/retention"
)

// TestEnforceEvictsOldestNotFlushing exercises the common case: the held
// count has reached the quota, and the oldest checkpoint is not currently
// flushing, so it is evicted immediately.
func TestEnforceEvictsOldestNotFlushing(t *testing.T) {
	base := t.TempDir()
	fm := filemap.New()
	tracker := flush.NewTracker()

	paths := map[int]string{}
	for _, ckpt := range []int{1, 2, 3} {
		p := filepath.Join(base, "ckpt."+string(rune('0'+ckpt)))
		require.NoError(t, os.WriteFile(p, []byte("data"), 0o644))
		paths[ckpt] = p
		fm.AddFile(ckpt, 0, p)
	}

	err := retention.Enforce(context.Background(), fm, tracker, base, []int{1, 2, 3},
		retention.Options{Quota: 3},
		func(ckpt int) []string { return []string{paths[ckpt]} },
		func(ckpt int) []string { return nil },
		func(ckpt int) string { return "" },
	)
	require.NoError(t, err)

	_, err = os.Stat(paths[1])
	assert.True(t, os.IsNotExist(err), "checkpoint 1 should have been evicted")
	_, err = os.Stat(paths[2])
	assert.NoError(t, err, "checkpoint 2 should survive")
	_, err = os.Stat(paths[3])
	assert.NoError(t, err, "checkpoint 3 should survive")
	assert.Empty(t, fm.ListFiles(1, 0), "checkpoint 1 should be removed from the filemap")
	assert.NotEmpty(t, fm.ListFiles(2, 0), "checkpoint 2 should remain in the filemap")
}

// TestEnforceWaitsForFlushingCheckpoint exercises spec.md scenario S5:
// when every remaining candidate is flushing, Enforce waits rather than
// evicting a checkpoint mid-flush.
func TestEnforceWaitsForFlushingCheckpoint(t *testing.T) {
	base := t.TempDir()
	fm := filemap.New()
	tracker := flush.NewTracker()
	tracker.SetFlushing(1, true)

	p := filepath.Join(base, "ckpt.1")
	require.NoError(t, os.WriteFile(p, []byte("data"), 0o644))
	fm.AddFile(1, 0, p)

	go func() {
		time.Sleep(20 * time.Millisecond)
		tracker.SetFlushing(1, false)
	}()

	start := time.Now()
	err := retention.Enforce(context.Background(), fm, tracker, base, []int{1},
		retention.Options{Quota: 1, PollInterval: 5 * time.Millisecond},
		func(ckpt int) []string { return []string{p} },
		func(ckpt int) []string { return nil },
		func(ckpt int) string { return "" },
	)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err))
}
