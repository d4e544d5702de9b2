package scatter_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CamStan/scr/internal/comm/local"
	"github.com/CamStan/scr/internal/descriptor"
	"github.com/CamStan/scr/internal/filemap"
	"github.com/CamStan/scr/internal/scatter"
)

// TestDistributeRemappedRanks exercises spec.md scenario S3: after a
// restart with fewer/reshuffled processes, the file that belongs to
// world rank 2 is currently held by the process now running as rank 0
// (and vice versa); Distribute must route each file to the process now
// running as its owning rank regardless of which process currently
// holds it.
func TestDistributeRemappedRanks(t *testing.T) {
	const n = 3
	hub := local.NewHub(n, "nodeA")

	// procDir[r] is both "wherever process r's currently-held files
	// live" and (via destDir) "where process r's own files must end up"
	// — the same cache directory a real process only ever has one of.
	procDir := make([]string, n)
	for r := 0; r < n; r++ {
		procDir[r] = t.TempDir()
	}

	contentForOwner := map[int][]byte{
		0: []byte("owner-0-payload"),
		1: []byte("owner-1-payload"),
		2: []byte("owner-2-payload"),
	}
	// Process 0 currently holds owner 2's file; process 2 currently holds
	// owner 0's file; process 1 already holds its own.
	heldBy := map[int]int{0: 2, 1: 1, 2: 0}

	filenameForOwner := func(owner int) string { return "owner" + string(rune('0'+owner)) + ".dat" }

	myOwned := make([][]scatter.Owned, n)
	for proc, owner := range heldBy {
		path := filepath.Join(procDir[proc], filenameForOwner(owner))
		require.NoError(t, os.WriteFile(path, contentForOwner[owner], 0o644))
		myOwned[proc] = []scatter.Owned{{OwnerWorldRank: owner, Path: path}}
	}

	destDir := func(owner int) string { return procDir[owner] }

	var wg sync.WaitGroup
	errs := make([]error, n)

	wg.Add(n)
	for r := 0; r < n; r++ {
		r := r
		go func() {
			defer wg.Done()
			rankFm := filemap.New()
			errs[r] = scatter.Distribute(context.Background(), hub.Rank(r), rankFm, 1, myOwned[r], destDir, descriptor.Local)
		}()
	}
	wg.Wait()

	for r := 0; r < n; r++ {
		require.NoError(t, errs[r])
	}

	for owner, want := range contentForOwner {
		got, err := os.ReadFile(filepath.Join(procDir[owner], filenameForOwner(owner)))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
