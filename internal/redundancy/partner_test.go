package redundancy_test

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
	"github.com/CamStan/scr/internal/redundancy"
)

// TestApplyPartnerRingHopOne exercises spec.md scenario S2: a 3-rank ring
// at hop distance 1, where each rank ends up holding a byte-exact copy of
// its left neighbor's file under the left neighbor's world rank.
func TestApplyPartnerRingHopOne(t *testing.T) {
	const n = 3
	hub := local.NewHub(n, "nodeA")

	contents := make([][]byte, n)
	srcPaths := make([]string, n)
	destDirs := make([]string, n)
	for r := 0; r < n; r++ {
		dir := t.TempDir()
		contents[r] = []byte{byte('A' + r), byte('A' + r), byte('A' + r)}
		srcPaths[r] = filepath.Join(dir, "ckpt.dat")
		require.NoError(t, os.WriteFile(srcPaths[r], contents[r], 0o644))
		destDirs[r] = t.TempDir()
	}

	fms := make([]*filemap.Map, n)
	var wg sync.WaitGroup
	errs := make([]error, n)

	wg.Add(n)
	for r := 0; r < n; r++ {
		r := r
		go func() {
			defer wg.Done()
			d := &descriptor.Descriptor{
				Enabled:      true,
				Variant:      descriptor.Partner,
				Base:         destDirs[r],
				HopDistance:  1,
				LHSWorldRank: (r - 1 + n) % n,
				RHSWorldRank: (r + 1) % n,
				LHSHost:      "nodeA",
				RHSHost:      "nodeA",
			}
			fms[r] = filemap.New()
			errs[r] = redundancy.ApplyPartner(context.Background(), hub.Rank(r), fms[r], 1, d, "nodeA", []string{srcPaths[r]})
		}()
	}
	wg.Wait()

	for r := 0; r < n; r++ {
		require.NoError(t, errs[r])
	}

	for r := 0; r < n; r++ {
		lhs := (r - 1 + n) % n
		count, ok := fms[r].NumExpectedFiles(1, lhs)
		require.True(t, ok)
		assert.Equal(t, 1, count)

		got, err := os.ReadFile(filepath.Join(destDirs[r], "ckpt.dat"))
		require.NoError(t, err)
		assert.Equal(t, contents[lhs], got)
	}
}
