// Package fetch implements the restart-time cache repopulation pipeline
// of spec.md §4.10: resolve a target PFS checkpoint directory, copy its
// files into the cache, and fall back through the index's
// most-recent-complete-older cursor when a candidate's summary is
// unusable.
package fetch

import (
	"context"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/CamStan/scr/internal/comm"
	"github.com/CamStan/scr/internal/index"
	"github.com/CamStan/scr/internal/scrlog"
	"github.com/CamStan/scr/internal/summary"
)

// Candidate is one PFS checkpoint directory eligible for a fetch attempt.
type Candidate struct {
	Directory string
	Timestamp int64
}

// ResolveCurrent returns the starting candidate from the `scr.current`
// link, or falls back to the index's most-recent-complete entry if the
// link is absent or unreadable.
func ResolveCurrent(prefix, currentLinkTarget string, idx *index.Index) (Candidate, bool) {
	if currentLinkTarget != "" {
		for _, e := range idx.Entries {
			if e.Directory == currentLinkTarget {
				return Candidate{Directory: e.Directory, Timestamp: e.Timestamp}, true
			}
		}
		return Candidate{Directory: currentLinkTarget}, true
	}
	e, ok := idx.MostRecentComplete()
	if !ok {
		return Candidate{}, false
	}
	return Candidate{Directory: e.Directory, Timestamp: e.Timestamp}, true
}

// NextOlder returns the next candidate strictly older than cursor's
// timestamp, implementing spec.md §4.10's fallback cursor.
func NextOlder(idx *index.Index, cursor Candidate) (Candidate, bool) {
	e, ok := idx.NextOlderComplete(cursor.Timestamp)
	if !ok {
		return Candidate{}, false
	}
	return Candidate{Directory: e.Directory, Timestamp: e.Timestamp}, true
}

// RankFile is one file this rank must pull from PFS into the cache.
type RankFile struct {
	PFSPath   string
	CachePath string
	Size      int64
}

// Options configures one fetch attempt.
type Options struct {
	CRC bool
}

// Attempt performs one candidate's fetch: rank 0 reads and broadcasts
// success/failure of the summary read, then every rank copies its own
// files from PFS into the cache and checks each copied size against
// RankFile.Size when that is set. With opts.CRC a CRC32 of the copied
// bytes is computed but not compared against any expected value.
// Returns ok=false (without error) when the candidate's summary could
// not be read or validated, so the caller advances to the next older
// candidate per spec.md §4.10's state machine.
func Attempt(ctx context.Context, c comm.Communicator, cand Candidate, summaryPath string, expectedCheckpointID int, files []RankFile, opts Options) (bool, *summary.Summary, error) {
	var s *summary.Summary
	var readErr error
	if c.Rank() == 0 {
		s, readErr = summary.Read(summaryPath)
		if readErr == nil {
			readErr = s.Validate(expectedCheckpointID, c.Size())
		}
	}

	ok := readErr == nil
	commit, err := c.AllReduceAnd(ctx, ok)
	if err != nil {
		return false, nil, err
	}
	if !commit {
		if c.Rank() == 0 && readErr != nil {
			scrlog.Errorf("fetch: candidate %s unusable: %v", cand.Directory, readErr)
		}
		return false, nil, nil
	}

	for _, rf := range files {
		if err := os.RemoveAll(rf.CachePath); err != nil && !os.IsNotExist(err) {
			return false, nil, errors.Wrapf(err, "fetch: clear stale cache file %s", rf.CachePath)
		}
		if err := copyFromPFS(rf.PFSPath, rf.CachePath, rf.Size, opts.CRC); err != nil {
			return false, nil, err
		}
	}

	commit, err = c.AllReduceAnd(ctx, true)
	if err != nil {
		return false, nil, err
	}
	return commit, s, nil
}

func copyFromPFS(srcPath, destPath string, expectedSize int64, withCRC bool) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrapf(err, "fetch: open %s", srcPath)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return errors.Wrapf(err, "fetch: mkdir for %s", destPath)
	}
	dst, err := os.Create(destPath)
	if err != nil {
		return errors.Wrapf(err, "fetch: create %s", destPath)
	}
	defer dst.Close()

	buf := make([]byte, 128*1024)
	var crc uint32
	var size int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return errors.Wrapf(werr, "fetch: write %s", destPath)
			}
			if withCRC {
				crc = crc32.Update(crc, crc32.IEEETable, buf[:n])
			}
			size += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return errors.Wrapf(rerr, "fetch: read %s", srcPath)
		}
	}
	_ = crc
	if expectedSize > 0 && size != expectedSize {
		return errors.Errorf("fetch: size mismatch for %s: got %d want %d", destPath, size, expectedSize)
	}
	return nil
}
