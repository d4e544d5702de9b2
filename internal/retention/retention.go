// Package retention implements cache eviction under a per-base quota,
// spec.md §4.6: while the number of checkpoints held for a cache base
// meets or exceeds the configured quota, delete the oldest that is not
// currently flushing, waiting for an in-flight async flush if every
// remaining candidate is flushing.
package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/CamStan/scr/internal/filemap"
	"github.com/CamStan/scr/internal/flush"
	"github.com/CamStan/scr/internal/scrlog"
)

// EscalateFunc is called when a CRC-on-delete verification fails.
// Defaulting to a no-op log line matches spec.md §9's "CRC-on-delete
// failure is logged but not escalated by default"; an operator tool can
// inject a harder failure without changing eviction's core logic.
type EscalateFunc func(ckpt int, path string, err error)

// DefaultEscalate logs and continues.
func DefaultEscalate(ckpt int, path string, err error) {
	scrlog.Errorf("retention: crc-on-delete mismatch ckpt=%d file=%s: %v", ckpt, path, err)
}

// Options configures one Enforce call.
type Options struct {
	Quota        int
	CRCOnDelete  bool
	Escalate     EscalateFunc
	PollInterval time.Duration
	WaitFlush    func(ctx context.Context, ckpt int) error
}

// Enforce evicts checkpoints from base until the held count is below
// Quota, per spec.md §4.6. held lists every checkpoint currently held
// for this cache base, oldest-first is not assumed; Enforce sorts.
// dataFiles/sidecarFiles return the on-disk paths to remove for a given
// checkpoint; cacheSubdir returns the checkpoint's cache subdirectory to
// rmdir once empty.
func Enforce(ctx context.Context, fm *filemap.Map, tracker *flush.Tracker, base string, held []int, opts Options, dataFiles, sidecarFiles func(ckpt int) []string, cacheSubdir func(ckpt int) string) error {
	if opts.Escalate == nil {
		opts.Escalate = DefaultEscalate
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 50 * time.Millisecond
	}

	remaining := append([]int(nil), held...)
	sort.Ints(remaining)

	for len(remaining) >= opts.Quota {
		idx, ckpt, ok := oldestNotFlushing(remaining, tracker)
		if !ok {
			// Every remaining candidate is flushing; wait for the
			// globally oldest one and retry.
			ckpt = remaining[0]
			if opts.WaitFlush != nil {
				if err := opts.WaitFlush(ctx, ckpt); err != nil {
					return err
				}
			} else {
				if err := pollUntilNotFlushing(ctx, tracker, ckpt, opts.PollInterval); err != nil {
					return err
				}
			}
			idx = 0
		}

		if err := deleteCheckpoint(fm, tracker, ckpt, opts, dataFiles(ckpt), sidecarFiles(ckpt), cacheSubdir(ckpt)); err != nil {
			return err
		}
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return nil
}

func oldestNotFlushing(sorted []int, tracker *flush.Tracker) (int, int, bool) {
	for i, ckpt := range sorted {
		if !tracker.Get(ckpt).Flushing {
			return i, ckpt, true
		}
	}
	return 0, 0, false
}

func pollUntilNotFlushing(ctx context.Context, tracker *flush.Tracker, ckpt int, interval time.Duration) error {
	for tracker.Get(ckpt).Flushing {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil
}

// deleteCheckpoint performs spec.md §4.6's delete sequence: unlink every
// data file (optionally CRC verifying first), unlink sidecar metadata,
// rmdir the cache subdirectory, purge the flush-state record, and
// remove_checkpoint from the in-memory filemap. The filemap is not
// written to disk here.
func deleteCheckpoint(fm *filemap.Map, tracker *flush.Tracker, ckpt int, opts Options, dataFiles, sidecarFiles []string, subdir string) error {
	for _, path := range dataFiles {
		if opts.CRCOnDelete {
			if err := verifyCRC(path); err != nil {
				opts.Escalate(ckpt, path, err)
			}
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "retention: unlink %s", path)
		}
	}
	for _, path := range sidecarFiles {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "retention: unlink sidecar %s", path)
		}
	}
	if subdir != "" {
		if err := os.Remove(subdir); err != nil && !os.IsNotExist(err) {
			scrlog.Errorf("retention: rmdir %s: %v", subdir, err)
		}
	}
	tracker.Purge(ckpt)
	fm.RemoveCheckpoint(ckpt)
	return nil
}

// verifyCRC recomputes an xxhash digest of path and compares it against
// a prior-recorded one stored alongside the file as path+".xxh64", the
// fast non-cryptographic spot-check layered on top of the wire CRC32
// already carried in the filemap sidecar.
func verifyCRC(path string) error {
	sumPath := path + ".xxh64"
	want, err := os.ReadFile(sumPath)
	if os.IsNotExist(err) {
		return nil // no prior digest recorded, nothing to verify
	}
	if err != nil {
		return errors.Wrapf(err, "retention: read digest %s", sumPath)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "retention: read %s", path)
	}
	got := xxhash.Sum64(data)
	gotHex := fmt.Sprintf("%016x", got)
	if string(want) != gotHex {
		return errors.Errorf("retention: xxhash mismatch for %s: want %s got %s", path, want, gotHex)
	}
	return nil
}

// DigestPath returns the conventional xxhash sidecar path for a cache
// file, exported so flush/fetch can write it when CRC-on-flush is set.
func DigestPath(path string) string {
	return filepath.Join(filepath.Dir(path), filepath.Base(path)+".xxh64")
}
