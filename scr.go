// Package scr is the Scalable Checkpoint/Restart library's entry point:
// the five-call lifecycle API of spec.md §6 (Init, Need_checkpoint,
// Start_checkpoint, Route_file, Complete_checkpoint) plus Finalize, each
// implemented as a thin orchestration layer over the internal
// sub-packages. Per spec.md §9's "Global mutable state → configuration +
// context" design note, there is no package-level mutable state: every
// call takes or returns an explicit *Context/*CheckpointEngine.
package scr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/CamStan/scr/internal/comm"
	"github.com/CamStan/scr/internal/config"
	"github.com/CamStan/scr/internal/descriptor"
	"github.com/CamStan/scr/internal/filemap"
	"github.com/CamStan/scr/internal/fetch"
	"github.com/CamStan/scr/internal/flush"
	"github.com/CamStan/scr/internal/index"
	"github.com/CamStan/scr/internal/redundancy"
	"github.com/CamStan/scr/internal/retention"
	"github.com/CamStan/scr/internal/scatter"
	"github.com/CamStan/scr/internal/screrr"
	"github.com/CamStan/scr/internal/scrlog"
)

// Context aggregates the immutable, per-run collaborators every lifecycle
// call needs: communicators and configuration. It replaces the source
// library's module-wide statics (my-rank, hostname, communicators), per
// spec.md §9.
type Context struct {
	Cfg   *config.Config
	World comm.Communicator
	Local comm.Communicator
	Host  string

	Descriptors []*descriptor.Descriptor
}

// CheckpointEngine owns every piece of mutable per-run state: the
// filemap, flush-state tracker, and index. One CheckpointEngine exists
// per process for the lifetime of the run.
type CheckpointEngine struct {
	ctx *Context

	Filemap *filemap.Map
	Flush   *flush.Tracker
	Index   *index.Index

	currentCheckpointID int
	cacheDirFor         func(ckpt int) string
	now                 func() int64
	lastCheckpointAt    int64

	fetchedCheckpointID int // set by a successful Init-time fetch
	deletionCandidateID int64 // distinct from fetchedCheckpointID per the
	// REDESIGN-flagged ambiguity in spec.md §9: the source overloads one
	// "latest checkpoint in cache" variable for both the fetch result and
	// the fetch-failure cleanup target, risking deleting the wrong
	// checkpoint when fetch rewrites it mid-cleanup.
}

// New constructs a CheckpointEngine bound to ctx. cacheDirFor resolves
// the cache subdirectory for a checkpoint id; now supplies the current
// time as a Unix timestamp (injected so the core never calls a wall
// clock directly, keeping Complete_checkpoint and friends deterministic
// under test).
func New(ctx *Context, cacheDirFor func(ckpt int) string, now func() int64) *CheckpointEngine {
	return &CheckpointEngine{
		ctx:         ctx,
		Filemap:     filemap.New(),
		Flush:       flush.NewTracker(),
		Index:       &index.Index{},
		cacheDirFor: cacheDirFor,
		now:         now,
	}
}

// controlDir and the path helpers below mirror the control-directory
// layout of spec.md §6.
func (e *CheckpointEngine) controlDir() string {
	return filepath.Join(e.ctx.Cfg.CacheBase, ".scr", e.ctx.Cfg.Username, "scr."+e.ctx.Cfg.JobID)
}

func (e *CheckpointEngine) masterFilemapPath() string {
	return filepath.Join(e.controlDir(), "filemap.scrinfo")
}

func (e *CheckpointEngine) flushStatePath() string {
	return filepath.Join(e.controlDir(), "flush.scrinfo")
}

func (e *CheckpointEngine) indexPath() string {
	return filepath.Join(e.ctx.Cfg.PFSPrefix, "index")
}

func (e *CheckpointEngine) transferFilePath() string {
	return filepath.Join(e.controlDir(), "transfer.scrinfo")
}

// Init creates the control directory, scatters the master filemap across
// this node's processes, loads the flush-state record and the index,
// removes any stale transfer file, and, when FetchOnInit is set, runs the
// fetch chain. It does not distribute or rebuild cached checkpoints (see
// DistributeAndRebuild), enforce retention, or flush on restart.
func (e *CheckpointEngine) Init(ctx context.Context) screrr.Result {
	if err := os.MkdirAll(e.controlDir(), 0o755); err != nil {
		scrlog.Errorf("scr: init mkdir control dir: %v", err)
		return screrr.Fatal
	}

	if fm, err := scatter.ScatterFilemaps(ctx, e.ctx.Local, e.masterFilemapPath(), e.controlDir(), []int{e.ctx.World.Rank()}); err == nil {
		e.Filemap.Merge(fm)
	} else {
		scrlog.Errorf("scr: init scatter_filemaps: %v", err)
	}

	if tracker, err := flush.ReadTrackerFile(e.flushStatePath()); err == nil {
		e.Flush = tracker
	}
	if idx, err := index.Load(e.indexPath()); err == nil {
		e.Index = idx
	}

	// The async flush has no cross-restart resume story (spec.md §9):
	// any in-flight transfer file from a prior run is stale.
	os.Remove(e.transferFilePath())

	// Distribute-then-rebuild (spec.md §4.12) is not run here:
	// scatter.Distribute and redundancy.RebuildXOR need the concrete file
	// paths and destination directories a generic engine doesn't own.
	// DistributeAndRebuild below is the entry point a caller invokes once
	// per cached checkpoint.

	if e.ctx.Cfg.FetchOnInit {
		e.attemptFetchChain(ctx)
	}

	return screrr.OK
}

// attemptFetchChain walks the fetch state machine of spec.md §4.10:
// start at `scr.current`, fall back through the index on failure.
func (e *CheckpointEngine) attemptFetchChain(ctx context.Context) {
	linkTarget, _ := os.Readlink(filepath.Join(e.ctx.Cfg.PFSPrefix, "scr.current"))
	cand, ok := fetch.ResolveCurrent(e.ctx.Cfg.PFSPrefix, linkTarget, e.Index)
	for ok {
		summaryPath := filepath.Join(e.ctx.Cfg.PFSPrefix, cand.Directory, "summary.scr")
		expectedID := 0
		for _, ent := range e.Index.Entries {
			if ent.Directory == cand.Directory {
				expectedID = ent.CheckpointID
			}
		}
		commit, s, err := fetch.Attempt(ctx, e.ctx.World, cand, summaryPath, expectedID, nil, fetch.Options{CRC: e.ctx.Cfg.CRCOnCopy})
		if err == nil && commit {
			if s != nil {
				e.fetchedCheckpointID = s.CheckpointID
			}
			return
		}
		e.deletionCandidateID = cand.Timestamp
		e.Index.MarkFailed(cand.Directory)
		cand, ok = fetch.NextOlder(e.Index, cand)
	}
}

// DeletionCandidate returns the timestamp of the most recent PFS
// checkpoint directory a fetch attempt rejected, distinct from
// FetchedCheckpoint so a caller cleaning up failed PFS directories never
// targets the checkpoint that actually landed in cache.
func (e *CheckpointEngine) DeletionCandidate() int64 { return e.deletionCandidateID }

// FetchedCheckpoint returns the checkpoint id successfully fetched into
// cache during Init, or 0 if none was fetched.
func (e *CheckpointEngine) FetchedCheckpoint() int { return e.fetchedCheckpointID }

// DistributeAndRebuild runs spec.md §4.12's restart distribute protocol
// for one cached checkpoint, then rebuilds this rank's files from XOR
// parity if it ended up with no owner assignment. myOwned/destDir/group
// are supplied by the caller, which alone knows the concrete cache
// layout; rRank identifies which group member (if any) is missing and
// must be rebuilt. Pass rebuild with rRank == -1 when every rank already
// owns a file and no rebuild is needed.
func (e *CheckpointEngine) DistributeAndRebuild(ctx context.Context, ckpt int, myOwned []scatter.Owned, destDir func(int) string, variant descriptor.Variant, group comm.Communicator, rRank int, own *redundancy.Header, ownParityRaw []byte, dataPathsForR func([]redundancy.FileInfo) []string, parityPathForR string) error {
	if err := scatter.Distribute(ctx, e.ctx.World, e.Filemap, ckpt, myOwned, destDir, variant); err != nil {
		return errors.Wrap(err, "scr: distribute")
	}
	if variant != descriptor.XOR || rRank < 0 {
		return nil
	}
	if _, err := redundancy.RebuildXOR(ctx, group, rRank, own, ownParityRaw, dataPathsForR, parityPathForR); err != nil {
		return errors.Wrap(err, "scr: rebuild xor")
	}
	return nil
}

// Need_checkpoint reports whether a checkpoint should be taken now, per
// spec.md §6's disjunction of halt/interval/elapsed-time/overhead
// criteria (or unconditionally true if none is configured). Elapsed time
// is measured against the timestamp Complete_checkpoint recorded for the
// last checkpoint, using the clock injected into New.
func (e *CheckpointEngine) Need_checkpoint(callCount int, estimatedOverheadPercent float64, haltPending bool) bool {
	cfg := e.ctx.Cfg
	anyCriterion := cfg.CheckpointInterval > 0 || cfg.CheckpointSeconds > 0 || cfg.CheckpointOverhead > 0
	if !anyCriterion {
		return true
	}
	if haltPending {
		return true
	}
	if cfg.CheckpointInterval > 0 && callCount%cfg.CheckpointInterval == 0 {
		return true
	}
	if cfg.CheckpointSeconds > 0 && e.lastCheckpointAt > 0 {
		if float64(e.now()-e.lastCheckpointAt) >= float64(cfg.CheckpointSeconds) {
			return true
		}
	}
	if cfg.CheckpointOverhead > 0 && estimatedOverheadPercent < cfg.CheckpointOverhead {
		return true
	}
	return false
}

// Start_checkpoint increments the checkpoint id, creates the
// checkpoint's cache directory, and persists the selected descriptor
// into the filemap, per spec.md §6. Callers should invoke Retain first
// to evict under quota, since only the caller knows the cache base's
// full held-checkpoint set and on-disk file layout.
func (e *CheckpointEngine) Start_checkpoint(ctx context.Context) (int, screrr.Result) {
	e.currentCheckpointID++
	ckpt := e.currentCheckpointID

	d := descriptor.Select(e.ctx.Descriptors, ckpt)
	if d == nil {
		scrlog.Errorf("scr: no eligible descriptor for checkpoint %d", ckpt)
		return ckpt, screrr.Fatal
	}

	if err := os.MkdirAll(e.cacheDirFor(ckpt), 0o755); err != nil {
		scrlog.Errorf("scr: start_checkpoint mkdir: %v", err)
		return ckpt, screrr.Fatal
	}

	e.Filemap.SetDesc(ckpt, e.ctx.World.Rank(), d)
	if err := e.Filemap.Write(e.shardPath()); err != nil {
		scrlog.Errorf("scr: start_checkpoint write filemap: %v", err)
		return ckpt, screrr.Fatal
	}
	return ckpt, screrr.OK
}

func (e *CheckpointEngine) shardPath() string {
	return filepath.Join(e.controlDir(), fmt.Sprintf("filemap_%d.scrinfo", e.ctx.Local.Rank()))
}

// Route_file resolves the path for a user file. Inside a checkpoint
// window it returns the cache path and records it in the filemap (the
// filemap is written before the path is handed back, preserving the
// persistence-precedes-creation ordering guarantee). Outside the window
// it returns userPath unchanged once it has checked that userPath
// exists; no cache path is computed.
func (e *CheckpointEngine) Route_file(userPath string, insideCheckpoint bool) (string, error) {
	if !insideCheckpoint {
		if _, err := os.Stat(userPath); err != nil {
			return "", errors.Wrapf(err, "scr: route_file outside checkpoint window")
		}
		return userPath, nil
	}

	ckpt := e.currentCheckpointID
	outPath := filepath.Join(e.cacheDirFor(ckpt), filepath.Base(userPath))
	e.Filemap.AddFile(ckpt, e.ctx.World.Rank(), outPath)
	if err := e.Filemap.Write(e.shardPath()); err != nil {
		return "", errors.Wrap(err, "scr: route_file write filemap")
	}
	return outPath, nil
}

// Complete_checkpoint marks every routed file with valid, invokes the
// redundancy encoder for this checkpoint's selected descriptor, records
// the outcome, and evaluates whether the checkpoint should be purged on
// failure, per spec.md §6/§7.
func (e *CheckpointEngine) Complete_checkpoint(ctx context.Context, ckpt int, valid bool, group comm.Communicator, files []redundancy.FileInfo, parityPath string) screrr.Result {
	rank := e.ctx.World.Rank()
	e.Filemap.SetTag(ckpt, rank, "VALID", boolStr(valid))

	d := e.Filemap.GetDesc(ckpt, rank)
	if d == nil {
		return screrr.Fail
	}

	var encodeErr error
	switch d.Variant {
	case descriptor.Local:
		redundancy.ApplyLocal(e.Filemap, ckpt, rank, d)
	case descriptor.XOR:
		_, encodeErr = redundancy.ApplyXOR(ctx, group, files, parityPath, ckpt)
	case descriptor.Partner:
		encodeErr = redundancy.ApplyPartner(ctx, group, e.Filemap, ckpt, d, e.ctx.Host, pathsOf(files))
	}

	ok := valid && encodeErr == nil
	commit, err := group.AllReduceAnd(ctx, ok)
	if err != nil {
		return screrr.Fatal
	}
	if !commit {
		e.purgeCheckpoint(ckpt)
		return screrr.Fail
	}

	e.Flush.SetCache(ckpt, true)
	e.lastCheckpointAt = e.now()
	if err := e.Filemap.Write(e.shardPath()); err != nil {
		return screrr.Fatal
	}
	return screrr.OK
}

func (e *CheckpointEngine) purgeCheckpoint(ckpt int) {
	e.Filemap.RemoveCheckpoint(ckpt)
	e.Flush.Purge(ckpt)
	os.RemoveAll(e.cacheDirFor(ckpt))
}

// Finalize stops any in-flight async flush (via Async.Abort; it does not
// wait for the flush to complete) and, when the latest checkpoint has no
// PFS copy, logs that a synchronous flush is owed. It does not run that
// flush itself.
func (e *CheckpointEngine) Finalize(ctx context.Context, async *flush.Async) screrr.Result {
	if async != nil {
		if err := async.Abort(ctx, 0); err != nil {
			scrlog.Errorf("scr: finalize abort async flush: %v", err)
		}
	}

	ckpt, ok := e.Filemap.LatestCheckpoint()
	if !ok {
		return screrr.OK
	}
	state := e.Flush.Get(ckpt)
	if state.PFS {
		return screrr.OK
	}
	// A real sync flush requires the caller's file list and PFS
	// destination; Finalize signals that one is owed so the caller can
	// invoke flush.Sync with this checkpoint.
	scrlog.Infof("scr: finalize: checkpoint %d still dirty, synchronous flush required", ckpt)
	return screrr.OK
}

func pathsOf(files []redundancy.FileInfo) []string {
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	return paths
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Retain is a convenience wrapper around internal/retention.Enforce bound
// to this engine's filemap and flush tracker (spec.md §4.6).
// Start_checkpoint does not call it; callers invoke it before
// Start_checkpoint.
func (e *CheckpointEngine) Retain(ctx context.Context, base string, held []int, opts retention.Options, dataFiles, sidecarFiles func(ckpt int) []string, cacheSubdir func(ckpt int) string) error {
	return retention.Enforce(ctx, e.Filemap, e.Flush, base, held, opts, dataFiles, sidecarFiles, cacheSubdir)
}
