package flush

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/CamStan/scr/internal/comm"
	"github.com/CamStan/scr/internal/transfer"
)

// Async drives the transfer-file RPC protocol of spec.md §4.9 against an
// external transfer agent. One Async is constructed per on-node master
// for the lifetime of one asynchronous flush.
type Async struct {
	path   string
	locker *transfer.Locker
}

// NewAsync returns an Async bound to the transfer file at path.
func NewAsync(path string) *Async {
	return &Async{path: path, locker: transfer.NewLocker(path)}
}

// Start enqueues every data file for local SplitLocal members (parity
// chunks tagged XOR are skipped; no sidecar files are enqueued), merges
// local-master-side, and writes the transfer file with COMMAND=RUN under
// an exclusive lock.
func (a *Async) Start(ctx context.Context, c comm.Communicator, local comm.Communicator, files []RankFile, destDir string) error {
	entries := make(map[string]transfer.FileEntry, len(files))
	for _, rf := range files {
		if rf.Tag == "XOR" {
			continue
		}
		info, err := os.Stat(rf.Path)
		if err != nil {
			return errors.Wrapf(err, "flush: stat %s", rf.Path)
		}
		entries[rf.Path] = transfer.FileEntry{
			Destination: filepath.Join(destDir, filepath.Base(rf.Path)),
			Size:        info.Size(),
		}
	}

	merged, err := gatherEntries(ctx, local, entries)
	if err != nil {
		return err
	}
	if local.Rank() != 0 {
		return nil
	}

	return a.locker.WithWriteLock(func() error {
		f := transfer.New()
		f.Files = merged
		f.Command = transfer.Run
		return transfer.Write(a.path, f)
	})
}

// Test reports whether every enqueued file has been fully written by the
// agent, reading the transfer file under a shared lock.
func (a *Async) Test() (bool, error) {
	var complete bool
	err := a.locker.WithReadLock(func() error {
		f, err := transfer.Read(a.path)
		if err != nil {
			return err
		}
		complete = f.Complete()
		return nil
	})
	return complete, err
}

// Complete finishes an async flush once Test reports done: it calls
// issueStop, then rewrites the transfer file under the write lock with an
// empty file list and COMMAND=STOP. It does not gather file metadata or
// write the summary, the index or the scr.current link, and ckpt is not
// used.
func (a *Async) Complete(ckpt int, issueStop func() error) error {
	if err := issueStop(); err != nil {
		return err
	}
	return a.locker.WithWriteLock(func() error {
		f := transfer.New()
		f.Command = transfer.Stop
		return transfer.Write(a.path, f)
	})
}

// Abort issues STOP, spins waiting for STATE=STOP, then clears FILES,
// per spec.md §4.9's `stop` operation.
func (a *Async) Abort(ctx context.Context, pollInterval time.Duration) error {
	if err := a.locker.WithWriteLock(func() error {
		f, err := transfer.Read(a.path)
		if err != nil {
			f = transfer.New()
		}
		f.Command = transfer.Stop
		return transfer.Write(a.path, f)
	}); err != nil {
		return err
	}

	for {
		var stopped bool
		err := a.locker.WithReadLock(func() error {
			f, err := transfer.Read(a.path)
			if err != nil {
				return err
			}
			stopped = f.State == string(transfer.Stop)
			return nil
		})
		if err != nil {
			return err
		}
		if stopped {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	return a.locker.WithWriteLock(func() error {
		f, err := transfer.Read(a.path)
		if err != nil {
			return err
		}
		f.Files = make(map[string]transfer.FileEntry)
		return transfer.Write(a.path, f)
	})
}

// gatherEntries merges every local-communicator rank's enqueue map at
// rank 0, the "on-node master merges peer enqueues" step of spec.md §4.9.
func gatherEntries(ctx context.Context, local comm.Communicator, entries map[string]transfer.FileEntry) (map[string]transfer.FileEntry, error) {
	encoded := encodeEntries(entries)
	gathered, err := local.Gather(ctx, 0, encoded)
	if err != nil {
		return nil, err
	}
	if local.Rank() != 0 {
		return nil, nil
	}
	merged := make(map[string]transfer.FileEntry)
	for _, blob := range gathered {
		for k, v := range decodeEntries(blob) {
			merged[k] = v
		}
	}
	return merged, nil
}
