// Package transfer implements the on-disk RPC channel to the external
// asynchronous-flush agent described in spec.md §4.9/§5/§6: a transfer
// file holding a FILES→{DESTINATION,SIZE,WRITTEN} hash, a COMMAND, and
// agent-echoed BW/PERCENT/STATE fields, guarded by an advisory lock so
// the library and the agent never observe a half-written file.
package transfer

import (
	"strconv"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/CamStan/scr/internal/kvtree"
)

// Command is the RPC directive the library issues to the agent.
type Command string

const (
	// Run tells the agent to (continue to) drain the enqueued files.
	Run Command = "RUN"
	// Stop tells the agent to abandon the current transfer.
	Stop Command = "STOP"
)

// FileEntry is one enqueued file's transfer bookkeeping.
type FileEntry struct {
	Destination string
	Size        int64
	Written     int64
}

// File is the full transfer-file payload.
type File struct {
	Files   map[string]FileEntry
	Command Command
	BW      float64
	Percent float64
	State   string
}

// New returns an empty transfer File with Command set to Stop, the safe
// default before any enqueue.
func New() *File {
	return &File{Files: make(map[string]FileEntry), Command: Stop}
}

// Locker wraps the advisory lock taken around every read/modify/write of
// the transfer file, mirroring spec.md §5's "lock_open_read /
// write_close_unlock" shared resource discipline.
type Locker struct {
	path string
	fl   *flock.Flock
}

// NewLocker returns a Locker for the transfer file at path.
func NewLocker(path string) *Locker {
	return &Locker{path: path, fl: flock.New(path + ".lock")}
}

// WithWriteLock runs fn while holding an exclusive lock, used by the
// on-node master for `start`/`complete`/`stop`.
func (l *Locker) WithWriteLock(fn func() error) error {
	if err := l.fl.Lock(); err != nil {
		return errors.Wrap(err, "transfer: acquire write lock")
	}
	defer l.fl.Unlock()
	return fn()
}

// WithReadLock runs fn while holding a shared lock, used by `test` to
// poll progress; other readers may hold the lock at the same time, while
// an exclusive writer waits until it is released.
func (l *Locker) WithReadLock(fn func() error) error {
	if err := l.fl.RLock(); err != nil {
		return errors.Wrap(err, "transfer: acquire read lock")
	}
	defer l.fl.Unlock()
	return fn()
}

// Write serializes f to path. Callers are expected to hold the Locker's
// write lock for the duration.
func Write(path string, f *File) error {
	return kvtree.WriteFile(path, f.encode())
}

// Read deserializes the transfer file at path. Callers are expected to
// hold at least the Locker's read lock for the duration.
func Read(path string) (*File, error) {
	t, err := kvtree.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeFile(t), nil
}

func (f *File) encode() *kvtree.Tree {
	t := kvtree.New()
	t.Set(string(f.Command), "COMMAND")
	t.Set(strconv.FormatFloat(f.BW, 'g', -1, 64), "BW")
	t.Set(strconv.FormatFloat(f.Percent, 'g', -1, 64), "PERCENT")
	t.Set(f.State, "STATE")
	for name, e := range f.Files {
		base := t.Sub(true, "FILES", name)
		base.Set(e.Destination, "DESTINATION")
		base.SetInt(e.Size, "SIZE")
		base.SetInt(e.Written, "WRITTEN")
	}
	return t
}

func decodeFile(t *kvtree.Tree) *File {
	f := New()
	if v, ok := t.Get("COMMAND"); ok {
		f.Command = Command(v)
	}
	if v, ok := t.Get("BW"); ok {
		f.BW, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := t.Get("PERCENT"); ok {
		f.Percent, _ = strconv.ParseFloat(v, 64)
	}
	f.State, _ = t.Get("STATE")
	for _, name := range t.Keys("FILES") {
		base := t.Sub(false, "FILES", name)
		e := FileEntry{}
		e.Destination, _ = base.Get("DESTINATION")
		if v, ok := base.GetInt("SIZE"); ok {
			e.Size = v
		}
		if v, ok := base.GetInt("WRITTEN"); ok {
			e.Written = v
		}
		f.Files[name] = e
	}
	return f
}

// Complete reports whether every enqueued file has Written >= Size, the
// `test` operation's completion check.
func (f *File) Complete() bool {
	for _, e := range f.Files {
		if e.Written < e.Size {
			return false
		}
	}
	return true
}
