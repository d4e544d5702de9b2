// Package flush implements the synchronous and asynchronous
// cache-to-PFS flush pipelines of spec.md §4.8/§4.9, and the per-checkpoint
// flush-state record (`flush.scrinfo`) both pipelines and cache retention
// consult.
package flush

import (
	"strconv"

	"github.com/CamStan/scr/internal/kvtree"
)

// State is the location set {CACHE, PFS, FLUSHING} spec.md §6 describes
// for one checkpoint; all three bits may be set simultaneously (e.g. a
// checkpoint that is cached, already on PFS, and being re-flushed).
type State struct {
	Cache    bool
	PFS      bool
	Flushing bool
}

// Tracker is the in-memory, persisted-to-disk table of flush states
// keyed by checkpoint id, the `flush.scrinfo` control file of spec.md §6.
type Tracker struct {
	states map[int]*State
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[int]*State)}
}

// Get returns a copy of the state for ckpt, the zero State if untracked.
func (t *Tracker) Get(ckpt int) State {
	if s, ok := t.states[ckpt]; ok {
		return *s
	}
	return State{}
}

func (t *Tracker) entry(ckpt int) *State {
	s, ok := t.states[ckpt]
	if !ok {
		s = &State{}
		t.states[ckpt] = s
	}
	return s
}

// SetCache sets or clears the CACHE bit for ckpt.
func (t *Tracker) SetCache(ckpt int, v bool) { t.entry(ckpt).Cache = v }

// SetPFS sets or clears the PFS bit for ckpt.
func (t *Tracker) SetPFS(ckpt int, v bool) { t.entry(ckpt).PFS = v }

// SetFlushing sets or clears the FLUSHING bit for ckpt. Per spec.md §5's
// ordering guarantee, callers must set this true before handing the
// first byte to the transfer agent and clear it only after the agent
// acknowledges STOP.
func (t *Tracker) SetFlushing(ckpt int, v bool) { t.entry(ckpt).Flushing = v }

// Purge removes ckpt's flush-state record entirely, part of cache
// retention's deletion sequence (spec.md §4.6).
func (t *Tracker) Purge(ckpt int) { delete(t.states, ckpt) }

// Checkpoints returns every tracked checkpoint id.
func (t *Tracker) Checkpoints() []int {
	ids := make([]int, 0, len(t.states))
	for id := range t.states {
		ids = append(ids, id)
	}
	return ids
}

// Encode serializes the tracker to a kvtree, the representation written
// to `flush.scrinfo`.
func (t *Tracker) Encode() *kvtree.Tree {
	tree := kvtree.New()
	for ckpt, s := range t.states {
		base := tree.Sub(true, strconv.Itoa(ckpt))
		base.Set(boolStr(s.Cache), "CACHE")
		base.Set(boolStr(s.PFS), "PFS")
		base.Set(boolStr(s.Flushing), "FLUSHING")
	}
	return tree
}

// DecodeTracker is the inverse of Tracker.Encode.
func DecodeTracker(tree *kvtree.Tree) *Tracker {
	t := NewTracker()
	for _, key := range tree.Keys() {
		ckpt, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		base := tree.Sub(false, key)
		s := &State{}
		if v, ok := base.Get("CACHE"); ok {
			s.Cache = v == "true"
		}
		if v, ok := base.Get("PFS"); ok {
			s.PFS = v == "true"
		}
		if v, ok := base.Get("FLUSHING"); ok {
			s.Flushing = v == "true"
		}
		t.states[ckpt] = s
	}
	return t
}

// WriteFile persists t to path.
func (t *Tracker) WriteFile(path string) error {
	return kvtree.WriteFile(path, t.Encode())
}

// ReadTrackerFile loads a Tracker previously written by WriteFile.
func ReadTrackerFile(path string) (*Tracker, error) {
	tree, err := kvtree.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeTracker(tree), nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
