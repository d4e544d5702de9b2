// Package filemap implements the per-node filemap store of spec.md §4.1:
// the authoritative record of which cache-local files this node holds for
// each (checkpoint, rank) pair, the redundancy descriptor that produced
// them, and a small tag map. Every mutating method leaves the in-memory
// tree updated; callers are responsible for calling Write before any
// collective barrier or before exposing a newly created file, which is
// what makes filemap persistence strictly precede file creation (spec.md
// §5's ordering guarantee).
package filemap

import (
	"sort"
	"strconv"

	"github.com/CamStan/scr/internal/descriptor"
	"github.com/CamStan/scr/internal/kvtree"
)

// Entry is one (checkpoint, rank) file-entry record.
type Entry struct {
	Paths         []string
	ExpectedCount *int
	Tags          map[string]string
	Descriptor    *descriptor.Descriptor
}

func newEntry() *Entry {
	return &Entry{Tags: make(map[string]string)}
}

// Map is the in-memory filemap for one node.
type Map struct {
	// ckpt -> rank -> entry
	ckpts map[int]map[int]*Entry
}

// New returns an empty Map.
func New() *Map {
	return &Map{ckpts: make(map[int]map[int]*Entry)}
}

func (m *Map) entry(ckpt, rank int, create bool) *Entry {
	ranks, ok := m.ckpts[ckpt]
	if !ok {
		if !create {
			return nil
		}
		ranks = make(map[int]*Entry)
		m.ckpts[ckpt] = ranks
	}
	e, ok := ranks[rank]
	if !ok {
		if !create {
			return nil
		}
		e = newEntry()
		ranks[rank] = e
	}
	return e
}

// AddFile records that path is now held locally for (ckpt, rank).
func (m *Map) AddFile(ckpt, rank int, path string) {
	e := m.entry(ckpt, rank, true)
	for _, p := range e.Paths {
		if p == path {
			return
		}
	}
	e.Paths = append(e.Paths, path)
}

// RemoveFile drops path from (ckpt, rank)'s file list, if present.
func (m *Map) RemoveFile(ckpt, rank int, path string) {
	e := m.entry(ckpt, rank, false)
	if e == nil {
		return
	}
	out := e.Paths[:0]
	for _, p := range e.Paths {
		if p != path {
			out = append(out, p)
		}
	}
	e.Paths = out
}

// RemoveCheckpoint drops every entry for ckpt.
func (m *Map) RemoveCheckpoint(ckpt int) {
	delete(m.ckpts, ckpt)
}

// ListRanks returns every rank with at least one entry, across all
// checkpoints, sorted and de-duplicated.
func (m *Map) ListRanks() []int {
	seen := make(map[int]bool)
	for _, ranks := range m.ckpts {
		for r := range ranks {
			seen[r] = true
		}
	}
	return sortedKeys(seen)
}

// ListRanksByCheckpoint returns the ranks with an entry under ckpt.
func (m *Map) ListRanksByCheckpoint(ckpt int) []int {
	ranks, ok := m.ckpts[ckpt]
	if !ok {
		return nil
	}
	seen := make(map[int]bool, len(ranks))
	for r := range ranks {
		seen[r] = true
	}
	return sortedKeys(seen)
}

// ListFiles returns a copy of the file list for (ckpt, rank).
func (m *Map) ListFiles(ckpt, rank int) []string {
	e := m.entry(ckpt, rank, false)
	if e == nil {
		return nil
	}
	out := make([]string, len(e.Paths))
	copy(out, e.Paths)
	return out
}

// NumFiles returns len(ListFiles(ckpt, rank)).
func (m *Map) NumFiles(ckpt, rank int) int {
	e := m.entry(ckpt, rank, false)
	if e == nil {
		return 0
	}
	return len(e.Paths)
}

// FirstRankByCheckpoint returns the smallest rank with an entry under
// ckpt, used by the on-node master to pick a representative.
func (m *Map) FirstRankByCheckpoint(ckpt int) (int, bool) {
	ranks := m.ListRanksByCheckpoint(ckpt)
	if len(ranks) == 0 {
		return 0, false
	}
	return ranks[0], true
}

// NumExpectedFiles returns the expected_count for (ckpt, rank), if set.
func (m *Map) NumExpectedFiles(ckpt, rank int) (int, bool) {
	e := m.entry(ckpt, rank, false)
	if e == nil || e.ExpectedCount == nil {
		return 0, false
	}
	return *e.ExpectedCount, true
}

// SetExpectedFiles sets the expected_count producers record before
// receiving files, per spec.md §3's file-entry invariant.
func (m *Map) SetExpectedFiles(ckpt, rank, count int) {
	e := m.entry(ckpt, rank, true)
	e.ExpectedCount = &count
}

// LatestCheckpoint returns the greatest checkpoint id present, or
// ok=false if the map is empty.
func (m *Map) LatestCheckpoint() (int, bool) {
	first := true
	var best int
	for id := range m.ckpts {
		if first || id > best {
			best = id
			first = false
		}
	}
	return best, !first
}

// OldestCheckpoint returns the smallest checkpoint id present.
func (m *Map) OldestCheckpoint() (int, bool) {
	first := true
	var best int
	for id := range m.ckpts {
		if first || id < best {
			best = id
			first = false
		}
	}
	return best, !first
}

// SetDesc records the redundancy descriptor that produced (ckpt, rank).
func (m *Map) SetDesc(ckpt, rank int, d *descriptor.Descriptor) {
	e := m.entry(ckpt, rank, true)
	e.Descriptor = d
}

// GetDesc returns the descriptor recorded for (ckpt, rank).
func (m *Map) GetDesc(ckpt, rank int) *descriptor.Descriptor {
	e := m.entry(ckpt, rank, false)
	if e == nil {
		return nil
	}
	return e.Descriptor
}

// SetTag records a per-entry tag (e.g. PARTNER=<hostname>).
func (m *Map) SetTag(ckpt, rank int, key, value string) {
	e := m.entry(ckpt, rank, true)
	e.Tags[key] = value
}

// GetTag returns a per-entry tag.
func (m *Map) GetTag(ckpt, rank int, key string) (string, bool) {
	e := m.entry(ckpt, rank, false)
	if e == nil {
		return "", false
	}
	v, ok := e.Tags[key]
	return v, ok
}

// ExtractRank removes and returns every checkpoint's entry for rank,
// producing a Map containing only that rank's slice — used by the
// restart scatter protocol to build per-destination shards.
func (m *Map) ExtractRank(rank int) *Map {
	out := New()
	for ckpt, ranks := range m.ckpts {
		e, ok := ranks[rank]
		if !ok {
			continue
		}
		out.ckpts[ckpt] = map[int]*Entry{rank: e}
		delete(ranks, rank)
		if len(ranks) == 0 {
			delete(m.ckpts, ckpt)
		}
	}
	return out
}

// Merge folds other's entries into m. A (ckpt, rank) present in both maps
// has its paths unioned and other's expected count/descriptor/tags win.
func (m *Map) Merge(other *Map) {
	for ckpt, ranks := range other.ckpts {
		for rank, oe := range ranks {
			e := m.entry(ckpt, rank, true)
			for _, p := range oe.Paths {
				found := false
				for _, existing := range e.Paths {
					if existing == p {
						found = true
						break
					}
				}
				if !found {
					e.Paths = append(e.Paths, p)
				}
			}
			if oe.ExpectedCount != nil {
				v := *oe.ExpectedCount
				e.ExpectedCount = &v
			}
			if oe.Descriptor != nil {
				e.Descriptor = oe.Descriptor
			}
			for k, v := range oe.Tags {
				e.Tags[k] = v
			}
		}
	}
}

func sortedKeys(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// --- serialization ---

// Encode serializes m into the shared kvtree wire format.
func (m *Map) Encode() *kvtree.Tree {
	t := kvtree.New()
	for ckpt, ranks := range m.ckpts {
		ckptKey := strconv.Itoa(ckpt)
		for rank, e := range ranks {
			rankKey := strconv.Itoa(rank)
			base := t.Sub(true, "CKPT", ckptKey, "RANK", rankKey)
			for _, p := range e.Paths {
				base.Sub(true, "FILE", p).Val = "1"
			}
			if e.ExpectedCount != nil {
				base.SetInt(int64(*e.ExpectedCount), "EXPECT")
			}
			for k, v := range e.Tags {
				base.Sub(true, "TAG", k).Val = v
			}
			if e.Descriptor != nil {
				base.Sub(true, "DESC").Merge(e.Descriptor.Encode())
			}
		}
	}
	return t
}

// Decode is the inverse of Encode.
func Decode(t *kvtree.Tree) *Map {
	m := New()
	for _, ckptKey := range t.Keys("CKPT") {
		ckpt, err := strconv.Atoi(ckptKey)
		if err != nil {
			continue
		}
		for _, rankKey := range t.Keys("CKPT", ckptKey, "RANK") {
			rank, err := strconv.Atoi(rankKey)
			if err != nil {
				continue
			}
			base := t.Sub(false, "CKPT", ckptKey, "RANK", rankKey)
			if base == nil {
				continue
			}
			e := m.entry(ckpt, rank, true)
			for _, p := range base.Keys("FILE") {
				e.Paths = append(e.Paths, p)
			}
			if v, ok := base.GetInt("EXPECT"); ok {
				n := int(v)
				e.ExpectedCount = &n
			}
			for _, k := range base.Keys("TAG") {
				v, _ := base.Get("TAG", k)
				e.Tags[k] = v
			}
			if descTree := base.Sub(false, "DESC"); descTree != nil && len(descTree.Keys()) > 0 {
				e.Descriptor = descriptor.Decode(descTree)
			}
		}
	}
	return m
}

// Write persists m to path using an atomic rename, per spec.md §4.1's
// "writes are full-file rewrites, atomic at the level of the underlying
// file system's rename".
func (m *Map) Write(path string) error {
	return kvtree.WriteFile(path, m.Encode())
}

// Read loads a Map previously written by Write.
func Read(path string) (*Map, error) {
	t, err := kvtree.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(t), nil
}

