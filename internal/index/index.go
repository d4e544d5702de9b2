// Package index implements the prefix-scoped catalog of flushed
// checkpoints described in spec.md §4.10/§6: an ordered, human-editable
// record of PFS checkpoint directories with flush timestamps and failure
// marks, consulted by fetch's most-recent-complete-older-than cursor.
package index

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Entry is one checkpoint directory's catalog record.
type Entry struct {
	Directory    string `yaml:"directory"`
	Timestamp    int64  `yaml:"timestamp"`
	CheckpointID int    `yaml:"checkpoint_id"`
	Complete     bool   `yaml:"complete"`
	Failed       bool   `yaml:"failed"`
}

// Index is the full catalog, round-tripped through a human-readable YAML
// envelope (an operator can open and edit `<prefix>/index` directly, the
// way an rclone user edits `rclone.conf`).
type Index struct {
	Entries []Entry `yaml:"entries"`
}

// Load reads the index at path, returning an empty Index if the file
// does not yet exist.
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Index{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "index: read %s", path)
	}
	idx := &Index{}
	if err := yaml.Unmarshal(data, idx); err != nil {
		return nil, errors.Wrapf(err, "index: parse %s", path)
	}
	return idx, nil
}

// Save writes idx to path atomically via a temp file and rename, mirroring
// every other on-disk object's write convention in this library.
func (idx *Index) Save(path string) error {
	data, err := yaml.Marshal(idx)
	if err != nil {
		return errors.Wrap(err, "index: marshal")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "index: write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "index: rename %s", path)
	}
	return nil
}

// Register adds or updates the entry for directory, marking it complete
// with the given checkpoint id and timestamp, per spec.md §4.7's "update
// the prefix-scoped index file to mark this checkpoint directory
// complete".
func (idx *Index) Register(directory string, checkpointID int, timestamp int64) {
	for i := range idx.Entries {
		if idx.Entries[i].Directory == directory {
			idx.Entries[i].CheckpointID = checkpointID
			idx.Entries[i].Timestamp = timestamp
			idx.Entries[i].Complete = true
			return
		}
	}
	idx.Entries = append(idx.Entries, Entry{
		Directory:    directory,
		Timestamp:    timestamp,
		CheckpointID: checkpointID,
		Complete:     true,
	})
}

// MarkFailed flags directory as failed, per spec.md §4.10's fetch-attempt
// state machine ("on failure, mark the directory failed in the index").
func (idx *Index) MarkFailed(directory string) {
	for i := range idx.Entries {
		if idx.Entries[i].Directory == directory {
			idx.Entries[i].Failed = true
			return
		}
	}
}

// MostRecentComplete returns the complete, non-failed entry with the
// highest timestamp, the index's resolution of the `scr.current` link
// when that symlink itself is unusable.
func (idx *Index) MostRecentComplete() (Entry, bool) {
	return idx.NextOlderComplete(maxInt64)
}

// NextOlderComplete returns the complete, non-failed entry with the
// highest timestamp strictly less than cursor, implementing spec.md
// §4.10's "next-most-recent-complete-older cursor".
func (idx *Index) NextOlderComplete(cursor int64) (Entry, bool) {
	candidates := make([]Entry, 0, len(idx.Entries))
	for _, e := range idx.Entries {
		if e.Complete && !e.Failed && e.Timestamp < cursor {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return Entry{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Timestamp > candidates[j].Timestamp })
	return candidates[0], true
}

const maxInt64 = int64(^uint64(0) >> 1)
