// Package summary implements the per-checkpoint manifest written to PFS
// at flush time, spec.md §4.7: a version-5 hierarchical hash enumerating
// every rank's files with size and CRC, plus a legacy textual fallback
// reader for manifests written by an older version of this format.
package summary

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/CamStan/scr/internal/kvtree"
)

// CurrentVersion is the only version this package writes; Read accepts
// CurrentVersion or falls back to the legacy textual parser.
const CurrentVersion = 5

// FileRecord is one file's entry in the summary, sidecar metadata
// attached at flush time.
type FileRecord struct {
	Name     string
	Size     int64
	CRC      uint32
	CRCValid bool
}

// Summary is the version-5 manifest of spec.md §4.7.
type Summary struct {
	Version      int
	CheckpointID int
	Ranks        int
	Complete     bool
	Files        map[int][]FileRecord // keyed by rank
}

// New returns an empty version-5 Summary for the given checkpoint.
func New(checkpointID, ranks int) *Summary {
	return &Summary{
		Version:      CurrentVersion,
		CheckpointID: checkpointID,
		Ranks:        ranks,
		Files:        make(map[int][]FileRecord),
	}
}

// AddFile records one file produced by rank.
func (s *Summary) AddFile(rank int, rec FileRecord) {
	s.Files[rank] = append(s.Files[rank], rec)
}

// Validate enforces the read-side checks of spec.md §4.7: version,
// uniqueness of checkpoint id (the caller supplies the id it expected),
// complete==true, and that the summary's rank count matches the current
// world size.
func (s *Summary) Validate(expectedCheckpointID, currentRanksWorld int) error {
	if s.Version != CurrentVersion {
		return errors.Errorf("summary: unsupported version %d", s.Version)
	}
	if s.CheckpointID != expectedCheckpointID {
		return errors.Errorf("summary: checkpoint id mismatch, got %d want %d", s.CheckpointID, expectedCheckpointID)
	}
	if !s.Complete {
		return errors.New("summary: not marked complete")
	}
	if s.Ranks != currentRanksWorld {
		return errors.Errorf("summary: ranks mismatch, got %d want %d", s.Ranks, currentRanksWorld)
	}
	return nil
}

// Write serializes s to path atomically, the convention every on-disk
// object in this library follows (internal/kvtree.WriteFile renames into
// place).
func Write(path string, s *Summary) error {
	return kvtree.WriteFile(path, s.encode())
}

func (s *Summary) encode() *kvtree.Tree {
	t := kvtree.New()
	t.SetInt(int64(s.Version), "VERSION")
	t.SetInt(int64(s.CheckpointID), "CKPT")
	t.SetInt(int64(s.Ranks), "RANKS")
	t.Set(boolStr(s.Complete), "COMPLETE")
	for rank, files := range s.Files {
		rankKey := strconv.Itoa(rank)
		for i, f := range files {
			base := t.Sub(true, "FILES", rankKey, strconv.Itoa(i))
			base.Set(f.Name, "NAME")
			base.SetInt(f.Size, "SIZE")
			base.SetInt(int64(f.CRC), "CRC")
			base.Set(boolStr(f.CRCValid), "CRC_VALID")
		}
	}
	return t
}

func decodeSummary(t *kvtree.Tree) *Summary {
	s := &Summary{Files: make(map[int][]FileRecord)}
	if v, ok := t.GetInt("VERSION"); ok {
		s.Version = int(v)
	}
	if v, ok := t.GetInt("CKPT"); ok {
		s.CheckpointID = int(v)
	}
	if v, ok := t.GetInt("RANKS"); ok {
		s.Ranks = int(v)
	}
	if v, ok := t.Get("COMPLETE"); ok {
		s.Complete = v == "true"
	}
	for _, rankKey := range t.Keys("FILES") {
		rank, err := strconv.Atoi(rankKey)
		if err != nil {
			continue
		}
		var recs []FileRecord
		for _, idxKey := range t.Keys("FILES", rankKey) {
			base := t.Sub(false, "FILES", rankKey, idxKey)
			rec := FileRecord{}
			rec.Name, _ = base.Get("NAME")
			if v, ok := base.GetInt("SIZE"); ok {
				rec.Size = v
			}
			if v, ok := base.GetInt("CRC"); ok {
				rec.CRC = uint32(v)
			}
			if v, ok := base.Get("CRC_VALID"); ok {
				rec.CRCValid = v == "true"
			}
			recs = append(recs, rec)
		}
		s.Files[rank] = recs
	}
	return s
}

// Read loads the summary at path, falling back to the legacy textual
// format when the file is not a valid kvtree blob, per spec.md §4.7.
func Read(path string) (*Summary, error) {
	t, err := kvtree.ReadFile(path)
	if err == nil {
		if _, ok := t.GetInt("VERSION"); ok {
			return decodeSummary(t), nil
		}
	}
	return readLegacy(path)
}

// readLegacy parses the pre-version-5 whitespace-separated textual
// summary format: one line per file, fields rank, original-ranks,
// checkpoint-id, complete, expected-size, filesize, filename,
// crc-valid-flag, crc. It synthesizes an equivalent version-5 Summary.
func readLegacy(path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "summary: open %s", path)
	}
	defer f.Close()

	s := &Summary{Version: CurrentVersion, Files: make(map[int][]FileRecord)}
	scanner := bufio.NewScanner(f)
	seenAny := false
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 9 {
			continue
		}
		rank, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ranksWorld, _ := strconv.Atoi(fields[1])
		ckptID, _ := strconv.Atoi(fields[2])
		complete, _ := strconv.Atoi(fields[3])
		// fields[4] is expected-size, not carried in FileRecord.
		size, _ := strconv.ParseInt(fields[5], 10, 64)
		name := fields[6]
		crcValid, _ := strconv.Atoi(fields[7])
		crc, _ := strconv.ParseUint(fields[8], 16, 32)

		s.CheckpointID = ckptID
		s.Ranks = ranksWorld
		s.Complete = complete == 1
		s.AddFile(rank, FileRecord{Name: name, Size: size, CRC: uint32(crc), CRCValid: crcValid == 1})
		seenAny = true
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "summary: scan legacy file")
	}
	if !seenAny {
		return nil, errors.Errorf("summary: %s has no legacy records", path)
	}
	return s, nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
