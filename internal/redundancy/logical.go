// Package redundancy implements the three redundancy variants of
// spec.md §4.3-§4.5 (LOCAL, PARTNER, XOR) and the XOR rebuild decoder of
// §4.4. All three dispatch on descriptor.Variant, a tagged sum rather
// than a class hierarchy, per spec.md §9.
package redundancy

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// FileInfo is the sidecar-metadata shape (size, optional CRC) carried for
// each file in a parity chunk header's member/partner file lists.
type FileInfo struct {
	Path   string
	Size   int64
	CRC32  uint32
	HasCRC bool
}

// TotalSize returns the sum of file sizes, the member's payload size used
// to compute max_bytes in spec.md §4.3.
func TotalSize(files []FileInfo) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}

// logicalRead reads size bytes from the concatenation of files starting
// at the given virtual offset, zero-padding any portion that falls past
// the end of the logical stream (spec.md §4.3: "Zero-pad beyond end-of-
// logical-file").
func logicalRead(files []FileInfo, offset, size int64) ([]byte, error) {
	buf := make([]byte, size)
	var pos int64 // start of the current file within the virtual stream
	remaining := size
	dst := buf
	cur := offset
	for _, f := range files {
		if remaining <= 0 {
			break
		}
		fileStart := pos
		fileEnd := pos + f.Size
		pos = fileEnd
		if cur >= fileEnd {
			continue
		}
		readStart := cur - fileStart
		if readStart < 0 {
			readStart = 0
		}
		avail := f.Size - readStart
		if avail <= 0 {
			continue
		}
		n := remaining
		if n > avail {
			n = avail
		}
		if err := readAt(f.Path, readStart, dst[:n]); err != nil {
			return nil, err
		}
		dst = dst[n:]
		cur += n
		remaining -= n
	}
	// Any remaining bytes (past the end of the logical stream) stay
	// zero, matching the dst slice's zero-initialized backing array.
	return buf, nil
}

// logicalWrite writes data at the given virtual offset across files,
// using each FileInfo.Size as the authoritative boundary the way
// spec.md §4.4 step 3 describes "pad-aware writes keyed by R's original
// file sizes from the header". Bytes landing past the logical stream's
// total length (i.e. in the implicit zero-padding region) are discarded.
func logicalWrite(files []FileInfo, offset int64, data []byte) error {
	var pos int64
	src := data
	cur := offset
	for _, f := range files {
		if len(src) == 0 {
			break
		}
		fileStart := pos
		fileEnd := pos + f.Size
		pos = fileEnd
		if cur >= fileEnd {
			continue
		}
		writeStart := cur - fileStart
		if writeStart < 0 {
			writeStart = 0
		}
		avail := f.Size - writeStart
		if avail <= 0 {
			continue
		}
		n := int64(len(src))
		if n > avail {
			n = avail
		}
		if err := writeAt(f.Path, writeStart, src[:n]); err != nil {
			return err
		}
		src = src[n:]
		cur += n
	}
	return nil
}

func readAt(path string, offset int64, buf []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "redundancy: open %s", path)
	}
	defer f.Close()
	_, err = f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return errors.Wrapf(err, "redundancy: read %s", path)
	}
	return nil
}

// truncateCreate creates path (or truncates an existing file) to exactly
// size bytes, used by rebuild to pre-allocate R's recovered data files
// before the pad-aware stripe writes land.
func truncateCreate(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "redundancy: create %s", path)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return errors.Wrapf(err, "redundancy: truncate %s", path)
	}
	return nil
}

func writeAt(path string, offset int64, buf []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrapf(err, "redundancy: open for write %s", path)
	}
	defer f.Close()
	if _, err := f.WriteAt(buf, offset); err != nil {
		return errors.Wrapf(err, "redundancy: write %s", path)
	}
	return nil
}

// xorInto XORs src into dst in place, dst and src must be equal length.
func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// chunkIDRel computes the rotated chunk index for rank myRank's own
// logical file set at ring position chunkID, per spec.md §4.3: "chunk_id
// adjusted by -1 when greater than my_rank" in a group of groupSize.
func chunkIDRel(myRank, groupSize, chunkID int) int {
	rel := (myRank + groupSize + chunkID) % groupSize
	if rel > myRank {
		rel--
	}
	return rel
}
