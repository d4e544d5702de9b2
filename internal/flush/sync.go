package flush

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/CamStan/scr/internal/comm"
	"github.com/CamStan/scr/internal/filemap"
	"github.com/CamStan/scr/internal/index"
	"github.com/CamStan/scr/internal/scrlog"
	"github.com/CamStan/scr/internal/summary"
)

// Options configures a flush pass.
type Options struct {
	BufSize int
	CRC     bool
}

const defaultBufSize = 128 * 1024

// RankFile is one file this rank must flush, paired with the CRC-valid
// sidecar carried through the filemap.
type RankFile struct {
	Path string
	Tag  string // "" for a normal data file, "XOR" for a parity chunk
}

// Sync performs the synchronous flush pipeline of spec.md §4.8: every
// rank streams its own cache files to pfsDir (parity chunks excluded,
// per step 5), rank 0 merges the resulting per-rank metadata into a
// summary, writes it, and registers the directory in idx. c must be
// scoped to the world communicator; dirTimestamp is supplied by the
// caller (time is a boundary concern the core never calls directly, per
// spec.md's ban on internal clocks in the redundancy path).
func Sync(ctx context.Context, c comm.Communicator, fm *filemap.Map, tracker *Tracker, idx *index.Index, indexPath string, ckpt int, files []RankFile, pfsDir string, dirTimestamp int64, opts Options) (bool, error) {
	bufSize := opts.BufSize
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	rank := c.Rank()

	if rank == 0 {
		if err := os.MkdirAll(pfsDir, 0o755); err != nil {
			return false, errors.Wrap(err, "flush: mkdir pfs dir")
		}
	}
	if err := c.Barrier(ctx); err != nil {
		return false, err
	}

	tracker.SetFlushing(ckpt, true)

	ok := true
	var recs []summary.FileRecord
	for _, rf := range files {
		if rf.Tag == "XOR" {
			continue // parity chunks are explicitly not flushed
		}
		rec, err := copyToPFS(rf.Path, pfsDir, bufSize, opts.CRC)
		if err != nil {
			scrlog.Errorf("flush: copy %s: %v", rf.Path, err)
			ok = false
			continue
		}
		recs = append(recs, rec)
	}
	fm.SetTag(ckpt, rank, "FLUSH", "COMPLETE")

	commit, err := c.AllReduceAnd(ctx, ok)
	if err != nil {
		return false, err
	}

	encoded := encodeFileRecords(recs)
	gathered, err := c.Gather(ctx, 0, encoded)
	if err != nil {
		return false, err
	}

	if rank == 0 && commit {
		s := summary.New(ckpt, c.Size())
		for r, blob := range gathered {
			for _, rec := range decodeFileRecords(blob) {
				s.AddFile(r, rec)
			}
		}
		s.Complete = true
		if err := summary.Write(filepath.Join(pfsDir, "summary.scr"), s); err != nil {
			return false, err
		}
		idx.Register(filepath.Base(pfsDir), ckpt, dirTimestamp)
		if err := idx.Save(indexPath); err != nil {
			return false, err
		}
		if err := updateCurrentLink(pfsDir); err != nil {
			return false, err
		}
		tracker.SetPFS(ckpt, true)
	}

	tracker.SetFlushing(ckpt, false)
	return commit, nil
}

// updateCurrentLink atomically repoints scr.current at dir's parent to
// dir, per spec.md §5's ordering guarantee that summary/index writes
// strictly precede the link update.
func updateCurrentLink(dir string) error {
	link := filepath.Join(filepath.Dir(dir), "scr.current")
	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(filepath.Base(dir), tmp); err != nil {
		return errors.Wrap(err, "flush: symlink current")
	}
	if err := os.Rename(tmp, link); err != nil {
		return errors.Wrap(err, "flush: rename current link")
	}
	return nil
}

func copyToPFS(srcPath, destDir string, bufSize int, withCRC bool) (summary.FileRecord, error) {
	name := filepath.Base(srcPath)
	src, err := os.Open(srcPath)
	if err != nil {
		return summary.FileRecord{}, errors.Wrapf(err, "flush: open %s", srcPath)
	}
	defer src.Close()

	destPath := filepath.Join(destDir, name)
	dst, err := os.Create(destPath)
	if err != nil {
		return summary.FileRecord{}, errors.Wrapf(err, "flush: create %s", destPath)
	}
	defer dst.Close()

	buf := make([]byte, bufSize)
	var crc uint32
	var size int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return summary.FileRecord{}, errors.Wrapf(werr, "flush: write %s", destPath)
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
			return summary.FileRecord{}, errors.Wrapf(rerr, "flush: read %s", srcPath)
		}
	}

	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		return summary.FileRecord{}, err
	}
	if srcInfo.Size() != size {
		return summary.FileRecord{}, errors.Errorf("flush: size mismatch copying %s", srcPath)
	}

	return summary.FileRecord{Name: name, Size: size, CRC: crc, CRCValid: withCRC}, nil
}

func encodeFileRecords(recs []summary.FileRecord) []byte {
	var buf []byte
	for _, r := range recs {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(r.Name)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, r.Name...)

		var sizeBuf [8]byte
		binary.BigEndian.PutUint64(sizeBuf[:], uint64(r.Size))
		buf = append(buf, sizeBuf[:]...)

		var crcBuf [4]byte
		binary.BigEndian.PutUint32(crcBuf[:], r.CRC)
		buf = append(buf, crcBuf[:]...)

		if r.CRCValid {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

func decodeFileRecords(data []byte) []summary.FileRecord {
	var recs []summary.FileRecord
	for len(data) > 0 {
		if len(data) < 4 {
			break
		}
		nameLen := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < nameLen+8+4+1 {
			break
		}
		name := string(data[:nameLen])
		data = data[nameLen:]
		size := int64(binary.BigEndian.Uint64(data[:8]))
		data = data[8:]
		crc := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		crcValid := data[0] == 1
		data = data[1:]
		recs = append(recs, summary.FileRecord{Name: name, Size: size, CRC: crc, CRCValid: crcValid})
	}
	return recs
}
