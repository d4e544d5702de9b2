package redundancy

import (
	"encoding/binary"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/CamStan/scr/internal/kvtree"
)

// Header is the structured record at the start of every parity chunk
// file, per spec.md §3: world-rank-count, group-rank-to-world-rank
// mapping, current-member and partner-member file lists with sidecar
// metadata, chunk size, and checkpoint id.
type Header struct {
	WorldRankCount       int
	GroupRankToWorldRank []int
	Current              []FileInfo
	Partner              []FileInfo
	ChunkSize            int64
	CheckpointID         int
	GroupSize            int
	GroupID              int
}

func (h *Header) encode() *kvtree.Tree {
	t := kvtree.New()
	t.SetInt(int64(h.WorldRankCount), "WORLD_RANKS")
	t.SetInt(h.ChunkSize, "CHUNK_SIZE")
	t.SetInt(int64(h.CheckpointID), "CKPT")
	t.SetInt(int64(h.GroupSize), "GROUP_SIZE")
	t.SetInt(int64(h.GroupID), "GROUP_ID")
	for i, wr := range h.GroupRankToWorldRank {
		t.SetInt(int64(wr), "RANKS", strconv.Itoa(i))
	}
	encodeFileList(t.Sub(true, "CURRENT"), h.Current)
	encodeFileList(t.Sub(true, "PARTNER"), h.Partner)
	return t
}

func decodeHeader(t *kvtree.Tree) *Header {
	h := &Header{}
	if v, ok := t.GetInt("WORLD_RANKS"); ok {
		h.WorldRankCount = int(v)
	}
	if v, ok := t.GetInt("CHUNK_SIZE"); ok {
		h.ChunkSize = v
	}
	if v, ok := t.GetInt("CKPT"); ok {
		h.CheckpointID = int(v)
	}
	if v, ok := t.GetInt("GROUP_SIZE"); ok {
		h.GroupSize = int(v)
	}
	if v, ok := t.GetInt("GROUP_ID"); ok {
		h.GroupID = int(v)
	}
	for _, k := range t.Keys("RANKS") {
		v, _ := t.GetInt("RANKS", k)
		h.GroupRankToWorldRank = append(h.GroupRankToWorldRank, int(v))
	}
	h.Current = decodeFileList(t.Sub(false, "CURRENT"))
	h.Partner = decodeFileList(t.Sub(false, "PARTNER"))
	return h
}

func encodeFileList(t *kvtree.Tree, files []FileInfo) {
	for i, f := range files {
		base := t.Sub(true, strconv.Itoa(i))
		base.Set(f.Path, "PATH")
		base.SetInt(f.Size, "SIZE")
		if f.HasCRC {
			base.SetInt(int64(f.CRC32), "CRC32")
		}
	}
}

func decodeFileList(t *kvtree.Tree) []FileInfo {
	if t == nil {
		return nil
	}
	var out []FileInfo
	for _, k := range t.Keys() {
		base := t.Sub(false, k)
		fi := FileInfo{}
		fi.Path, _ = base.Get("PATH")
		if v, ok := base.GetInt("SIZE"); ok {
			fi.Size = v
		}
		if v, ok := base.GetInt("CRC32"); ok {
			fi.CRC32 = uint32(v)
			fi.HasCRC = true
		}
		out = append(out, fi)
	}
	return out
}

// writeParityFile writes header followed by payload to path: a 4-byte
// big-endian length prefix, the serialized header, then the raw parity
// payload, matching spec.md §6's "parity chunk file begins with the
// serialized header hash; remainder is raw parity payload."
func writeParityFile(path string, h *Header, payload []byte) error {
	headerBytes, err := kvtree.EncodeBytes(h.encode())
	if err != nil {
		return errors.Wrap(err, "redundancy: encode parity header")
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "redundancy: create parity file %s", path)
	}
	defer f.Close()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(headerBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := f.Write(headerBytes); err != nil {
		return err
	}
	if _, err := f.Write(payload); err != nil {
		return err
	}
	return nil
}

// readParityFile parses a file written by writeParityFile, returning the
// header and the raw payload bytes that follow it.
func readParityFile(path string) (*Header, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	if len(data) < 4 {
		return nil, nil, errors.Errorf("redundancy: parity file %s too short", path)
	}
	hlen := binary.BigEndian.Uint32(data[:4])
	if uint32(len(data)) < 4+hlen {
		return nil, nil, errors.Errorf("redundancy: parity file %s truncated header", path)
	}
	tree, err := kvtree.DecodeBytes(data[4 : 4+hlen])
	if err != nil {
		return nil, nil, err
	}
	return decodeHeader(tree), data[4+hlen:], nil
}
