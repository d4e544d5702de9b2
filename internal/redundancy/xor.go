package redundancy

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/CamStan/scr/internal/comm"
	"github.com/CamStan/scr/internal/kvtree"
)

const (
	tagXORSize     = 20
	tagXORPartner  = 21
	tagXORChunkCap = 22
	tagXORRing     = 23
)

// ApplyXOR performs the XOR reduce-scatter encoder of spec.md §4.3 over a
// communicator already scoped to the redundancy group, producing one
// parity chunk file per member. c.Rank()/c.Size() are the group rank and
// group size.
//
// The outer byte-range loop collapses to a single pass: chunk_size is
// sized via ceil(max_bytes/(group_size-1)), so one ring pass already
// covers the member with the largest payload; a second pass would read
// only past-end-of-file zero padding.
func ApplyXOR(ctx context.Context, c comm.Communicator, current []FileInfo, parityPath string, checkpointID int) (*Header, error) {
	rank := c.Rank()
	groupSize := c.Size()
	if groupSize < 2 {
		return nil, errors.New("redundancy: XOR requires group size >= 2")
	}

	mySize := TotalSize(current)
	sizes, err := c.Gather(ctx, 0, encodeInt64(mySize))
	if err != nil {
		return nil, errors.Wrap(err, "redundancy: xor gather sizes")
	}
	var chunkSize int64
	if rank == 0 {
		var maxBytes int64
		for _, b := range sizes {
			v := decodeInt64(b)
			if v > maxBytes {
				maxBytes = v
			}
		}
		chunkSize = ceilDiv(maxBytes, int64(groupSize-1))
	}
	chunkBytes, err := c.Bcast(ctx, 0, encodeInt64(chunkSize))
	if err != nil {
		return nil, errors.Wrap(err, "redundancy: xor bcast chunk size")
	}
	chunkSize = decodeInt64(chunkBytes)
	if chunkSize <= 0 {
		chunkSize = 1
	}

	right := (rank + 1) % groupSize
	left := (rank - 1 + groupSize) % groupSize

	if err := c.Send(ctx, right, tagXORPartner, encodeFileInfoList(current)); err != nil {
		return nil, errors.Wrap(err, "redundancy: xor send partner list")
	}
	partnerBytes, err := c.Recv(ctx, left, tagXORPartner)
	if err != nil {
		return nil, errors.Wrap(err, "redundancy: xor recv partner list")
	}
	partner := decodeFileInfoList(partnerBytes)

	var acc []byte
	for chunkID := groupSize - 1; chunkID >= 0; chunkID-- {
		// chunk_id 0 is this member's own parity slot: contribute a zero
		// block rather than this member's own logical data, per
		// scr.c's reduce-scatter (chunk_id == 0 memsets send_buf instead
		// of reading), so a member's own payload never folds into its
		// own parity contribution.
		var local []byte
		if chunkID > 0 {
			rel := chunkIDRel(rank, groupSize, chunkID)
			var err error
			local, err = logicalRead(current, chunkSize*int64(rel), chunkSize)
			if err != nil {
				return nil, errors.Wrap(err, "redundancy: xor logical read")
			}
		} else {
			local = make([]byte, chunkSize)
		}
		if acc == nil {
			acc = local
		} else {
			xorInto(acc, local)
		}

		if chunkID > 0 {
			next, err := ringExchange(ctx, c, right, left, tagXORRing, acc)
			if err != nil {
				return nil, err
			}
			acc = next
		}
	}

	h := &Header{
		WorldRankCount: groupSize,
		Current:        current,
		Partner:        partner,
		ChunkSize:      chunkSize,
		CheckpointID:   checkpointID,
		GroupSize:      groupSize,
		GroupID:        rank,
	}
	if err := writeParityFile(parityPath, h, acc); err != nil {
		return nil, err
	}
	return h, nil
}

// ringExchange sends data to dest and concurrently receives the next
// accumulator from src, mirroring swap.Exchange's pattern of running send
// and receive concurrently to avoid ring deadlock.
func ringExchange(ctx context.Context, c comm.Communicator, dest, src, tag int, data []byte) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := c.Recv(ctx, src, tag)
		ch <- result{d, err}
	}()
	if err := c.Send(ctx, dest, tag, data); err != nil {
		return nil, errors.Wrap(err, "redundancy: xor ring send")
	}
	r := <-ch
	if r.err != nil {
		return nil, errors.Wrap(r.err, "redundancy: xor ring recv")
	}
	return r.data, nil
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

func encodeInt64(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func decodeInt64(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func encodeFileInfoList(files []FileInfo) []byte {
	t := kvtree.New()
	encodeFileList(t, files)
	b, err := kvtree.EncodeBytes(t)
	if err != nil {
		return nil
	}
	return b
}

func decodeFileInfoList(data []byte) []FileInfo {
	t, err := kvtree.DecodeBytes(data)
	if err != nil {
		return nil
	}
	return decodeFileList(t)
}

// parityPathFor composes the conventional on-disk name for a member's
// parity chunk file under the group's cache directory.
func parityPathFor(dir string, groupRank int) string {
	return filepath.Join(dir, "xor."+strconv.Itoa(groupRank)+".scr")
}
