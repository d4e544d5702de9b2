package redundancy

import (
	"context"

	"github.com/pkg/errors"

	"github.com/CamStan/scr/internal/comm"
	"github.com/CamStan/scr/internal/kvtree"
)

const (
	tagRebuildCurrent = 30
	tagRebuildHeader  = 31
)

// RebuildXOR reconstructs one lost member R's data files and parity chunk,
// per spec.md §4.4. Every member in the group calls this; rRank identifies
// R, and exactly one caller has own == nil (R itself). Survivors pass
// their own already-loaded header (own) and the raw parity payload they
// read from their own parity chunk file (ownParityRaw, exactly ChunkSize
// bytes).
//
// Step 3's literal ring-pipelined XOR reduce is replaced with a direct
// gather-and-XOR at R: mathematically equivalent since every surviving
// member's per-stripe contribution is independent of the others', and
// rebuild is not the bandwidth-critical steady-state path §4.3 optimizes
// for.
func RebuildXOR(ctx context.Context, c comm.Communicator, rRank int, own *Header, ownParityRaw []byte, dataPathsForR func(files []FileInfo) []string, parityPathForR string) (*Header, error) {
	rank := c.Rank()
	n := c.Size()
	isR := rank == rRank

	var recovered *Header
	if isR {
		right := (rRank + 1) % n
		left := (rRank - 1 + n) % n
		curBytes, err := c.Recv(ctx, right, tagRebuildCurrent)
		if err != nil {
			return nil, errors.Wrap(err, "redundancy: rebuild recv current from right neighbor")
		}
		current := decodeFileInfoList(curBytes)

		hdrBytes, err := c.Recv(ctx, left, tagRebuildHeader)
		if err != nil {
			return nil, errors.Wrap(err, "redundancy: rebuild recv header from left neighbor")
		}
		hdrTree, err := kvtree.DecodeBytes(hdrBytes)
		if err != nil {
			return nil, errors.Wrap(err, "redundancy: rebuild decode header")
		}
		leftHeader := decodeHeader(hdrTree)

		recovered = &Header{
			WorldRankCount: leftHeader.WorldRankCount,
			Current:        current,
			Partner:        leftHeader.Current, // left neighbor's current list is R's partner list
			ChunkSize:      leftHeader.ChunkSize,
			CheckpointID:   leftHeader.CheckpointID,
			GroupSize:      leftHeader.GroupSize,
			GroupID:        rRank,
		}

		paths := dataPathsForR(recovered.Current)
		if len(paths) != len(recovered.Current) {
			return nil, errors.New("redundancy: rebuild path count mismatch")
		}
		for i, fi := range recovered.Current {
			if err := createEmptyFile(paths[i], fi.Size); err != nil {
				return nil, err
			}
		}
	} else {
		right := (rank + 1) % n
		if right == rRank {
			// own.Partner is this rank's left neighbor's original file
			// list, i.e. R's own list, since R is this rank's left
			// neighbor when this rank is R's right neighbor.
			if err := c.Send(ctx, rRank, tagRebuildCurrent, encodeFileInfoList(own.Partner)); err != nil {
				return nil, errors.Wrap(err, "redundancy: rebuild send R's file list")
			}
		}
		left := (rank - 1 + n) % n
		if left == rRank {
			hdrBytes, err := kvtree.EncodeBytes(own.encode())
			if err != nil {
				return nil, err
			}
			if err := c.Send(ctx, rRank, tagRebuildHeader, hdrBytes); err != nil {
				return nil, errors.Wrap(err, "redundancy: rebuild send header to R")
			}
		}
	}

	chunkSize := own.ChunkSize
	if isR {
		chunkSize = recovered.ChunkSize
	}

	// A member's data chunks are striped across ring positions skipping
	// its own chunk_id slot (that slot holds its parity payload instead),
	// so the logical-file offset only advances on iterations that are not
	// that member's own slot: chunkID != own.GroupID on the survivors'
	// read side, chunkID != rRank on R's write side, per scr.c's rebuild
	// loop (`offset += count` guarded by `chunk_id != my_rank`).
	var readOffset, writeOffset int64
	var parityPayload []byte
	for chunkID := 0; chunkID < n; chunkID++ {
		var contribution []byte
		switch {
		case isR:
			contribution = make([]byte, chunkSize)
		case chunkID == own.GroupID:
			contribution = ownParityRaw
		default:
			var err error
			contribution, err = logicalRead(own.Current, readOffset, chunkSize)
			if err != nil {
				return nil, errors.Wrap(err, "redundancy: rebuild logical read")
			}
			readOffset += chunkSize
		}

		all, err := c.Gather(ctx, rRank, contribution)
		if err != nil {
			return nil, errors.Wrap(err, "redundancy: rebuild gather")
		}

		if isR {
			block := make([]byte, chunkSize)
			for i, b := range all {
				if i == rRank || len(b) == 0 {
					continue
				}
				xorInto(block, b)
			}
			if chunkID == rRank {
				parityPayload = block
			} else {
				if err := logicalWrite(recovered.Current, writeOffset, block); err != nil {
					return nil, errors.Wrap(err, "redundancy: rebuild logical write")
				}
				writeOffset += chunkSize
			}
		}
	}

	if !isR {
		return nil, nil
	}
	if err := writeParityFile(parityPathForR, recovered, parityPayload); err != nil {
		return nil, err
	}
	return recovered, nil
}

func createEmptyFile(path string, size int64) error {
	return truncateCreate(path, size)
}
