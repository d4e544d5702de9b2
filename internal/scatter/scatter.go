// Package scatter implements the two restart-time filemap protocols of
// spec.md §4.1 (core scatter algorithm) and §4.12 (distribute), run once
// per node / once per world respectively before normal operation resumes.
package scatter

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/CamStan/scr/internal/comm"
	"github.com/CamStan/scr/internal/filemap"
	"github.com/CamStan/scr/internal/kvtree"
)

const (
	tagScatterShard = 100
)

// ScatterFilemaps implements spec.md §4.1's restart scatter protocol.
// local must be the node-local communicator; worldRanks[i] is the world
// rank of local rank i. Only the local master (local rank 0) touches
// masterListPath and shardDir directly; every local rank, including the
// master, receives back the filemap entries of its own world rank (as
// given by worldRanks) plus a round-robin share of the entries for world
// ranks that worldRanks does not list.
func ScatterFilemaps(ctx context.Context, local comm.Communicator, masterListPath, shardDir string, worldRanks []int) (*filemap.Map, error) {
	var perLocalRank []*filemap.Map

	if local.Rank() == 0 {
		aggregate, shardFiles, err := readAndMergeShards(masterListPath)
		if err != nil {
			return nil, err
		}
		for _, p := range shardFiles {
			os.Remove(p)
		}

		n := local.Size()
		perLocalRank = make([]*filemap.Map, n)
		for i := range perLocalRank {
			perLocalRank[i] = filemap.New()
		}

		for localRank, worldRank := range worldRanks {
			if localRank < n {
				perLocalRank[localRank].Merge(aggregate.ExtractRank(worldRank))
			}
		}
		survivors := aggregate.ListRanks()
		for i, rank := range survivors {
			sub := aggregate.ExtractRank(rank)
			perLocalRank[i%n].Merge(sub)
		}
	}

	var mine *filemap.Map
	if local.Rank() == 0 {
		for dest := 0; dest < local.Size(); dest++ {
			payload, err := kvtree.EncodeBytes(perLocalRank[dest].Encode())
			if err != nil {
				return nil, err
			}
			if dest == 0 {
				mine = perLocalRank[0]
				continue
			}
			if err := local.Send(ctx, dest, tagScatterShard, payload); err != nil {
				return nil, errors.Wrap(err, "scatter: send shard")
			}
		}
	} else {
		data, err := local.Recv(ctx, 0, tagScatterShard)
		if err != nil {
			return nil, errors.Wrap(err, "scatter: recv shard")
		}
		tree, err := kvtree.DecodeBytes(data)
		if err != nil {
			return nil, err
		}
		mine = filemap.Decode(tree)
	}

	if local.Rank() == 0 {
		if err := writeMasterList(masterListPath, shardDir, local.Size()); err != nil {
			return nil, err
		}
	}
	return mine, nil
}

func readAndMergeShards(masterListPath string) (*filemap.Map, []string, error) {
	aggregate := filemap.New()
	var shardFiles []string

	f, err := os.Open(masterListPath)
	if os.IsNotExist(err) {
		return aggregate, nil, nil
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "scatter: open %s", masterListPath)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		shard, err := filemap.Read(line)
		if err != nil {
			continue // a missing/corrupt shard is treated as data loss for that rank
		}
		aggregate.Merge(shard)
		shardFiles = append(shardFiles, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	return aggregate, shardFiles, nil
}

func writeMasterList(masterListPath, shardDir string, localSize int) error {
	tmp := masterListPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "scatter: create %s", tmp)
	}
	w := bufio.NewWriter(f)
	for i := 0; i < localSize; i++ {
		fmt.Fprintln(w, filepath.Join(shardDir, "filemap_"+strconv.Itoa(i)+".scrinfo"))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, masterListPath)
}
