package scatter

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/CamStan/scr/internal/comm"
	"github.com/CamStan/scr/internal/descriptor"
	"github.com/CamStan/scr/internal/filemap"
	"github.com/CamStan/scr/internal/kvtree"
	"github.com/CamStan/scr/internal/swap"
)

// Owned is one file this process currently holds on behalf of
// ownerWorldRank (which may or may not be this process's own world rank,
// after a rank-remapped restart per spec.md scenario S3).
type Owned struct {
	OwnerWorldRank int
	Path           string
}

// assignment is rank 0's computed schedule: which process sends which
// owned file to which destination (the file's owner) in which round.
// This replaces spec.md §4.12 step 1-2's peer-announced round
// negotiation with one collective computation at rank 0. Every listed
// file is scheduled for delivery to its owner; when more than one
// process lists a file for the same owner, each of them sends its copy.
type assignment struct {
	SenderRank int
	Owner      int
	Path       string
	Round      int
}

// Distribute implements spec.md §4.12's restart distribute protocol over
// the world communicator. myOwned lists every file this process
// currently holds (after ScatterFilemaps) along with the world rank it
// belongs to; destDir resolves the cache directory each received file
// should land in for a given owner world rank. variant indicates whether
// this checkpoint's redundancy scheme tolerates a missing owner (XOR, via
// rebuild) or requires every destination to receive a file.
func Distribute(ctx context.Context, world comm.Communicator, fm *filemap.Map, ckpt int, myOwned []Owned, destDir func(ownerWorldRank int) string, variant descriptor.Variant) error {
	myRank := world.Rank()
	n := world.Size()

	encoded, err := encodeOwned(myOwned)
	if err != nil {
		return err
	}
	gathered, err := world.Gather(ctx, 0, encoded)
	if err != nil {
		return err
	}

	var plan []assignment
	var planErr error
	if myRank == 0 {
		plan, planErr = computePlan(gathered, n, variant)
	}
	planBytes, bcastErr := world.Bcast(ctx, 0, encodePlanErr(plan, planErr))
	if bcastErr != nil {
		return bcastErr
	}
	plan, planErr = decodePlanErr(planBytes)
	if planErr != nil {
		return planErr
	}

	maxRound := 0
	for _, a := range plan {
		if a.Round > maxRound {
			maxRound = a.Round
		}
	}

	for round := 0; round <= maxRound; round++ {
		for _, a := range plan {
			if a.Round != round {
				continue
			}
			if err := executeSwap(ctx, world, myRank, a, destDir); err != nil {
				return err
			}
			if myRank == a.Owner {
				fm.AddFile(ckpt, a.Owner, filepath.Join(destDir(a.Owner), filepath.Base(a.Path)))
			}
		}
	}
	return nil
}

func executeSwap(ctx context.Context, world comm.Communicator, myRank int, a assignment, destDir func(int) string) error {
	switch myRank {
	case a.SenderRank, a.Owner:
	default:
		return nil
	}
	if a.SenderRank == a.Owner {
		// Same process already owns the right file: no swap needed.
		return nil
	}

	side := swap.Side{}
	if myRank == a.SenderRank {
		side.Rank = a.Owner
		side.FilePath = a.Path
	}
	if myRank == a.Owner {
		side.Rank = a.SenderRank
		side.RecvDir = destDir(a.Owner)
	}
	_, err := swap.Exchange(ctx, world, side, swap.Options{Mode: swap.Move, CRCOnCopy: false})
	if err != nil {
		return errors.Wrap(err, "scatter: distribute swap")
	}
	return nil
}

// computePlan schedules, for every world rank, each candidate file held
// for it: candidates are sorted by path and the i-th goes in round i.
// Senders are not spread across rounds by a start offset, so one process
// may send to several destinations in the same round.
func computePlan(gathered [][]byte, n int, variant descriptor.Variant) ([]assignment, error) {
	ownersByDest := make(map[int][]Owned) // destination world rank -> candidate (senderRank,path)s
	senderOf := make(map[string]int)       // path -> sender rank, recovered below

	type ownedBySender struct {
		sender int
		owned  Owned
	}
	var all []ownedBySender
	for sender, blob := range gathered {
		owned, err := decodeOwned(blob)
		if err != nil {
			return nil, err
		}
		for _, o := range owned {
			all = append(all, ownedBySender{sender: sender, owned: o})
		}
	}
	for _, e := range all {
		ownersByDest[e.owned.OwnerWorldRank] = append(ownersByDest[e.owned.OwnerWorldRank], e.owned)
		senderOf[e.owned.Path] = e.sender
	}

	var plan []assignment
	for dest := 0; dest < n; dest++ {
		candidates := ownersByDest[dest]
		if len(candidates) == 0 {
			if variant != descriptor.XOR {
				return nil, errors.Errorf("scatter: no owner found for world rank %d", dest)
			}
			continue // XOR: rebuild will recover this destination
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Path < candidates[j].Path })
		for round, c := range candidates {
			plan = append(plan, assignment{
				SenderRank: senderOf[c.Path],
				Owner:      dest,
				Path:       c.Path,
				Round:      round,
			})
		}
	}
	return plan, nil
}

func encodeOwned(owned []Owned) ([]byte, error) {
	t := kvtree.New()
	for i, o := range owned {
		base := t.Sub(true, itoa(i))
		base.SetInt(int64(o.OwnerWorldRank), "OWNER")
		base.Set(o.Path, "PATH")
	}
	return kvtree.EncodeBytes(t)
}

func decodeOwned(data []byte) ([]Owned, error) {
	t, err := kvtree.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	var out []Owned
	for _, k := range t.Keys() {
		base := t.Sub(false, k)
		o := Owned{}
		if v, ok := base.GetInt("OWNER"); ok {
			o.OwnerWorldRank = int(v)
		}
		o.Path, _ = base.Get("PATH")
		out = append(out, o)
	}
	return out, nil
}

// encodePlanErr/decodePlanErr pack rank 0's computed plan (or the error
// that prevented computing one) for a single Bcast round.
func encodePlanErr(plan []assignment, planErr error) []byte {
	t := kvtree.New()
	if planErr != nil {
		t.Set(planErr.Error(), "ERROR")
	} else {
		for i, a := range plan {
			base := t.Sub(true, itoa(i))
			base.SetInt(int64(a.SenderRank), "SENDER")
			base.SetInt(int64(a.Owner), "OWNER")
			base.Set(a.Path, "PATH")
			base.SetInt(int64(a.Round), "ROUND")
		}
	}
	b, err := kvtree.EncodeBytes(t)
	if err != nil {
		return nil
	}
	return b
}

func decodePlanErr(data []byte) ([]assignment, error) {
	t, err := kvtree.DecodeBytes(data)
	if err != nil {
		return nil, err
	}
	if msg, ok := t.Get("ERROR"); ok {
		return nil, errors.New(msg)
	}
	var plan []assignment
	for _, k := range t.Keys() {
		base := t.Sub(false, k)
		a := assignment{}
		if v, ok := base.GetInt("SENDER"); ok {
			a.SenderRank = int(v)
		}
		if v, ok := base.GetInt("OWNER"); ok {
			a.Owner = int(v)
		}
		a.Path, _ = base.Get("PATH")
		if v, ok := base.GetInt("ROUND"); ok {
			a.Round = int(v)
		}
		plan = append(plan, a)
	}
	return plan, nil
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
