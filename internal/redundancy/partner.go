package redundancy

import (
	"context"
	"strconv"

	"github.com/pkg/errors"

	"github.com/CamStan/scr/internal/comm"
	"github.com/CamStan/scr/internal/descriptor"
	"github.com/CamStan/scr/internal/filemap"
	"github.com/CamStan/scr/internal/swap"
)

const (
	tagPartnerCount = 10
	tagPartnerHost  = 11
)

// ApplyPartner implements spec.md §4.5: a sender-to-right-neighbor list
// exchange establishes file counts and partner-host, each member records
// its left neighbor's expected_count and PARTNER tag and the full
// descriptor under the left neighbor's world-rank (so a drainer at
// restart can find the partner copy even if that node is gone), and each
// file is copied to the right neighbor via a COPY-mode swap yielding two
// disjoint copies.
func ApplyPartner(ctx context.Context, c comm.Communicator, fm *filemap.Map, ckpt int, d *descriptor.Descriptor, localHost string, files []string) error {
	if err := c.Send(ctx, d.RHSWorldRank, tagPartnerCount, []byte(strconv.Itoa(len(files)))); err != nil {
		return errors.Wrap(err, "redundancy: partner send count")
	}
	if err := c.Send(ctx, d.RHSWorldRank, tagPartnerHost, []byte(localHost)); err != nil {
		return errors.Wrap(err, "redundancy: partner send host")
	}

	countBytes, err := c.Recv(ctx, d.LHSWorldRank, tagPartnerCount)
	if err != nil {
		return errors.Wrap(err, "redundancy: partner recv count")
	}
	lhsCount, err := strconv.Atoi(string(countBytes))
	if err != nil {
		return errors.Wrap(err, "redundancy: partner count malformed")
	}
	hostBytes, err := c.Recv(ctx, d.LHSWorldRank, tagPartnerHost)
	if err != nil {
		return errors.Wrap(err, "redundancy: partner recv host")
	}
	lhsHost := string(hostBytes)

	fm.SetExpectedFiles(ckpt, d.LHSWorldRank, lhsCount)
	fm.SetTag(ckpt, d.LHSWorldRank, "PARTNER", lhsHost)
	fm.SetDesc(ckpt, d.LHSWorldRank, d)

	for _, path := range files {
		if _, err := swap.Exchange(ctx, c, swap.Side{
			Rank:     d.RHSWorldRank,
			FilePath: path,
		}, swap.Options{Mode: swap.Copy, CRCOnCopy: true}); err != nil {
			return errors.Wrap(err, "redundancy: partner copy send")
		}
	}
	for i := 0; i < lhsCount; i++ {
		if _, err := swap.Exchange(ctx, c, swap.Side{
			Rank:    d.LHSWorldRank,
			RecvDir: d.Base,
		}, swap.Options{Mode: swap.Copy, CRCOnCopy: true}); err != nil {
			return errors.Wrap(err, "redundancy: partner copy recv")
		}
	}
	return nil
}
