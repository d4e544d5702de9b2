package redundancy

import (
	"github.com/CamStan/scr/internal/descriptor"
	"github.com/CamStan/scr/internal/filemap"
)

// ApplyLocal performs the LOCAL variant of spec.md §4.3's variant set: no
// inter-node redundancy, just marking the descriptor into the filemap so
// retention and rebuild logic can see this checkpoint is cache-only.
func ApplyLocal(fm *filemap.Map, ckpt, rank int, d *descriptor.Descriptor) {
	fm.SetDesc(ckpt, rank, d)
}
