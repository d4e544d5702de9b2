// Package descriptor implements the immutable-per-checkpoint redundancy
// descriptor of spec.md §3/§4.11: which variant protects a checkpoint,
// how its group is sized and addressed, and the interval-based selection
// rule that picks a descriptor for a given checkpoint id.
package descriptor

import (
	"github.com/CamStan/scr/internal/kvtree"
)

// Variant is the tagged sum of redundancy schemes (spec.md §9:
// "Redundancy polymorphism ... a tagged sum, not subclasses").
type Variant int

const (
	// Local performs no inter-node redundancy beyond marking the entry.
	Local Variant = iota
	// Partner bidirectionally copies to a neighbor at a configurable hop
	// distance.
	Partner
	// XOR reduce-scatters across a set, emitting one parity chunk per
	// member.
	XOR
)

func (v Variant) String() string {
	switch v {
	case Local:
		return "LOCAL"
	case Partner:
		return "PARTNER"
	case XOR:
		return "XOR"
	default:
		return "UNKNOWN"
	}
}

// Descriptor is the immutable-per-checkpoint redundancy descriptor
// described in spec.md §3.
type Descriptor struct {
	Enabled   bool
	Variant   Variant
	Base      string // cache root
	Directory string // cache sub-path
	Interval  int    // >= 1
	HopDistance int  // >= 1
	SetSize   int    // >= 2 for XOR
	GroupID   int    // world rank of group-member 0: globally unique
	GroupRank int
	GroupSize int

	LHSWorldRank int
	RHSWorldRank int
	LHSHost      string
	RHSHost      string
}

// Validate enforces the descriptor invariants of spec.md §3: a PARTNER
// descriptor whose neighbor shares this node is degenerate and must be
// disabled, never silently corrected in place.
func (d *Descriptor) Validate(localHost string) {
	if !d.Enabled {
		return
	}
	if d.Variant == Partner {
		if d.LHSHost == "" || d.RHSHost == "" || d.LHSHost == localHost || d.RHSHost == localHost {
			d.Enabled = false
		}
	}
}

// ForceLocalIfSingleNode forces the variant to Local when every rank in
// the run shares one host, per spec.md §3.
func ForceLocalIfSingleNode(d *Descriptor, allOnOneNode bool) {
	if allOnOneNode {
		d.Variant = Local
	}
}

// Encode serializes d into a kvtree node, the representation stored
// alongside every filemap entry it produced and embedded in parity chunk
// headers.
func (d *Descriptor) Encode() *kvtree.Tree {
	t := kvtree.New()
	t.Set(boolStr(d.Enabled), "ENABLED")
	t.Set(d.Variant.String(), "TYPE")
	t.Set(d.Base, "BASE")
	t.Set(d.Directory, "DIRECTORY")
	t.SetInt(int64(d.Interval), "INTERVAL")
	t.SetInt(int64(d.HopDistance), "HOP_DISTANCE")
	t.SetInt(int64(d.SetSize), "SET_SIZE")
	t.SetInt(int64(d.GroupID), "GROUP_ID")
	t.SetInt(int64(d.GroupRank), "GROUP_RANK")
	t.SetInt(int64(d.GroupSize), "GROUP_SIZE")
	t.SetInt(int64(d.LHSWorldRank), "LHS_RANK")
	t.SetInt(int64(d.RHSWorldRank), "RHS_RANK")
	t.Set(d.LHSHost, "LHS_HOST")
	t.Set(d.RHSHost, "RHS_HOST")
	return t
}

// Decode is the inverse of Encode.
func Decode(t *kvtree.Tree) *Descriptor {
	d := &Descriptor{}
	if v, ok := t.Get("ENABLED"); ok {
		d.Enabled = v == "true"
	}
	if v, ok := t.Get("TYPE"); ok {
		switch v {
		case "PARTNER":
			d.Variant = Partner
		case "XOR":
			d.Variant = XOR
		default:
			d.Variant = Local
		}
	}
	d.Base, _ = t.Get("BASE")
	d.Directory, _ = t.Get("DIRECTORY")
	if v, ok := t.GetInt("INTERVAL"); ok {
		d.Interval = int(v)
	}
	if v, ok := t.GetInt("HOP_DISTANCE"); ok {
		d.HopDistance = int(v)
	}
	if v, ok := t.GetInt("SET_SIZE"); ok {
		d.SetSize = int(v)
	}
	if v, ok := t.GetInt("GROUP_ID"); ok {
		d.GroupID = int(v)
	}
	if v, ok := t.GetInt("GROUP_RANK"); ok {
		d.GroupRank = int(v)
	}
	if v, ok := t.GetInt("GROUP_SIZE"); ok {
		d.GroupSize = int(v)
	}
	if v, ok := t.GetInt("LHS_RANK"); ok {
		d.LHSWorldRank = int(v)
	}
	if v, ok := t.GetInt("RHS_RANK"); ok {
		d.RHSWorldRank = int(v)
	}
	d.LHSHost, _ = t.Get("LHS_HOST")
	d.RHSHost, _ = t.Get("RHS_HOST")
	return d
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Select chooses the enabled descriptor maximizing Interval subject to
// checkpointID % Interval == 0, per spec.md §4.11. It returns nil if no
// descriptor is eligible.
func Select(descs []*Descriptor, checkpointID int) *Descriptor {
	var best *Descriptor
	for _, d := range descs {
		if !d.Enabled || d.Interval < 1 {
			continue
		}
		if checkpointID%d.Interval != 0 {
			continue
		}
		if best == nil || d.Interval > best.Interval {
			best = d
		}
	}
	return best
}

// HasRequiredBase reports whether descs contains at least one enabled
// descriptor with Interval == 1, the invariant spec.md §4.11 requires or
// initialization must abort.
func HasRequiredBase(descs []*Descriptor) bool {
	for _, d := range descs {
		if d.Enabled && d.Interval == 1 {
			return true
		}
	}
	return false
}
