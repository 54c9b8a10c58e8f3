package engine

import "slices"

// SegmentStats is the per-segment metadata a merge policy decides on.
type SegmentStats struct {
	ID      uint64
	NumDocs uint32
	Size    int64
}

// MergePolicy selects segments to merge. Pick returns the ids to combine
// into one new segment, or nil when no merge is warranted. Implementations
// must be safe for concurrent use.
type MergePolicy interface {
	Pick(segments []SegmentStats) []uint64
}

// TieredMergePolicy groups segments into size tiers and merges within a
// tier once it holds at least MaxPerTier members. Segments below FloorSize
// all land in the lowest tier, so a burst of small commits collapses
// quickly. Oldest segments merge first and one merge is capped at
// MaxMergeAtOnce inputs.
type TieredMergePolicy struct {
	// MaxPerTier triggers a merge when a tier reaches this many segments.
	// Default 8.
	MaxPerTier int
	// FloorSize lifts all smaller segments into the lowest tier.
	// Default 1 MiB.
	FloorSize int64
	// MaxMergeAtOnce caps the inputs of one merge. Default 10.
	MaxMergeAtOnce int
}

// NewTieredMergePolicy returns the policy with its defaults.
func NewTieredMergePolicy() *TieredMergePolicy {
	return &TieredMergePolicy{
		MaxPerTier:     8,
		FloorSize:      1 << 20,
		MaxMergeAtOnce: 10,
	}
}

func (p *TieredMergePolicy) maxPerTier() int {
	if p.MaxPerTier > 0 {
		return p.MaxPerTier
	}
	return 8
}

func (p *TieredMergePolicy) floorSize() int64 {
	if p.FloorSize > 0 {
		return p.FloorSize
	}
	return 1 << 20
}

func (p *TieredMergePolicy) maxAtOnce() int {
	if p.MaxMergeAtOnce > 1 {
		return p.MaxMergeAtOnce
	}
	return 10
}

// Pick implements MergePolicy.
func (p *TieredMergePolicy) Pick(segments []SegmentStats) []uint64 {
	tiers := make(map[int][]SegmentStats)
	maxTier := 0
	for _, s := range segments {
		t := p.tier(s.Size)
		tiers[t] = append(tiers[t], s)
		if t > maxTier {
			maxTier = t
		}
	}

	for t := 0; t <= maxTier; t++ {
		members := tiers[t]
		if len(members) < p.maxPerTier() {
			continue
		}
		// Oldest first; segment ids are monotonic, so id order is age order.
		slices.SortFunc(members, func(a, b SegmentStats) int {
			switch {
			case a.ID < b.ID:
				return -1
			case a.ID > b.ID:
				return 1
			default:
				return 0
			}
		})
		n := len(members)
		if n > p.maxAtOnce() {
			n = p.maxAtOnce()
		}
		ids := make([]uint64, n)
		for i := 0; i < n; i++ {
			ids[i] = members[i].ID
		}
		return ids
	}
	return nil
}

// tier buckets a size: everything under the floor is tier 0, then one tier
// per decade of growth.
func (p *TieredMergePolicy) tier(size int64) int {
	floor := p.floorSize()
	t := 0
	for size >= floor {
		size /= 10
		t++
	}
	return t
}

// NoMergePolicy disables automatic merging; only explicit merges run.
type NoMergePolicy struct{}

// Pick implements MergePolicy.
func (NoMergePolicy) Pick([]SegmentStats) []uint64 { return nil }
