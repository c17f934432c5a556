// Package extent validates that a partition's destination extents are
// pairwise non-overlapping before any write task is spawned. That proof is
// the only thing that makes concurrent, lock-free mutation of a shared
// partition mapping safe (see internal/scheduler).
package extent

import (
	"sort"

	"github.com/otaxtract/otaxtract/internal/chromeos"
	"github.com/otaxtract/otaxtract/internal/errs"
)

// Range is a half-open byte range [Start, End) belonging to one extent.
type Range struct {
	Start uint64
	End   uint64
}

// FromBlocks converts a block-addressed extent to a byte Range, rejecting
// overflow. An extent with num_blocks == 0 is not rejected: it yields an
// empty Range (Start == End), which Validate ignores.
func FromBlocks(ext chromeos.Extent, blockSize uint64) (Range, error) {
	start, ok := checkedMul(ext.StartBlock, blockSize)
	if !ok {
		return Range{}, errs.New(errs.KindInvalidManifest,
			"extent start_block=%d overflows at block_size=%d", ext.StartBlock, blockSize)
	}
	length, ok := checkedMul(ext.NumBlocks, blockSize)
	if !ok {
		return Range{}, errs.New(errs.KindInvalidManifest,
			"extent num_blocks=%d overflows at block_size=%d", ext.NumBlocks, blockSize)
	}
	end := start + length
	if end < start {
		return Range{}, errs.New(errs.KindInvalidManifest, "extent end overflows u64")
	}
	return Range{Start: start, End: end}, nil
}

func checkedMul(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	p := a * b
	if p/a != b {
		return 0, false
	}
	return p, true
}

// Validate proves that ranges are pairwise disjoint (empty ranges, where
// Start == End, are ignored). It runs in O(n log n) time and O(n) extra
// space, and reports the first overlapping pair found after sorting by
// start offset.
func Validate(ranges []Range) error {
	nonEmpty := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if r.End > r.Start {
			nonEmpty = append(nonEmpty, r)
		}
	}
	if len(nonEmpty) <= 1 {
		return nil
	}

	sort.Slice(nonEmpty, func(i, j int) bool { return nonEmpty[i].Start < nonEmpty[j].Start })

	prevEnd := nonEmpty[0].End
	for i := 1; i < len(nonEmpty); i++ {
		cur := nonEmpty[i]
		if cur.Start < prevEnd {
			return errs.New(errs.KindInvalidManifest,
				"overlapping destination extents: [%d,%d) and [%d,%d)",
				nonEmpty[i-1].Start, prevEnd, cur.Start, cur.End)
		}
		prevEnd = cur.End
	}
	return nil
}

// ValidatePartition validates every operation's destination extents within
// a single partition, and that each extent fits inside the partition.
func ValidatePartition(update chromeos.PartitionUpdate, blockSize uint64, partitionSize uint64) error {
	var ranges []Range
	for opIdx, op := range update.Operations {
		for extIdx, ext := range op.DstExtents {
			if ext.NumBlocks == 0 {
				continue
			}
			r, err := FromBlocks(ext, blockSize)
			if err != nil {
				return errs.Wrap(errs.KindInvalidManifest, err,
					"partition %q operation %d extent %d", update.PartitionName, opIdx, extIdx)
			}
			if r.End > partitionSize {
				return errs.New(errs.KindInvalidManifest,
					"partition %q operation %d extent %d: [%d,%d) exceeds partition size %d",
					update.PartitionName, opIdx, extIdx, r.Start, r.End, partitionSize)
			}
			ranges = append(ranges, r)
		}
	}
	if err := Validate(ranges); err != nil {
		return errs.Wrap(errs.KindInvalidManifest, err, "partition %q", update.PartitionName)
	}
	return nil
}
