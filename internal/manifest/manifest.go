// Package manifest validates and selects from a decoded
// chromeos.DeltaArchiveManifest: block size bounds, partition selection,
// incremental-operation detection, and strict-mode hash requirements.
package manifest

import (
	"math/bits"
	"sort"

	"github.com/otaxtract/otaxtract/internal/chromeos"
	"github.com/otaxtract/otaxtract/internal/errs"
)

const (
	MinBlockSize = 512
	MaxBlockSize = 16 << 20 // 16 MiB
)

// ValidateBlockSize checks that m.BlockSize is present, a power of two,
// and within [MinBlockSize, MaxBlockSize].
func ValidateBlockSize(m *chromeos.DeltaArchiveManifest) (uint64, error) {
	if !m.HasBlockSize {
		return 0, errs.New(errs.KindInvalidManifest, "manifest is missing block_size")
	}
	bs := uint64(m.BlockSize)
	if bs < MinBlockSize || bs > MaxBlockSize {
		return 0, errs.New(errs.KindCorrupt,
			"block_size %d out of range [%d, %d]", bs, MinBlockSize, MaxBlockSize)
	}
	if bits.OnesCount64(bs) != 1 {
		return 0, errs.New(errs.KindCorrupt, "block_size %d is not a power of two", bs)
	}
	return bs, nil
}

// HasIncrementalOp reports whether any operation of update is incremental.
func HasIncrementalOp(update chromeos.PartitionUpdate) bool {
	for _, op := range update.Operations {
		if op.Type.IsIncremental() {
			return true
		}
	}
	return false
}

// Select returns the partitions named in names, in manifest order,
// erroring if any requested name is absent. An empty names selects every
// partition.
func Select(m *chromeos.DeltaArchiveManifest, names []string) ([]chromeos.PartitionUpdate, error) {
	if len(names) == 0 {
		out := make([]chromeos.PartitionUpdate, len(m.Partitions))
		copy(out, m.Partitions)
		return out, nil
	}

	byName := make(map[string]chromeos.PartitionUpdate, len(m.Partitions))
	for _, p := range m.Partitions {
		byName[p.PartitionName] = p
	}

	var missing []string
	out := make([]chromeos.PartitionUpdate, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, p := range m.Partitions {
		if !contains(names, p.PartitionName) || seen[p.PartitionName] {
			continue
		}
		seen[p.PartitionName] = true
		out = append(out, p)
	}
	for _, name := range names {
		if _, ok := byName[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, errs.New(errs.KindConfigError, "partition(s) not found in manifest: %v", missing)
	}
	return out, nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// SortBySizeDescending sorts partitions by declared new-partition size,
// largest first, so the longest extractions start earliest.
func SortBySizeDescending(partitions []chromeos.PartitionUpdate) {
	sort.SliceStable(partitions, func(i, j int) bool {
		return partitionSize(partitions[i]) > partitionSize(partitions[j])
	})
}

func partitionSize(p chromeos.PartitionUpdate) uint64 {
	if p.NewPartitionInfo == nil {
		return 0
	}
	return p.NewPartitionInfo.Size
}

// CheckStrictHashes enforces that every selected partition (and every
// operation with data) carries the hashes strict mode requires.
func CheckStrictHashes(partitions []chromeos.PartitionUpdate) error {
	for _, p := range partitions {
		if p.NewPartitionInfo == nil || p.NewPartitionInfo.Hash == nil {
			return errs.New(errs.KindMissingHash, "strict mode: missing partition hash for %q", p.PartitionName)
		}
		for _, op := range p.Operations {
			if op.DataLength > 0 && op.DataSHA256Hash == nil {
				return errs.New(errs.KindMissingHash,
					"strict mode: missing data_sha256_hash for an operation in %q", p.PartitionName)
			}
		}
	}
	return nil
}
