package extent

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/otaxtract/otaxtract/internal/chromeos"
)

func TestFromBlocks(t *testing.T) {
	got, err := FromBlocks(chromeos.Extent{StartBlock: 2, NumBlocks: 3}, 4096)
	if err != nil {
		t.Fatalf("FromBlocks: %v", err)
	}
	want := Range{Start: 8192, End: 20480}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FromBlocks mismatch (-want +got):\n%s", diff)
	}
}

func TestFromBlocksOverflow(t *testing.T) {
	if _, err := FromBlocks(chromeos.Extent{StartBlock: ^uint64(0), NumBlocks: 2}, 4096); err == nil {
		t.Fatalf("FromBlocks with overflowing start: want error, got nil")
	}
}

func TestValidateDisjoint(t *testing.T) {
	ranges := []Range{
		{Start: 0, End: 100},
		{Start: 100, End: 200},
		{Start: 200, End: 300},
	}
	if err := Validate(ranges); err != nil {
		t.Errorf("Validate on disjoint ranges: %v", err)
	}
}

func TestValidateOverlap(t *testing.T) {
	ranges := []Range{
		{Start: 0, End: 100},
		{Start: 50, End: 150},
	}
	if err := Validate(ranges); err == nil {
		t.Fatalf("Validate on overlapping ranges: want error, got nil")
	}
}

func TestValidateIgnoresEmptyRanges(t *testing.T) {
	ranges := []Range{
		{Start: 10, End: 10},
		{Start: 10, End: 10},
		{Start: 0, End: 5},
	}
	if err := Validate(ranges); err != nil {
		t.Errorf("Validate with empty ranges: %v", err)
	}
}

func TestValidatePartitionExceedsSize(t *testing.T) {
	update := chromeos.PartitionUpdate{
		PartitionName: "boot",
		Operations: []chromeos.InstallOperation{
			{
				DstExtents: []chromeos.Extent{
					{StartBlock: 0, NumBlocks: 10},
				},
			},
		},
	}
	if err := ValidatePartition(update, 4096, 4096*5); err == nil {
		t.Fatalf("ValidatePartition with out-of-bounds extent: want error, got nil")
	}
}

func TestValidatePartitionOverlapAcrossOperations(t *testing.T) {
	update := chromeos.PartitionUpdate{
		PartitionName: "system",
		Operations: []chromeos.InstallOperation{
			{DstExtents: []chromeos.Extent{{StartBlock: 0, NumBlocks: 4}}},
			{DstExtents: []chromeos.Extent{{StartBlock: 2, NumBlocks: 4}}},
		},
	}
	if err := ValidatePartition(update, 4096, 4096*10); err == nil {
		t.Fatalf("ValidatePartition with overlapping operations: want error, got nil")
	}
}
