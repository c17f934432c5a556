package manifest

import (
	"testing"

	"github.com/otaxtract/otaxtract/internal/chromeos"
)

func TestValidateBlockSize(t *testing.T) {
	cases := []struct {
		name    string
		m       *chromeos.DeltaArchiveManifest
		wantErr bool
	}{
		{"missing", &chromeos.DeltaArchiveManifest{}, true},
		{"not power of two", &chromeos.DeltaArchiveManifest{HasBlockSize: true, BlockSize: 4097}, true},
		{"too small", &chromeos.DeltaArchiveManifest{HasBlockSize: true, BlockSize: 64}, true},
		{"too large", &chromeos.DeltaArchiveManifest{HasBlockSize: true, BlockSize: 1 << 25}, true},
		{"valid", &chromeos.DeltaArchiveManifest{HasBlockSize: true, BlockSize: 4096}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ValidateBlockSize(c.m)
			if (err != nil) != c.wantErr {
				t.Errorf("ValidateBlockSize(%+v) error = %v, wantErr %v", c.m, err, c.wantErr)
			}
		})
	}
}

func TestSelectPreservesManifestOrder(t *testing.T) {
	m := &chromeos.DeltaArchiveManifest{
		Partitions: []chromeos.PartitionUpdate{
			{PartitionName: "boot"},
			{PartitionName: "system"},
			{PartitionName: "vendor"},
		},
	}
	got, err := Select(m, []string{"vendor", "boot"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	want := []string{"boot", "vendor"}
	if len(got) != len(want) {
		t.Fatalf("Select returned %d partitions, want %d", len(got), len(want))
	}
	for i, name := range want {
		if got[i].PartitionName != name {
			t.Errorf("Select()[%d] = %q, want %q", i, got[i].PartitionName, name)
		}
	}
}

func TestSelectMissingName(t *testing.T) {
	m := &chromeos.DeltaArchiveManifest{
		Partitions: []chromeos.PartitionUpdate{{PartitionName: "boot"}},
	}
	if _, err := Select(m, []string{"nonexistent"}); err == nil {
		t.Fatalf("Select with missing name: want error, got nil")
	}
}

func TestSelectEmptyReturnsAll(t *testing.T) {
	m := &chromeos.DeltaArchiveManifest{
		Partitions: []chromeos.PartitionUpdate{{PartitionName: "a"}, {PartitionName: "b"}},
	}
	got, err := Select(m, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Select(nil) returned %d partitions, want 2", len(got))
	}
}

func TestHasIncrementalOp(t *testing.T) {
	withIncremental := chromeos.PartitionUpdate{
		Operations: []chromeos.InstallOperation{{Type: chromeos.OpSourceCopy}},
	}
	withoutIncremental := chromeos.PartitionUpdate{
		Operations: []chromeos.InstallOperation{{Type: chromeos.OpReplace}},
	}
	if !HasIncrementalOp(withIncremental) {
		t.Errorf("HasIncrementalOp(SOURCE_COPY) = false, want true")
	}
	if HasIncrementalOp(withoutIncremental) {
		t.Errorf("HasIncrementalOp(REPLACE) = true, want false")
	}
}

func TestSortBySizeDescending(t *testing.T) {
	partitions := []chromeos.PartitionUpdate{
		{PartitionName: "small", NewPartitionInfo: &chromeos.PartitionInfo{Size: 10, HasSize: true}},
		{PartitionName: "large", NewPartitionInfo: &chromeos.PartitionInfo{Size: 1000, HasSize: true}},
		{PartitionName: "medium", NewPartitionInfo: &chromeos.PartitionInfo{Size: 100, HasSize: true}},
	}
	SortBySizeDescending(partitions)
	want := []string{"large", "medium", "small"}
	for i, name := range want {
		if partitions[i].PartitionName != name {
			t.Errorf("SortBySizeDescending()[%d] = %q, want %q", i, partitions[i].PartitionName, name)
		}
	}
}

func TestCheckStrictHashesMissingPartitionHash(t *testing.T) {
	partitions := []chromeos.PartitionUpdate{
		{PartitionName: "boot", NewPartitionInfo: &chromeos.PartitionInfo{Size: 10, HasSize: true}},
	}
	if err := CheckStrictHashes(partitions); err == nil {
		t.Fatalf("CheckStrictHashes with no partition hash: want error, got nil")
	}
}

func TestCheckStrictHashesMissingOperationHash(t *testing.T) {
	partitions := []chromeos.PartitionUpdate{
		{
			PartitionName:    "boot",
			NewPartitionInfo: &chromeos.PartitionInfo{Size: 10, HasSize: true, Hash: []byte{1}},
			Operations:       []chromeos.InstallOperation{{DataLength: 4096}},
		},
	}
	if err := CheckStrictHashes(partitions); err == nil {
		t.Fatalf("CheckStrictHashes with no operation hash: want error, got nil")
	}
}
