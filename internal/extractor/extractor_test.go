package extractor

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/otaxtract/otaxtract/internal/chromeos"
)

// buildPayload assembles a minimal v1 CrAU container: magic, version,
// manifest size, the marshaled manifest, then the data region.
func buildPayload(t *testing.T, m *chromeos.DeltaArchiveManifest, data []byte) []byte {
	t.Helper()
	manifestBytes := m.Marshal()

	var buf []byte
	buf = append(buf, "CrAU"...)
	var versionBuf [8]byte
	binary.BigEndian.PutUint64(versionBuf[:], 1)
	buf = append(buf, versionBuf[:]...)
	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], uint64(len(manifestBytes)))
	buf = append(buf, sizeBuf[:]...)
	buf = append(buf, manifestBytes...)
	buf = append(buf, data...)
	return buf
}

func singlePartitionManifest(blockSize uint32, bootData []byte, withHash bool) (*chromeos.DeltaArchiveManifest, []byte) {
	data := bootData
	info := &chromeos.PartitionInfo{Size: uint64(len(bootData)), HasSize: true}
	if withHash {
		h := sha256.Sum256(bootData)
		info.Hash = h[:]
	}
	m := &chromeos.DeltaArchiveManifest{
		BlockSize:    blockSize,
		HasBlockSize: true,
		Partitions: []chromeos.PartitionUpdate{
			{
				PartitionName:    "boot",
				NewPartitionInfo: info,
				Operations: []chromeos.InstallOperation{
					{
						Type:          chromeos.OpReplace,
						DataOffset:    0,
						HasDataOffset: true,
						DataLength:    uint64(len(bootData)),
						HasDataLength: true,
						DstExtents:    []chromeos.Extent{{StartBlock: 0, NumBlocks: 1}},
					},
				},
			},
		},
	}
	return m, data
}

func writePayload(t *testing.T, dir string, payload []byte) string {
	t.Helper()
	path := filepath.Join(dir, "payload.bin")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestRunMinimalRawPayload(t *testing.T) {
	dir := t.TempDir()
	bootData := make([]byte, 4096)
	for i := range bootData {
		bootData[i] = byte(i)
	}
	m, data := singlePartitionManifest(4096, bootData, true)
	path := writePayload(t, dir, buildPayload(t, m, data))

	outDir := filepath.Join(dir, "out")
	summary, err := Run(path, Options{OutputDir: outDir, Verify: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(summary.Partitions) != 1 || summary.Partitions[0].Name != "boot" {
		t.Fatalf("Partitions = %+v, want one partition named boot", summary.Partitions)
	}

	got, err := os.ReadFile(filepath.Join(summary.OutputDir, "boot.img"))
	if err != nil {
		t.Fatalf("reading extracted partition: %v", err)
	}
	if string(got) != string(bootData) {
		t.Errorf("extracted boot.img mismatch")
	}
}

func TestRunStrictRejectsMissingHash(t *testing.T) {
	dir := t.TempDir()
	bootData := make([]byte, 4096)
	m, data := singlePartitionManifest(4096, bootData, false)
	path := writePayload(t, dir, buildPayload(t, m, data))

	_, err := Run(path, Options{OutputDir: filepath.Join(dir, "out"), Strict: true})
	if err == nil {
		t.Fatalf("Run with --strict and no partition hash: want error, got nil")
	}
}

func TestRunRefusesIncrementalPartition(t *testing.T) {
	dir := t.TempDir()
	m := &chromeos.DeltaArchiveManifest{
		BlockSize:    4096,
		HasBlockSize: true,
		Partitions: []chromeos.PartitionUpdate{
			{
				PartitionName:    "vendor",
				NewPartitionInfo: &chromeos.PartitionInfo{Size: 4096, HasSize: true},
				Operations: []chromeos.InstallOperation{
					{Type: chromeos.OpSourceCopy, DstExtents: []chromeos.Extent{{StartBlock: 0, NumBlocks: 1}}},
				},
			},
		},
	}
	path := writePayload(t, dir, buildPayload(t, m, nil))

	_, err := Run(path, Options{OutputDir: filepath.Join(dir, "out")})
	if err == nil {
		t.Fatalf("Run on a delta-only partition: want error, got nil")
	}
}

func TestRunOverlappingExtentsRejected(t *testing.T) {
	dir := t.TempDir()
	m := &chromeos.DeltaArchiveManifest{
		BlockSize:    4096,
		HasBlockSize: true,
		Partitions: []chromeos.PartitionUpdate{
			{
				PartitionName:    "system",
				NewPartitionInfo: &chromeos.PartitionInfo{Size: 4096 * 4, HasSize: true},
				Operations: []chromeos.InstallOperation{
					{Type: chromeos.OpZero, DstExtents: []chromeos.Extent{{StartBlock: 0, NumBlocks: 2}}},
					{Type: chromeos.OpZero, DstExtents: []chromeos.Extent{{StartBlock: 1, NumBlocks: 2}}},
				},
			},
		},
	}
	path := writePayload(t, dir, buildPayload(t, m, nil))

	_, err := Run(path, Options{OutputDir: filepath.Join(dir, "out")})
	if err == nil {
		t.Fatalf("Run with overlapping dst_extents: want error, got nil")
	}
}

func TestListDoesNotCreateOutput(t *testing.T) {
	dir := t.TempDir()
	bootData := make([]byte, 4096)
	m, data := singlePartitionManifest(4096, bootData, true)
	path := writePayload(t, dir, buildPayload(t, m, data))

	summaries, err := List(path, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Name != "boot" {
		t.Fatalf("List = %+v, want one partition named boot", summaries)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			t.Errorf("List created a directory %q, want no output at all", e.Name())
		}
	}
}

func TestListLabelsIncrementalPartitions(t *testing.T) {
	dir := t.TempDir()
	m := &chromeos.DeltaArchiveManifest{
		BlockSize:    4096,
		HasBlockSize: true,
		Partitions: []chromeos.PartitionUpdate{
			{
				PartitionName:    "vendor",
				NewPartitionInfo: &chromeos.PartitionInfo{Size: 4096, HasSize: true},
				Operations: []chromeos.InstallOperation{
					{Type: chromeos.OpSourceCopy, DstExtents: []chromeos.Extent{{StartBlock: 0, NumBlocks: 1}}},
				},
			},
		},
	}
	path := writePayload(t, dir, buildPayload(t, m, nil))

	summaries, err := List(path, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 1 || !summaries[0].Incremental {
		t.Fatalf("List = %+v, want vendor labeled incremental", summaries)
	}
}

func TestRunFailureCleansUpOutputDirectory(t *testing.T) {
	dir := t.TempDir()
	m, data := singlePartitionManifest(4096, make([]byte, 4096), false)
	path := writePayload(t, dir, buildPayload(t, m, data))

	outDir := filepath.Join(dir, "out")
	_, err := Run(path, Options{OutputDir: outDir, Strict: true})
	if err == nil {
		t.Fatalf("Run with --strict and no hash: want error, got nil")
	}

	entries, statErr := os.ReadDir(outDir)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return // the whole base directory was freshly created and rolled back: fine
		}
		t.Fatalf("ReadDir: %v", statErr)
	}
	for _, e := range entries {
		t.Errorf("failed Run left %q behind in the output directory", e.Name())
	}
}
