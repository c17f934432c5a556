package operation

import (
	"bytes"
	"compress/bzip2"
	"crypto/sha256"
	"os/exec"
	"testing"

	"github.com/otaxtract/otaxtract/internal/chromeos"
	"github.com/otaxtract/otaxtract/internal/errs"
)

func TestRunReplace(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 8192)
	partition := make([]byte, 8192)

	op := &chromeos.InstallOperation{
		Type:          chromeos.OpReplace,
		DataOffset:    0,
		HasDataOffset: true,
		DataLength:    uint64(len(payload)),
		HasDataLength: true,
		DstExtents:    []chromeos.Extent{{StartBlock: 0, NumBlocks: 2}},
	}

	err := Run(Params{
		Op:            op,
		PayloadData:   payload,
		Partition:     partition,
		PartitionName: "boot",
		BlockSize:     4096,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !bytes.Equal(partition, payload) {
		t.Errorf("partition = %x, want %x", partition, payload)
	}
}

func TestRunReplaceVerifiesHash(t *testing.T) {
	payload := []byte("not what the hash says")
	partition := make([]byte, len(payload))
	badHash := sha256.Sum256([]byte("something else entirely"))

	op := &chromeos.InstallOperation{
		Type:           chromeos.OpReplace,
		DataOffset:     0,
		HasDataOffset:  true,
		DataLength:     uint64(len(payload)),
		HasDataLength:  true,
		DataSHA256Hash: badHash[:],
		DstExtents:     []chromeos.Extent{{StartBlock: 0, NumBlocks: 1}},
	}

	err := Run(Params{
		Op: op, PayloadData: payload, Partition: partition,
		PartitionName: "system", BlockSize: uint64(len(payload)), Verify: true,
	})
	if errs.KindOf(err) != errs.KindHashMismatch {
		t.Fatalf("Run with mismatched hash: got %v, want KindHashMismatch", err)
	}
}

func TestRunZero(t *testing.T) {
	partition := bytes.Repeat([]byte{0xFF}, 4096)
	op := &chromeos.InstallOperation{
		Type:       chromeos.OpZero,
		DstExtents: []chromeos.Extent{{StartBlock: 0, NumBlocks: 1}},
	}
	if err := Run(Params{Op: op, Partition: partition, PartitionName: "cache", BlockSize: 4096}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !bytes.Equal(partition, make([]byte, 4096)) {
		t.Errorf("partition after ZERO is not all-zero")
	}
}

func TestRunDiscard(t *testing.T) {
	partition := bytes.Repeat([]byte{0xFF}, 4096)
	op := &chromeos.InstallOperation{
		Type:       chromeos.OpDiscard,
		DstExtents: []chromeos.Extent{{StartBlock: 0, NumBlocks: 1}},
	}
	if err := Run(Params{Op: op, Partition: partition, PartitionName: "userdata", BlockSize: 4096}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !bytes.Equal(partition, make([]byte, 4096)) {
		t.Errorf("partition after DISCARD is not all-zero")
	}
}

func TestRunRefusesIncremental(t *testing.T) {
	op := &chromeos.InstallOperation{Type: chromeos.OpSourceCopy}
	err := Run(Params{Op: op, PartitionName: "vendor", BlockSize: 4096})
	if errs.KindOf(err) != errs.KindUnsupportedIncremental {
		t.Fatalf("Run on SOURCE_COPY: got %v, want KindUnsupportedIncremental", err)
	}
}

func TestRunReplaceBz(t *testing.T) {
	plain := bytes.Repeat([]byte{0x11, 0x22}, 2048)
	compressed := compressBzip2(t, plain)

	partition := make([]byte, len(plain))
	op := &chromeos.InstallOperation{
		Type:          chromeos.OpReplaceBz,
		DataOffset:    0,
		HasDataOffset: true,
		DataLength:    uint64(len(compressed)),
		HasDataLength: true,
		DstExtents:    []chromeos.Extent{{StartBlock: 0, NumBlocks: 1}},
	}

	err := Run(Params{
		Op: op, PayloadData: compressed, Partition: partition,
		PartitionName: "product", BlockSize: uint64(len(plain)),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !bytes.Equal(partition, plain) {
		t.Errorf("decompressed REPLACE_BZ output mismatch")
	}
}

func TestRunReplaceShortWriteRejected(t *testing.T) {
	// 5 bytes round up to one 4096-byte block, but the extent spans two.
	payload := []byte("short")
	partition := make([]byte, 8192)
	op := &chromeos.InstallOperation{
		Type:          chromeos.OpReplace,
		DataOffset:    0,
		HasDataOffset: true,
		DataLength:    uint64(len(payload)),
		HasDataLength: true,
		DstExtents:    []chromeos.Extent{{StartBlock: 0, NumBlocks: 2}},
	}
	err := Run(Params{Op: op, PayloadData: payload, Partition: partition, PartitionName: "boot", BlockSize: 4096})
	if errs.KindOf(err) != errs.KindIO {
		t.Fatalf("Run with short REPLACE write: got %v, want KindIO", err)
	}
}

// compressBzip2 shells out to bzip2(1) to build a real compressed fixture,
// since the standard library only ships a bzip2 reader. Skips if the
// binary isn't available in the test environment.
func compressBzip2(t *testing.T, plain []byte) []byte {
	t.Helper()
	path, err := exec.LookPath("bzip2")
	if err != nil {
		t.Skip("bzip2 binary not available")
	}
	cmd := exec.Command(path, "-z", "-c")
	cmd.Stdin = bytes.NewReader(plain)
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("compressing fixture with bzip2: %v", err)
	}

	// Sanity-check the fixture decompresses back with the standard
	// library's reader before using it as a test input.
	r := bzip2.NewReader(bytes.NewReader(out))
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		t.Fatalf("sanity decompress of fixture: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), plain) {
		t.Fatalf("bzip2 fixture round-trip mismatch")
	}
	return out
}
