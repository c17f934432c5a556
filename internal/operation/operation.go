// Package operation executes one InstallOperation: decoding its input
// bytes, verifying the declared hash, and writing the result into the
// operation's destination extents, enforcing block-size alignment.
package operation

import (
	"bytes"
	"compress/bzip2"
	"crypto/sha256"
	"io"

	lzma "github.com/remyoudompheng/go-liblzma"

	"github.com/otaxtract/otaxtract/internal/bulkmem"
	"github.com/otaxtract/otaxtract/internal/chromeos"
	"github.com/otaxtract/otaxtract/internal/errs"
	"github.com/otaxtract/otaxtract/internal/extentwriter"
)

// Params bundles the inputs a single operation execution needs.
type Params struct {
	Op            *chromeos.InstallOperation
	PayloadData   []byte // the container's read-only data region
	Partition     []byte // the partition sink's full mapping
	PartitionName string
	BlockSize     uint64
	Verify        bool
}

// Run executes one operation against its destination extents.
func Run(p Params) error {
	if p.Op.Type.IsIncremental() {
		return errs.New(errs.KindUnsupportedIncremental,
			"partition %q uses an incremental operation (%s); download a full OTA instead of a delta",
			p.PartitionName, p.Op.Type)
	}

	extents, totalLen, err := destExtents(p.Op, p.Partition, p.BlockSize)
	if err != nil {
		return errs.Wrap(errs.KindInvalidManifest, err, "partition %q", p.PartitionName)
	}

	switch p.Op.Type {
	case chromeos.OpReplace:
		data, err := sourceData(p.Op, p.PayloadData, p.Verify)
		if err != nil {
			return err
		}
		return writeReplace(data, extents, totalLen, p.BlockSize)

	case chromeos.OpReplaceBz:
		data, err := sourceData(p.Op, p.PayloadData, p.Verify)
		if err != nil {
			return err
		}
		return writeStream(bzip2.NewReader(bytes.NewReader(data)), extents, totalLen, p.BlockSize)

	case chromeos.OpReplaceXz:
		data, err := sourceData(p.Op, p.PayloadData, p.Verify)
		if err != nil {
			return err
		}
		xr, err := lzma.NewReader(bytes.NewReader(data))
		if err != nil {
			return errs.Wrap(errs.KindCorrupt, err, "opening xz stream for partition %q", p.PartitionName)
		}
		defer xr.Close()
		return writeStream(xr, extents, totalLen, p.BlockSize)

	case chromeos.OpZero, chromeos.OpDiscard:
		return writeZero(extents)

	default:
		return errs.New(errs.KindCorrupt, "unrecognized operation type %d in partition %q",
			int32(p.Op.Type), p.PartitionName)
	}
}

// destExtents converts op's block-addressed destination extents into
// mutable byte slices of partition, returning their total length.
func destExtents(op *chromeos.InstallOperation, partition []byte, blockSize uint64) ([][]byte, uint64, error) {
	out := make([][]byte, 0, len(op.DstExtents))
	var total uint64
	for i, ext := range op.DstExtents {
		if ext.NumBlocks == 0 {
			continue
		}
		offset, length, err := extentByteRange(ext, blockSize)
		if err != nil {
			return nil, 0, err
		}
		if offset+length > uint64(len(partition)) {
			return nil, 0, errs.New(errs.KindInvalidManifest,
				"dst_extents[%d]: [%d,%d) exceeds partition size %d", i, offset, offset+length, len(partition))
		}
		out = append(out, partition[offset:offset+length])
		total += length
	}
	return out, total, nil
}

func extentByteRange(ext chromeos.Extent, blockSize uint64) (offset, length uint64, err error) {
	offset, ok := checkedMul(ext.StartBlock, blockSize)
	if !ok {
		return 0, 0, errs.New(errs.KindInvalidManifest, "start_block overflow")
	}
	length, ok = checkedMul(ext.NumBlocks, blockSize)
	if !ok {
		return 0, 0, errs.New(errs.KindInvalidManifest, "num_blocks overflow")
	}
	return offset, length, nil
}

func checkedMul(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	p := a * b
	return p, p/a == b
}

// sourceData resolves an operation's raw input bytes and, if enabled and
// present, verifies them against data_sha256_hash before any write.
func sourceData(op *chromeos.InstallOperation, payloadData []byte, verify bool) ([]byte, error) {
	if !op.HasDataOffset || !op.HasDataLength {
		return nil, errs.New(errs.KindInvalidManifest, "operation is missing data_offset/data_length")
	}
	start := op.DataOffset
	end := start + op.DataLength
	if end < start || end > uint64(len(payloadData)) {
		return nil, errs.New(errs.KindInvalidManifest,
			"operation data range [%d,%d) exceeds payload data region of %d bytes", start, end, len(payloadData))
	}
	data := payloadData[start:end]

	if verify && op.DataSHA256Hash != nil {
		got := sha256.Sum256(data)
		if !bytes.Equal(got[:], op.DataSHA256Hash) {
			return nil, errs.New(errs.KindHashMismatch,
				"operation input hash mismatch: expected %x, got %x", op.DataSHA256Hash, got)
		}
	}
	return data, nil
}

// writeReplace copies data directly into a single contiguous extent, or
// through the Extents Writer when the destination spans several.
func writeReplace(data []byte, extents [][]byte, totalLen uint64, blockSize uint64) error {
	if len(extents) == 1 {
		if uint64(len(data)) > uint64(len(extents[0])) {
			return errs.New(errs.KindIO, "replace data longer than destination extent")
		}
		bulkmem.Copy(extents[0], data)
		return checkAlignment(uint64(len(data)), totalLen, blockSize)
	}

	w := extentwriter.New(extents)
	n, err := w.Write(data)
	if err != nil {
		return errs.Wrap(errs.KindIO, err, "writing REPLACE data to destination extents")
	}
	if n != len(data) {
		return errs.New(errs.KindIO, "failed to write all REPLACE data to destination extents")
	}
	return checkAlignment(uint64(n), totalLen, blockSize)
}

// writeStream pulls a decompressed stream through the Extents Writer.
func writeStream(r io.Reader, extents [][]byte, totalLen uint64, blockSize uint64) error {
	w := extentwriter.New(extents)
	n, err := io.Copy(w, r)
	if err != nil {
		return errs.Wrap(errs.KindCorrupt, err, "decompressing operation into destination extents")
	}

	var probe [1]byte
	if rn, _ := r.Read(probe[:]); rn != 0 {
		return errs.New(errs.KindIO, "read fewer bytes than the decompressed stream provides")
	}

	return checkAlignment(uint64(n), totalLen, blockSize)
}

func writeZero(extents [][]byte) error {
	for _, ext := range extents {
		for i := range ext {
			ext[i] = 0
		}
	}
	return nil
}

// checkAlignment enforces that bytesWritten, rounded up to the nearest
// block, equals the destination's total length exactly. A shorter write
// is under-delivery; a longer one is over-delivery; only the ceiling to
// block_size is tolerated as padding.
func checkAlignment(bytesWritten, dstLen, blockSize uint64) error {
	if blockSize == 0 {
		return errs.New(errs.KindInvalidManifest, "block_size is zero")
	}
	aligned := ceilDiv(bytesWritten, blockSize) * blockSize
	if aligned != dstLen {
		return errs.New(errs.KindIO,
			"wrote %d bytes (aligned %d) but destination extents total %d bytes", bytesWritten, aligned, dstLen)
	}
	return nil
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
