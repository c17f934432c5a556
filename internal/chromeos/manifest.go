// Package chromeos holds plain Go records for the subset of the
// chromeos_update_engine update_metadata.proto schema this extractor
// consumes (DeltaArchiveManifest, PartitionUpdate, InstallOperation, Extent,
// PartitionInfo). Field numbers mirror the public AOSP/ChromeOS OTA schema.
//
// There is no protoc-generated descriptor code here: decoding goes straight
// through google.golang.org/protobuf/encoding/protowire, which is the same
// low-level wire-format library generated code is itself built on. The
// manifest's shape is external input; this package only ever produces and
// consumes plain records, never a protoreflect.Message.
package chromeos

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/otaxtract/otaxtract/internal/errs"
)

// InstallOperationType enumerates InstallOperation.Type.
type InstallOperationType int32

const (
	OpReplace         InstallOperationType = 0
	OpReplaceBz       InstallOperationType = 1
	OpMove            InstallOperationType = 2 // deprecated
	OpBsdiff          InstallOperationType = 3 // deprecated
	OpSourceCopy      InstallOperationType = 4
	OpSourceBsdiff    InstallOperationType = 5
	OpZero            InstallOperationType = 6
	OpDiscard         InstallOperationType = 7
	OpReplaceXz       InstallOperationType = 8
	OpPuffdiff        InstallOperationType = 9
	OpBrotliBsdiff    InstallOperationType = 10
	OpZucchini        InstallOperationType = 11
	OpLz4diffBsdiff   InstallOperationType = 12
	OpLz4diffPuffdiff InstallOperationType = 13
)

// IsIncremental reports whether t derives from a source partition rather
// than being fully self-contained.
func (t InstallOperationType) IsIncremental() bool {
	switch t {
	case OpMove, OpBsdiff, OpSourceCopy, OpSourceBsdiff, OpPuffdiff,
		OpBrotliBsdiff, OpZucchini, OpLz4diffBsdiff, OpLz4diffPuffdiff:
		return true
	default:
		return false
	}
}

func (t InstallOperationType) String() string {
	switch t {
	case OpReplace:
		return "REPLACE"
	case OpReplaceBz:
		return "REPLACE_BZ"
	case OpMove:
		return "MOVE"
	case OpBsdiff:
		return "BSDIFF"
	case OpSourceCopy:
		return "SOURCE_COPY"
	case OpSourceBsdiff:
		return "SOURCE_BSDIFF"
	case OpZero:
		return "ZERO"
	case OpDiscard:
		return "DISCARD"
	case OpReplaceXz:
		return "REPLACE_XZ"
	case OpPuffdiff:
		return "PUFFDIFF"
	case OpBrotliBsdiff:
		return "BROTLI_BSDIFF"
	case OpZucchini:
		return "ZUCCHINI"
	case OpLz4diffBsdiff:
		return "LZ4DIFF_BSDIFF"
	case OpLz4diffPuffdiff:
		return "LZ4DIFF_PUFFDIFF"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(t))
	}
}

// Extent is a block-addressed byte range: (start_block, num_blocks) = 1, 2.
type Extent struct {
	StartBlock uint64
	NumBlocks  uint64
}

// PartitionInfo = (size, hash) = 1, 2.
type PartitionInfo struct {
	Size    uint64
	HasSize bool
	Hash    []byte // nil when absent
}

// InstallOperation is one instruction describing how to produce part of a
// partition. Field numbers: type=1, data_offset=2, data_length=3,
// dst_extents=6, data_sha256_hash=8.
type InstallOperation struct {
	Type           InstallOperationType
	DataOffset     uint64
	HasDataOffset  bool
	DataLength     uint64
	HasDataLength  bool
	DataSHA256Hash []byte
	DstExtents     []Extent
}

// PartitionUpdate = (partition_name=1, new_partition_info=7, operations=9).
type PartitionUpdate struct {
	PartitionName    string
	NewPartitionInfo *PartitionInfo
	Operations       []InstallOperation
}

// DeltaArchiveManifest = (block_size=3, minor_version=12, partitions=13).
type DeltaArchiveManifest struct {
	BlockSize    uint32
	HasBlockSize bool
	MinorVersion uint32
	Partitions   []PartitionUpdate
}

// UnmarshalManifest decodes buf as a DeltaArchiveManifest.
func UnmarshalManifest(buf []byte) (*DeltaArchiveManifest, error) {
	m := &DeltaArchiveManifest{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, errs.Wrap(errs.KindCorrupt, protowire.ParseError(n), "manifest: reading field tag")
		}
		buf = buf[n:]
		switch num {
		case 3: // block_size
			v, n, err := consumeVarint(buf, typ)
			if err != nil {
				return nil, errs.Wrap(errs.KindCorrupt, err, "block_size")
			}
			buf = buf[n:]
			m.BlockSize = uint32(v)
			m.HasBlockSize = true
		case 12: // minor_version
			v, n, err := consumeVarint(buf, typ)
			if err != nil {
				return nil, errs.Wrap(errs.KindCorrupt, err, "minor_version")
			}
			buf = buf[n:]
			m.MinorVersion = uint32(v)
		case 13: // partitions
			v, n, err := consumeBytes(buf, typ)
			if err != nil {
				return nil, errs.Wrap(errs.KindCorrupt, err, "partitions")
			}
			buf = buf[n:]
			pu, err := unmarshalPartitionUpdate(v)
			if err != nil {
				return nil, errs.Wrap(errs.KindInvalidManifest, err, "partitions[%d]", len(m.Partitions))
			}
			m.Partitions = append(m.Partitions, *pu)
		default:
			n, err := skipField(buf, typ)
			if err != nil {
				return nil, err
			}
			buf = buf[n:]
		}
	}
	return m, nil
}

func unmarshalPartitionUpdate(buf []byte) (*PartitionUpdate, error) {
	p := &PartitionUpdate{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, errs.Wrap(errs.KindCorrupt, protowire.ParseError(n), "partition_update: reading field tag")
		}
		buf = buf[n:]
		switch num {
		case 1: // partition_name
			v, n, err := consumeBytes(buf, typ)
			if err != nil {
				return nil, errs.Wrap(errs.KindCorrupt, err, "partition_name")
			}
			buf = buf[n:]
			p.PartitionName = string(v)
		case 7: // new_partition_info
			v, n, err := consumeBytes(buf, typ)
			if err != nil {
				return nil, errs.Wrap(errs.KindCorrupt, err, "new_partition_info")
			}
			buf = buf[n:]
			info, err := unmarshalPartitionInfo(v)
			if err != nil {
				return nil, errs.Wrap(errs.KindInvalidManifest, err, "new_partition_info")
			}
			p.NewPartitionInfo = info
		case 9: // operations
			v, n, err := consumeBytes(buf, typ)
			if err != nil {
				return nil, errs.Wrap(errs.KindCorrupt, err, "operations")
			}
			buf = buf[n:]
			op, err := unmarshalInstallOperation(v)
			if err != nil {
				return nil, errs.Wrap(errs.KindInvalidManifest, err, "operations[%d]", len(p.Operations))
			}
			p.Operations = append(p.Operations, *op)
		default:
			n, err := skipField(buf, typ)
			if err != nil {
				return nil, err
			}
			buf = buf[n:]
		}
	}
	return p, nil
}

func unmarshalPartitionInfo(buf []byte) (*PartitionInfo, error) {
	info := &PartitionInfo{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, errs.Wrap(errs.KindCorrupt, protowire.ParseError(n), "partition_info: reading field tag")
		}
		buf = buf[n:]
		switch num {
		case 1: // size
			v, n, err := consumeVarint(buf, typ)
			if err != nil {
				return nil, errs.Wrap(errs.KindCorrupt, err, "size")
			}
			buf = buf[n:]
			info.Size = v
			info.HasSize = true
		case 2: // hash
			v, n, err := consumeBytes(buf, typ)
			if err != nil {
				return nil, errs.Wrap(errs.KindCorrupt, err, "hash")
			}
			buf = buf[n:]
			info.Hash = append([]byte(nil), v...)
		default:
			n, err := skipField(buf, typ)
			if err != nil {
				return nil, err
			}
			buf = buf[n:]
		}
	}
	return info, nil
}

func unmarshalInstallOperation(buf []byte) (*InstallOperation, error) {
	op := &InstallOperation{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, errs.Wrap(errs.KindCorrupt, protowire.ParseError(n), "install_operation: reading field tag")
		}
		buf = buf[n:]
		switch num {
		case 1: // type
			v, n, err := consumeVarint(buf, typ)
			if err != nil {
				return nil, errs.Wrap(errs.KindCorrupt, err, "type")
			}
			buf = buf[n:]
			op.Type = InstallOperationType(v)
		case 2: // data_offset
			v, n, err := consumeVarint(buf, typ)
			if err != nil {
				return nil, errs.Wrap(errs.KindCorrupt, err, "data_offset")
			}
			buf = buf[n:]
			op.DataOffset = v
			op.HasDataOffset = true
		case 3: // data_length
			v, n, err := consumeVarint(buf, typ)
			if err != nil {
				return nil, errs.Wrap(errs.KindCorrupt, err, "data_length")
			}
			buf = buf[n:]
			op.DataLength = v
			op.HasDataLength = true
		case 6: // dst_extents
			v, n, err := consumeBytes(buf, typ)
			if err != nil {
				return nil, errs.Wrap(errs.KindCorrupt, err, "dst_extents")
			}
			buf = buf[n:]
			ext, err := unmarshalExtent(v)
			if err != nil {
				return nil, errs.Wrap(errs.KindInvalidManifest, err, "dst_extents[%d]", len(op.DstExtents))
			}
			op.DstExtents = append(op.DstExtents, *ext)
		case 8: // data_sha256_hash
			v, n, err := consumeBytes(buf, typ)
			if err != nil {
				return nil, errs.Wrap(errs.KindCorrupt, err, "data_sha256_hash")
			}
			buf = buf[n:]
			op.DataSHA256Hash = append([]byte(nil), v...)
		default:
			n, err := skipField(buf, typ)
			if err != nil {
				return nil, err
			}
			buf = buf[n:]
		}
	}
	return op, nil
}

func unmarshalExtent(buf []byte) (*Extent, error) {
	e := &Extent{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, errs.Wrap(errs.KindCorrupt, protowire.ParseError(n), "extent: reading field tag")
		}
		buf = buf[n:]
		switch num {
		case 1: // start_block
			v, n, err := consumeVarint(buf, typ)
			if err != nil {
				return nil, errs.Wrap(errs.KindCorrupt, err, "start_block")
			}
			buf = buf[n:]
			e.StartBlock = v
		case 2: // num_blocks
			v, n, err := consumeVarint(buf, typ)
			if err != nil {
				return nil, errs.Wrap(errs.KindCorrupt, err, "num_blocks")
			}
			buf = buf[n:]
			e.NumBlocks = v
		default:
			n, err := skipField(buf, typ)
			if err != nil {
				return nil, err
			}
			buf = buf[n:]
		}
	}
	return e, nil
}

func consumeVarint(buf []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errs.New(errs.KindCorrupt, "expected varint wire type, got %d", typ)
	}
	v, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, 0, errs.Wrap(errs.KindCorrupt, protowire.ParseError(n), "reading varint")
	}
	return v, n, nil
}

func consumeBytes(buf []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errs.New(errs.KindCorrupt, "expected length-delimited wire type, got %d", typ)
	}
	v, n := protowire.ConsumeBytes(buf)
	if n < 0 {
		return nil, 0, errs.Wrap(errs.KindCorrupt, protowire.ParseError(n), "reading length-delimited field")
	}
	return v, n, nil
}

func skipField(buf []byte, typ protowire.Type) (int, error) {
	n := protowire.ConsumeFieldValue(0, typ, buf)
	if n < 0 {
		return 0, errs.Wrap(errs.KindCorrupt, protowire.ParseError(n), "skipping unknown field")
	}
	return n, nil
}
