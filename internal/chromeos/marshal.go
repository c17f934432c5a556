package chromeos

import "google.golang.org/protobuf/encoding/protowire"

// Marshal encodes m as a DeltaArchiveManifest. It exists primarily so
// tests can build literal manifest payloads without depending on protoc;
// production code only ever unmarshals, never re-serializes a manifest.
func (m *DeltaArchiveManifest) Marshal() []byte {
	var buf []byte
	if m.HasBlockSize {
		buf = protowire.AppendTag(buf, 3, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.BlockSize))
	}
	if m.MinorVersion != 0 {
		buf = protowire.AppendTag(buf, 12, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.MinorVersion))
	}
	for i := range m.Partitions {
		buf = protowire.AppendTag(buf, 13, protowire.BytesType)
		buf = protowire.AppendBytes(buf, m.Partitions[i].Marshal())
	}
	return buf
}

func (p *PartitionUpdate) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, []byte(p.PartitionName))
	if p.NewPartitionInfo != nil {
		buf = protowire.AppendTag(buf, 7, protowire.BytesType)
		buf = protowire.AppendBytes(buf, p.NewPartitionInfo.Marshal())
	}
	for i := range p.Operations {
		buf = protowire.AppendTag(buf, 9, protowire.BytesType)
		buf = protowire.AppendBytes(buf, p.Operations[i].Marshal())
	}
	return buf
}

func (info *PartitionInfo) Marshal() []byte {
	var buf []byte
	if info.HasSize {
		buf = protowire.AppendTag(buf, 1, protowire.VarintType)
		buf = protowire.AppendVarint(buf, info.Size)
	}
	if info.Hash != nil {
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, info.Hash)
	}
	return buf
}

func (op *InstallOperation) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(op.Type))
	if op.HasDataOffset {
		buf = protowire.AppendTag(buf, 2, protowire.VarintType)
		buf = protowire.AppendVarint(buf, op.DataOffset)
	}
	if op.HasDataLength {
		buf = protowire.AppendTag(buf, 3, protowire.VarintType)
		buf = protowire.AppendVarint(buf, op.DataLength)
	}
	for i := range op.DstExtents {
		buf = protowire.AppendTag(buf, 6, protowire.BytesType)
		buf = protowire.AppendBytes(buf, op.DstExtents[i].Marshal())
	}
	if op.DataSHA256Hash != nil {
		buf = protowire.AppendTag(buf, 8, protowire.BytesType)
		buf = protowire.AppendBytes(buf, op.DataSHA256Hash)
	}
	return buf
}

func (e *Extent) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, e.StartBlock)
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, e.NumBlocks)
	return buf
}
