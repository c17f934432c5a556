// Package container parses the outer OTA payload container: magic,
// version, manifest, optional metadata signature, and the trailing data
// region. It never copies bytes — every slice it returns aliases the
// input buffer.
package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/otaxtract/otaxtract/internal/errs"
)

const (
	// Magic is the fixed 4-byte tag that begins every payload.
	Magic = "CrAU"

	minHeaderLen      = 20 // magic(4) + version(8) + manifest_size(8)
	minHeaderLenV2    = 24 // + metadata_signature_size(4)
	maxManifestSize   = 256 << 20 // 256 MiB
	maxMetadataSigLen = 64 << 20  // 64 MiB
)

// Container is the parsed view over an immutable payload buffer. All
// slice fields alias the buffer passed to Parse.
type Container struct {
	FormatVersion         uint64
	ManifestSize          uint64
	MetadataSignatureSize uint32
	ManifestBytes         []byte
	MetadataSignature     []byte // nil if absent
	Data                  []byte
}

// Parse validates and carves buf into a Container, or returns a
// *errs.Error classifying the failure.
func Parse(buf []byte) (*Container, error) {
	if len(buf) < minHeaderLen {
		return nil, errs.New(errs.KindBadInput,
			"payload too short: need at least %d bytes, got %d", minHeaderLen, len(buf))
	}

	if !bytes.Equal(buf[:4], []byte(Magic)) {
		return nil, badMagicError(buf)
	}

	version := binary.BigEndian.Uint64(buf[4:12])
	if version == 0 || version > 2 {
		return nil, errs.New(errs.KindBadInput, "unsupported payload format version %d", version)
	}

	manifestSize := binary.BigEndian.Uint64(buf[12:20])
	if manifestSize > maxManifestSize {
		return nil, errs.New(errs.KindBadInput,
			"manifest size %d exceeds the %d byte cap", manifestSize, maxManifestSize)
	}

	headerSize := uint64(minHeaderLen)
	var metaSigSize uint32
	if version >= 2 {
		if len(buf) < minHeaderLenV2 {
			return nil, errs.New(errs.KindBadInput,
				"payload too short for version %d header: need at least %d bytes, got %d",
				version, minHeaderLenV2, len(buf))
		}
		metaSigSize = binary.BigEndian.Uint32(buf[20:24])
		if metaSigSize > maxMetadataSigLen {
			return nil, errs.New(errs.KindBadInput,
				"metadata signature size %d exceeds the %d byte cap", metaSigSize, maxMetadataSigLen)
		}
		headerSize = minHeaderLenV2
	}

	dataStart, err := checkedSum(headerSize, manifestSize, uint64(metaSigSize))
	if err != nil {
		return nil, errs.Wrap(errs.KindBadInput, err, "computing data region offset")
	}
	if dataStart > uint64(len(buf)) {
		return nil, errs.New(errs.KindBadInput,
			"payload truncated: header+manifest+signature is %d bytes, payload is only %d bytes",
			dataStart, len(buf))
	}

	manifestStart := headerSize
	manifestEnd := manifestStart + manifestSize
	manifestBytes := buf[manifestStart:manifestEnd]

	var sig []byte
	if metaSigSize > 0 {
		sig = buf[manifestEnd : manifestEnd+uint64(metaSigSize)]
	}

	return &Container{
		FormatVersion:         version,
		ManifestSize:          manifestSize,
		MetadataSignatureSize: metaSigSize,
		ManifestBytes:         manifestBytes,
		MetadataSignature:     sig,
		Data:                  buf[dataStart:],
	}, nil
}

// checkedSum adds a, b, c, failing on uint64 overflow.
func checkedSum(a, b, c uint64) (uint64, error) {
	s := a + b
	if s < a {
		return 0, fmt.Errorf("overflow while summing header and manifest size")
	}
	t := s + c
	if t < s {
		return 0, fmt.Errorf("overflow while summing manifest and signature size")
	}
	if t > math.MaxInt64 {
		return 0, fmt.Errorf("payload layout offset %d is not representable", t)
	}
	return t, nil
}

// badMagicError diagnoses common mistaken inputs by their leading bytes.
func badMagicError(buf []byte) error {
	hint := ""
	switch {
	case bytes.HasPrefix(buf, []byte("PK\x03\x04")):
		hint = "this looks like a ZIP archive; pass the OTA zip directly, " +
			"it will be searched for payload.bin"
	case bytes.HasPrefix(buf, []byte("\x7fELF")):
		hint = "this looks like an ELF executable, not an OTA payload"
	case bytes.HasPrefix(buf, []byte{0xff, 0xd8, 0xff}):
		hint = "this looks like a JPEG image, not an OTA payload"
	case bytes.HasPrefix(buf, []byte{0x89, 'P', 'N', 'G'}):
		hint = "this looks like a PNG image, not an OTA payload"
	case bytes.HasPrefix(buf, []byte("MZ")):
		hint = "this looks like a Windows executable, not an OTA payload"
	default:
		hint = "expected a raw payload.bin (starting with \"CrAU\") or a ZIP containing one"
	}
	return errs.New(errs.KindBadInput, "not a valid OTA payload: %s", hint)
}
