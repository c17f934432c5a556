// Package payloadsrc opens an OTA input file (raw payload.bin or a ZIP
// wrapping one) and yields a read-only byte view over it, choosing
// between memory-mapping the file directly, buffering a ZIP entry in
// memory, or streaming an oversized ZIP entry through a temporary file.
package payloadsrc

import (
	"archive/zip"
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/edsrzf/mmap-go"

	"github.com/otaxtract/otaxtract/internal/errs"
)

const (
	zipMagic    = "PK\x03\x04"
	copyBufSize = 1 << 20 // 1 MiB
)

// Source is a read-only view over payload bytes plus whatever retains
// them (a file mapping, an owned buffer, or a mapped temp file).
type Source struct {
	Bytes  []byte
	closer func() error
}

// Close releases whatever backs Bytes. Bytes must not be used afterward.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// Open detects the input shape and returns a Source. outputDir names the
// directory a streamed temp file is created inside, to avoid a
// cross-filesystem rename later.
func Open(path string, outputDir string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "opening %q", path)
	}

	var magic [4]byte
	n, readErr := io.ReadFull(f, magic[:])
	if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
		f.Close()
		return nil, errs.Wrap(errs.KindIO, readErr, "reading %q", path)
	}
	if n < 4 {
		f.Close()
		return nil, errs.New(errs.KindBadInput, "%q is too short to be an OTA payload", path)
	}

	if string(magic[:]) == zipMagic {
		return openZip(f, outputDir)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindIO, err, "seeking %q", path)
	}
	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindIO, err, "memory-mapping %q", path)
	}
	adviseSequential(mapped)

	return &Source{
		Bytes: mapped,
		closer: func() error {
			err1 := mapped.Unmap()
			err2 := f.Close()
			if err1 != nil {
				return err1
			}
			return err2
		},
	}, nil
}

func findPayloadEntry(zr *zip.Reader) (*zip.File, error) {
	for _, zf := range zr.File {
		if zf.Name == "payload.bin" || strings.HasSuffix(zf.Name, "/payload.bin") {
			return zf, nil
		}
	}
	return nil, errs.New(errs.KindCorrupt, "could not find payload.bin in the archive")
}

func openZip(f *os.File, outputDir string) (*Source, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindIO, err, "seeking archive")
	}

	zr, err := zip.NewReader(f, size)
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindCorrupt, err, "opening ZIP archive")
	}

	entry, err := findPayloadEntry(zr)
	if err != nil {
		f.Close()
		return nil, err
	}

	avail, ramErr := availableRAM()
	if ramErr != nil {
		avail = 0 // unknown: behave as if RAM is scarce and stream instead
	}

	if entry.UncompressedSize64 > avail/2 {
		src, err := streamEntryToTempFile(entry, outputDir)
		f.Close()
		return src, err
	}

	rc, err := entry.Open()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindCorrupt, err, "opening payload.bin entry")
	}
	defer rc.Close()

	buf := make([]byte, entry.UncompressedSize64)
	if _, err := io.ReadFull(rc, buf); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindCorrupt, err, "reading payload.bin entry")
	}
	f.Close()

	return &Source{Bytes: buf}, nil
}

// streamEntryToTempFile decompresses entry into a temp file inside dir,
// unlinking it as soon as it is written and synced so that from then on it
// is removed the moment every descriptor referencing it closes — including
// on process crash, with no explicit cleanup step required. A crash during
// the decompression itself leaves the file behind.
func streamEntryToTempFile(entry *zip.File, dir string) (*Source, error) {
	rc, err := entry.Open()
	if err != nil {
		return nil, errs.Wrap(errs.KindCorrupt, err, "opening payload.bin entry")
	}
	defer rc.Close()

	if dir == "" {
		dir = os.TempDir()
	}
	tmp, err := os.CreateTemp(dir, "otaxtract-payload-*.bin")
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "creating temporary file in %q", dir)
	}
	tmpPath := tmp.Name()

	reader := bufio.NewReaderSize(rc, copyBufSize)
	writer := bufio.NewWriterSize(tmp, copyBufSize)
	if _, err := io.Copy(writer, reader); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, errs.Wrap(errs.KindCorrupt, err, "decompressing payload.bin into %q", tmpPath)
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, errs.Wrap(errs.KindIO, err, "flushing %q", tmpPath)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, errs.Wrap(errs.KindIO, err, "syncing %q", tmpPath)
	}

	// Unlink now: the mapping below keeps the inode alive until Close.
	os.Remove(tmpPath)

	mapped, err := mmap.Map(tmp, mmap.RDONLY, 0)
	if err != nil {
		tmp.Close()
		return nil, errs.Wrap(errs.KindIO, err, "memory-mapping %q", tmpPath)
	}
	adviseSequential(mapped)

	return &Source{
		Bytes: mapped,
		closer: func() error {
			err1 := mapped.Unmap()
			err2 := tmp.Close()
			if err1 != nil {
				return err1
			}
			return err2
		},
	}, nil
}
