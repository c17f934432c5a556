// Package sink creates the per-partition output file: pre-sized,
// memory-mapped read-write, and shared (by handle, not by exclusive
// access) across every operation task that writes into it.
package sink

import (
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"

	"github.com/otaxtract/otaxtract/internal/errs"
)

// Sink is a memory-mapped output file for one partition. Tasks mutate
// disjoint byte ranges of Bytes concurrently; the Extent Validator having
// already proven those ranges disjoint is what makes that safe — Sink
// itself enforces nothing beyond handing out one shared slice.
type Sink struct {
	Bytes []byte
	Path  string

	file *os.File
	mm   mmap.MMap
}

// Create opens <dir>/<name>.img with create-new semantics (failing if the
// file already exists, so a stray leftover never gets silently clobbered),
// sizes it to size bytes, and memory-maps it read-write.
func Create(dir, name string, size uint64) (*Sink, error) {
	path := filepath.Join(dir, filepath.Base(name)+".img")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "creating output file %q", path)
	}

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, errs.Wrap(errs.KindIO, err, "sizing output file %q to %d bytes", path, size)
	}

	var mapped mmap.MMap
	if size > 0 {
		mapped, err = mmap.Map(f, mmap.RDWR, 0)
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, errs.Wrap(errs.KindIO, err, "memory-mapping output file %q", path)
		}
		adviseSequentialWrite(mapped)
	}

	return &Sink{
		Bytes: mapped,
		Path:  path,
		file:  f,
		mm:    mapped,
	}, nil
}

// Close unmaps and closes the underlying file. It does not delete it —
// that is the Cleanup Manager's job on failure.
func (s *Sink) Close() error {
	var err1, err2 error
	if s.mm != nil {
		err1 = s.mm.Unmap()
	}
	if s.file != nil {
		err2 = s.file.Close()
	}
	if err1 != nil {
		return err1
	}
	return err2
}
