// Package extentwriter adapts an ordered list of mutable byte slices (the
// destination extents of one operation) into a single io.Writer, so
// streaming decompressors can target them without knowing about extents
// at all.
package extentwriter

import (
	"io"

	"github.com/otaxtract/otaxtract/internal/bulkmem"
)

// Writer writes a contiguous byte stream across an ordered list of
// mutable slices. It never revisits a slice once advanced past it.
type Writer struct {
	extents [][]byte
	idx     int
	off     int
}

var _ io.Writer = (*Writer)(nil)

// New wraps extents (in the given order) as a single io.Writer.
func New(extents [][]byte) *Writer {
	return &Writer{extents: extents}
}

// Write copies as much of p as fits into the remaining capacity across
// extents, dispatching each per-extent copy to the bulk memory engine.
// It only returns fewer bytes than len(p) once every extent is full; it
// never returns a partial write while capacity remains, so callers using
// io.Copy see this as a conventional streaming sink.
func (w *Writer) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 && w.idx < len(w.extents) {
		cur := w.extents[w.idx]
		room := len(cur) - w.off
		if room <= 0 {
			w.idx++
			w.off = 0
			continue
		}
		n := room
		if n > len(p) {
			n = len(p)
		}
		bulkmem.Copy(cur[w.off:w.off+n], p[:n])
		w.off += n
		written += n
		p = p[n:]
		if w.off >= len(cur) {
			w.idx++
			w.off = 0
		}
	}
	return written, nil
}

// Remaining returns the total unwritten capacity left across all extents.
func (w *Writer) Remaining() int {
	total := 0
	for i := w.idx; i < len(w.extents); i++ {
		if i == w.idx {
			total += len(w.extents[i]) - w.off
		} else {
			total += len(w.extents[i])
		}
	}
	return total
}
