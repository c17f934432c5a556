//go:build linux

package sink

import "golang.org/x/sys/unix"

// adviseSequentialWrite hints the kernel that buf will be written
// sequentially. Best-effort: a failure here never affects correctness.
func adviseSequentialWrite(buf []byte) {
	if len(buf) == 0 {
		return
	}
	_ = unix.Madvise(buf, unix.MADV_SEQUENTIAL)
}
