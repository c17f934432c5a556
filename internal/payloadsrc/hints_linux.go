//go:build linux

package payloadsrc

import "golang.org/x/sys/unix"

// adviseSequential hints the kernel that buf (a memory mapping) will be
// accessed sequentially. Failure is non-fatal: it's a performance hint,
// not a correctness requirement.
func adviseSequential(buf []byte) {
	if len(buf) == 0 {
		return
	}
	_ = unix.Madvise(buf, unix.MADV_SEQUENTIAL)
}
