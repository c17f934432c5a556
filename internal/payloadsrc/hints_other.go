//go:build !linux

package payloadsrc

// adviseSequential is a no-op on platforms without madvise(2).
func adviseSequential(buf []byte) {}
