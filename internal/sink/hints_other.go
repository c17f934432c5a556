//go:build !linux

package sink

// adviseSequentialWrite is a no-op on platforms without madvise(2).
func adviseSequentialWrite(buf []byte) {}
