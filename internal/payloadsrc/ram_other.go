//go:build !linux

package payloadsrc

// availableRAM has no portable query on non-Linux platforms here; report a
// conservative 2 GiB so the size heuristic in Open prefers streaming to a
// temp file over risking an oversized in-memory buffer.
func availableRAM() (uint64, error) {
	return 2 << 30, nil
}
