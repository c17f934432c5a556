//go:build linux

package payloadsrc

import "golang.org/x/sys/unix"

// availableRAM queries free physical RAM via sysinfo(2).
func availableRAM() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return uint64(info.Freeram) * unit, nil
}
