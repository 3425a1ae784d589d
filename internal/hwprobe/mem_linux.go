//go:build linux

package hwprobe

import "golang.org/x/sys/unix"

// AvailableMemory returns free plus buffer memory in bytes.
func AvailableMemory() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return fallbackMemory
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
}
