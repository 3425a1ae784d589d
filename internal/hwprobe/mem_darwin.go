//go:build darwin

package hwprobe

import "golang.org/x/sys/unix"

// AvailableMemory returns physical memory in bytes; darwin exposes no cheap
// free-memory counter through sysctl.
func AvailableMemory() uint64 {
	n, err := unix.SysctlUint64("hw.memsize")
	if err != nil || n == 0 {
		return fallbackMemory
	}
	return n
}
