//go:build !linux && !darwin

package hwprobe

// AvailableMemory has no platform probe here.
func AvailableMemory() uint64 { return fallbackMemory }
