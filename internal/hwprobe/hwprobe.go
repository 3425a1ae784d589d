// Package hwprobe reports host capabilities used to default thread counts and
// to fill status reports. Nothing here affects generation semantics.
package hwprobe

import (
	"fmt"
	"os"
	"runtime"

	"localllm/internal/common/fsutil"
)

// Accelerator names reported to clients.
const (
	AcceleratorCPU     = "CPU"
	AcceleratorCUDA    = "CUDA"
	AcceleratorMetal   = "Metal"
	AcceleratorVulkan  = "Vulkan"
	AcceleratorUnknown = "Unknown"
)

// fallbackMemory is assumed when the platform gives no answer.
const fallbackMemory uint64 = 8 << 30

// Report is a point-in-time view of the host.
type Report struct {
	ProcessorCount     int    `json:"processor_count"`
	RecommendedThreads int    `json:"recommended_threads"`
	AvailableMemory    uint64 `json:"available_memory_bytes"`
	Accelerator        string `json:"accelerator"`
	GPUAvailable       bool   `json:"gpu_available"`
}

// Probe collects a Report.
func Probe() Report {
	acc := DetectAccelerator()
	return Report{
		ProcessorCount:     ProcessorCount(),
		RecommendedThreads: RecommendedThreads(),
		AvailableMemory:    AvailableMemory(),
		Accelerator:        acc,
		GPUAvailable:       IsGPU(acc),
	}
}

// ProcessorCount returns the number of logical CPUs.
func ProcessorCount() int { return runtime.NumCPU() }

// RecommendedThreads assumes two logical CPUs per physical core and caps the
// result at 8, past which decode throughput stops improving.
func RecommendedThreads() int {
	physical := ProcessorCount() / 2
	if physical < 1 {
		physical = 1
	}
	if physical > 8 {
		physical = 8
	}
	return physical
}

// EstimateMemoryUsage approximates the resident size of a model file: weights
// plus roughly 20% for the context.
func EstimateMemoryUsage(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return -1, err
	}
	if fi.IsDir() {
		return -1, fmt.Errorf("%s is a directory", path)
	}
	return int64(float64(fi.Size()) * 1.2), nil
}

// DetectAccelerator guesses the GPU runtime from device nodes and platform.
func DetectAccelerator() string {
	switch runtime.GOOS {
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return AcceleratorMetal
		}
		return AcceleratorCPU
	case "linux":
		if fsutil.PathExists("/dev/nvidiactl") || fsutil.PathExists("/dev/nvidia0") {
			return AcceleratorCUDA
		}
		if fsutil.PathExists("/dev/dri/renderD128") {
			return AcceleratorVulkan
		}
		return AcceleratorCPU
	default:
		return AcceleratorCPU
	}
}

// IsGPU reports whether an accelerator name denotes GPU offload.
func IsGPU(name string) bool {
	return name != AcceleratorCPU && name != AcceleratorUnknown && name != ""
}
