// Package sysinfo derives prefetch defaults from the host hardware
package sysinfo

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	// MaxCacheBytes caps the default frame cache budget
	MaxCacheBytes int64 = 4 << 30
	// FallbackCacheBytes is used when memory cannot be queried
	FallbackCacheBytes int64 = 1 << 30
)

// CPUThreads returns the number of hardware threads, the default worker
// count of the sequence prefetch pool
func CPUThreads() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// TotalMemory returns the physical memory size in bytes, or 0 if unknown
func TotalMemory() uint64 {
	vmem, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vmem.Total
}

// AvailableMemory returns the memory available for new allocations
func AvailableMemory() uint64 {
	vmem, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vmem.Available
}

// DefaultCacheBytes returns a quarter of physical memory, at most MaxCacheBytes
func DefaultCacheBytes() int64 {
	return cacheBudget(TotalMemory())
}

func cacheBudget(total uint64) int64 {
	if total == 0 {
		return FallbackCacheBytes
	}
	budget := int64(total / 4)
	if budget > MaxCacheBytes {
		return MaxCacheBytes
	}
	return budget
}
