package sysinfo

import "testing"

func TestCPUThreads(t *testing.T) {
	if n := CPUThreads(); n < 1 {
		t.Errorf("CPUThreads() = %d, want >= 1", n)
	}
}

func TestCacheBudget(t *testing.T) {
	tests := []struct {
		name  string
		total uint64
		want  int64
	}{
		{"unknown", 0, FallbackCacheBytes},
		{"small host", 8 << 30, 2 << 30},
		{"large host", 64 << 30, MaxCacheBytes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cacheBudget(tt.total); got != tt.want {
				t.Errorf("cacheBudget(%d) = %d, want %d", tt.total, got, tt.want)
			}
		})
	}
}

func TestDefaultCacheBytesPositive(t *testing.T) {
	if b := DefaultCacheBytes(); b <= 0 || b > MaxCacheBytes {
		t.Errorf("DefaultCacheBytes() = %d out of range", b)
	}
}
