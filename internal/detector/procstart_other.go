//go:build unix && !linux

package detector

import (
	"context"
	"slices"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

func isZombie(pid int) bool {
	p, err := gopsproc.NewProcessWithContext(context.Background(), int32(pid))
	if err != nil {
		return false
	}
	st, err := p.StatusWithContext(context.Background())
	if err != nil {
		return false
	}
	return slices.Contains(st, gopsproc.Zombie)
}

// Identity returns the process creation time in milliseconds, which differs
// between two processes that held the same pid. Returns 0 when unavailable.
func Identity(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := gopsproc.NewProcessWithContext(context.Background(), int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTimeWithContext(context.Background())
	if err != nil || ms <= 0 {
		return 0
	}
	return ms
}

// StartUnix returns the process start time as Unix seconds, or 0 when unavailable.
func StartUnix(pid int) int64 {
	return Identity(pid) / 1000
}
