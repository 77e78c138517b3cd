//go:build darwin

package children

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// sysctlSource scans kern.proc.all and keeps entries whose parent is pid.
type sysctlSource struct{}

// NativeSource returns the sysctl based Source.
func NativeSource() Source { return sysctlSource{} }

func (sysctlSource) Fill(pid int, buf []int) (int, error) {
	infos, err := unix.SysctlKinfoProcSlice("kern.proc.all")
	if err != nil {
		return 0, err
	}
	parentFound := false
	n := 0
	for i := range infos {
		p := int(infos[i].Proc.P_pid)
		if p == pid {
			parentFound = true
		}
		if int(infos[i].Eproc.Ppid) != pid || p <= 0 {
			continue
		}
		if n == len(buf) {
			return n, nil
		}
		buf[n] = p
		n++
	}
	if !parentFound && n == 0 {
		return 0, fmt.Errorf("pid %d: %w", pid, ErrNotFound)
	}
	return n, nil
}
