package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

// waitExited blocks until pid has exited without collecting it, so the pid
// stays reserved until tryReap runs.
func waitExited(pid int) error {
	for {
		var info unix.Siginfo
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return nil
		}
		return err
	}
}
