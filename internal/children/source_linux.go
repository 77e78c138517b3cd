//go:build linux

package children

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// procSource reads /proc/<pid>/task/<tid>/children for every thread of pid.
// The children file only lists children forked by that thread, so all threads
// have to be visited.
type procSource struct {
	root string
}

// NativeSource returns the /proc based Source, or the portable one when the
// kernel was built without CONFIG_PROC_CHILDREN.
func NativeSource() Source {
	self := strconv.Itoa(os.Getpid())
	if _, err := os.Stat(filepath.Join("/proc", self, "task", self, "children")); err != nil {
		return PortableSource()
	}
	return procSource{root: "/proc"}
}

func (s procSource) Fill(pid int, buf []int) (int, error) {
	taskDir := filepath.Join(s.root, strconv.Itoa(pid), "task")
	tasks, err := os.ReadDir(taskDir)
	if err != nil {
		if gone(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		b, err := os.ReadFile(filepath.Join(taskDir, t.Name(), "children"))
		if err != nil {
			// thread exited between ReadDir and ReadFile
			if gone(err) {
				continue
			}
			return 0, err
		}
		for _, f := range strings.Fields(string(b)) {
			c, err := strconv.Atoi(f)
			if err != nil || c <= 0 {
				continue
			}
			if n == len(buf) {
				return n, nil
			}
			buf[n] = c
			n++
		}
	}
	return n, nil
}

func gone(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ESRCH)
}
