//go:build linux

package detector

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"

	"github.com/tklauser/go-sysconf"
)

// isZombie returns true if /proc/<pid>/status reports a zombie state (Z).
func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// Identity returns a value that differs between two processes that held the
// same pid at different times: the start time in clock ticks since boot.
// Returns 0 when unavailable.
func Identity(pid int) int64 {
	return startTicks(pid)
}

// StartUnix returns the process start time as Unix seconds, or 0 when unavailable.
func StartUnix(pid int) int64 {
	ticks := startTicks(pid)
	if ticks <= 0 {
		return 0
	}
	btime := bootTime()
	if btime == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return btime + ticks/clk
}

// startTicks reads starttime (field 22 of /proc/<pid>/stat).
func startTicks(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	line := string(b)
	// comm may contain spaces and parentheses; the last ") " ends it
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return 0
	}
	parts := strings.Fields(line[end+2:])
	// parts[0] is state (field 3 overall), starttime is field 22 => index 19
	if len(parts) < 20 {
		return 0
	}
	ticks, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil || ticks <= 0 {
		return 0
	}
	return ticks
}

func bootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		text := s.Text()
		if v, ok := strings.CutPrefix(text, "btime "); ok {
			if bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return bt
			}
			return 0
		}
	}
	return 0
}
