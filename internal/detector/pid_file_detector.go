//go:build unix

package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PIDFileDetector detects a process via a PID file.
type PIDFileDetector struct {
	PIDFile string
}

// PIDMeta is the optional third line of a pidfile. StartUnix guards against a
// recycled pid: a live process whose start time differs is not ours.
type PIDMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// PIDFile is the parsed content of a pidfile.
// Line 1 is the pid, line 2 an optional command JSON, line 3 an optional PIDMeta JSON.
type PIDFile struct {
	PID  int
	Spec json.RawMessage
	Meta PIDMeta
}

// ParsePIDFile decodes pidfile content. Only the first line is mandatory.
func ParsePIDFile(data []byte) (PIDFile, error) {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return PIDFile{}, fmt.Errorf("invalid pid: %w", err)
	}
	if pid <= 0 {
		return PIDFile{}, fmt.Errorf("invalid pid: %d", pid)
	}
	pf := PIDFile{PID: pid}
	if len(lines) >= 2 {
		if s := strings.TrimSpace(lines[1]); json.Valid([]byte(s)) {
			pf.Spec = json.RawMessage(s)
		}
	}
	// meta is normally on line 3; accept it on line 2 for two-line files
	for _, i := range []int{2, 1} {
		if len(lines) <= i {
			continue
		}
		var m PIDMeta
		if err := json.Unmarshal([]byte(strings.TrimSpace(lines[i])), &m); err == nil && m.StartUnix > 0 {
			pf.Meta = m
			break
		}
	}
	return pf, nil
}

func (d PIDFileDetector) Alive() (bool, error) {
	data, err := os.ReadFile(d.PIDFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	pf, err := ParsePIDFile(data)
	if err != nil {
		return false, fmt.Errorf("%s: %w", d.PIDFile, err)
	}
	if pf.Meta.StartUnix > 0 {
		if cur := StartUnix(pf.PID); cur > 0 && cur != pf.Meta.StartUnix {
			return false, nil // pid reused; not our process
		}
	}
	return Alive(pf.PID), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }
