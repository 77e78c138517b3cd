//go:build unix

package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/proctrack/internal/detector"
)

// WritePIDFile writes the pid, the spec and a start-time meta line to
// spec.PIDFile. It is a no-op when no pidfile is configured.
func (r *Process) WritePIDFile() error {
	r.mu.Lock()
	pidFile := r.spec.PIDFile
	pid := r.status.PID
	r.mu.Unlock()

	if pidFile == "" || pid == 0 {
		return nil
	}
	specJSON, err := json.Marshal(r.spec)
	if err != nil {
		return fmt.Errorf("encode pidfile spec: %w", err)
	}
	metaJSON, err := json.Marshal(detector.PIDMeta{StartUnix: detector.StartUnix(pid)})
	if err != nil {
		return fmt.Errorf("encode pidfile meta: %w", err)
	}
	content := strings.Join([]string{strconv.Itoa(pid), string(specJSON), string(metaJSON)}, "\n") + "\n"
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o750); err != nil {
		return fmt.Errorf("pidfile dir: %w", err)
	}
	if err := os.WriteFile(pidFile, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

// RemovePIDFile best-effort
func (r *Process) RemovePIDFile() {
	if r.spec.PIDFile == "" {
		return
	}
	_ = os.Remove(r.spec.PIDFile)
}

// ReadPIDFile reads a PID file written by Process.WritePIDFile.
// It returns the PID and, if present, the Spec and start-time meta that follow.
// For files that contain only the PID, spec will be nil.
func ReadPIDFile(path string) (int, *Spec, detector.PIDMeta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, detector.PIDMeta{}, err
	}
	pf, err := detector.ParsePIDFile(b)
	if err != nil {
		return 0, nil, detector.PIDMeta{}, err
	}
	if len(pf.Spec) == 0 {
		return pf.PID, nil, pf.Meta, nil
	}
	var spec Spec
	if err := json.Unmarshal(pf.Spec, &spec); err != nil {
		// Return PID even if spec cannot be parsed
		return pf.PID, nil, pf.Meta, nil
	}
	return pf.PID, &spec, pf.Meta, nil
}
