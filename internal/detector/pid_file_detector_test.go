//go:build unix

package detector

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

// startSleep starts a short-lived sleep process and returns *exec.Cmd already started
func startSleep(t *testing.T, dur string) *exec.Cmd {
	t.Helper()
	// #nosec G204
	cmd := exec.Command("/bin/sh", "-c", "sleep "+dur)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func writePIDFile(t *testing.T, lines ...string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "root.pid")
	if err := os.WriteFile(p, []byte(strings.Join(lines, "\n")), 0o600); err != nil {
		t.Fatalf("write pidfile: %v", err)
	}
	return p
}

func TestPIDFileDetector_WithMetaMatches(t *testing.T) {
	cmd := startSleep(t, "2")
	pid := cmd.Process.Pid
	// Allow the process to appear in proc table
	time.Sleep(20 * time.Millisecond)
	start := StartUnix(pid)
	if start == 0 {
		t.Skip("process start time unavailable on this platform")
	}
	mb, _ := json.Marshal(PIDMeta{StartUnix: start})
	pidfile := writePIDFile(t, strconv.Itoa(pid), "{}", string(mb))

	alive, err := PIDFileDetector{PIDFile: pidfile}.Alive()
	if err != nil {
		t.Fatalf("Alive error: %v", err)
	}
	if !alive {
		t.Fatalf("expected alive with matching meta, got false")
	}
}

func TestPIDFileDetector_WithMetaMismatch(t *testing.T) {
	cmd := startSleep(t, "2")
	pid := cmd.Process.Pid
	time.Sleep(20 * time.Millisecond)
	start := StartUnix(pid)
	if start == 0 {
		t.Skip("process start time unavailable on this platform")
	}
	// Intentionally wrong start time
	mb, _ := json.Marshal(PIDMeta{StartUnix: start + 12345})
	pidfile := writePIDFile(t, strconv.Itoa(pid), "{}", string(mb))

	alive, err := PIDFileDetector{PIDFile: pidfile}.Alive()
	if err != nil {
		t.Fatalf("Alive error: %v", err)
	}
	if alive {
		t.Fatalf("expected not alive with mismatched meta, got true")
	}
}

func TestPIDFileDetector_ShortFormats(t *testing.T) {
	cmd := startSleep(t, "1")
	pid := cmd.Process.Pid

	alive, err := PIDFileDetector{PIDFile: writePIDFile(t, strconv.Itoa(pid), "")}.Alive()
	if err != nil {
		t.Fatalf("alive1 err: %v", err)
	}
	if !alive {
		t.Fatalf("expected alive for single-line pidfile")
	}

	// second line is command JSON, ignored by the detector
	spec := `{"command":["sleep","1"]}`
	alive2, err := PIDFileDetector{PIDFile: writePIDFile(t, strconv.Itoa(pid), spec, "")}.Alive()
	if err != nil {
		t.Fatalf("alive2 err: %v", err)
	}
	if !alive2 {
		t.Fatalf("expected alive for two-line pidfile")
	}
}

func TestPIDFileDetector_MissingAndInvalid(t *testing.T) {
	alive, err := PIDFileDetector{PIDFile: filepath.Join(t.TempDir(), "nope.pid")}.Alive()
	if err != nil || alive {
		t.Fatalf("missing pidfile: alive=%v err=%v", alive, err)
	}
	if _, err := (PIDFileDetector{PIDFile: writePIDFile(t, "abc")}).Alive(); err == nil {
		t.Fatalf("expected error for non-numeric pid")
	}
	if _, err := (PIDFileDetector{PIDFile: writePIDFile(t, "-4")}).Alive(); err == nil {
		t.Fatalf("expected error for negative pid")
	}
}

func TestParsePIDFile(t *testing.T) {
	pf, err := ParsePIDFile([]byte("42\r\n{\"command\":[\"true\"]}\r\n{\"start_unix\":1700000000}\r\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pf.PID != 42 {
		t.Fatalf("pid = %d", pf.PID)
	}
	if string(pf.Spec) != `{"command":["true"]}` {
		t.Fatalf("spec = %s", pf.Spec)
	}
	if pf.Meta.StartUnix != 1700000000 {
		t.Fatalf("meta = %+v", pf.Meta)
	}

	// meta directly on the second line
	pf, err = ParsePIDFile([]byte("7\n{\"start_unix\":5}"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pf.Meta.StartUnix != 5 {
		t.Fatalf("meta on line 2 not parsed: %+v", pf.Meta)
	}
}

func FuzzPIDFileDetector_Alive(f *testing.F) {
	f.Add("123\n", true)
	f.Add("not-a-number\n", false)
	f.Add("\n\n{}\n{\"start_unix\":1}\n", false)
	f.Fuzz(func(t *testing.T, content string, addNL bool) {
		pf := filepath.Join(t.TempDir(), "fuzz.pid")
		if addNL {
			content += "\n"
		}
		_ = os.WriteFile(pf, []byte(content), 0o600)
		_, _ = (PIDFileDetector{PIDFile: pf}).Alive() // Should never panic
	})
}
