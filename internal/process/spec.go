package process

import (
	"errors"
	"io"
	"os/exec"
	"strings"
)

// ErrNoCommand is returned by Validate when the spec names nothing to run.
var ErrNoCommand = errors.New("process requires command")

// Spec describes the root command of a supervised run.
type Spec struct {
	Name    string   `json:"name"`
	Args    []string `json:"args,omitempty"`    // argv executed directly; takes precedence over Command
	Command string   `json:"command,omitempty"` // command line, run through /bin/sh when it needs a shell
	WorkDir string   `json:"work_dir,omitempty"`
	Env     []string `json:"env,omitempty"`      // optional extra env
	PIDFile string   `json:"pid_file,omitempty"` // optional pidfile path
	// ProcessGroup starts the command in its own process group and signals the group.
	ProcessGroup bool `json:"process_group,omitempty"`

	// Stdio is handed to the child as is. Use *os.File values: other types are
	// copied by goroutines that only exec.Cmd.Wait joins, and Wait is never called.
	Stdin  io.Reader `json:"-"`
	Stdout io.Writer `json:"-"`
	Stderr io.Writer `json:"-"`
}

// Validate checks that the spec has something to execute.
func (s Spec) Validate() error {
	if len(s.Args) == 0 && strings.TrimSpace(s.Command) == "" {
		return ErrNoCommand
	}
	if len(s.Args) > 0 && s.Args[0] == "" {
		return ErrNoCommand
	}
	return nil
}

// DisplayName is Name, or the program being run when Name is empty.
func (s Spec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if len(s.Args) > 0 {
		return s.Args[0]
	}
	if f := strings.Fields(s.Command); len(f) > 0 {
		return f[0]
	}
	return ""
}

// BuildCommand constructs an *exec.Cmd for the spec.
// Args are executed as given. A Command string avoids invoking a shell when
// not necessary, and respects an explicit shell invocation already present in
// the command (e.g., "sh -c 'echo hi'") without double-wrapping it.
func (s Spec) BuildCommand() *exec.Cmd {
	if len(s.Args) > 0 {
		// #nosec G204
		return exec.Command(s.Args[0], s.Args[1:]...)
	}
	cmdStr := strings.TrimSpace(s.Command)
	// If the command already explicitly uses a shell, honor it without adding another layer.
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// Always use absolute shell path to avoid PATH dependency when Env is overridden.
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	// Fallback: when metacharacters are present, use /bin/sh -c
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// strip one pair of outer quotes so the shell parses the script itself
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
