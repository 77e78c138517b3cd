//go:build unix

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/loykin/proctrack/internal/supervisor"
)

// Exit codes of the supervisor itself. The root's status is never forwarded.
const (
	exitOK       = 0
	exitInternal = 1
	exitUsage    = 2
	exitExec     = 127
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], streams{in: os.Stdin, out: os.Stdout, err: os.Stderr}))
}

type streams struct {
	in, out, err *os.File
}

// run executes the CLI and returns the process exit code.
func run(args []string, s streams) int {
	root := buildRoot(s)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	code := exitCode(err)
	if err != nil {
		_, _ = fmt.Fprintln(s.err, "proctrack:", err)
		if code == exitUsage {
			_, _ = fmt.Fprintln(s.err, root.UseLine())
		}
	}
	return code
}

// usageError marks errors caused by the invocation rather than the run.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ue usageError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ue), errors.Is(err, supervisor.ErrUsage):
		return exitUsage
	case errors.Is(err, supervisor.ErrExec):
		return exitExec
	}
	return exitInternal
}

// printReport writes one decimal pid per line and nothing else.
func printReport(f *os.File, rep *supervisor.Report) error {
	w := bufio.NewWriter(f)
	for _, pid := range rep.Seen {
		_, _ = w.WriteString(strconv.Itoa(pid))
		_ = w.WriteByte('\n')
	}
	return w.Flush()
}
