//go:build unix

// Package process starts the root command of a supervised run and reaps it.
//
// The command is started with os/exec but never waited on through exec.Cmd:
// the exit status is collected with wait4 so the caller can poll for it
// without blocking and without a goroutine per process.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrNotStarted is returned when an operation needs a started process.
	ErrNotStarted = errors.New("process not started")
	// ErrPIDFile is returned by Start when the command runs but its pidfile
	// could not be written.
	ErrPIDFile = errors.New("pidfile not written")
)

type Process struct {
	spec   Spec
	mu     sync.Mutex
	cmd    *exec.Cmd
	status Status
	reaped bool
	ws     unix.WaitStatus
}

func New(spec Spec) *Process { return &Process{spec: spec} }

// ConfigureCmd builds and configures *exec.Cmd for this process using mergedEnv.
// It sets workdir, environment, stdio and process group attributes.
func (r *Process) ConfigureCmd(mergedEnv []string) *exec.Cmd {
	spec := r.spec
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	// nil inherits the supervisor's environment; an empty slice is a clean one
	if mergedEnv != nil {
		cmd.Env = mergedEnv
	}
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	if spec.ProcessGroup {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
	return cmd
}

// Start launches the command. An error wrapping ErrPIDFile means the command
// is running; any other error means it never ran.
func (r *Process) Start(mergedEnv []string) error {
	cmd := r.ConfigureCmd(mergedEnv)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", r.spec.DisplayName(), err)
	}
	r.mu.Lock()
	r.cmd = cmd
	r.status = Status{
		Name:      r.spec.DisplayName(),
		Running:   true,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
	}
	r.mu.Unlock()
	// Write PID file synchronously to ensure availability immediately after Start returns.
	if err := r.WritePIDFile(); err != nil {
		return fmt.Errorf("%w: %w", ErrPIDFile, err)
	}
	return nil
}

// PID returns the pid of the started process, or 0.
func (r *Process) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.PID
}

// Reap collects the exit status. With block false it uses WNOHANG and
// reports whether the process had exited. Reaping twice is a no-op.
//
// The status is collected with mu held, so Signal never targets a pid or
// process group that was already released.
func (r *Process) Reap(block bool) (bool, error) {
	for {
		done, pid, err := r.tryReap()
		if done || err != nil || !block {
			return done, err
		}
		if err := waitExited(pid); err != nil {
			return false, fmt.Errorf("wait for %d: %w", pid, err)
		}
	}
}

func (r *Process) tryReap() (bool, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pid := r.status.PID
	if r.reaped {
		return true, pid, nil
	}
	if pid == 0 {
		return false, 0, ErrNotStarted
	}
	for {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			// collected elsewhere; the status is lost
			r.markReaped(unix.WaitStatus(0), false)
			return true, pid, nil
		case err != nil:
			return false, pid, fmt.Errorf("wait4 %d: %w", pid, err)
		case wpid == 0:
			return false, pid, nil
		}
		r.markReaped(ws, true)
		return true, pid, nil
	}
}

// markReaped records the exit status. r.mu must be held.
func (r *Process) markReaped(ws unix.WaitStatus, known bool) {
	r.reaped = true
	r.ws = ws
	r.status.Running = false
	r.status.StoppedAt = time.Now()
	switch {
	case !known:
		r.status.ExitCode = -1
	case ws.Signaled():
		r.status.ExitCode = -1
		r.status.Signal = ws.Signal().String()
	default:
		r.status.ExitCode = ws.ExitStatus()
	}
}

// Signal delivers sig to the process, or to its group when ProcessGroup is set.
// Signalling a reaped process is a no-op.
func (r *Process) Signal(sig os.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return ErrNotStarted
	}
	if r.reaped {
		return nil
	}
	if r.spec.ProcessGroup {
		s, ok := sig.(syscall.Signal)
		if !ok {
			return fmt.Errorf("unsupported signal %v", sig)
		}
		return unix.Kill(-r.status.PID, s)
	}
	err := r.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}
