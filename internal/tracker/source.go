package tracker

import (
	"context"
	"errors"
	"strings"
	"time"
)

// DefaultEventTimeout bounds a single wait for notifications so cancellation
// and the liveness sweep get a chance to run.
const DefaultEventTimeout = 50 * time.Millisecond

var (
	// ErrGone is returned by Source.Watch when the pid has already exited.
	ErrGone = errors.New("process already exited")
	// ErrUnsupported is returned when the event source is not available on this platform.
	ErrUnsupported = errors.New("event source not supported on this platform")
)

// Note is a set of notifications delivered for one pid.
type Note uint8

const (
	// NoteFork means the pid may have new children to discover.
	NoteFork Note = 1 << iota
	// NoteExec means the pid replaced its program image.
	NoteExec
	// NoteExit means the pid terminated.
	NoteExit
	// NoteGone means the pid no longer exists; the watch was dropped by the kernel.
	NoteGone
)

func (n Note) String() string {
	if n == 0 {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		bit  Note
		name string
	}{{NoteFork, "fork"}, {NoteExec, "exec"}, {NoteExit, "exit"}, {NoteGone, "gone"}} {
		if n&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// Event is a notification about a single watched pid.
type Event struct {
	PID   int
	Notes Note
	// Child is the new pid of a fork when the source knows it. Such a child
	// is already watched by the source, even if it has exited since.
	Child int
}

// Source delivers fork, exec and exit notifications for watched pids.
// A Source is driven by a single goroutine and is not safe for concurrent use.
type Source interface {
	// Watch subscribes to notifications for pid. It returns ErrGone if the
	// process has already exited; the caller must treat that as an exit.
	Watch(pid int) error
	// Wait blocks until a batch of events is available or the source's own
	// timeout elapses, in which case it returns an empty batch.
	Wait(ctx context.Context) ([]Event, error)
	// Name identifies the strategy ("event" or "poll").
	Name() string
	Close() error
}
