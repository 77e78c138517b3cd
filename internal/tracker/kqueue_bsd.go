//go:build darwin || freebsd

package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const keventBatch = 64

type kqueueSource struct {
	kq      int
	timeout time.Duration
	buf     []unix.Kevent_t
	log     *slog.Logger
}

// NewEventSource returns a kqueue Source subscribed to EVFILT_PROC
// fork, exec and exit notifications.
func NewEventSource(timeout time.Duration, log *slog.Logger) (Source, error) {
	if timeout <= 0 {
		timeout = DefaultEventTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	unix.CloseOnExec(kq)
	return &kqueueSource{kq: kq, timeout: timeout, buf: make([]unix.Kevent_t, keventBatch), log: log}, nil
}

func (s *kqueueSource) Name() string { return "event" }

func (s *kqueueSource) Watch(pid int) error {
	var ev unix.Kevent_t
	unix.SetKevent(&ev, pid, unix.EVFILT_PROC, unix.EV_ADD|unix.EV_CLEAR)
	ev.Fflags = unix.NOTE_FORK | unix.NOTE_EXEC | unix.NOTE_EXIT
	changes := []unix.Kevent_t{ev}
	for {
		_, err := unix.Kevent(s.kq, changes, nil, nil)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ESRCH):
			return ErrGone
		default:
			return fmt.Errorf("register pid %d: %w", pid, err)
		}
	}
}

func (s *kqueueSource) Wait(ctx context.Context) ([]Event, error) {
	ts := unix.NsecToTimespec(int64(s.timeout))
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := unix.Kevent(s.kq, nil, s.buf, &ts)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("kevent: %w", err)
		}
		evs := make([]Event, 0, n)
		for _, kev := range s.buf[:n] {
			pid := int(kev.Ident)
			if kev.Flags&unix.EV_ERROR != 0 {
				errno := syscall.Errno(kev.Data)
				if errno == unix.ESRCH {
					evs = append(evs, Event{PID: pid, Notes: NoteGone})
				} else {
					// the pid stays active; a later sweep settles it
					s.log.Warn("kevent error", "pid", pid, "error", errno)
				}
				continue
			}
			var notes Note
			if kev.Fflags&unix.NOTE_FORK != 0 {
				notes |= NoteFork
			}
			if kev.Fflags&unix.NOTE_EXEC != 0 {
				notes |= NoteExec
			}
			if kev.Fflags&unix.NOTE_EXIT != 0 {
				notes |= NoteExit
			}
			if notes != 0 {
				evs = append(evs, Event{PID: pid, Notes: notes})
			}
		}
		return evs, nil
	}
}

func (s *kqueueSource) Close() error {
	if s.kq < 0 {
		return nil
	}
	err := unix.Close(s.kq)
	s.kq = -1
	return err
}
