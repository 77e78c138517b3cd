//go:build linux

package tracker

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/loykin/proctrack/internal/detector"
)

// Process connector protocol, linux/connector.h and linux/cn_proc.h.
const (
	cnIdxProc = 0x1
	cnValProc = 0x1

	procCnMcastListen = 1
	procCnMcastIgnore = 2

	procEventNone = 0x00000000
	procEventFork = 0x00000001
	procEventExec = 0x00000002
	procEventExit = 0x80000000

	cnMsgLen     = 20 // cb_id(8) seq(4) ack(4) len(2) flags(2)
	procEventHdr = 16 // what(4) cpu(4) timestamp_ns(8)
)

const (
	connRecvBuf    = 1 << 16
	connSocketBuf  = 4 << 20
	connAckTimeout = time.Second
	connMaxReads   = 64
)

type connectorSource struct {
	fd      int
	timeout time.Duration
	buf     []byte
	watched map[int]bool
	alive   func(int) bool
	log     *slog.Logger
}

// NewEventSource returns a Source fed by the kernel process connector. The
// connector reports every fork, so a child that exits before anyone lists it
// is still seen, provided the source exists before the root is started.
//
// Listening needs CAP_NET_ADMIN in the initial namespaces. Without it, or
// inside a pid namespace, ErrUnsupported is returned.
func NewEventSource(timeout time.Duration, log *slog.Logger) (Source, error) {
	if timeout <= 0 {
		timeout = DefaultEventTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	if nested, err := inPIDNamespace(); err == nil && nested {
		return nil, fmt.Errorf("%w: pids are namespaced", ErrUnsupported)
	}
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_CONNECTOR)
	if err != nil {
		return nil, connectorErr("socket", err)
	}
	s := &connectorSource{
		fd:      fd,
		timeout: timeout,
		buf:     make([]byte, connRecvBuf),
		watched: make(map[int]bool),
		alive:   detector.Alive,
		log:     log,
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: cnIdxProc}); err != nil {
		_ = unix.Close(fd)
		return nil, connectorErr("bind", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, connSocketBuf); err != nil {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, connSocketBuf)
	}
	if err := s.subscribe(); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return s, nil
}

func connectorErr(op string, err error) error {
	switch {
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES),
		errors.Is(err, unix.EPROTONOSUPPORT), errors.Is(err, unix.EAFNOSUPPORT),
		errors.Is(err, unix.EINVAL):
		return fmt.Errorf("%w: process connector %s: %v", ErrUnsupported, op, err)
	}
	return fmt.Errorf("process connector %s: %w", op, err)
}

// inPIDNamespace reports whether this process lives in a nested pid
// namespace, where connector pids would not match ours.
func inPIDNamespace() (bool, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if rest, ok := strings.CutPrefix(sc.Text(), "NSpid:"); ok {
			return len(strings.Fields(rest)) > 1, nil
		}
	}
	return false, sc.Err()
}

// subscribe sends PROC_CN_MCAST_LISTEN and waits for the kernel's ack,
// which carries the permission check result.
func (s *connectorSource) subscribe() error {
	seq := uint32(os.Getpid())<<8 | uint32(time.Now().UnixNano()&0xff)
	if err := s.control(procCnMcastListen, seq); err != nil {
		return connectorErr("listen", err)
	}
	deadline := time.Now().Add(connAckTimeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return fmt.Errorf("%w: process connector: no ack", ErrUnsupported)
		}
		ready, err := s.ready(left)
		if err != nil {
			return connectorErr("poll", err)
		}
		if !ready {
			continue
		}
		n, _, err := unix.Recvfrom(s.fd, s.buf, unix.MSG_DONTWAIT)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.ENOBUFS) {
			continue
		}
		if err != nil {
			return connectorErr("recv", err)
		}
		if errno, ok := findAck(s.buf[:n], seq); ok {
			if errno != 0 {
				return connectorErr("listen", unix.Errno(errno))
			}
			return nil
		}
	}
}

func (s *connectorSource) control(op, seq uint32) error {
	msg := make([]byte, unix.SizeofNlMsghdr+cnMsgLen+4)
	ne := binary.NativeEndian
	ne.PutUint32(msg[0:], uint32(len(msg)))
	ne.PutUint16(msg[4:], unix.NLMSG_DONE)
	ne.PutUint32(msg[12:], uint32(os.Getpid()))
	cn := msg[unix.SizeofNlMsghdr:]
	ne.PutUint32(cn[0:], cnIdxProc)
	ne.PutUint32(cn[4:], cnValProc)
	ne.PutUint32(cn[8:], seq)
	ne.PutUint16(cn[16:], 4)
	ne.PutUint32(cn[cnMsgLen:], op)
	return unix.Sendto(s.fd, msg, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
}

func (s *connectorSource) ready(d time.Duration) (bool, error) {
	ms := int(d / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, ms)
	if errors.Is(err, unix.EINTR) {
		return false, nil
	}
	return n > 0, err
}

func (s *connectorSource) Name() string { return "event" }

// Watch starts reporting pid. A pid the source already follows through a
// fork is accepted even when it has exited; its exit is still queued.
func (s *connectorSource) Watch(pid int) error {
	if s.watched[pid] {
		return nil
	}
	if !s.alive(pid) {
		return ErrGone
	}
	s.watched[pid] = true
	return nil
}

func (s *connectorSource) Wait(ctx context.Context) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ready, err := s.ready(s.timeout)
	if err != nil {
		return nil, fmt.Errorf("poll connector: %w", err)
	}
	if !ready {
		return nil, nil
	}
	var evs []Event
	for i := 0; i < connMaxReads; i++ {
		n, _, err := unix.Recvfrom(s.fd, s.buf, unix.MSG_DONTWAIT)
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			return evs, nil
		case errors.Is(err, unix.ENOBUFS):
			// notifications were dropped; the sweep settles exits
			s.log.Warn("process connector overflow")
			continue
		case err != nil:
			return nil, fmt.Errorf("read connector: %w", err)
		}
		evs = s.decode(s.buf[:n], evs)
	}
	return evs, nil
}

// decode appends the events of one datagram that concern watched pids.
// Children of watched pids become watched as their forks are decoded, so an
// exit later in the same stream is not lost.
func (s *connectorSource) decode(b []byte, evs []Event) []Event {
	ne := binary.NativeEndian
	for len(b) >= unix.SizeofNlMsghdr {
		l := int(ne.Uint32(b[0:]))
		if l < unix.SizeofNlMsghdr || l > len(b) {
			break
		}
		msg := b[unix.SizeofNlMsghdr:l]
		b = b[min(nlmAlign(l), len(b)):]
		if len(msg) < cnMsgLen+procEventHdr || ne.Uint32(msg[0:]) != cnIdxProc || ne.Uint32(msg[4:]) != cnValProc {
			continue
		}
		ev := msg[cnMsgLen:]
		data := ev[procEventHdr:]
		switch ne.Uint32(ev[0:]) {
		case procEventFork:
			if len(data) < 16 {
				continue
			}
			parent := int(ne.Uint32(data[4:]))
			child, childTgid := int(ne.Uint32(data[8:])), int(ne.Uint32(data[12:]))
			if child != childTgid || !s.watched[parent] {
				continue // a new thread, or not ours
			}
			s.watched[child] = true
			evs = append(evs, Event{PID: parent, Notes: NoteFork, Child: child})
		case procEventExec:
			if len(data) < 8 {
				continue
			}
			if tgid := int(ne.Uint32(data[4:])); s.watched[tgid] {
				evs = append(evs, Event{PID: tgid, Notes: NoteExec})
			}
		case procEventExit:
			if len(data) < 8 {
				continue
			}
			pid, tgid := int(ne.Uint32(data[0:])), int(ne.Uint32(data[4:]))
			if pid != tgid || !s.watched[pid] {
				continue
			}
			delete(s.watched, pid)
			evs = append(evs, Event{PID: pid, Notes: NoteExit})
		}
	}
	return evs
}

// findAck looks for the PROC_EVENT_NONE reply to our request seq.
func findAck(b []byte, seq uint32) (uint32, bool) {
	ne := binary.NativeEndian
	for len(b) >= unix.SizeofNlMsghdr {
		l := int(ne.Uint32(b[0:]))
		if l < unix.SizeofNlMsghdr || l > len(b) {
			break
		}
		msg := b[unix.SizeofNlMsghdr:l]
		b = b[min(nlmAlign(l), len(b)):]
		if len(msg) < cnMsgLen+procEventHdr+4 || ne.Uint32(msg[8:]) != seq {
			continue
		}
		ev := msg[cnMsgLen:]
		if ne.Uint32(ev[0:]) == procEventNone {
			return ne.Uint32(ev[procEventHdr:]), true
		}
	}
	return 0, false
}

func nlmAlign(n int) int { return (n + 3) &^ 3 }

func (s *connectorSource) Close() error {
	if s.fd < 0 {
		return nil
	}
	_ = s.control(procCnMcastIgnore, 0)
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}
