// Package tracker follows every descendant of a root process until the root
// and all of its descendants have terminated.
//
// The Tree keeps two pid sets. seen only grows and records every pid ever
// discovered. active holds the pids believed alive and shrinks only on a
// positive exit signal: an event, a failed probe or a failed registration.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loykin/proctrack/internal/children"
	"github.com/loykin/proctrack/internal/detector"
	"github.com/loykin/proctrack/internal/metrics"
	"github.com/loykin/proctrack/internal/pidset"
)

// Lister enumerates the direct children of a pid. A pid that no longer
// exists yields an empty list.
type Lister interface {
	List(pid int) ([]int, error)
}

// Root is the supervised command, the only process the tracker reaps.
type Root interface {
	PID() int
	// Reap collects the root's exit status. When block is false it returns
	// immediately and reports whether the root had already exited.
	Reap(block bool) (bool, error)
}

// Options configures a Tree. Source is required.
type Options struct {
	Source Source
	Lister Lister
	// Alive probes a pid during a sweep. Defaults to detector.Alive.
	Alive  func(pid int) bool
	Logger *slog.Logger
	// OnSeen is called once for every pid added to the seen set.
	OnSeen func(pid, parent int)
}

// Snapshot is an immutable view of a running Tree.
type Snapshot struct {
	RootPID    int       `json:"root_pid"`
	Strategy   string    `json:"strategy"`
	RootExited bool      `json:"root_exited"`
	Done       bool      `json:"done"`
	Seen       []int     `json:"seen"`
	Active     []int     `json:"active"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Tree struct {
	src    Source
	lister Lister
	alive  func(int) bool
	log    *slog.Logger
	onSeen func(pid, parent int)

	seen   *pidset.Set
	active *pidset.Set
	stack  []int

	root       int
	rootExited bool
	rootReaped bool

	snap atomic.Pointer[Snapshot]
}

func New(opts Options) (*Tree, error) {
	if opts.Source == nil {
		return nil, errors.New("tracker: source is required")
	}
	t := &Tree{
		src:    opts.Source,
		lister: opts.Lister,
		alive:  opts.Alive,
		log:    opts.Logger,
		onSeen: opts.OnSeen,
		seen:   pidset.New(0),
		active: pidset.New(0),
	}
	if t.lister == nil {
		t.lister = children.New(children.NativeSource())
	}
	if t.alive == nil {
		t.alive = detector.Alive
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	t.snap.Store(&Snapshot{Strategy: t.src.Name()})
	return t, nil
}

// Run tracks root and its descendants. It returns once the root has been
// reaped and no descendant is believed alive, or on the first fatal error.
// After an error, including cancellation of ctx, the root may still be
// running and unreaped; stopping and reaping it is up to the caller.
// Run must be called at most once.
func (t *Tree) Run(ctx context.Context, root Root) error {
	t.root = root.PID()
	t.log.Debug("tracking started", "root", t.root, "strategy", t.src.Name())

	if _, err := t.discover(t.root, 0); err != nil {
		return err
	}
	if err := t.ensureChildren(t.root); err != nil {
		return err
	}
	t.publish(false)

	for {
		if !t.rootReaped && t.active.Len() == 0 {
			// nothing left to watch: the root is dead and only needs collecting
			if _, err := root.Reap(true); err != nil {
				return fmt.Errorf("wait for root %d: %w", t.root, err)
			}
			t.rootReaped = true
			t.deactivate(t.root)
		}
		if t.rootReaped && t.active.Len() == 0 {
			break
		}

		evs, err := t.src.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for events: %w", err)
		}
		if len(evs) == 0 {
			if err := t.sweep(); err != nil {
				return err
			}
		}
		for _, ev := range evs {
			if err := t.handle(ev); err != nil {
				return err
			}
		}

		if !t.rootReaped {
			reaped, err := root.Reap(false)
			if err != nil {
				return fmt.Errorf("reap root %d: %w", t.root, err)
			}
			if reaped {
				t.rootReaped = true
				t.deactivate(t.root)
			}
		}
		metrics.SetActive(t.active.Len())
		t.publish(false)
	}

	metrics.SetActive(0)
	t.publish(true)
	t.log.Debug("tracking finished", "root", t.root, "seen", t.seen.Len())
	return nil
}

// Seen returns every pid discovered, in discovery order, root first.
func (t *Tree) Seen() []int { return t.seen.Slice() }

// Snapshot returns the most recently published state. Safe for concurrent use.
func (t *Tree) Snapshot() Snapshot { return *t.snap.Load() }

func (t *Tree) handle(ev Event) error {
	t.log.Debug("event", "pid", ev.PID, "notes", ev.Notes.String())
	if ev.Notes&NoteFork != 0 {
		metrics.IncEvent("fork")
		// a fork and an exit may arrive together; enumerate first
		switch {
		case ev.Child > 0:
			watched, err := t.discover(ev.Child, ev.PID)
			if err != nil {
				return err
			}
			if watched {
				t.log.Debug("pid discovered", "pid", ev.Child, "parent", ev.PID)
				if err := t.ensureChildren(ev.Child); err != nil {
					return err
				}
			}
		case t.active.Contains(ev.PID):
			if err := t.ensureChildren(ev.PID); err != nil {
				return err
			}
		}
	}
	if ev.Notes&NoteExec != 0 {
		metrics.IncEvent("exec")
	}
	if ev.Notes&NoteExit != 0 {
		metrics.IncEvent("exit")
		t.deactivate(ev.PID)
	}
	if ev.Notes&NoteGone != 0 {
		metrics.IncEvent("gone")
		t.deactivate(ev.PID)
	}
	return nil
}

// sweep probes every active pid after a quiet period so a lost exit or fork
// notification cannot stall the run.
func (t *Tree) sweep() error {
	metrics.IncSweep()
	for _, pid := range t.active.Slice() {
		if !t.alive(pid) {
			t.deactivate(pid)
			continue
		}
		if err := t.ensureChildren(pid); err != nil {
			return err
		}
	}
	return nil
}

// discover adds pid to seen and active and registers a watch. It reports
// whether the pid is newly watched; a pid that is already active or already
// gone is not. A seen but inactive pid was reused by a new process and is
// watched again.
func (t *Tree) discover(pid, parent int) (bool, error) {
	if t.seen.Add(pid) {
		metrics.IncPidSeen()
		if t.onSeen != nil {
			t.onSeen(pid, parent)
		}
	} else if t.active.Contains(pid) {
		return false, nil
	}
	t.active.Add(pid)
	err := t.src.Watch(pid)
	switch {
	case err == nil:
		metrics.IncWatch("ok")
		return true, nil
	case errors.Is(err, ErrGone):
		metrics.IncWatch("gone")
		t.deactivate(pid)
		return false, nil
	default:
		metrics.IncWatch("error")
		return false, fmt.Errorf("watch pid %d: %w", pid, err)
	}
}

// ensureChildren discovers the whole subtree below pid. Every newly watched
// child is enumerated in turn, so a grandchild forked before its parent was
// registered is still found.
func (t *Tree) ensureChildren(pid int) error {
	stack := append(t.stack[:0], pid)
	defer func() { t.stack = stack[:0] }()
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		kids, err := t.lister.List(p)
		if err != nil {
			return err
		}
		for _, c := range kids {
			watched, err := t.discover(c, p)
			if err != nil {
				return err
			}
			if watched {
				t.log.Debug("pid discovered", "pid", c, "parent", p)
				stack = append(stack, c)
			}
		}
	}
	return nil
}

// deactivate removes pid from active. Calling it twice is a no-op.
func (t *Tree) deactivate(pid int) {
	if pid == t.root {
		t.rootExited = true
	}
	if t.active.Remove(pid) {
		t.log.Debug("pid exited", "pid", pid)
	}
}

func (t *Tree) publish(done bool) {
	t.snap.Store(&Snapshot{
		RootPID:    t.root,
		Strategy:   t.src.Name(),
		RootExited: t.rootExited,
		Done:       done,
		Seen:       t.seen.Slice(),
		Active:     t.active.Slice(),
		UpdatedAt:  time.Now(),
	})
}
