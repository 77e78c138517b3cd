package tracker

import (
	"context"
	"time"

	"github.com/loykin/proctrack/internal/detector"
	"github.com/loykin/proctrack/internal/metrics"
	"github.com/loykin/proctrack/internal/pidset"
)

// Polling defaults. The first cycles run fast to catch short-lived children
// of a freshly started command, later cycles relax to bound CPU usage.
const (
	DefaultWarmupIterations = 200
	DefaultWarmupInterval   = 100 * time.Microsecond
	DefaultPollInterval     = 5 * time.Millisecond
)

// PollConfig tunes the polling source. Zero values take the defaults.
type PollConfig struct {
	WarmupIterations int
	WarmupInterval   time.Duration
	Interval         time.Duration
	// Alive probes a pid. Defaults to detector.Alive.
	Alive func(pid int) bool
	// Identity distinguishes two processes that held the same pid.
	// Defaults to detector.Identity. Zero means unknown.
	Identity func(pid int) int64
}

func (c PollConfig) withDefaults() PollConfig {
	if c.WarmupIterations < 0 {
		c.WarmupIterations = 0
	} else if c.WarmupIterations == 0 {
		c.WarmupIterations = DefaultWarmupIterations
	}
	if c.WarmupInterval <= 0 {
		c.WarmupInterval = DefaultWarmupInterval
	}
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.Alive == nil {
		c.Alive = detector.Alive
	}
	if c.Identity == nil {
		c.Identity = detector.Identity
	}
	return c
}

// pollSource emulates notifications by probing every watched pid once per
// cycle. A pid that is still alive is reported with NoteFork so the Tree
// enumerates its children again; a pid that died is reported with NoteExit.
//
// A process whose whole lifetime falls between two cycles and that never
// shows up in a parent's child listing cannot be observed.
type pollSource struct {
	cfg    PollConfig
	toPoll *pidset.Set
	next   *pidset.Set
	ident  map[int]int64
	cycles int
}

// NewPollSource returns the portable polling Source.
func NewPollSource(cfg PollConfig) Source {
	return &pollSource{
		cfg:    cfg.withDefaults(),
		toPoll: pidset.New(0),
		next:   pidset.New(0),
		ident:  make(map[int]int64),
	}
}

func (p *pollSource) Name() string { return "poll" }

func (p *pollSource) Watch(pid int) error {
	if !p.cfg.Alive(pid) {
		return ErrGone
	}
	if p.toPoll.Add(pid) {
		p.ident[pid] = p.cfg.Identity(pid)
	}
	return nil
}

// interval returns the sleep before the next cycle.
func (p *pollSource) interval() time.Duration {
	if p.cycles < p.cfg.WarmupIterations {
		return p.cfg.WarmupInterval
	}
	return p.cfg.Interval
}

func (p *pollSource) Wait(ctx context.Context) ([]Event, error) {
	timer := time.NewTimer(p.interval())
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil, ctx.Err()
	case <-timer.C:
	}
	p.cycles++
	metrics.IncPollCycle()

	evs := make([]Event, 0, p.toPoll.Len())
	p.next.Clear()
	p.toPoll.Each(func(pid int) {
		if p.probe(pid) {
			p.next.Add(pid)
			evs = append(evs, Event{PID: pid, Notes: NoteFork})
			return
		}
		delete(p.ident, pid)
		evs = append(evs, Event{PID: pid, Notes: NoteExit})
	})
	p.toPoll.Swap(p.next)
	return evs, nil
}

// probe reports whether pid is alive and still the process first watched.
func (p *pollSource) probe(pid int) bool {
	if !p.cfg.Alive(pid) {
		return false
	}
	want := p.ident[pid]
	if want == 0 {
		return true
	}
	cur := p.cfg.Identity(pid)
	return cur == 0 || cur == want
}

func (p *pollSource) Close() error { return nil }
