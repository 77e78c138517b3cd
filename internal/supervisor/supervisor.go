//go:build unix

// Package supervisor runs one command, follows every process it spawns and
// reports their pids once the whole tree has exited.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/proctrack/internal/config"
	"github.com/loykin/proctrack/internal/detector"
	"github.com/loykin/proctrack/internal/env"
	"github.com/loykin/proctrack/internal/metrics"
	"github.com/loykin/proctrack/internal/process"
	"github.com/loykin/proctrack/internal/tracker"
)

var (
	// ErrUsage means no command was given.
	ErrUsage = errors.New("no command given")
	// ErrExec means the command could not be started.
	ErrExec = errors.New("command could not be executed")
)

// ForwardedSignals are relayed to the root command by default.
var ForwardedSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT}

type Options struct {
	// Args is the command and its arguments, executed without a shell.
	Args []string

	Strategy     string // auto, event or poll; empty means auto
	Poll         tracker.PollConfig
	EventTimeout time.Duration

	ChildStdout  string // stderr, inherit or null; empty means stderr
	ProcessGroup bool
	WorkDir      string
	PIDFile      string
	Env          []string
	EnvFiles     []string
	CleanEnv     bool

	MetricsListen   string
	MetricsTextfile string
	SampleInterval  time.Duration // tree resource sampling; defaults to one second
	StatusListen    string
	HistoryDSN      string
	HistoryTimeout  time.Duration

	Logger *slog.Logger
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
	// Signals relayed to the root. nil means ForwardedSignals; an empty
	// non-nil slice disables forwarding.
	Signals []os.Signal
}

// FromConfig maps loaded settings onto Options for args.
func FromConfig(c *config.Config, args []string) Options {
	return Options{
		Args:     args,
		Strategy: c.Strategy,
		Poll: tracker.PollConfig{
			WarmupIterations: c.Poll.WarmupIterations,
			WarmupInterval:   c.Poll.WarmupInterval,
			Interval:         c.Poll.Interval,
		},
		EventTimeout:    c.Event.Timeout,
		ChildStdout:     c.ChildStdout,
		ProcessGroup:    c.ProcessGroup,
		WorkDir:         c.WorkDir,
		PIDFile:         c.PIDFile,
		Env:             c.Env,
		EnvFiles:        c.EnvFiles,
		CleanEnv:        c.CleanEnv,
		MetricsListen:   c.Metrics.Listen,
		MetricsTextfile: c.Metrics.Textfile,
		SampleInterval:  c.Metrics.SampleInterval,
		StatusListen:    c.Status.Listen,
		HistoryDSN:      c.History.DSN,
		HistoryTimeout:  c.History.Timeout,
	}
}

func (o Options) withDefaults() Options {
	if o.Strategy == "" {
		o.Strategy = config.StrategyAuto
	}
	if o.EventTimeout <= 0 {
		o.EventTimeout = tracker.DefaultEventTimeout
	}
	if o.ChildStdout == "" {
		o.ChildStdout = config.StdoutStderr
	}
	if o.HistoryTimeout <= 0 {
		o.HistoryTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Signals == nil {
		o.Signals = ForwardedSignals
	}
	return o
}

// Report is the outcome of a completed run.
type Report struct {
	RootPID int `json:"root_pid"`
	// Seen lists every pid discovered in the tree, root first.
	Seen []int `json:"seen"`
	// ExitStatus is the root's exit code, -1 when it was killed by a signal
	// or its status was collected elsewhere.
	ExitStatus int       `json:"exit_status"`
	Signal     string    `json:"signal,omitempty"`
	Strategy   string    `json:"strategy"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	// PeakRSSBytes is the highest sampled memory use of the tree. It is only
	// sampled when metrics are enabled.
	PeakRSSBytes uint64 `json:"peak_rss_bytes,omitempty"`

	runID   string
	parents map[int]int
}

// Run starts the command in opts.Args and blocks until it and every
// descendant it spawned have exited. The root's exit status is reported,
// not returned as an error. When tracking fails or ctx is done, the root is
// terminated and reaped before Run returns; its descendants are left alone.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if len(opts.Args) == 0 || strings.TrimSpace(opts.Args[0]) == "" {
		return nil, ErrUsage
	}
	opts = opts.withDefaults()
	log := opts.Logger

	if opts.PIDFile != "" {
		alive, err := detector.PIDFileDetector{PIDFile: opts.PIDFile}.Alive()
		if err != nil {
			return nil, fmt.Errorf("check pidfile %s: %w", opts.PIDFile, err)
		}
		if alive {
			return nil, fmt.Errorf("pidfile %s names a running process", opts.PIDFile)
		}
	}

	mergedEnv, err := buildEnv(opts)
	if err != nil {
		return nil, err
	}
	stdout, closeStdout, err := childStdout(opts)
	if err != nil {
		return nil, err
	}
	defer closeStdout()

	src, err := selectSource(opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()
	strategy := src.Name()

	if err := registerMetrics(opts); err != nil {
		return nil, err
	}

	rep := &Report{Strategy: strategy, runID: uuid.NewString(), parents: make(map[int]int)}
	tree, err := tracker.New(tracker.Options{
		Source: src,
		Logger: log,
		OnSeen: func(pid, parent int) { rep.parents[pid] = parent },
	})
	if err != nil {
		return nil, err
	}

	stopServers, err := startServers(opts, tree.Snapshot)
	if err != nil {
		return nil, err
	}
	defer stopServers()

	root := process.New(process.Spec{
		Args:         opts.Args,
		WorkDir:      opts.WorkDir,
		PIDFile:      opts.PIDFile,
		ProcessGroup: opts.ProcessGroup,
		Stdin:        opts.Stdin,
		Stdout:       stdout,
		Stderr:       opts.Stderr,
	})
	rep.StartedAt = time.Now()
	if err := root.Start(mergedEnv); err != nil {
		if !errors.Is(err, process.ErrPIDFile) {
			metrics.IncRun(strategy, "exec_error")
			return nil, fmt.Errorf("%w: %w", ErrExec, err)
		}
		log.Warn("pidfile not written", "path", opts.PIDFile, "error", err)
	}
	defer root.RemovePIDFile()
	rep.RootPID = root.PID()
	log.Info("command started", "pid", rep.RootPID, "command", strings.Join(opts.Args, " "), "strategy", strategy)

	stopSignals := forwardSignals(root, opts.Signals, log)
	stopSampling := sampleTree(ctx, opts, tree)
	err = tree.Run(ctx, root)
	rep.PeakRSSBytes = stopSampling()
	stopSignals()
	rep.FinishedAt = time.Now()
	if err != nil {
		stopRoot(root, log)
		metrics.IncRun(strategy, "error")
		return nil, fmt.Errorf("track pid %d: %w", rep.RootPID, err)
	}

	st := root.Snapshot()
	rep.Seen = tree.Seen()
	rep.ExitStatus = st.ExitCode
	rep.Signal = st.Signal

	metrics.IncRun(strategy, "ok")
	metrics.ObserveRunDuration(strategy, rep.FinishedAt.Sub(rep.StartedAt).Seconds())
	log.Info("command finished", "pid", rep.RootPID, "exit_status", rep.ExitStatus,
		"pids", len(rep.Seen), "duration", rep.FinishedAt.Sub(rep.StartedAt))

	writeTextfile(opts)
	exportHistory(ctx, opts, rep)
	return rep, nil
}

// rootStopGrace is how long an abandoned run waits for the root after SIGTERM.
const rootStopGrace = 2 * time.Second

// stopRoot terminates and reaps the root once tracking was abandoned, so it is
// neither left running nor left as a zombie. Descendants are not touched.
func stopRoot(root *process.Process, log *slog.Logger) {
	if done, _ := root.Reap(false); done {
		return
	}
	_ = root.Signal(syscall.SIGTERM)
	deadline := time.Now().Add(rootStopGrace)
	for time.Now().Before(deadline) {
		if done, _ := root.Reap(false); done {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	log.Warn("command ignored SIGTERM, killing", "pid", root.PID())
	_ = root.Signal(syscall.SIGKILL)
	_, _ = root.Reap(true)
}

func buildEnv(opts Options) ([]string, error) {
	e := env.New()
	if opts.CleanEnv {
		e.Clean()
	} else {
		e.FromOS()
	}
	for _, f := range opts.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}
	return e.Merge(opts.Env), nil
}

// childStdout resolves where the root's standard output goes. The returned
// func releases anything opened here.
func childStdout(opts Options) (*os.File, func(), error) {
	switch opts.ChildStdout {
	case config.StdoutStderr:
		return opts.Stderr, func() {}, nil
	case config.StdoutInherit:
		return opts.Stdout, func() {}, nil
	case config.StdoutNull:
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { _ = f.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown child_stdout %q", opts.ChildStdout)
}
