//go:build unix

package supervisor

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/loykin/proctrack/internal/config"
	"github.com/loykin/proctrack/internal/history"
	"github.com/loykin/proctrack/internal/tracker"
)

func testOptions(t *testing.T, args ...string) Options {
	t.Helper()
	return Options{
		Args:     args,
		Strategy: config.StrategyPoll,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Signals:  []os.Signal{},
	}
}

func TestNoChildren(t *testing.T) {
	rep, err := Run(context.Background(), testOptions(t, "sleep", "0"))
	require.NoError(t, err)
	assert.Equal(t, []int{rep.RootPID}, rep.Seen)
	assert.Equal(t, 0, rep.ExitStatus)
	assert.Equal(t, "poll", rep.Strategy)
	assert.False(t, rep.FinishedAt.Before(rep.StartedAt))
}

func TestFiveChildren(t *testing.T) {
	rep, err := Run(context.Background(), testOptions(t,
		"sh", "-c", "for i in 1 2 3 4 5; do sleep 0.3 & done; wait"))
	require.NoError(t, err)
	assert.Len(t, rep.Seen, 6)
	assert.Equal(t, rep.RootPID, rep.Seen[0])
}

func TestGrandchildOfFastParent(t *testing.T) {
	rep, err := Run(context.Background(), testOptions(t,
		"sh", "-c", `sh -c "sleep 0.3 & wait" & wait`))
	require.NoError(t, err)
	assert.Len(t, rep.Seen, 3)
}

// eventOptions selects process notifications, skipping where they are not
// available to this user.
func eventOptions(t *testing.T, args ...string) Options {
	t.Helper()
	opts := testOptions(t, args...)
	opts.Strategy = config.StrategyEvent
	src, err := selectSource(opts.withDefaults())
	if errors.Is(err, tracker.ErrUnsupported) {
		t.Skipf("process notifications unavailable: %v", err)
	}
	require.NoError(t, err)
	_ = src.Close()
	return opts
}

func TestImmediatelyExitingChildrenWithEvents(t *testing.T) {
	for i := 0; i < 10; i++ {
		rep, err := Run(context.Background(), eventOptions(t,
			"sh", "-c", "for i in 1 2 3 4 5; do true & done; wait"))
		require.NoError(t, err)
		require.Len(t, rep.Seen, 6, "run %d", i)
		assert.Equal(t, "event", rep.Strategy)
	}
}

func TestGrandchildOfExitingParentWithEvents(t *testing.T) {
	for i := 0; i < 10; i++ {
		rep, err := Run(context.Background(), eventOptions(t,
			"sh", "-c", `sh -c "true & wait" & wait`))
		require.NoError(t, err)
		require.Len(t, rep.Seen, 3, "run %d", i)
	}
}

// Polling cannot see a process that is born and gone between two scans.
func TestImmediatelyExitingChildrenWithPolling(t *testing.T) {
	rep, err := Run(context.Background(), testOptions(t,
		"sh", "-c", "for i in 1 2 3 4 5; do true & done; wait"))
	require.NoError(t, err)
	require.NotEmpty(t, rep.Seen)
	assert.Equal(t, rep.RootPID, rep.Seen[0])
	assert.LessOrEqual(t, len(rep.Seen), 6)
}

func TestExecFailure(t *testing.T) {
	_, err := Run(context.Background(), testOptions(t, "/nonexistent/proctrack-test"))
	require.ErrorIs(t, err, ErrExec)
}

func TestUsage(t *testing.T) {
	_, err := Run(context.Background(), testOptions(t))
	require.ErrorIs(t, err, ErrUsage)
	_, err = Run(context.Background(), testOptions(t, " "))
	require.ErrorIs(t, err, ErrUsage)
}

func TestWaitsForOrphanedDescendant(t *testing.T) {
	start := time.Now()
	rep, err := Run(context.Background(), testOptions(t, "sh", "-c", "sleep 0.5 & sleep 0.1"))
	require.NoError(t, err)
	// some shells exec the last command in place of themselves
	assert.GreaterOrEqual(t, len(rep.Seen), 2)
	assert.GreaterOrEqual(t, time.Since(start), 450*time.Millisecond)
}

func TestRootExitStatusIsReported(t *testing.T) {
	rep, err := Run(context.Background(), testOptions(t, "sh", "-c", "exit 3"))
	require.NoError(t, err)
	assert.Equal(t, 3, rep.ExitStatus)
}

func TestChildStdoutRouting(t *testing.T) {
	dir := t.TempDir()
	out, err := os.Create(filepath.Join(dir, "out"))
	require.NoError(t, err)
	errf, err := os.Create(filepath.Join(dir, "err"))
	require.NoError(t, err)
	defer func() { _ = out.Close(); _ = errf.Close() }()

	run := func(mode string) {
		opts := testOptions(t, "sh", "-c", "echo "+mode)
		opts.ChildStdout = mode
		opts.Stdout = out
		opts.Stderr = errf
		_, err := Run(context.Background(), opts)
		require.NoError(t, err)
	}
	run(config.StdoutStderr)
	run(config.StdoutInherit)
	run(config.StdoutNull)

	b, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	assert.Equal(t, "inherit\n", string(b))
	b, err = os.ReadFile(errf.Name())
	require.NoError(t, err)
	assert.Equal(t, "stderr\n", string(b))
}

func TestEnvironmentShaping(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "app.env")
	require.NoError(t, os.WriteFile(envFile, []byte("GREETING=hello\n"), 0o600))
	out, err := os.Create(filepath.Join(dir, "out"))
	require.NoError(t, err)
	defer func() { _ = out.Close() }()

	opts := testOptions(t, "/bin/sh", "-c", `echo "$MSG|$HOME"`)
	opts.ChildStdout = config.StdoutInherit
	opts.Stdout = out
	opts.CleanEnv = true
	opts.EnvFiles = []string{envFile}
	opts.Env = []string{"MSG=${GREETING} world"}
	_, err = Run(context.Background(), opts)
	require.NoError(t, err)

	b, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	assert.Equal(t, "hello world|\n", string(b))
}

func TestMissingEnvFile(t *testing.T) {
	opts := testOptions(t, "true")
	opts.EnvFiles = []string{filepath.Join(t.TempDir(), "missing.env")}
	_, err := Run(context.Background(), opts)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrExec)
}

func TestPIDFileWrittenAndRemoved(t *testing.T) {
	pidfile := filepath.Join(t.TempDir(), "run", "root.pid")
	opts := testOptions(t, "sh", "-c", "sleep 0.2; test -s "+pidfile)
	opts.PIDFile = pidfile
	rep, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.ExitStatus, "pidfile should exist while the root runs")
	_, err = os.Stat(pidfile)
	assert.True(t, os.IsNotExist(err))
}

func TestLivePIDFileRefused(t *testing.T) {
	pidfile := filepath.Join(t.TempDir(), "root.pid")
	require.NoError(t, os.WriteFile(pidfile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600))
	opts := testOptions(t, "true")
	opts.PIDFile = pidfile
	_, err := Run(context.Background(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "running process")
}

func TestStrategySelection(t *testing.T) {
	opts := testOptions(t, "true").withDefaults()

	opts.Strategy = config.StrategyEvent
	ev, evErr := selectSource(opts)

	opts.Strategy = config.StrategyAuto
	src, err := selectSource(opts)
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	if evErr != nil {
		require.ErrorIs(t, evErr, tracker.ErrUnsupported)
		assert.Equal(t, "poll", src.Name())
	} else {
		assert.Equal(t, "event", ev.Name())
		assert.Equal(t, "event", src.Name())
		_ = ev.Close()
	}
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" && runtime.GOOS != "freebsd" {
		require.ErrorIs(t, evErr, tracker.ErrUnsupported)
	}

	opts.Strategy = "bogus"
	_, err = selectSource(opts)
	require.Error(t, err)
}

func TestSignalsAreForwarded(t *testing.T) {
	// keep the default action from killing the test binary
	guard := make(chan os.Signal, 1)
	signal.Notify(guard, syscall.SIGUSR1)
	defer signal.Stop(guard)

	opts := testOptions(t, "sleep", "5")
	opts.Signals = []os.Signal{syscall.SIGUSR1}

	done := make(chan struct{})
	go func() {
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				_ = syscall.Kill(os.Getpid(), syscall.SIGUSR1)
			}
		}
	}()
	rep, err := Run(context.Background(), opts)
	close(done)
	require.NoError(t, err)
	assert.Equal(t, -1, rep.ExitStatus)
	assert.Equal(t, syscall.SIGUSR1.String(), rep.Signal)
}

func TestCanceledContextStopsRoot(t *testing.T) {
	out, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer func() { _ = out.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	opts := testOptions(t, "sh", "-c", "echo $$; exec sleep 5")
	opts.ChildStdout = config.StdoutInherit
	opts.Stdout = out
	start := time.Now()
	_, err = Run(ctx, opts)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)

	b, err := os.ReadFile(out.Name())
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	require.NoError(t, err)
	// a zombie would still accept signal 0
	assert.ErrorIs(t, syscall.Kill(pid, 0), syscall.ESRCH)
}

func TestMetricsTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proctrack.prom")
	opts := testOptions(t, "sh", "-c", "sleep 0.3 & wait")
	opts.MetricsTextfile = path
	opts.SampleInterval = 10 * time.Millisecond
	rep, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.NotZero(t, rep.PeakRSSBytes)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(b)
	assert.Contains(t, text, "proctrack_tracker_pids_seen_total")
	assert.Contains(t, text, `proctrack_supervisor_runs_total{outcome="ok",strategy="poll"}`)
	assert.Contains(t, text, "proctrack_tree_rss_bytes")
}

func TestHistoryExport(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	opts := testOptions(t, "sh", "-c", "sleep 0.2 & wait")
	opts.HistoryDSN = "sqlite://" + dbPath
	rep, err := Run(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, rep.Seen, 2)

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var runs, pids int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+history.DefaultTable+" WHERE event = 'run'").Scan(&runs))
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+history.DefaultTable+" WHERE event = 'pid'").Scan(&pids))
	assert.Equal(t, 1, runs)
	assert.Equal(t, 2, pids)

	var parent int
	require.NoError(t, db.QueryRow("SELECT parent_pid FROM "+history.DefaultTable+
		" WHERE event = 'pid' AND pid = ?", rep.Seen[1]).Scan(&parent))
	assert.Equal(t, rep.RootPID, parent)
}

func TestHistoryFailureIsNotFatal(t *testing.T) {
	opts := testOptions(t, "true")
	opts.HistoryDSN = "invalid://nowhere"
	_, err := Run(context.Background(), opts)
	require.NoError(t, err)
}

func TestFromConfig(t *testing.T) {
	v := config.New()
	c, err := config.Load(v, "")
	require.NoError(t, err)
	c.PIDFile = "/tmp/x.pid"
	c.Env = []string{"A=1"}

	o := FromConfig(c, []string{"make", "all"})
	assert.Equal(t, []string{"make", "all"}, o.Args)
	assert.Equal(t, config.StrategyAuto, o.Strategy)
	assert.Equal(t, 200, o.Poll.WarmupIterations)
	assert.Equal(t, 50*time.Millisecond, o.EventTimeout)
	assert.Equal(t, "/tmp/x.pid", o.PIDFile)
	assert.Equal(t, []string{"A=1"}, o.Env)
	assert.Equal(t, config.StdoutStderr, o.ChildStdout)
}
