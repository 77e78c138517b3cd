//go:build unix

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/proctrack/internal/history"
	"github.com/loykin/proctrack/internal/history/factory"
	"github.com/loykin/proctrack/internal/metrics"
	"github.com/loykin/proctrack/internal/server"
	"github.com/loykin/proctrack/internal/tracker"
)

func metricsEnabled(opts Options) bool {
	return opts.MetricsListen != "" || opts.MetricsTextfile != ""
}

func registerMetrics(opts Options) error {
	if !metricsEnabled(opts) {
		return nil
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	return nil
}

// sampleTree samples the live pids of tree while metrics are enabled. The
// returned func stops sampling and reports the peak memory use.
func sampleTree(ctx context.Context, opts Options, tree *tracker.Tree) (stop func() uint64) {
	if !metricsEnabled(opts) {
		return func() uint64 { return 0 }
	}
	c := metrics.NewTreeCollector(opts.SampleInterval, func() []int { return tree.Snapshot().Active })
	c.Start(ctx)
	return func() uint64 { return c.Stop().RSSBytes }
}

// startServers binds the status and metrics listeners. When both use the
// same address one server carries both.
func startServers(opts Options, snapshot func() tracker.Snapshot) (stop func(), err error) {
	var started []*server.Server
	stop = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, s := range started {
			_ = s.Shutdown(ctx)
		}
	}
	start := func(addr string, r *server.Router) error {
		s, err := server.Start(addr, r.Handler())
		if err != nil {
			return err
		}
		opts.Logger.Info("http listener started", "addr", s.Addr())
		started = append(started, s)
		return nil
	}

	if opts.StatusListen != "" {
		r := server.NewRouter(snapshot, "")
		if opts.MetricsListen == opts.StatusListen {
			r.WithMetrics(metrics.Handler())
		}
		if err := start(opts.StatusListen, r); err != nil {
			return nil, fmt.Errorf("status listener: %w", err)
		}
	}
	if opts.MetricsListen != "" && opts.MetricsListen != opts.StatusListen {
		if err := start(opts.MetricsListen, server.NewRouter(nil, "").WithMetrics(metrics.Handler())); err != nil {
			stop()
			return nil, fmt.Errorf("metrics listener: %w", err)
		}
	}
	return stop, nil
}

func writeTextfile(opts Options) {
	if opts.MetricsTextfile == "" {
		return
	}
	if err := metrics.WriteTextfile(opts.MetricsTextfile, prometheus.DefaultGatherer); err != nil {
		opts.Logger.Warn("write metrics textfile", "path", opts.MetricsTextfile, "error", err)
	}
}

// exportHistory sends the run's audit events. Failures are logged only.
func exportHistory(ctx context.Context, opts Options, rep *Report) {
	if opts.HistoryDSN == "" {
		return
	}
	sink, err := factory.NewSinkFromDSN(opts.HistoryDSN)
	if err != nil {
		opts.Logger.Warn("history sink unavailable", "error", err)
		return
	}
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.HistoryTimeout)
	defer cancel()
	rec := history.Record{
		RunID:      rep.runID,
		RootPID:    rep.RootPID,
		Command:    strings.Join(opts.Args, " "),
		Strategy:   rep.Strategy,
		ExitCode:   rep.ExitStatus,
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
	}
	var errs []error
	for _, e := range history.RunEvents(rec, rep.Seen, rep.parents) {
		if err := sink.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		opts.Logger.Warn("history export incomplete", "failed", len(errs), "error", err)
		return
	}
	opts.Logger.Debug("history exported", "run_id", rep.runID, "events", len(rep.Seen)+1)
}
