//go:build unix

// Package proctrack runs a command and reports the pid of every process in
// the tree it spawns, once all of them have exited.
package proctrack

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/proctrack/internal/config"
	"github.com/loykin/proctrack/internal/metrics"
	"github.com/loykin/proctrack/internal/server"
	"github.com/loykin/proctrack/internal/supervisor"
	"github.com/loykin/proctrack/internal/tracker"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Options = supervisor.Options

type Report = supervisor.Report

type Config = cfg.Config

type PollConfig = tracker.PollConfig

type Snapshot = tracker.Snapshot

var (
	ErrUsage = supervisor.ErrUsage
	ErrExec  = supervisor.ErrExec
)

// Tracking strategies accepted in Options.Strategy.
const (
	StrategyAuto  = cfg.StrategyAuto
	StrategyEvent = cfg.StrategyEvent
	StrategyPoll  = cfg.StrategyPoll
)

// Run starts opts.Args and blocks until the command and all of its
// descendants have exited.
func Run(ctx context.Context, opts Options) (*Report, error) { return supervisor.Run(ctx, opts) }

// LoadConfig reads an optional config file merged with PROCTRACK_* environment overrides.
func LoadConfig(path string) (*Config, error) { return cfg.Load(cfg.New(), path) }

// OptionsFromConfig maps a loaded Config onto Options for args.
func OptionsFromConfig(c *Config, args []string) Options { return supervisor.FromConfig(c, args) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler serves the default registry in the Prometheus text format.
func MetricsHandler() http.Handler { return metrics.Handler() }

// MetricsServer is a running metrics endpoint returned by ServeMetrics.
type MetricsServer = server.Server

// ServeMetrics binds addr and serves /metrics from the default registry in
// the background. Use Addr to learn the port when addr ends in ":0".
func ServeMetrics(addr string) (*MetricsServer, error) {
	return server.Start(addr, server.NewRouter(nil, "").WithMetrics(metrics.Handler()).Handler())
}
