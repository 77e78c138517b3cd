//go:build unix

package main

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// binding ties a command line flag to its config key.
type binding struct {
	flag string
	key  string
}

var bindings = []binding{
	{"strategy", "strategy"},
	{"poll-warmup-iterations", "poll.warmup_iterations"},
	{"poll-warmup-interval", "poll.warmup_interval"},
	{"poll-interval", "poll.interval"},
	{"event-timeout", "event.timeout"},
	{"child-stdout", "child_stdout"},
	{"process-group", "process_group"},
	{"workdir", "workdir"},
	{"pidfile", "pidfile"},
	{"env", "env"},
	{"env-file", "env_files"},
	{"clean-env", "clean_env"},
	{"log-level", "log.level"},
	{"log-format", "log.format"},
	{"log-file", "log.file.path"},
	{"metrics-listen", "metrics.listen"},
	{"metrics-textfile", "metrics.textfile"},
	{"status-listen", "status.listen"},
	{"history-dsn", "history.dsn"},
}

// addFlags declares the supervisor flags. Defaults live in config, so flags
// only override when set.
func addFlags(fs *pflag.FlagSet) {
	fs.String("strategy", "", "tracking strategy: auto, event or poll")
	fs.Int("poll-warmup-iterations", 0, "fast polling cycles before relaxing the interval")
	fs.Duration("poll-warmup-interval", 0, "polling interval during warmup")
	fs.Duration("poll-interval", 0, "polling interval after warmup")
	fs.Duration("event-timeout", 0, "longest wait for process notifications before a sweep")
	fs.String("child-stdout", "", "where the command's stdout goes: stderr, inherit or null")
	fs.Bool("process-group", false, "start the command in its own process group")
	fs.String("workdir", "", "working directory of the command")
	fs.String("pidfile", "", "write the command's pid to this file while it runs")
	fs.StringArray("env", nil, "extra environment variable KEY=VALUE (repeatable)")
	fs.StringArray("env-file", nil, "load environment variables from a dotenv file (repeatable)")
	fs.Bool("clean-env", false, "do not inherit the supervisor's environment")
	fs.String("log-level", "", "log level: debug, info, warn or error")
	fs.String("log-format", "", "log format: color, text or json")
	fs.String("log-file", "", "also write logs as JSON to this rotated file")
	fs.String("metrics-listen", "", "serve Prometheus metrics on this address")
	fs.String("metrics-textfile", "", "write metrics in text format to this file after the run")
	fs.String("status-listen", "", "serve the live tracking status on this address")
	fs.String("history-dsn", "", "export run history to sqlite, postgres, clickhouse or opensearch")
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, b := range bindings {
		f := fs.Lookup(b.flag)
		if f == nil {
			return fmt.Errorf("flag %s not declared", b.flag)
		}
		if err := v.BindPFlag(b.key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", b.flag, err)
		}
	}
	return nil
}
