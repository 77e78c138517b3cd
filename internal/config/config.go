// Package config loads supervisor settings with viper.
//
// Precedence, lowest first: defaults, config file, PROCTRACK_* environment
// variables, then any flags bound to the returned viper instance.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/proctrack/internal/logger"
)

// EnvPrefix is the prefix of environment overrides, e.g. PROCTRACK_STRATEGY.
const EnvPrefix = "PROCTRACK"

// Tracking strategies.
const (
	StrategyAuto  = "auto"
	StrategyEvent = "event"
	StrategyPoll  = "poll"
)

// Destinations for the root command's standard output.
const (
	StdoutStderr  = "stderr"
	StdoutInherit = "inherit"
	StdoutNull    = "null"
)

type Config struct {
	Strategy     string        `mapstructure:"strategy"`
	Poll         PollConfig    `mapstructure:"poll"`
	Event        EventConfig   `mapstructure:"event"`
	ChildStdout  string        `mapstructure:"child_stdout"`
	ProcessGroup bool          `mapstructure:"process_group"`
	WorkDir      string        `mapstructure:"workdir"`
	PIDFile      string        `mapstructure:"pidfile"`
	Env          []string      `mapstructure:"env"`
	EnvFiles     []string      `mapstructure:"env_files"`
	CleanEnv     bool          `mapstructure:"clean_env"`
	Log          logger.Config `mapstructure:"log"`
	Metrics      MetricsConfig `mapstructure:"metrics"`
	Status       StatusConfig  `mapstructure:"status"`
	History      HistoryConfig `mapstructure:"history"`
}

type PollConfig struct {
	WarmupIterations int           `mapstructure:"warmup_iterations"`
	WarmupInterval   time.Duration `mapstructure:"warmup_interval"`
	Interval         time.Duration `mapstructure:"interval"`
}

type EventConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Listen         string        `mapstructure:"listen"`          // serve /metrics on this address while running
	Textfile       string        `mapstructure:"textfile"`        // write the final metrics here after the run
	SampleInterval time.Duration `mapstructure:"sample_interval"` // tree resource sampling period
}

type StatusConfig struct {
	Listen string `mapstructure:"listen"`
}

type HistoryConfig struct {
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SetDefaults registers every key so environment overrides apply to all of them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("strategy", StrategyAuto)
	v.SetDefault("poll.warmup_iterations", 200)
	v.SetDefault("poll.warmup_interval", 100*time.Microsecond)
	v.SetDefault("poll.interval", 5*time.Millisecond)
	v.SetDefault("event.timeout", 50*time.Millisecond)
	v.SetDefault("child_stdout", StdoutStderr)
	v.SetDefault("process_group", false)
	v.SetDefault("workdir", "")
	v.SetDefault("pidfile", "")
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("clean_env", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "color")
	v.SetDefault("log.show_time", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("metrics.sample_interval", time.Second)
	v.SetDefault("status.listen", "")
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.timeout", 5*time.Second)
}

// New returns a viper instance with defaults and environment overrides wired.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file (TOML, YAML or JSON by extension) into v
// and decodes the merged settings.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the supervisor cannot honour.
func (c *Config) Validate() error {
	var errs []error
	switch c.Strategy {
	case StrategyAuto, StrategyEvent, StrategyPoll:
	default:
		errs = append(errs, fmt.Errorf("unknown strategy %q (want auto, event or poll)", c.Strategy))
	}
	switch c.ChildStdout {
	case StdoutStderr, StdoutInherit, StdoutNull:
	default:
		errs = append(errs, fmt.Errorf("unknown child_stdout %q (want stderr, inherit or null)", c.ChildStdout))
	}
	if c.Poll.WarmupIterations < 0 {
		errs = append(errs, errors.New("poll.warmup_iterations must not be negative"))
	}
	if c.Poll.WarmupInterval <= 0 {
		errs = append(errs, errors.New("poll.warmup_interval must be positive"))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}
	if c.Event.Timeout <= 0 {
		errs = append(errs, errors.New("event.timeout must be positive"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
