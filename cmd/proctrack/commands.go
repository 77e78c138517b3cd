//go:build unix

package main

import (
	"github.com/spf13/cobra"

	"github.com/loykin/proctrack/internal/config"
	"github.com/loykin/proctrack/internal/logger"
	"github.com/loykin/proctrack/internal/supervisor"
)

// buildRoot creates the root command. Flag parsing stops at the command so
// its own flags pass through untouched.
func buildRoot(s streams) *cobra.Command {
	v := config.New()
	var configPath string

	root := &cobra.Command{
		Use:   "proctrack [flags] <command> [args...]",
		Short: "Run a command and list every process it spawned",
		Long: `proctrack runs a command, follows every process it forks, and waits until
the command and all of its descendants have exited. It then prints the pid of
each process that belonged to the tree, one per line, on standard output.

The command's standard output is sent to standard error by default so that
standard output carries only the pid list.

Examples:
  proctrack make -j8
  proctrack --strategy poll -- sh -c 'sleep 1 & sleep 2 &'
  PROCTRACK_HISTORY_DSN=/var/lib/proctrack/history.db proctrack ./build.sh`,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.MinimumNArgs(1)(cmd, args); err != nil {
				return usageError{err}
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return usageError{err}
			}
			return runSupervisor(cmd, cfg, args, s)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	// a flag rather than a subcommand, so any program name passes through
	root.Version = version
	root.SetVersionTemplate("proctrack {{.Version}}\n")
	root.SetIn(s.in)
	root.SetOut(s.err)
	root.SetErr(s.err)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	fs := root.Flags()
	fs.SetInterspersed(false)
	fs.StringVar(&configPath, "config", "", "path to a TOML or YAML config file (optional)")
	addFlags(fs)
	if err := bindFlags(v, fs); err != nil {
		panic(err)
	}

	return root
}

func runSupervisor(cmd *cobra.Command, cfg *config.Config, args []string, s streams) error {
	log, closer, err := logger.New(cfg.Log, s.err)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	opts := supervisor.FromConfig(cfg, args)
	opts.Logger = log
	opts.Stdin, opts.Stdout, opts.Stderr = s.in, s.out, s.err

	rep, err := supervisor.Run(cmd.Context(), opts)
	if err != nil {
		return err
	}
	return printReport(s.out, rep)
}
