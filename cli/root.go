// Package cli implements the fwatch command line.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../cli.Version=...".
var Version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
	backend    string
	logDir     string
	runOnStart bool
	background bool
	status     bool
	stop       bool
}

// NewRootCommand builds the fwatch command tree. Each call returns fresh
// flag state.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&rootOptions{})
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fwatch [flags] <command> <path> [path...]",
		Short: "Re-run a command whenever watched files change",
		Long: `Watch files and re-run a shell command whenever one of them changes.

Each directory path watches the regular files directly inside it whose names
end in one of the configured suffixes (default .c and .h). Each file path is
watched as is. When a watched file is written, renamed or deleted, the running
command is stopped and started again. At most one instance runs at a time.

Background mode:
  fwatch --background 'make test' src    Run detached, logs under the log directory
  fwatch --status [directory]            Show the session watching a directory
  fwatch --stop [directory]              Stop that session

Default log directories:
  Linux:   ~/.local/state/fwatch/logs (or $XDG_STATE_HOME)
  macOS:   ~/Library/Logs/fwatch
  Windows: %LOCALAPPDATA%\fwatch\logs`,
		Example: `  fwatch 'make && ./a.out' .
  fwatch --run-on-start 'go test ./...' main.c util.h`,
		Args:          opts.validateArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Config file (default: <first directory>/.fwatch.yaml if present)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flags.StringVar(&opts.backend, "backend", "", "Event backend: native or fsnotify")
	flags.BoolVar(&opts.runOnStart, "run-on-start", false, "Run the command once before the first change")
	flags.BoolVar(&opts.background, "background", false, "Run in background mode")
	flags.StringVar(&opts.logDir, "log-dir", "", "Directory for log files (default: OS-specific)")
	flags.BoolVar(&opts.status, "status", false, "Show the background session for a directory")
	flags.BoolVar(&opts.stop, "stop", false, "Stop the background session for a directory")
	cmd.MarkFlagsMutuallyExclusive("background", "status", "stop")

	cmd.AddCommand(newInitCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func (o *rootOptions) validateArgs(cmd *cobra.Command, args []string) error {
	if o.status || o.stop {
		return cobra.MaximumNArgs(1)(cmd, args)
	}
	if len(args) < 2 {
		return errors.New("requires a command and at least one path")
	}
	return nil
}

func (o *rootOptions) run(cmd *cobra.Command, args []string) error {
	if o.status || o.stop {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		session, err := o.session(dir)
		if err != nil {
			return err
		}
		if o.status {
			return showStatus(cmd.OutOrStdout(), session)
		}
		return stopSession(cmd.OutOrStdout(), session)
	}

	if o.background {
		session, err := o.session(sessionDir(args[1:]))
		if err != nil {
			return err
		}
		return startBackground(cmd.OutOrStdout(), session, childArgs(os.Args[1:]))
	}

	return o.runForeground(cmd, args[0], args[1:])
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}
