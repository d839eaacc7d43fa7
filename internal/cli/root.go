package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/journeyman32/marten/internal/config"
	"github.com/journeyman32/marten/internal/ir"
	"github.com/journeyman32/marten/internal/telemetry"
)

// RootOptions holds global flags and the environment configuration shared
// by all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	Config config.Config

	shutdown func(context.Context) error
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the marten CLI.
func NewRootCommand() *cobra.Command {
	cmd, _ := newRootCommand()
	return cmd
}

func newRootCommand() (*cobra.Command, *RootOptions) {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "marten",
		Short: "marten - batched document commits over SQLite",
		Long: `Operator tooling for marten document mappings.

Validates CUE document mappings, prints the commit order they imply,
creates their tables, runs commit scenarios and reads event streams.

Environment:
  MARTEN_DATABASE, MARTEN_BATCH_SIZE, MARTEN_TENANT, MARTEN_LOG_LEVEL,
  MARTEN_BUSY_RETRIES, MARTEN_OTEL_ENDPOINT`,
		Version:       ir.LibraryVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewOrderCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))

	return cmd, opts
}

// setup loads configuration, installs the logger and starts tracing.
func (o *RootOptions) setup(cmd *cobra.Command) error {
	if !slices.Contains(ValidFormats, o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}

	cfg, err := config.Load()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	o.Config = cfg

	level, _ := config.ParseLevel(cfg.LogLevel)
	if o.Verbose {
		level = slog.LevelDebug
	}
	config.ConfigureLogging(cmd.ErrOrStderr(), level)

	shutdown, err := telemetry.Setup(cmd.Context(), cfg.OTelEndpoint)
	if err != nil {
		return WrapExitError(ExitCommandError, "start tracing", err)
	}
	o.shutdown = shutdown
	return nil
}

// Execute runs the CLI with args and returns the process exit code.
// Errors are printed to stderr unless the command already reported them.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd, opts := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)

	if opts.shutdown != nil {
		if shutdownErr := opts.shutdown(context.WithoutCancel(ctx)); shutdownErr != nil {
			slog.Warn("flush traces", "error", shutdownErr)
		}
	}

	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return GetExitCode(err)
}
