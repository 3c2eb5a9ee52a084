package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/statekit/internal/config"
	"github.com/roach88/statekit/internal/engine"
	"github.com/roach88/statekit/internal/harness"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Config and Logger are set by Prepare.
	Config config.Config
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the statekit CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "statekit",
		Short: "statekit - unidirectional state runtime",
		Long: `Run and inspect statekit scenarios.

Scenarios dispatch actions into the demo services and check the resulting
trace and state. Traces can be journaled to SQLite and inspected later.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.Prepare(cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default ./statekit.yaml, $STATEKIT_CONFIG)")

	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))

	return cmd
}

// Prepare validates the format flag, loads configuration and builds the
// logger. It is idempotent, so subcommands built standalone can call it.
func (o *RootOptions) Prepare(logOut io.Writer) error {
	if o.Format == "" {
		o.Format = "text"
	}
	if !isValidFormat(o.Format) {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}
	if o.Logger != nil {
		return nil
	}

	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	o.Config = cfg
	o.Logger = cfg.Log.NewLogger(logOut, o.Verbose)
	return nil
}

// harnessOptions maps configuration onto scenario runs. Side effects still
// run inside Drain so traces stay deterministic.
func (o *RootOptions) harnessOptions() []harness.Option {
	engineOpts := append(o.Config.DispatcherOptions(o.Logger), engine.WithWorkers(0))
	return []harness.Option{
		harness.WithLogger(o.Logger),
		harness.WithDrainTimeout(o.Config.Harness.DrainTimeout),
		harness.WithEngineOptions(engineOpts...),
	}
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
