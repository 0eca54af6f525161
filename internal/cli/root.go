// Package cli implements twinctl, the operational command line for a
// twinstore deployment.
package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/denismitr/twinstore/internal/app"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config  string
	Verbose bool
	Format  string // "json" | "text"
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "twinctl",
		Short: "twinctl - operate a twinstore",
		Long: `Read, write and watch entities kept in both a fast and a durable store.

Backends are picked by the YAML config given with --config. Without one
twinctl runs an in-memory fast store over a local log file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return formatterFor(opts, cmd).Fail(NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats)))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to the YAML config")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewPutCommand(opts))
	cmd.AddCommand(NewPatchCommand(opts))
	cmd.AddCommand(NewRemoveCommand(opts))
	cmd.AddCommand(NewFindCommand(opts))
	cmd.AddCommand(NewBulkCommand(opts))
	cmd.AddCommand(NewTouchCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func formatterFor(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// withApp loads the config, opens both backends for the duration of fn and
// reports whatever fn fails with.
func withApp(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, a *app.App, f *OutputFormatter) error) error {
	f := formatterFor(opts, cmd)

	cfg, err := app.LoadConfig(opts.Config)
	if err != nil {
		return f.Fail(configError("could not load config", err))
	}

	lg, err := app.NewLogger(cfg.Log, f.GetErrWriter())
	if err != nil {
		return f.Fail(configError("could not configure logging", err))
	}
	if opts.Verbose {
		lg = lg.Level(zerolog.DebugLevel)
	}

	f.VerboseLog("fast: %s, durable: %s", cfg.Fast.Driver, cfg.Durable.Driver)

	a, err := app.Open(cfg, lg)
	if err != nil {
		return f.Fail(WrapExitError(ExitFailure, "could not open backends", err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			lg.Error().Err(err).Msg("could not close backends")
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := fn(ctx, a, f); err != nil {
		return f.Fail(err)
	}
	return nil
}

func configError(message string, err error) *ExitError {
	e := WrapExitError(ExitCommandError, message, err)
	e.Reason = ErrCodeConfig
	return e
}
