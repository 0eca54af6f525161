package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/denismitr/twinstore/internal/app"
	"github.com/denismitr/twinstore/internal/httpapi"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the store over HTTP",
		Long: `Serve entity reads and writes, websocket live feeds and Prometheus
metrics over HTTP until interrupted.

Example:
  twinctl serve --config twinstore.yaml --addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				addr := opts.Addr
				if addr == "" {
					addr = a.Config.HTTP.Addr
				}

				srvOpts := httpapi.Options{Logger: a.Logger}
				if a.Registry != nil {
					srvOpts.Gatherer = a.Registry
				}

				f.VerboseLog("serving on %s", addr)

				if err := httpapi.New(a.Store, srvOpts).Run(ctx, addr); err != nil {
					return WrapExitError(ExitFailure, "http api stopped", err)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address, overrides http.addr from the config")

	return cmd
}
