package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/denismitr/twinstore"
	"github.com/denismitr/twinstore/internal/app"
	"github.com/denismitr/twinstore/internal/present"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Count int
}

func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <kind> [key]",
		Short: "Stream live updates of an entity or a whole collection",
		Long: `Stream live updates from the fast store. Without a key every entity of
the kind is watched. When the fast store's feed breaks, one durable snapshot
is printed and the watch ends.

Example:
  twinctl watch user u1
  twinctl watch content --count 1`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				return runWatch(ctx, opts, a.Store, f, args)
			})
		},
	}

	cmd.Flags().IntVarP(&opts.Count, "count", "n", 0, "stop after this many updates (0 means until interrupted)")

	return cmd
}

func runWatch(ctx context.Context, opts *WatchOptions, store *twinstore.Store, f *OutputFormatter, args []string) error {
	kind, err := parseKind(args[0])
	if err != nil {
		return err
	}

	var sub *twinstore.Subscription
	if len(args) == 2 {
		sub, err = store.SubscribeLive(ctx, kind, args[1])
	} else {
		sub, err = store.SubscribeCollection(ctx, kind)
	}
	if err != nil {
		return err
	}
	defer sub.Close()

	f.VerboseLog("watching %s", sub.Path())

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, open := <-sub.Updates():
			if !open {
				return watchEnded(sub, f)
			}

			if err := f.Success(updateText(present.NewUpdate(u))); err != nil {
				return err
			}

			seen++
			if opts.Count > 0 && seen >= opts.Count {
				return nil
			}
		}
	}
}

func watchEnded(sub *twinstore.Subscription, f *OutputFormatter) error {
	f.VerboseLog("watch of %s ended in state %s", sub.Path(), sub.State())

	if err := sub.Err(); err != nil && sub.State() == twinstore.StateIdle {
		return WrapExitError(ExitFailure, fmt.Sprintf("live feed of %s broke", sub.Path()), err)
	}
	return nil
}
