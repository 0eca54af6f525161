package cli

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/denismitr/twinstore"
	"github.com/denismitr/twinstore/internal/app"
	"github.com/denismitr/twinstore/internal/present"
)

// PayloadOptions holds the flags of commands that take a JSON body.
type PayloadOptions struct {
	*RootOptions
	Data string
	File string
}

func (o *PayloadOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.Data, "data", "d", "", "JSON payload")
	cmd.Flags().StringVarP(&o.File, "file", "f", "", "read the JSON payload from a file, - for stdin")
}

func (o *PayloadOptions) read(cmd *cobra.Command) (twinstore.M, error) {
	var raw []byte
	switch {
	case o.Data != "" && o.File != "":
		return nil, NewExitError(ExitCommandError, "--data and --file are mutually exclusive")
	case o.Data != "":
		raw = []byte(o.Data)
	case o.File == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "could not read stdin", err)
		}
		raw = b
	case o.File != "":
		b, err := os.ReadFile(o.File)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "could not read payload", err)
		}
		raw = b
	default:
		return nil, NewExitError(ExitCommandError, "a payload is required: use --data or --file")
	}

	m, err := twinstore.DecodeM(raw)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "payload must be a JSON object", err)
	}
	return m, nil
}

func parseKind(s string) (twinstore.Kind, error) {
	kind, err := twinstore.ParseKind(s)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "invalid kind", err)
	}
	return kind, nil
}

// reportWrite prints the outcome and fails with ExitPartial or ExitFailure
// unless both backends applied the write.
func reportWrite(f *OutputFormatter, view present.Write, out twinstore.WriteOutcome) error {
	if err := f.Success(writeText(view)); err != nil {
		return err
	}

	switch {
	case out.OK():
		return nil
	case out.Diverged():
		return NewExitError(ExitPartial, view.Path+" was written to one backend only")
	}
	return WrapExitError(ExitFailure, view.Path+" was not written", out.Durable.Err)
}

func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <kind> <key>",
		Short: "Read an entity, fast store first",
		Long: `Read an entity. The fast store answers when it can; the durable store
is consulted when the fast one misses or fails.

Example:
  twinctl get user u1
  twinctl get test-result u1/quiz_1700000000000`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				kind, err := parseKind(args[0])
				if err != nil {
					return err
				}

				res, err := a.Store.Resolve(ctx, kind, args[1])
				if err != nil {
					return err
				}

				if res.FastErr != nil {
					f.VerboseLog("fast store failed: %v", res.FastErr)
				}

				return f.Success(entityText(present.NewEntity(res.Entity, res.Source)))
			})
		},
	}
}

func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PayloadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "put <kind> <key>",
		Short: "Replace an entity in both stores",
		Long: `Replace an entity in both stores.

Example:
  twinctl put user u1 --data '{"email":"a@example.com","name":"A"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				kind, err := parseKind(args[0])
				if err != nil {
					return err
				}

				fields, err := opts.read(cmd)
				if err != nil {
					return err
				}

				out, err := a.Store.Save(ctx, twinstore.NewEntity(kind, args[1], fields))
				if err != nil {
					return err
				}

				return reportWrite(f, present.NewWrite(out), out)
			})
		},
	}

	opts.bind(cmd)
	return cmd
}

func NewPatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PayloadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "patch <kind> <key>",
		Short: "Merge fields into an entity in both stores",
		Long: `Merge top-level fields into an entity. A null value deletes the field.

Example:
  twinctl patch user u1 --data '{"name":"B"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				kind, err := parseKind(args[0])
				if err != nil {
					return err
				}

				fields, err := opts.read(cmd)
				if err != nil {
					return err
				}

				out, err := a.Store.Patch(ctx, kind, args[1], fields)
				if err != nil {
					return err
				}

				return reportWrite(f, present.NewWrite(out), out)
			})
		},
	}

	opts.bind(cmd)
	return cmd
}

func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <kind> <key>",
		Aliases: []string{"remove"},
		Short:   "Remove an entity from both stores",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				kind, err := parseKind(args[0])
				if err != nil {
					return err
				}

				out, err := a.Store.Remove(ctx, kind, args[1])
				if err != nil {
					return err
				}

				return reportWrite(f, present.NewWrite(out), out)
			})
		},
	}
}

func NewFindCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "find <kind> <field> <value>",
		Short: "Find the first entity whose field equals value",
		Long: `Find the first entity of a kind whose field equals value, asking the
durable store. Dotted fields reach into nested objects. JSON literals such as
42 or true keep their type; anything else is matched as a string.

Example:
  twinctl find user email a@example.com`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				kind, err := parseKind(args[0])
				if err != nil {
					return err
				}

				e, err := a.Store.FindBy(ctx, kind, args[1], present.ParseValue(args[2]))
				if err != nil {
					return err
				}

				return f.Success(entityText(present.NewEntity(e, twinstore.SourceDurable)))
			})
		},
	}
}

func NewBulkCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PayloadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "bulk <kind>",
		Short: "Write many entities of one kind at once",
		Long: `Write many entities of one kind. The payload maps each key to its fields.
The fast store takes them in one batch, the durable store one by one.

Example:
  twinctl bulk content --data '{"1":{"title":"Intro"},"2":{"title":"Basics"}}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				kind, err := parseKind(args[0])
				if err != nil {
					return err
				}

				raw, err := opts.read(cmd)
				if err != nil {
					return err
				}

				updates, err := bulkUpdates(raw)
				if err != nil {
					return err
				}

				out, err := a.Store.SaveBulk(ctx, kind, updates)
				if err != nil {
					return err
				}

				if err := f.Success(bulkText(present.NewBulk(out))); err != nil {
					return err
				}

				if !out.OK() {
					return NewExitError(ExitPartial, "bulk write incomplete")
				}
				return nil
			})
		},
	}

	opts.bind(cmd)
	return cmd
}

func bulkUpdates(raw twinstore.M) (map[string]twinstore.M, error) {
	if len(raw) == 0 {
		return nil, NewExitError(ExitCommandError, "bulk payload must map at least one key to its fields")
	}

	updates := make(map[string]twinstore.M, len(raw))
	for key, v := range raw {
		fields, ok := twinstore.AsM(v)
		if !ok {
			return nil, WrapExitError(ExitCommandError, "invalid bulk payload",
				errors.Errorf("fields of %q must be a JSON object", key))
		}
		updates[key] = fields
	}

	return updates, nil
}

func NewTouchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "touch <user-id>",
		Short: "Stamp a user's last activity time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, a *app.App, f *OutputFormatter) error {
				out, err := a.Store.TouchStatus(ctx, args[0])
				if err != nil {
					return err
				}

				return reportWrite(f, present.NewWrite(out), out)
			})
		},
	}
}
