package cli

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/schoolsync/internal/reconcile"
)

func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the collection every time it changes",
		Long: `Load the collection, follow the change feed and print the collection after
every change until interrupted. Changes that arrive faster than they can be
printed are coalesced.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
			defer stop()

			pending := make(chan reconcile.Snapshot, 1)
			cancel := rt.engine.Watch(func(snap reconcile.Snapshot) {
				select {
				case pending <- snap:
				default:
					select {
					case <-pending:
					default:
					}
					pending <- snap
				}
			})
			defer cancel()

			if err := rt.engine.Start(ctx); err != nil {
				rt.logger.Warn("watch started degraded", "error", err)
			}

			out := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			for {
				select {
				case <-ctx.Done():
					return nil
				case snap := <-pending:
					if snap.Loading {
						continue
					}
					if snap.State == reconcile.ShutDown {
						return nil
					}
					if rootOpts.Format == "json" {
						if err := out.Success(snap); err != nil {
							return err
						}
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", snap.State)
					if err := out.Records(snap.Records); err != nil {
						return err
					}
				}
			}
		},
	}
}
