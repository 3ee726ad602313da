package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/netconsole/netconsole/pkg/cli"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print interfaces every time the state settles",
	Long: `Follow the daemon and print the interface table after every settled
change. With --json one object per change is written.

Examples:
  netconsole watch
  netconsole --host gw1 watch --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withSession(ctx, cmd.ErrOrStderr(), func(ctx context.Context, s *session) error {
			changes, cancel := s.model.Changes()
			defer cancel()

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			for {
				select {
				case <-ctx.Done():
					return nil
				case snap, ok := <-changes:
					if !ok {
						return nil
					}
					if !snap.Ready {
						if jsonOutput {
							enc.Encode(map[string]interface{}{"generation": snap.Generation, "ready": false})
						} else {
							fmt.Fprintln(out, cli.Dim(fmt.Sprintf("[%d] daemon unavailable", snap.Generation)))
						}
						continue
					}
					views, err := s.svc.Interfaces()
					if err != nil {
						continue
					}
					if jsonOutput {
						enc.Encode(map[string]interface{}{
							"generation": snap.Generation,
							"ready":      true,
							"interfaces": views,
						})
						continue
					}
					fmt.Fprintln(out, cli.Bold(fmt.Sprintf("[%d]", snap.Generation)))
					printInterfaces(out, views)
					fmt.Fprintln(out)
				}
			}
		})
	},
}
