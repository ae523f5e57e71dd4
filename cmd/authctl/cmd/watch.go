package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/authclient/pkg/authsdk"
)

func newWatchCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the session alive until interrupted",
		Long: `Restore the stored session and keep refreshing it in the background
until interrupted. Every state change is printed. The command exits with an
error once the session is lost.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The session lives for as long as the watch, not --timeout.
			opts.timeout = 0

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var mu sync.Mutex
			out := cmd.OutOrStdout()
			lost := make(chan struct{})
			var once sync.Once

			hooks := authsdk.Hooks{
				OnStateChange: func(s authsdk.State) {
					mu.Lock()
					defer mu.Unlock()
					fmt.Fprintf(out, "%s  %s", time.Now().Format(time.TimeOnly), s.Status)
					if s.Err != nil {
						fmt.Fprintf(out, "  (%s)", s.Err.Message)
					}
					fmt.Fprintln(out)
					if s.Status == authsdk.StatusAnonymous {
						once.Do(func() { close(lost) })
					}
				},
				OnRefreshSuccess: func(rec authsdk.TokenRecord) {
					mu.Lock()
					defer mu.Unlock()
					fmt.Fprintf(out, "%s  refreshed, expires %s\n", time.Now().Format(time.TimeOnly), rec.ExpiresAt.Format(time.RFC3339))
				},
			}

			return opts.session(cmd, hooks, func(_ context.Context, c *authsdk.Controller) error {
				if !c.IsAuthenticated() {
					return errors.New("not signed in, run authctl login first")
				}
				if !c.Config().AutoRefresh {
					return errors.New("auto refresh is disabled (AUTH_AUTO_REFRESH=false)")
				}
				printUser(out, c.User())

				select {
				case <-ctx.Done():
					fmt.Fprintln(out, "Stopped.")
					return nil
				case <-lost:
					return errors.New("session lost")
				}
			})
		},
	}
}
