package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/branchd-dev/sessionbridge/internal/provider"
)

// NewWatchCmd creates the watch command
func NewWatchCmd(rt *Runtime) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the session fresh and print every change until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, rt, interval)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "How often to check whether the session needs a refresh")

	return cmd
}

func runWatch(cmd *cobra.Command, rt *Runtime, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}

	ctx, p, err := rt.mount(cmd.Context())
	if err != nil {
		return err
	}
	defer p.Unmount()

	mirror, err := provider.UseSession(ctx)
	if err != nil {
		return err
	}
	defer mirror.Close()

	client := provider.UseClient(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case state, ok := <-mirror.Updates():
			if !ok {
				return nil
			}
			if state.Err != nil {
				rt.Logger.Warn().Err(state.Err).Msg("Failed to load session")
				continue
			}
			fmt.Fprintf(rt.out(), "[%s]\n", time.Now().Format(time.TimeOnly))
			printState(rt.out(), state)
		case <-ticker.C:
			// Reading the session refreshes it once it nears expiry; the
			// mirror sees the refresh as an event.
			if _, err := client.GetSession(ctx); err != nil {
				rt.Logger.Warn().Err(err).Msg("Session check failed")
			}
		}
	}
}
