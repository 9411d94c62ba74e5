package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/branchd-dev/sessionbridge/internal/provider"
)

// NewSessionCmd creates the session command
func NewSessionCmd(rt *Runtime) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"whoami"},
		Short:   "Show the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, rt, timeout)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "How long to wait for the session to load")

	return cmd
}

func runSession(cmd *cobra.Command, rt *Runtime, timeout time.Duration) error {
	ctx, p, err := rt.mount(cmd.Context())
	if err != nil {
		return err
	}
	defer p.Unmount()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	mirror, err := provider.UseSession(ctx)
	if err != nil {
		return err
	}
	defer mirror.Close()

	select {
	case <-mirror.Ready():
	case <-ctx.Done():
		return fmt.Errorf("timed out loading session: %w", ctx.Err())
	}

	state := mirror.State()
	if state.Err != nil {
		return fmt.Errorf("failed to load session: %w", state.Err)
	}

	printState(rt.out(), state)
	return nil
}

// printState renders a mirror snapshot for humans
func printState(out io.Writer, state provider.State) {
	switch {
	case state.IsLoading:
		fmt.Fprintln(out, "Loading session...")
		return
	case state.Session == nil:
		fmt.Fprintln(out, "Not signed in. Run 'sessionbridge login' to sign in.")
		return
	}

	s := state.Session
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if s.User != nil {
		fmt.Fprintf(w, "User:\t%s\n", s.User.Email)
		fmt.Fprintf(w, "User ID:\t%s\n", s.User.ID)
	}
	if s.ExpiresAt > 0 {
		fmt.Fprintf(w, "Expires:\t%s\n", time.Unix(s.ExpiresAt, 0).Local().Format(time.RFC3339))
	}
	w.Flush()
}
