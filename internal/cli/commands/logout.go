package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/branchd-dev/sessionbridge/internal/provider"
)

// NewLogoutCmd creates the logout command
func NewLogoutCmd(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogout(cmd, rt)
		},
	}
}

func runLogout(cmd *cobra.Command, rt *Runtime) error {
	ctx, p, err := rt.mount(cmd.Context())
	if err != nil {
		return err
	}
	defer p.Unmount()

	client := provider.UseClient(ctx)
	session, err := client.GetSession(ctx)
	if err != nil {
		return err
	}
	if session == nil {
		fmt.Fprintln(rt.out(), "Not signed in.")
		return nil
	}

	if err := client.SignOut(ctx); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}

	fmt.Fprintln(rt.out(), "✓ Logged out")
	return nil
}
