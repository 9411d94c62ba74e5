package commands

import (
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"os"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/branchd-dev/sessionbridge/internal/gotrue"
	"github.com/branchd-dev/sessionbridge/internal/provider"
)

// NewLoginCmd creates the login command
func NewLoginCmd(rt *Runtime) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, rt, email, password)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address (or set SESSIONBRIDGE_EMAIL, will prompt if not provided)")
	cmd.Flags().StringVar(&password, "password", "", "Password (or set SESSIONBRIDGE_PASSWORD, will prompt if not provided)")

	return cmd
}

func runLogin(cmd *cobra.Command, rt *Runtime, email, password string) error {
	// Environment variables are useful for CI/CD
	if email == "" {
		email = os.Getenv("SESSIONBRIDGE_EMAIL")
	}
	if password == "" {
		password = os.Getenv("SESSIONBRIDGE_PASSWORD")
	}

	interactive := rt.In != nil && term.IsTerminal(int(rt.In.Fd()))

	if email == "" {
		if !interactive {
			return fmt.Errorf("email is required in non-interactive mode (use --email flag or SESSIONBRIDGE_EMAIL env var)")
		}
		var err error
		if email, err = promptEmail(); err != nil {
			return err
		}
	}

	if password == "" {
		if !interactive {
			return fmt.Errorf("password is required in non-interactive mode (use --password flag or SESSIONBRIDGE_PASSWORD env var)")
		}
		fmt.Fprint(rt.out(), "Password: ")
		bytePassword, err := term.ReadPassword(int(rt.In.Fd()))
		fmt.Fprintln(rt.out())
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = string(bytePassword)
	}

	ctx, p, err := rt.mount(cmd.Context())
	if err != nil {
		return err
	}
	defer p.Unmount()

	session, err := provider.UseClient(ctx).SignInWithPassword(ctx, email, password)
	if err != nil {
		if gotrue.IsAPIError(err, http.StatusBadRequest, http.StatusUnauthorized) {
			return fmt.Errorf("login failed: invalid email or password")
		}
		return fmt.Errorf("login failed: %w", err)
	}

	fmt.Fprintln(rt.out(), "✓ Login successful!")
	if session.User != nil {
		fmt.Fprintf(rt.out(), "  User: %s (%s)\n", session.User.Email, session.User.ID)
	}
	return nil
}

func promptEmail() (string, error) {
	prompt := promptui.Prompt{
		Label: "Email",
		Validate: func(input string) error {
			if _, err := mail.ParseAddress(input); err != nil {
				return errors.New("invalid email address")
			}
			return nil
		},
	}

	email, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("login cancelled: %w", err)
	}
	return email, nil
}
