package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/neeiz/neeiz/internal/exchange"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create a password account and sign in",
	Example: `  neeiz register --email ann@example.com --password secret1 --name Ann
  neeiz register --email shop@example.com --password secret1 --name Shop --role employer`,
	RunE: runRegister,
}

func init() {
	rootCmd.AddCommand(registerCmd)

	registerCmd.Flags().String("email", "", "account email")
	registerCmd.Flags().String("password", "", "account password (at least 6 characters)")
	registerCmd.Flags().String("name", "", "display name")
	registerCmd.Flags().String("role", string(exchange.RoleSeeker), "account role (seeker, employer)")
	registerCmd.Flags().Duration("wait", time.Minute, "how long to wait for the sign-in to complete")
	_ = registerCmd.MarkFlagRequired("email")
	_ = registerCmd.MarkFlagRequired("password")
	_ = registerCmd.MarkFlagRequired("name")
}

func runRegister(cmd *cobra.Command, args []string) error {
	email, _ := cmd.Flags().GetString("email")
	password, _ := cmd.Flags().GetString("password")
	name, _ := cmd.Flags().GetString("name")
	roleFlag, _ := cmd.Flags().GetString("role")
	wait, _ := cmd.Flags().GetDuration("wait")

	role, err := parsePortal(roleFlag)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), wait)
	defer cancel()

	if _, err := a.boot(ctx); err != nil {
		return err
	}

	if err := a.session.Register(ctx, email, password, name, role); err != nil {
		var regErr *exchange.RegistrationError
		if errors.As(err, &regErr) {
			switch regErr.Kind {
			case exchange.RegistrationDuplicateEmail:
				return fmt.Errorf("%s is already registered", email)
			case exchange.RegistrationWeakPassword:
				return errors.New("password must be at least 6 characters")
			}
		}
		return err
	}

	u, err := a.waitForUser(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registered and signed in as %s\n", displayName(u))
	return nil
}
