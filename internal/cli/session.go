package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out everywhere",
	Long: `Sign out of the identity provider, drop every stored session value and
log out of LINE.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.session.Logout(cmd.Context()); err != nil {
			logger.Warn("sign-out finished with errors", "error", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Purge cached content and resolve the session again",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()

		purgeErr := a.session.HardRefresh(cmd.Context())
		st, err := a.settle(cmd.Context())
		if err != nil {
			return err
		}
		if err := printState(cmd.OutOrStdout(), st, a.session.Outcome(), false); err != nil {
			return err
		}
		if purgeErr != nil {
			return fmt.Errorf("purging content cache: %w", purgeErr)
		}
		return nil
	},
}

var reauthCmd = &cobra.Command{
	Use:   "reauth",
	Short: "Ignore cached sessions on the next run",
	Long: `Mark the stored session for re-authentication. The next command that
resolves the session drops every cached value and goes through LINE again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.session.RequestReauth(); err != nil {
			return fmt.Errorf("requesting re-authentication: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Cached sessions will be ignored on the next run.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(reauthCmd)
}
