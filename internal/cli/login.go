package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/neeiz/neeiz/internal/exchange"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with LINE or with email and password",
	Long: `Sign in to Neeiz.

Without --email the LINE login is started: the authorization URL is printed
and a local listener on the redirect URI waits for the callback. With --email
the password is checked by the backend; --portal restricts the sign-in to
seeker or employer accounts.`,
	Example: `  neeiz login
  neeiz login --email ann@example.com --password secret1
  neeiz login --email ann@example.com --password secret1 --portal employer`,
	RunE: runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)

	loginCmd.Flags().String("email", "", "account email")
	loginCmd.Flags().String("password", "", "account password")
	loginCmd.Flags().String("portal", "", "portal to sign in through (seeker, employer)")
	loginCmd.Flags().Duration("wait", 5*time.Minute, "how long to wait for the sign-in to complete")
}

func runLogin(cmd *cobra.Command, args []string) error {
	email, _ := cmd.Flags().GetString("email")
	password, _ := cmd.Flags().GetString("password")
	portal, _ := cmd.Flags().GetString("portal")
	wait, _ := cmd.Flags().GetDuration("wait")

	role, err := parsePortal(portal)
	if err != nil {
		return err
	}
	if email == "" && role != "" {
		return errors.New("--portal requires --email")
	}
	if email != "" && password == "" {
		return errors.New("--password is required with --email")
	}

	a, err := newApp(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), wait)
	defer cancel()

	if email != "" {
		return passwordLogin(ctx, cmd, a, role, email, password)
	}
	return lineLogin(ctx, cmd, a)
}

func parsePortal(s string) (exchange.Role, error) {
	switch exchange.Role(s) {
	case "":
		return "", nil
	case exchange.RoleSeeker, exchange.RoleEmployer:
		return exchange.Role(s), nil
	default:
		return "", fmt.Errorf("unknown portal %q (want seeker or employer)", s)
	}
}

func passwordLogin(ctx context.Context, cmd *cobra.Command, a *app, role exchange.Role, email, password string) error {
	if _, err := a.boot(ctx); err != nil {
		return err
	}

	if err := a.session.LoginWithPassword(ctx, role, email, password); err != nil {
		var forbidden *exchange.ForbiddenRoleError
		if errors.As(err, &forbidden) {
			return fmt.Errorf("this account cannot use the %s portal", forbidden.Portal)
		}
		return err
	}

	u, err := a.waitForUser(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", displayName(u))
	return nil
}

type callbackResult struct {
	code  string
	state string
	err   error
}

func lineLogin(ctx context.Context, cmd *cobra.Command, a *app) error {
	st, err := a.boot(ctx)
	if err != nil {
		return err
	}
	if st.User != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Already signed in as %s\n", displayName(st.User))
		return nil
	}

	redirect, err := url.Parse(cfg.RedirectURI)
	if err != nil {
		return fmt.Errorf("parsing redirect URI: %w", err)
	}
	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return fmt.Errorf("listening for the login callback: %w", err)
	}

	results := make(chan callbackResult, 1)
	srv := &http.Server{
		Handler:           callbackRouter(redirect.Path, results),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("login callback listener stopped", "error", err)
		}
	}()
	defer srv.Close()

	if err := a.session.Login(ctx); err != nil {
		return fmt.Errorf("starting LINE login: %w", err)
	}

	var res callbackResult
	select {
	case res = <-results:
	case <-ctx.Done():
		return fmt.Errorf("waiting for the LINE callback: %w", ctx.Err())
	}
	if res.err != nil {
		return res.err
	}

	if err := a.sdk.CompleteLogin(ctx, res.code, res.state); err != nil {
		return fmt.Errorf("completing LINE login: %w", err)
	}

	st, err = a.boot(ctx)
	if err != nil {
		return err
	}
	if st.User == nil {
		if st.Err != nil {
			return st.Err
		}
		return errNoUser
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", displayName(st.User))
	return nil
}

// callbackRouter serves the redirect URI and hands the first callback to
// results.
func callbackRouter(path string, results chan<- callbackResult) http.Handler {
	if path == "" {
		path = "/"
	}

	r := chi.NewRouter()
	r.Get(path, func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()

		res := callbackResult{code: q.Get("code"), state: q.Get("state")}
		switch {
		case q.Get("error") != "":
			res.err = fmt.Errorf("LINE login was not completed: %s %s", q.Get("error"), q.Get("error_description"))
		case res.code == "":
			res.err = errors.New("LINE callback carried no authorization code")
		}

		select {
		case results <- res:
		default:
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if res.err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintln(w, "Sign-in failed. Return to the terminal for details.")
			return
		}
		fmt.Fprintln(w, "Signed in. You can close this window.")
	})
	return r
}
