package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/neeiz/neeiz/internal/session"
)

type statusOutput struct {
	SignedIn bool          `json:"signedIn"`
	User     *session.User `json:"user,omitempty"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"whoami"},
	Short:   "Show the current session",
	Long: `Resolve the session the way the app does at launch and print the result.

A cached user is shown immediately; otherwise the LINE login is reused or
exchanged with the backend.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().Bool("json", false, "output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.boot(cmd.Context())
	if err != nil {
		return err
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	return printState(cmd.OutOrStdout(), st, a.session.Outcome(), jsonOutput)
}

func printState(w io.Writer, st session.State, outcome session.Outcome, jsonOutput bool) error {
	if jsonOutput {
		out := statusOutput{SignedIn: st.User != nil, User: st.User, Outcome: outcome.String()}
		if st.Err != nil {
			out.Error = st.Err.Error()
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if st.User == nil {
		fmt.Fprintln(w, "Not signed in.")
	} else {
		fmt.Fprintf(w, "Signed in as %s\n", displayName(st.User))
		fmt.Fprintf(w, "  id:      %s\n", st.User.ID)
		if st.User.Email != "" {
			fmt.Fprintf(w, "  email:   %s\n", st.User.Email)
		}
		if st.User.Picture != "" {
			fmt.Fprintf(w, "  picture: %s\n", st.User.Picture)
		}
	}
	fmt.Fprintf(w, "  session: %s\n", outcome)
	if st.Err != nil {
		fmt.Fprintf(w, "  error:   %v\n", st.Err)
	}
	return nil
}

func displayName(u *session.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}
