// Package cli contains the commands of the neeiz shell.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/neeiz/neeiz/internal/config"
)

var (
	apiURL    string
	statePath string
	verbose   bool
	cfg       *config.ClientConfig
	logger    *slog.Logger
	version   = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "neeiz",
	Short: "Neeiz session shell",
	Long: `neeiz signs in to Neeiz from the terminal and keeps the session between runs.

Example usage:
  neeiz status                                   # Resolve and show the current session
  neeiz login                                    # Sign in with LINE in the browser
  neeiz login --email a@b.co --portal employer   # Sign in to the employer portal
  neeiz register --email a@b.co --name Ann       # Create a password account
  neeiz logout                                   # Sign out everywhere`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// SetVersion sets the version string for the CLI.
func SetVersion(v string) {
	version = v
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "auth backend base URL (overrides NEEIZ_API_URL)")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "session state file (overrides NEEIZ_STATE_PATH)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// initConfig reads NEEIZ_ variables and applies flag overrides.
func initConfig() error {
	loaded, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if apiURL != "" {
		loaded.APIURL = apiURL
	}
	if statePath != "" {
		loaded.StatePath = statePath
	}
	if loaded.StatePath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("locating config directory: %w", err)
		}
		loaded.StatePath = filepath.Join(dir, "neeiz", "state.json")
	}
	if loaded.CacheDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("locating cache directory: %w", err)
		}
		loaded.CacheDir = filepath.Join(dir, "neeiz")
	}

	level := parseLevel(loaded.LogLevel)
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	cfg = loaded
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
