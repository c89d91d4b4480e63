package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neeiz/neeiz/internal/session"
	"github.com/neeiz/neeiz/internal/tokenstore"
)

func setupCLITest(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("NEEIZ_API_URL", "http://127.0.0.1:1")
	t.Setenv("NEEIZ_CACHE_DIR", filepath.Join(dir, "cache"))
	t.Setenv("NEEIZ_LOG_LEVEL", "error")

	apiURL = ""
	statePath = ""
	verbose = false
	for _, name := range []string{"email", "password", "portal"} {
		_ = loginCmd.Flags().Set(name, "")
	}
	return filepath.Join(dir, "state.json")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func writeState(t *testing.T, path string, values map[string]string) {
	t.Helper()
	data, err := json.Marshal(values)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func readState(t *testing.T, path string) map[string]string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	values := map[string]string{}
	require.NoError(t, json.Unmarshal(data, &values))
	return values
}

func TestRootCmd_HelpListsCommands(t *testing.T) {
	setupCLITest(t)

	out, err := execute(t, "--help")

	require.NoError(t, err)
	for _, name := range []string{"status", "login", "register", "logout", "refresh", "reauth", "version"} {
		assert.Contains(t, out, name)
	}
}

func TestRootCmd_UnknownCommand(t *testing.T) {
	setupCLITest(t)

	_, err := execute(t, "nonexistent-command")

	assert.Error(t, err)
}

func TestInitConfig_FlagsOverrideEnvironment(t *testing.T) {
	path := setupCLITest(t)

	_, err := execute(t, "version", "--api-url", "https://api.neeiz.test", "--state", path)

	require.NoError(t, err)
	assert.Equal(t, "https://api.neeiz.test", cfg.APIURL)
	assert.Equal(t, path, cfg.StatePath)
	assert.Equal(t, "http://127.0.0.1:8765/callback", cfg.RedirectURI)
}

func TestLogin_FlagValidation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"portal without email", []string{"--portal", "employer"}, "--portal requires --email"},
		{"email without password", []string{"--email", "ann@example.com"}, "--password is required"},
		{"unknown portal", []string{"--email", "ann@example.com", "--password", "x", "--portal", "admin"}, "unknown portal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := setupCLITest(t)

			_, err := execute(t, append([]string{"login", "--state", path}, tt.args...)...)

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.NoFileExists(t, path)
		})
	}
}

func TestLogout_ClearsState(t *testing.T) {
	path := setupCLITest(t)
	writeState(t, path, map[string]string{
		tokenstore.KeySessionToken: "tok",
		tokenstore.KeyAuthUser:     `{"id":"u1","name":"Ann"}`,
		tokenstore.KeyLineUserID:   "U1",
	})

	out, err := execute(t, "logout", "--state", path)

	require.NoError(t, err)
	assert.Contains(t, out, "Signed out.")
	assert.Empty(t, readState(t, path))
}

func TestReauth_SetsFlag(t *testing.T) {
	path := setupCLITest(t)

	out, err := execute(t, "reauth", "--state", path)

	require.NoError(t, err)
	assert.Contains(t, out, "ignored on the next run")
	assert.Equal(t, "true", readState(t, path)[tokenstore.KeyForceReauth])
}

func TestRefresh_PurgesContentAndKeepsSession(t *testing.T) {
	path := setupCLITest(t)
	cacheDir := os.Getenv("NEEIZ_CACHE_DIR")
	require.NoError(t, os.MkdirAll(filepath.Join(cacheDir, "jobs"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "jobs", "list.json"), []byte("[]"), 0o600))
	writeState(t, path, map[string]string{
		tokenstore.KeyAuthUser:        `{"id":"u1","name":"Ann"}`,
		tokenstore.KeyAuthCompletedAt: "2026-10-01T00:00:00Z",
	})

	out, err := execute(t, "refresh", "--state", path)

	require.NoError(t, err)
	assert.Contains(t, out, "session: cached")
	assert.NoDirExists(t, filepath.Join(cacheDir, "jobs"))
	assert.DirExists(t, cacheDir)
}

func TestContentDir_Purge(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte("{}"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested", "deep"), 0o700))

	require.NoError(t, contentDir(dir).Purge())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.NoError(t, contentDir(filepath.Join(dir, "missing")).Purge())
	assert.NoError(t, contentDir("").Purge())
}

func TestPrintState(t *testing.T) {
	user := &session.User{ID: "u1", Name: "Ann", Email: "ann@example.com"}

	t.Run("text signed in", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, printState(buf, session.State{User: user}, session.OutcomeReused, false))
		assert.Contains(t, buf.String(), "Signed in as Ann")
		assert.Contains(t, buf.String(), "ann@example.com")
		assert.Contains(t, buf.String(), "session: reused")
	})

	t.Run("text signed out with error", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, printState(buf, session.State{Err: errors.New("exchange refused")}, session.OutcomeFailed, false))
		assert.Contains(t, buf.String(), "Not signed in.")
		assert.Contains(t, buf.String(), "exchange refused")
	})

	t.Run("json", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, printState(buf, session.State{User: user}, session.OutcomeExchanged, true))

		var got statusOutput
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.True(t, got.SignedIn)
		assert.Equal(t, "u1", got.User.ID)
		assert.Equal(t, "exchanged", got.Outcome)
	})
}

func TestCallbackRouter(t *testing.T) {
	t.Run("delivers code and state", func(t *testing.T) {
		results := make(chan callbackResult, 1)
		rec := httptest.NewRecorder()

		callbackRouter("/callback", results).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback?code=abc&state=xyz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		res := <-results
		require.NoError(t, res.err)
		assert.Equal(t, "abc", res.code)
		assert.Equal(t, "xyz", res.state)
	})

	t.Run("reports a refused login", func(t *testing.T) {
		results := make(chan callbackResult, 1)
		rec := httptest.NewRecorder()

		callbackRouter("/callback", results).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback?error=access_denied&state=xyz", nil))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		res := <-results
		require.Error(t, res.err)
		assert.Contains(t, res.err.Error(), "access_denied")
	})

	t.Run("other paths are not served", func(t *testing.T) {
		rec := httptest.NewRecorder()
		callbackRouter("/callback", make(chan callbackResult, 1)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelWarn, parseLevel(""))
}
