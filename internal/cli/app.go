package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/neeiz/neeiz/internal/bridge"
	"github.com/neeiz/neeiz/internal/bridge/line"
	"github.com/neeiz/neeiz/internal/exchange"
	"github.com/neeiz/neeiz/internal/idp"
	"github.com/neeiz/neeiz/internal/session"
	"github.com/neeiz/neeiz/internal/tokenstore"
)

// errNoUser is returned when a sign-in finished without a published user.
var errNoUser = errors.New("sign-in did not produce a user")

// app wires the session core for a single command run.
type app struct {
	sdk      *line.SDK
	provider *idp.Client
	session  *session.Session
}

func newApp(out io.Writer) (*app, error) {
	store, err := tokenstore.OpenFileStore(cfg.StatePath, logger)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	sdk := line.NewSDK(line.Config{ChannelSecret: cfg.LineSecret}, store, httpClient, printOpener(out), logger)
	provider := idp.NewClient(cfg.APIURL, httpClient, store, logger)

	r := session.NewReconciler(session.Deps{
		Store:    store,
		Bridge:   bridge.NewClient(sdk, logger),
		Exchange: exchange.NewClient(cfg.APIURL, httpClient),
		Provider: provider,
		Logger:   logger,
	}, session.Config{
		AppID:            cfg.LineChannelID,
		BootstrapTimeout: cfg.BootstrapTimeout,
	})

	return &app{
		sdk:      sdk,
		provider: provider,
		session:  session.New(r, contentDir(cfg.CacheDir), cfg.RedirectURI),
	}, nil
}

func (a *app) Close() {
	a.session.Close()
	a.provider.Close()
}

// boot runs a bootstrap cycle and waits for it to settle.
func (a *app) boot(ctx context.Context) (session.State, error) {
	a.session.Boot(ctx)
	return a.settle(ctx)
}

func (a *app) settle(ctx context.Context) (session.State, error) {
	select {
	case <-a.session.Done():
		return a.session.State(), nil
	case <-ctx.Done():
		return session.State{}, ctx.Err()
	}
}

// waitForUser blocks until the live watch publishes a user or ctx is done.
func (a *app) waitForUser(ctx context.Context) (*session.User, error) {
	for st := range a.session.Watch(ctx) {
		if st.User != nil {
			return st.User, nil
		}
	}
	return nil, errNoUser
}

// printOpener asks the user to open the authorization URL themselves.
func printOpener(out io.Writer) line.Opener {
	return func(authURL string) error {
		_, err := fmt.Fprintf(out, "Open this URL in your browser to sign in with LINE:\n\n  %s\n\n", authURL)
		return err
	}
}

// contentDir is the on-disk content cache purged by a hard refresh.
type contentDir string

func (d contentDir) Purge() error {
	if d == "" {
		return nil
	}
	entries, err := os.ReadDir(string(d))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading cache directory: %w", err)
	}

	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(string(d), e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
