package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neeiz/neeiz/internal/exchange"
	"github.com/neeiz/neeiz/internal/tokenstore"
)

// ErrSignedOut is returned by RequireUser when nobody is signed in.
var ErrSignedOut = errors.New("session: signed out")

// ErrLoading is returned by RequireUser while the session is still resolving.
var ErrLoading = errors.New("session: still loading")

// ContentCache is any local content cache HardRefresh must purge.
type ContentCache interface {
	Purge() error
}

// Session is what the rest of the application talks to.
type Session struct {
	*Reconciler
	content     ContentCache
	redirectURI string
}

// New creates a Session over r. content may be nil.
func New(r *Reconciler, content ContentCache, redirectURI string) *Session {
	return &Session{Reconciler: r, content: content, redirectURI: redirectURI}
}

// User returns the authoritative user, or nil when signed out.
func (s *Session) User() *User {
	return s.snapshot().User
}

// IsLoading reports whether the first publish of the current boot is pending.
func (s *Session) IsLoading() bool {
	return s.snapshot().Loading
}

// State returns the current session state.
func (s *Session) State() State {
	return s.snapshot()
}

// Watch returns a channel that always holds the newest state. Intermediate
// states may be skipped. The channel is closed when ctx is done.
func (s *Session) Watch(ctx context.Context) <-chan State {
	ch, stop := s.watch()
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ch
}

// RequireUser gates protected views.
func (s *Session) RequireUser() (*User, error) {
	st := s.snapshot()
	switch {
	case st.User != nil:
		return st.User, nil
	case st.Loading:
		return nil, ErrLoading
	default:
		return nil, ErrSignedOut
	}
}

// Login starts the platform's redirect login. Control resumes at the
// configured redirect URI.
func (s *Session) Login(ctx context.Context) error {
	if err := s.EnsureInitializedOnce(ctx); err != nil {
		return err
	}
	return s.bridge.Login(s.redirectURI)
}

// LoginWithPassword signs in with email and password. With a non-empty
// portal the account's role must match it; a *exchange.ForbiddenRoleError
// leaves the token store untouched.
func (s *Session) LoginWithPassword(ctx context.Context, portal exchange.Role, email, password string) error {
	var (
		login *exchange.Login
		err   error
	)
	if portal == "" {
		login, err = s.exchange.LoginWithPassword(ctx, email, password)
	} else {
		login, err = s.exchange.LoginForPortal(ctx, portal, email, password)
	}
	if err != nil {
		s.logger.Warn("password login failed", "portal", string(portal), "error", err)
		return err
	}
	return s.adopt(ctx, login.SessionToken)
}

// Register creates a password account and signs it in.
func (s *Session) Register(ctx context.Context, email, password, name string, role exchange.Role) error {
	reg, err := s.exchange.RegisterWithPassword(ctx, email, password, name, role)
	if err != nil {
		s.logger.Warn("registration failed", "error", err)
		return err
	}
	return s.adopt(ctx, reg.SessionToken)
}

// adopt persists a backend session token and redeems it with the provider.
// The live callback publishes the user.
func (s *Session) adopt(ctx context.Context, token string) error {
	s.set(tokenstore.KeySessionToken, token)
	s.set(tokenstore.KeySessionTokenIssuedAt, time.Now().UTC().Format(time.RFC3339))

	if err := s.signIn(ctx, token); err != nil {
		return fmt.Errorf("signing in with session token: %w", err)
	}
	return nil
}

// Logout ends the session everywhere: the provider session, every local
// cache and the platform login. The bridge flags are reset so the next login
// initializes again.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.epoch++
	s.logouts++
	s.staleSignIn += s.signingIn
	s.signingIn = 0
	s.user = nil
	s.loading = false
	s.lastErr = nil
	s.mu.Unlock()

	var errs []error
	if err := s.provider.SignOut(ctx); err != nil {
		s.logger.Warn("identity provider sign-out failed", "error", err)
		errs = append(errs, err)
	}
	if err := s.store.Clear(); err != nil {
		s.logger.Error("failed to clear token store", "error", err)
		errs = append(errs, err)
	}
	s.bridge.Logout()
	s.bridge.Reset()

	s.broadcast()
	s.logger.Info("signed out")
	return errors.Join(errs...)
}

// HardRefresh purges local content caches and boots again. The session
// itself is kept.
func (s *Session) HardRefresh(ctx context.Context) error {
	var err error
	if s.content != nil {
		if err = s.content.Purge(); err != nil {
			s.logger.Warn("failed to purge content cache", "error", err)
		}
	}
	s.Boot(ctx)
	return err
}

// RequestReauth makes the next boot ignore every cached session artifact.
func (s *Session) RequestReauth() error {
	return s.store.Set(tokenstore.KeyForceReauth, "true")
}
