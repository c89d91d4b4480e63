package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neeiz/neeiz/internal/bridge"
	"github.com/neeiz/neeiz/internal/exchange"
	"github.com/neeiz/neeiz/internal/idp"
	"github.com/neeiz/neeiz/internal/session"
	"github.com/neeiz/neeiz/internal/tokenstore"
)

// --- Fake identity bridge SDK ---

type fakeSDK struct {
	loadCalls atomic.Int32
	initCalls atomic.Int32
	initGate  chan struct{}
	loadErr   error

	mu         sync.Mutex
	loggedIn   bool
	idToken    string
	profile    *bridge.Profile
	logoutHits int
	loginURI   string
}

func (f *fakeSDK) Load(_ context.Context) error {
	f.loadCalls.Add(1)
	return f.loadErr
}

func (f *fakeSDK) Init(_ context.Context, _ string) error {
	f.initCalls.Add(1)
	if f.initGate != nil {
		<-f.initGate
	}
	return nil
}

func (f *fakeSDK) IsLoggedIn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedIn
}

func (f *fakeSDK) IDToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idToken
}

func (f *fakeSDK) Profile(_ context.Context) (*bridge.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.profile == nil {
		return nil, errors.New("platform session expired")
	}
	p := *f.profile
	return &p, nil
}

func (f *fakeSDK) Login(redirectURI string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginURI = redirectURI
	return nil
}

func (f *fakeSDK) Logout() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutHits++
	f.loggedIn = false
	return errors.New("already logged out")
}

func (f *fakeSDK) platformLogin(idToken string, p bridge.Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedIn = true
	f.idToken = idToken
	f.profile = &p
}

// --- Fake backend ---

type fakeExchange struct {
	calls atomic.Int32
	gate  chan struct{}

	session *exchange.LineSession
	err     error

	login    *exchange.Login
	loginErr error
	reg      *exchange.Registration
	regErr   error
}

func (f *fakeExchange) ExchangeLineIdentity(ctx context.Context, _ string, _ *bridge.Profile) (*exchange.LineSession, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.session, f.err
}

func (f *fakeExchange) RegisterWithPassword(_ context.Context, _, _, _ string, _ exchange.Role) (*exchange.Registration, error) {
	return f.reg, f.regErr
}

func (f *fakeExchange) LoginWithPassword(_ context.Context, _, _ string) (*exchange.Login, error) {
	return f.login, f.loginErr
}

func (f *fakeExchange) LoginForPortal(_ context.Context, _ exchange.Role, _, _ string) (*exchange.Login, error) {
	return f.login, f.loginErr
}

// --- Fake identity provider ---

// fakeProvider delivers auth-state changes synchronously.
type fakeProvider struct {
	mu        sync.Mutex
	current   *idp.User
	listeners map[int]func(*idp.User)
	next      int

	claims    map[string]*idp.User
	signInErr error
	signIns   []string
	signOuts  int

	// When set, SignInWithCustomToken reports on signInStarted and blocks
	// until signInGate is closed.
	signInGate    chan struct{}
	signInStarted chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		listeners: make(map[int]func(*idp.User)),
		claims:    make(map[string]*idp.User),
	}
}

func (f *fakeProvider) OnAuthStateChanged(fn func(*idp.User)) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.listeners[id] = fn
	cur := f.current
	f.mu.Unlock()

	fn(cur)
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeProvider) emit(u *idp.User) {
	f.mu.Lock()
	f.current = u
	fns := make([]func(*idp.User), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}

// deliverLate calls listeners with u without changing the current user, the
// way a queued delivery arrives after the provider moved on.
func (f *fakeProvider) deliverLate(u *idp.User) {
	f.mu.Lock()
	fns := make([]func(*idp.User), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}

func (f *fakeProvider) SignInWithCustomToken(_ context.Context, token string) (*idp.User, error) {
	if f.signInGate != nil {
		f.signInStarted <- struct{}{}
		<-f.signInGate
	}

	f.mu.Lock()
	f.signIns = append(f.signIns, token)
	err := f.signInErr
	u, ok := f.claims[token]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !ok {
		u = &idp.User{UID: "uid-" + token}
	}
	f.emit(u)
	return u, nil
}

func (f *fakeProvider) SignOut(_ context.Context) error {
	f.mu.Lock()
	f.signOuts++
	f.mu.Unlock()
	f.emit(nil)
	return nil
}

func (f *fakeProvider) CurrentUser() *idp.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// gateSignIns makes the next sign-in block until the returned func is called.
func (f *fakeProvider) gateSignIns() (started <-chan struct{}, release func()) {
	f.signInGate = make(chan struct{})
	f.signInStarted = make(chan struct{}, 1)
	return f.signInStarted, func() { close(f.signInGate) }
}

func (f *fakeProvider) signInTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.signIns...)
}

func (f *fakeProvider) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

// --- Content cache ---

type fakeContentCache struct{ purges atomic.Int32 }

func (c *fakeContentCache) Purge() error {
	c.purges.Add(1)
	return nil
}

// --- Harness ---

type harness struct {
	store    *tokenstore.MemoryStore
	sdk      *fakeSDK
	bridge   *bridge.Client
	exchange *fakeExchange
	provider *fakeProvider
	content  *fakeContentCache
	session  *session.Session
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		store:    tokenstore.NewMemoryStore(),
		sdk:      &fakeSDK{},
		exchange: &fakeExchange{},
		provider: newFakeProvider(),
		content:  &fakeContentCache{},
	}
	h.bridge = bridge.NewClient(h.sdk, nil)
	r := session.NewReconciler(session.Deps{
		Store:    h.store,
		Bridge:   h.bridge,
		Exchange: h.exchange,
		Provider: h.provider,
	}, session.Config{AppID: "app-1", BootstrapTimeout: timeout})
	h.session = session.New(r, h.content, "https://app.example/callback")
	t.Cleanup(h.session.Close)
	return h
}

func (h *harness) bootAndWait(t *testing.T) {
	t.Helper()
	h.session.Boot(context.Background())
	waitDone(t, h.session)
}

func waitDone(t *testing.T, s *session.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		require.FailNow(t, "boot did not finish")
	}
}

func (h *harness) seedSnapshot(t *testing.T, u session.User) {
	t.Helper()
	require.NoError(t, tokenstore.WriteJSON(h.store, tokenstore.KeyAuthUser, u))
	require.NoError(t, h.store.Set(tokenstore.KeyAuthCompletedAt, "2026-01-01T00:00:00Z"))
}
