// Package session owns the authoritative current user. It reconciles the
// cached snapshot, the identity bridge, the backend exchange and the identity
// provider's live auth-state stream into one published value.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/neeiz/neeiz/internal/bridge"
	"github.com/neeiz/neeiz/internal/exchange"
	"github.com/neeiz/neeiz/internal/idp"
	"github.com/neeiz/neeiz/internal/tokenstore"
)

// errSignInAfterLogout reports a provider sign-in that completed after a
// logout and was reverted.
var errSignInAfterLogout = errors.New("session: logged out during sign-in")

// DefaultBootstrapTimeout bounds the asynchronous part of Boot.
const DefaultBootstrapTimeout = 10 * time.Second

// User is the authoritative user exposed to the application.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// State is a snapshot of the session as seen by consumers.
type State struct {
	User    *User
	Loading bool
	Err     error
}

// Exchanger is the backend surface the session core calls.
type Exchanger interface {
	ExchangeLineIdentity(ctx context.Context, idToken string, profile *bridge.Profile) (*exchange.LineSession, error)
	RegisterWithPassword(ctx context.Context, email, password, name string, role exchange.Role) (*exchange.Registration, error)
	LoginWithPassword(ctx context.Context, email, password string) (*exchange.Login, error)
	LoginForPortal(ctx context.Context, portal exchange.Role, email, password string) (*exchange.Login, error)
}

// Deps holds the collaborators of a Reconciler.
type Deps struct {
	Store    tokenstore.Store
	Bridge   *bridge.Client
	Exchange Exchanger
	Provider idp.Provider
	Logger   *slog.Logger
}

// Config tunes a Reconciler.
type Config struct {
	AppID            string
	BootstrapTimeout time.Duration
}

// Outcome is how the bridge path of a boot ended.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeCached
	OutcomeLoggedOut
	OutcomeReused
	OutcomeExchanged
	OutcomeFailed
	OutcomeSuperseded
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCached:
		return "cached"
	case OutcomeLoggedOut:
		return "logged_out"
	case OutcomeReused:
		return "reused"
	case OutcomeExchanged:
		return "exchanged"
	case OutcomeFailed:
		return "failed"
	case OutcomeSuperseded:
		return "superseded"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "pending"
	}
}

// Reconciler is the session state machine. One instance owns the process's
// bootstrap flags, live auth watch and published user.
//
// Every live callback, logout and bootstrap timeout advances epoch. A publish
// from the cache/bridge/exchange path carries the epoch it started under and
// is dropped once the epoch has moved on, so the live callback always wins.
type Reconciler struct {
	store    tokenstore.Store
	bridge   *bridge.Client
	exchange Exchanger
	provider idp.Provider
	logger   *slog.Logger
	appID    string
	timeout  time.Duration

	mu          sync.Mutex
	user        *User
	loading     bool
	lastErr     error
	outcome     Outcome
	epoch       uint64
	logouts     uint64
	signingIn   int
	staleSignIn int
	boot        uint64
	resolved    chan struct{}
	done        chan struct{}
	unsubscribe func()
	watchers    map[int]chan State
	nextWatch   int
}

// NewReconciler creates a Reconciler. Nothing happens until Boot.
func NewReconciler(deps Deps, cfg Config) *Reconciler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.BootstrapTimeout <= 0 {
		cfg.BootstrapTimeout = DefaultBootstrapTimeout
	}
	done := make(chan struct{})
	close(done)
	return &Reconciler{
		store:    deps.Store,
		bridge:   deps.Bridge,
		exchange: deps.Exchange,
		provider: deps.Provider,
		logger:   deps.Logger,
		appID:    cfg.AppID,
		timeout:  cfg.BootstrapTimeout,
		loading:  true,
		done:     done,
		watchers: make(map[int]chan State),
	}
}

// Boot starts a bootstrap cycle. The forced re-auth flag is consumed, a
// cached snapshot is published and the live watch is subscribed before Boot
// returns; the bridge path then runs in the background until Done is closed.
// Calling Boot again replaces the previous live watch.
func (r *Reconciler) Boot(ctx context.Context) {
	r.mu.Lock()
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	r.boot++
	bootID := r.boot
	r.loading = true
	r.lastErr = nil
	r.outcome = OutcomePending
	resolved := make(chan struct{})
	done := make(chan struct{})
	r.resolved = resolved
	r.done = done
	r.mu.Unlock()

	forced := r.consumeForceReauth(ctx)

	cached := false
	if !forced {
		cached = r.publishCached()
	}

	unsubscribe := r.provider.OnAuthStateChanged(func(u *idp.User) {
		r.onLive(bootID, u)
	})
	r.mu.Lock()
	if r.boot == bootID {
		r.unsubscribe = unsubscribe
	} else {
		unsubscribe()
	}
	r.mu.Unlock()

	r.broadcast()

	if cached {
		r.finish(bootID, OutcomeCached)
		close(done)
		return
	}

	go r.run(context.WithoutCancel(ctx), bootID, resolved, done)
}

// Done is closed when the current boot's background work has finished.
func (r *Reconciler) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Outcome reports how the current boot's bridge path ended.
func (r *Reconciler) Outcome() Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// LastError returns the user-visible error recorded by the last boot, if any.
func (r *Reconciler) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// EnsureInitializedOnce initializes the identity bridge at most once per
// process, however many callers race for it.
func (r *Reconciler) EnsureInitializedOnce(ctx context.Context) error {
	return r.bridge.Initialize(ctx, r.appID)
}

// Close stops the live watch.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.boot++
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	for id, ch := range r.watchers {
		delete(r.watchers, id)
		close(ch)
	}
}

func (r *Reconciler) consumeForceReauth(ctx context.Context) bool {
	if v, ok := r.store.Get(tokenstore.KeyForceReauth); !ok || v == "" {
		return false
	}

	if err := tokenstore.RemoveAll(r.store, tokenstore.CacheKeys...); err != nil {
		r.logger.Warn("failed to drop cached session", "error", err)
	}
	// The provider's persisted session holds the same backend token.
	if err := r.provider.SignOut(ctx); err != nil {
		r.logger.Warn("identity provider sign-out failed", "error", err)
	}
	if err := r.store.Remove(tokenstore.KeyForceReauth); err != nil {
		r.logger.Warn("failed to clear force re-auth flag", "error", err)
	}
	r.bridge.Reset()
	r.logger.Info("forced re-authentication, ignoring cached session")
	return true
}

// publishCached is the fast path: a snapshot with a completion marker is
// published without touching the network.
func (r *Reconciler) publishCached() bool {
	var u User
	switch tokenstore.ReadJSON(r.store, tokenstore.KeyAuthUser, &u) {
	case tokenstore.Miss:
		return false
	case tokenstore.Corrupt:
		if err := r.store.Remove(tokenstore.KeyAuthCompletedAt); err != nil {
			r.logger.Warn("failed to drop completion marker", "error", err)
		}
		r.logger.Warn("discarded corrupt cached user")
		return false
	}

	if v, ok := r.store.Get(tokenstore.KeyAuthCompletedAt); !ok || v == "" || u.ID == "" {
		return false
	}

	r.mu.Lock()
	r.user = &u
	r.loading = false
	r.mu.Unlock()
	r.logger.Debug("published cached user", "id", u.ID)
	return true
}

func (r *Reconciler) run(ctx context.Context, bootID uint64, resolved <-chan struct{}, done chan struct{}) {
	defer close(done)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result := make(chan Outcome, 1)
	go func() { result <- r.bridgePath(ctx, bootID, resolved) }()

	select {
	case outcome := <-result:
		r.finish(bootID, outcome)
	case <-ctx.Done():
		r.mu.Lock()
		if r.boot == bootID {
			r.epoch++
		}
		r.mu.Unlock()
		r.logger.Warn("session bootstrap timed out, continuing signed out", "timeout", r.timeout)
		r.finish(bootID, OutcomeTimedOut)
	}
}

func (r *Reconciler) finish(bootID uint64, outcome Outcome) {
	r.mu.Lock()
	if r.boot != bootID {
		r.mu.Unlock()
		return
	}
	r.outcome = outcome
	r.loading = false
	r.mu.Unlock()
	r.logger.Debug("session bootstrap finished", "outcome", outcome.String())
	r.broadcast()
}

// bridgePath runs the identity bridge, reusing a stored backend session when
// there is one and exchanging the platform identity otherwise. It waits for
// the provider to resolve its persisted session before deciding anything.
func (r *Reconciler) bridgePath(ctx context.Context, bootID uint64, resolved <-chan struct{}) Outcome {
	initErr := r.EnsureInitializedOnce(ctx)

	select {
	case <-resolved:
	case <-ctx.Done():
		return OutcomeTimedOut
	}

	r.mu.Lock()
	if r.boot != bootID {
		r.mu.Unlock()
		return OutcomeSuperseded
	}
	epoch := r.epoch
	r.mu.Unlock()

	if ctx.Err() != nil {
		return OutcomeTimedOut
	}
	if initErr != nil {
		var loadErr *bridge.SdkLoadError
		if errors.As(initErr, &loadErr) {
			r.logger.Warn("identity bridge unavailable", "error", initErr)
		} else {
			r.logger.Warn("identity bridge rejected initialization", "error", initErr)
		}
		return OutcomeLoggedOut
	}

	if !r.bridge.IsLoggedIn() {
		return OutcomeLoggedOut
	}

	idToken := r.bridge.IDToken()
	profile, err := r.bridge.Profile(ctx)
	if err != nil {
		r.logger.Info("platform profile unavailable, treating as logged out", "error", err)
		return OutcomeLoggedOut
	}

	previousPlatformUser, _ := r.store.Get(tokenstore.KeyLineUserID)
	r.storePlatform(idToken, profile)

	if previousPlatformUser == "" || previousPlatformUser == profile.PlatformUserID {
		if outcome, ok := r.reuse(ctx, epoch); ok {
			return outcome
		}
	}

	if idToken == "" {
		r.logger.Warn("platform reports a login but issued no id token")
		return OutcomeLoggedOut
	}

	ls, err := r.exchange.ExchangeLineIdentity(ctx, idToken, profile)
	if err != nil {
		r.mu.Lock()
		if r.boot == bootID {
			r.lastErr = err
		}
		r.mu.Unlock()
		r.logger.Error("backend identity exchange failed", "error", err)
		return OutcomeFailed
	}

	u := fromBackend(ls.User)
	now := time.Now().UTC().Format(time.RFC3339)
	published := r.publishAt(epoch, u, func() {
		r.set(tokenstore.KeySessionToken, ls.SessionToken)
		r.set(tokenstore.KeySessionTokenIssuedAt, now)
		r.writeJSON(tokenstore.KeySessionUser, ls.User)
		r.writeJSON(tokenstore.KeyAuthUser, u)
		r.set(tokenstore.KeyAuthCompletedAt, now)
	})
	if !published {
		r.logger.Info("discarded exchange result superseded by live auth state")
		return OutcomeSuperseded
	}

	if err := r.signIn(ctx, ls.SessionToken); err != nil {
		if errors.Is(err, errSignInAfterLogout) {
			return OutcomeSuperseded
		}
		r.logger.Error("identity provider sign-in failed", "error", err)
	}
	return OutcomeExchanged
}

// reuse publishes a stored backend session without calling the backend. When
// the provider has no live user the stored token is redeemed first; a token
// the provider refuses is purged and reuse is abandoned.
func (r *Reconciler) reuse(ctx context.Context, epoch uint64) (Outcome, bool) {
	token, ok := r.store.Get(tokenstore.KeySessionToken)
	if !ok || token == "" {
		return OutcomePending, false
	}
	var stored exchange.User
	if tokenstore.ReadJSON(r.store, tokenstore.KeySessionUser, &stored) != tokenstore.Hit || stored.UID == "" {
		return OutcomePending, false
	}

	signedIn := false
	if r.provider.CurrentUser() == nil {
		if !r.current(epoch) {
			return OutcomeSuperseded, true
		}
		if err := r.signIn(ctx, token); err != nil {
			if errors.Is(err, errSignInAfterLogout) {
				return OutcomeSuperseded, true
			}
			r.logger.Warn("stored session token rejected, discarding", "error", err)
			if err := tokenstore.RemoveAll(r.store, tokenstore.CacheKeys...); err != nil {
				r.logger.Warn("failed to discard stored session", "error", err)
			}
			return OutcomePending, false
		}
		signedIn = true
	}

	// After a sign-in the live callback has already published the user.
	u := fromBackend(stored)
	published := r.publishAt(epoch, u, func() {
		r.writeJSON(tokenstore.KeyAuthUser, u)
		r.set(tokenstore.KeyAuthCompletedAt, time.Now().UTC().Format(time.RFC3339))
	})
	if !published && !signedIn {
		return OutcomeSuperseded, true
	}
	r.logger.Debug("reused stored backend session", "id", u.ID)
	return OutcomeReused, true
}

// signIn redeems token with the provider. A logout that lands while the call
// is in flight wins: live callbacks carrying a user are ignored until the call
// returns, and the session it created is signed out again.
func (r *Reconciler) signIn(ctx context.Context, token string) error {
	r.mu.Lock()
	gen := r.logouts
	r.signingIn++
	r.mu.Unlock()

	u, err := r.provider.SignInWithCustomToken(ctx, token)

	r.mu.Lock()
	if r.logouts == gen {
		r.signingIn--
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	var live *idp.User
	if err == nil && u != nil {
		live = r.provider.CurrentUser()
		if live != nil && live.UID == u.UID {
			r.logger.Info("signing out session that completed after logout", "id", u.UID)
			if err := r.provider.SignOut(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("identity provider sign-out failed", "error", err)
			}
			live = nil
		}
	}

	r.mu.Lock()
	r.staleSignIn--
	bootID := r.boot
	r.mu.Unlock()

	// A different user signed in meanwhile; its callback was held back.
	if live != nil {
		r.onLive(bootID, live)
	}
	return errSignInAfterLogout
}

func (r *Reconciler) storePlatform(idToken string, p *bridge.Profile) {
	r.set(tokenstore.KeyLineIDToken, idToken)
	r.set(tokenstore.KeyLineTokenTimestamp, time.Now().UTC().Format(time.RFC3339))
	r.set(tokenstore.KeyLineUserID, p.PlatformUserID)
	r.set(tokenstore.KeyLineDisplayName, p.DisplayName)
	r.set(tokenstore.KeyLinePictureURL, p.PictureURL)
	r.set(tokenstore.KeyLineStatusMessage, p.StatusMessage)
}

func (r *Reconciler) current(epoch uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch == epoch
}

// publishAt publishes u and runs persist only if no live callback, logout or
// timeout has happened since epoch was observed.
func (r *Reconciler) publishAt(epoch uint64, u *User, persist func()) bool {
	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		return false
	}
	r.user = u
	r.loading = false
	persist()
	r.mu.Unlock()
	r.broadcast()
	return true
}

// onLive applies an auth-state change from the identity provider.
func (r *Reconciler) onLive(bootID uint64, pu *idp.User) {
	// Deliveries are asynchronous; a user the provider has since dropped is
	// stale.
	gone := false
	if pu != nil {
		cur := r.provider.CurrentUser()
		gone = cur == nil || cur.UID != pu.UID
	}

	r.mu.Lock()
	if r.boot != bootID {
		r.mu.Unlock()
		return
	}
	select {
	case <-r.resolved:
	default:
		close(r.resolved)
	}
	if pu != nil && (gone || r.staleSignIn > 0) {
		r.mu.Unlock()
		r.logger.Debug("ignored stale live sign-in", "id", pu.UID)
		return
	}
	r.epoch++

	if pu == nil {
		// Signing out a published user purges everything. With nobody
		// published only the snapshot goes, so a stored backend session can
		// still be redeemed by the bridge path.
		keys := []string{tokenstore.KeyAuthUser, tokenstore.KeyAuthCompletedAt}
		if r.user != nil {
			keys = tokenstore.SessionKeys
		}
		r.user = nil
		if err := tokenstore.RemoveAll(r.store, keys...); err != nil {
			r.logger.Warn("failed to purge session cache", "error", err)
		}
	} else {
		u := r.mergeLocked(pu)
		r.user = u
		r.writeJSON(tokenstore.KeyAuthUser, u)
		r.set(tokenstore.KeyAuthCompletedAt, time.Now().UTC().Format(time.RFC3339))
	}
	r.loading = false
	r.mu.Unlock()

	if pu == nil {
		r.logger.Debug("live auth state: signed out")
	} else {
		r.logger.Debug("live auth state: signed in", "id", pu.UID)
	}
	r.broadcast()
}

// mergeLocked takes the provider's claims and fills empty fields from the
// published user or the stored backend payload for the same id.
func (r *Reconciler) mergeLocked(pu *idp.User) *User {
	u := &User{ID: pu.UID, Name: pu.DisplayName, Email: pu.Email, Picture: pu.PhotoURL}

	fill := func(from *User) {
		if from == nil || from.ID != u.ID {
			return
		}
		if u.Name == "" {
			u.Name = from.Name
		}
		if u.Email == "" {
			u.Email = from.Email
		}
		if u.Picture == "" {
			u.Picture = from.Picture
		}
	}

	fill(r.user)
	var stored exchange.User
	if tokenstore.ReadJSON(r.store, tokenstore.KeySessionUser, &stored) == tokenstore.Hit {
		fill(fromBackend(stored))
	}
	return u
}

func (r *Reconciler) set(key, value string) {
	if err := r.store.Set(key, value); err != nil {
		r.logger.Warn("failed to persist session value", "key", key, "error", err)
	}
}

func (r *Reconciler) writeJSON(key string, v any) {
	if err := tokenstore.WriteJSON(r.store, key, v); err != nil {
		r.logger.Warn("failed to persist session value", "key", key, "error", err)
	}
}

func fromBackend(u exchange.User) *User {
	return &User{ID: u.UID, Name: u.DisplayName, Email: u.Email, Picture: u.PictureURL}
}

// snapshot returns the current state.
func (r *Reconciler) snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reconciler) snapshotLocked() State {
	s := State{Loading: r.loading, Err: r.lastErr}
	if r.user != nil {
		u := *r.user
		s.User = &u
	}
	return s
}

// watch registers a latest-value channel that always holds the newest state.
func (r *Reconciler) watch() (<-chan State, func()) {
	ch := make(chan State, 1)

	r.mu.Lock()
	id := r.nextWatch
	r.nextWatch++
	r.watchers[id] = ch
	ch <- r.snapshotLocked()
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.watchers[id]; ok {
			delete(r.watchers, id)
			close(ch)
		}
	}
}

func (r *Reconciler) broadcast() {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.snapshotLocked()
	for _, ch := range r.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}
