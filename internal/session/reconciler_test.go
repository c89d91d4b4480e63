package session_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neeiz/neeiz/internal/bridge"
	"github.com/neeiz/neeiz/internal/exchange"
	"github.com/neeiz/neeiz/internal/idp"
	"github.com/neeiz/neeiz/internal/session"
	"github.com/neeiz/neeiz/internal/tokenstore"
)

// --- Scenarios ---

func TestBoot_ExchangesPlatformIdentity(t *testing.T) {
	// Arrange
	h := newHarness(t, 0)
	h.sdk.platformLogin("id-1", bridge.Profile{PlatformUserID: "U1", DisplayName: "Ann"})
	h.exchange.session = &exchange.LineSession{
		SessionToken: "T1",
		User:         exchange.User{UID: "U1", DisplayName: "Ann"},
	}
	h.provider.claims["T1"] = &idp.User{UID: "U1"}

	// Act
	h.bootAndWait(t)

	// Assert
	u := h.session.User()
	require.NotNil(t, u)
	assert.Equal(t, session.User{ID: "U1", Name: "Ann"}, *u)
	assert.Equal(t, session.OutcomeExchanged, h.session.Outcome())
	assert.False(t, h.session.IsLoading())

	token, ok := h.store.Get(tokenstore.KeySessionToken)
	assert.True(t, ok)
	assert.Equal(t, "T1", token)

	var stored exchange.User
	assert.Equal(t, tokenstore.Hit, tokenstore.ReadJSON(h.store, tokenstore.KeySessionUser, &stored))
	assert.Equal(t, "U1", stored.UID)

	lineUser, _ := h.store.Get(tokenstore.KeyLineUserID)
	assert.Equal(t, "U1", lineUser)
	assert.Equal(t, []string{"T1"}, h.provider.signInTokens())
}

func TestBoot_CachedSnapshotPublishedSynchronously(t *testing.T) {
	h := newHarness(t, 0)
	h.seedSnapshot(t, session.User{ID: "U2", Name: "Bob"})
	h.provider.current = &idp.User{UID: "U2"}
	h.sdk.platformLogin("id-2", bridge.Profile{PlatformUserID: "U2"})

	// Act
	h.session.Boot(context.Background())

	// Assert: visible before Boot's caller does anything else.
	u := h.session.User()
	require.NotNil(t, u)
	assert.Equal(t, session.User{ID: "U2", Name: "Bob"}, *u)
	assert.False(t, h.session.IsLoading())
	assert.Equal(t, int32(0), h.exchange.calls.Load())
	assert.Equal(t, int32(0), h.sdk.loadCalls.Load())

	waitDone(t, h.session)
	assert.Equal(t, session.OutcomeCached, h.session.Outcome())
}

func TestBoot_ExchangeFailureLeavesSignedOut(t *testing.T) {
	h := newHarness(t, 0)
	h.sdk.platformLogin("id-1", bridge.Profile{PlatformUserID: "U1"})
	h.exchange.err = &exchange.AuthExchangeError{Status: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: "Authentication failed"}

	h.bootAndWait(t)

	assert.Nil(t, h.session.User())
	assert.False(t, h.session.IsLoading())
	assert.Equal(t, session.OutcomeFailed, h.session.Outcome())

	var exErr *exchange.AuthExchangeError
	require.ErrorAs(t, h.session.LastError(), &exErr)
	assert.Equal(t, http.StatusInternalServerError, exErr.Status)
	assert.Equal(t, int32(1), h.exchange.calls.Load(), "no automatic retry")
}

// --- Live callback dominance ---

func TestLiveSignOut_AfterPathPublish(t *testing.T) {
	h := newHarness(t, 0)
	h.sdk.platformLogin("id-1", bridge.Profile{PlatformUserID: "U1", DisplayName: "Ann"})
	h.exchange.session = &exchange.LineSession{SessionToken: "T1", User: exchange.User{UID: "U1", DisplayName: "Ann"}}
	h.bootAndWait(t)
	require.NotNil(t, h.session.User())

	// Act
	h.provider.emit(nil)

	// Assert
	assert.Nil(t, h.session.User())
	for _, key := range tokenstore.SessionKeys {
		_, ok := h.store.Get(key)
		assert.False(t, ok, "key %s should be purged", key)
	}
}

func TestLiveSignOut_DuringExchangeWins(t *testing.T) {
	h := newHarness(t, 0)
	h.sdk.platformLogin("id-1", bridge.Profile{PlatformUserID: "U1"})
	h.exchange.gate = make(chan struct{})
	h.exchange.session = &exchange.LineSession{SessionToken: "T1", User: exchange.User{UID: "U1", DisplayName: "Ann"}}

	h.session.Boot(context.Background())
	require.Eventually(t, func() bool { return h.exchange.calls.Load() == 1 }, 2*time.Second, time.Millisecond)

	// Act: the live callback fires while the exchange is in flight, then the
	// slow exchange completes.
	h.provider.emit(nil)
	close(h.exchange.gate)
	waitDone(t, h.session)

	// Assert
	assert.Nil(t, h.session.User())
	assert.Equal(t, session.OutcomeSuperseded, h.session.Outcome())
	assert.Empty(t, h.provider.signInTokens())
	_, stored := h.store.Get(tokenstore.KeySessionToken)
	assert.False(t, stored)
}

func TestLiveSignIn_MergesBackendPayload(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, tokenstore.WriteJSON(h.store, tokenstore.KeySessionUser, exchange.User{
		UID:        "U7",
		Email:      "u7@line.com",
		PictureURL: "https://cdn/u7.jpg",
	}))
	h.bootAndWait(t)

	h.provider.emit(&idp.User{UID: "U7", DisplayName: "Provider Name"})

	u := h.session.User()
	require.NotNil(t, u)
	assert.Equal(t, "Provider Name", u.Name)
	assert.Equal(t, "u7@line.com", u.Email)
	assert.Equal(t, "https://cdn/u7.jpg", u.Picture)

	var snapshot session.User
	assert.Equal(t, tokenstore.Hit, tokenstore.ReadJSON(h.store, tokenstore.KeyAuthUser, &snapshot))
	_, marked := h.store.Get(tokenstore.KeyAuthCompletedAt)
	assert.True(t, marked)
}

// --- Logout and forced re-auth ---

func TestLogout_ClearsEverything(t *testing.T) {
	h := newHarness(t, 0)
	h.sdk.platformLogin("id-1", bridge.Profile{PlatformUserID: "U1"})
	h.exchange.session = &exchange.LineSession{SessionToken: "T1", User: exchange.User{UID: "U1"}}
	h.bootAndWait(t)
	require.NotNil(t, h.session.User())
	require.NoError(t, h.store.Set("unrelated", "x"))

	// Act
	require.NoError(t, h.session.Logout(context.Background()))

	// Assert
	assert.Nil(t, h.session.User())
	assert.Empty(t, h.store.Keys())
	assert.Equal(t, 1, h.provider.signOuts)
	assert.Equal(t, 1, h.sdk.logoutHits)
	assert.NotEqual(t, bridge.StateReady, h.bridge.State())

	// A later boot is a fresh cache miss and initializes the bridge again.
	h.bootAndWait(t)
	assert.Nil(t, h.session.User())
	assert.Equal(t, session.OutcomeLoggedOut, h.session.Outcome())
	assert.Equal(t, int32(2), h.sdk.initCalls.Load())
	assert.Equal(t, int32(1), h.exchange.calls.Load())
}

func TestForceReauth_IgnoresCacheExactlyOnce(t *testing.T) {
	h := newHarness(t, 0)
	h.seedSnapshot(t, session.User{ID: "U2", Name: "Bob"})
	require.NoError(t, h.session.RequestReauth())
	h.sdk.platformLogin("id-1", bridge.Profile{PlatformUserID: "U2"})
	h.exchange.err = &exchange.AuthExchangeError{Status: http.StatusInternalServerError}

	// Act
	h.session.Boot(context.Background())

	// Assert: cache ignored and flag consumed synchronously.
	assert.Nil(t, h.session.User())
	_, flagged := h.store.Get(tokenstore.KeyForceReauth)
	assert.False(t, flagged)
	waitDone(t, h.session)
	assert.Error(t, h.session.LastError())
	_, snapshot := h.store.Get(tokenstore.KeyAuthUser)
	assert.False(t, snapshot)

	// The next boot trusts the cache again.
	h.seedSnapshot(t, session.User{ID: "U2", Name: "Bob"})
	h.provider.current = &idp.User{UID: "U2"}
	h.session.Boot(context.Background())
	require.NotNil(t, h.session.User())
	assert.Equal(t, "Bob", h.session.User().Name)
}

func TestForceReauth_SignsOutPersistedProviderSession(t *testing.T) {
	// Arrange
	store := tokenstore.NewMemoryStore()
	require.NoError(t, tokenstore.WriteJSON(store, tokenstore.KeyIDPSession, map[string]any{
		"user":      map[string]string{"uid": "U2", "displayName": "Bob"},
		"token":     "T-old",
		"expiresAt": time.Now().Add(time.Hour),
	}))
	require.NoError(t, tokenstore.WriteJSON(store, tokenstore.KeyAuthUser, session.User{ID: "U2", Name: "Bob"}))
	require.NoError(t, store.Set(tokenstore.KeyAuthCompletedAt, "2026-01-01T00:00:00Z"))
	require.NoError(t, store.Set(tokenstore.KeySessionToken, "T-old"))

	provider := idp.NewClient("http://127.0.0.1:1", nil, store, nil)
	t.Cleanup(provider.Close)
	require.NotNil(t, provider.CurrentUser())

	r := session.NewReconciler(session.Deps{
		Store:    store,
		Bridge:   bridge.NewClient(&fakeSDK{}, nil),
		Exchange: &fakeExchange{},
		Provider: provider,
	}, session.Config{AppID: "app-1"})
	s := session.New(r, nil, "")
	t.Cleanup(s.Close)
	require.NoError(t, s.RequestReauth())

	// Act
	s.Boot(context.Background())
	waitDone(t, s)

	// Assert
	assert.Nil(t, s.User())
	assert.Nil(t, provider.CurrentUser())
	assert.Equal(t, session.OutcomeLoggedOut, s.Outcome())
	_, persisted := store.Get(tokenstore.KeyIDPSession)
	assert.False(t, persisted)
	_, token := store.Get(tokenstore.KeySessionToken)
	assert.False(t, token)
}

func TestLogout_DuringExchangeSignInStaysSignedOut(t *testing.T) {
	// Arrange
	h := newHarness(t, 0)
	h.sdk.platformLogin("id-1", bridge.Profile{PlatformUserID: "U1"})
	h.exchange.session = &exchange.LineSession{SessionToken: "T1", User: exchange.User{UID: "U1", DisplayName: "Ann"}}
	h.provider.claims["T1"] = &idp.User{UID: "U1"}
	started, release := h.provider.gateSignIns()
	h.session.Boot(context.Background())
	waitSignIn(t, started)

	// Act
	require.NoError(t, h.session.Logout(context.Background()))
	release()
	waitDone(t, h.session)

	// Assert
	assert.Nil(t, h.session.User())
	assert.Nil(t, h.provider.CurrentUser())
	assert.Empty(t, h.store.Keys())
	assert.Equal(t, session.OutcomeSuperseded, h.session.Outcome())
	assert.Equal(t, 2, h.provider.signOuts)

	// The live subscription survives; a later sign-in still publishes.
	h.provider.signInGate = nil
	_, err := h.provider.SignInWithCustomToken(context.Background(), "T9")
	require.NoError(t, err)
	require.NotNil(t, h.session.User())
	assert.Equal(t, "uid-T9", h.session.User().ID)
}

func TestLogout_DuringStoredSessionSignInStaysSignedOut(t *testing.T) {
	// Arrange
	h := newHarness(t, 0)
	h.sdk.platformLogin("id-5", bridge.Profile{PlatformUserID: "U5"})
	require.NoError(t, h.store.Set(tokenstore.KeySessionToken, "T5"))
	require.NoError(t, tokenstore.WriteJSON(h.store, tokenstore.KeySessionUser, exchange.User{UID: "u5", DisplayName: "Eve"}))
	h.provider.claims["T5"] = &idp.User{UID: "u5"}
	started, release := h.provider.gateSignIns()
	h.session.Boot(context.Background())
	waitSignIn(t, started)

	// Act
	require.NoError(t, h.session.Logout(context.Background()))
	release()
	waitDone(t, h.session)

	// Assert
	assert.Nil(t, h.session.User())
	assert.Nil(t, h.provider.CurrentUser())
	assert.Empty(t, h.store.Keys())
	assert.Equal(t, session.OutcomeSuperseded, h.session.Outcome())
	assert.Equal(t, int32(0), h.exchange.calls.Load())
}

func TestOnLive_IgnoresDeliveryForDroppedUser(t *testing.T) {
	h := newHarness(t, 0)
	h.bootAndWait(t)
	require.Nil(t, h.session.User())

	h.provider.deliverLate(&idp.User{UID: "U1", DisplayName: "Ann"})

	assert.Nil(t, h.session.User())
	_, snapshot := h.store.Get(tokenstore.KeyAuthUser)
	assert.False(t, snapshot)
}

func waitSignIn(t *testing.T, started <-chan struct{}) {
	t.Helper()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		require.FailNow(t, "sign-in never started")
	}
}

type readOnlyStore struct {
	*tokenstore.MemoryStore
}

func (readOnlyStore) Remove(string) error { return errors.New("read-only") }

func TestBoot_CorruptSnapshotReportsFailedCleanup(t *testing.T) {
	store := readOnlyStore{tokenstore.NewMemoryStore()}
	require.NoError(t, store.Set(tokenstore.KeyAuthUser, "{not json"))
	require.NoError(t, store.Set(tokenstore.KeyAuthCompletedAt, "2026-01-01T00:00:00Z"))
	logs := new(bytes.Buffer)

	r := session.NewReconciler(session.Deps{
		Store:    store,
		Bridge:   bridge.NewClient(&fakeSDK{}, nil),
		Exchange: &fakeExchange{},
		Provider: newFakeProvider(),
		Logger:   slog.New(slog.NewTextHandler(logs, nil)),
	}, session.Config{AppID: "app-1"})
	s := session.New(r, nil, "")
	t.Cleanup(s.Close)

	s.Boot(context.Background())
	waitDone(t, s)

	assert.Nil(t, s.User())
	assert.Contains(t, logs.String(), "failed to drop completion marker")
}

// --- Reuse of a stored backend session ---

func TestBoot_ReusesStoredBackendSession(t *testing.T) {
	h := newHarness(t, 0)
	h.sdk.platformLogin("id-5", bridge.Profile{PlatformUserID: "U5"})
	require.NoError(t, h.store.Set(tokenstore.KeySessionToken, "T5"))
	require.NoError(t, h.store.Set(tokenstore.KeyLineUserID, "U5"))
	require.NoError(t, tokenstore.WriteJSON(h.store, tokenstore.KeySessionUser, exchange.User{UID: "u5", DisplayName: "Eve"}))
	h.provider.claims["T5"] = &idp.User{UID: "u5"}

	h.bootAndWait(t)

	assert.Equal(t, session.OutcomeReused, h.session.Outcome())
	assert.Equal(t, int32(0), h.exchange.calls.Load())
	assert.Equal(t, []string{"T5"}, h.provider.signInTokens())
	require.NotNil(t, h.session.User())
	assert.Equal(t, "Eve", h.session.User().Name)
}

func TestBoot_ReuseWithLiveProviderSkipsSignIn(t *testing.T) {
	h := newHarness(t, 0)
	h.sdk.platformLogin("id-5", bridge.Profile{PlatformUserID: "U5"})
	require.NoError(t, h.store.Set(tokenstore.KeySessionToken, "T5"))
	require.NoError(t, tokenstore.WriteJSON(h.store, tokenstore.KeySessionUser, exchange.User{UID: "u5", DisplayName: "Eve"}))
	h.provider.current = &idp.User{UID: "u5"}

	h.bootAndWait(t)

	assert.Equal(t, session.OutcomeReused, h.session.Outcome())
	assert.Empty(t, h.provider.signInTokens())
	assert.Equal(t, "Eve", h.session.User().Name)
}

func TestBoot_RejectedStoredTokenFallsBackToExchange(t *testing.T) {
	h := newHarness(t, 0)
	h.sdk.platformLogin("id-6", bridge.Profile{PlatformUserID: "U6"})
	require.NoError(t, h.store.Set(tokenstore.KeySessionToken, "T5"))
	require.NoError(t, tokenstore.WriteJSON(h.store, tokenstore.KeySessionUser, exchange.User{UID: "u5"}))
	h.provider.signInErr = errors.New("token expired")
	h.exchange.session = &exchange.LineSession{SessionToken: "T6", User: exchange.User{UID: "u6", DisplayName: "Fay"}}

	h.bootAndWait(t)

	assert.Equal(t, session.OutcomeExchanged, h.session.Outcome())
	assert.Equal(t, []string{"T5", "T6"}, h.provider.signInTokens())
	token, _ := h.store.Get(tokenstore.KeySessionToken)
	assert.Equal(t, "T6", token)
	require.NotNil(t, h.session.User())
	assert.Equal(t, "Fay", h.session.User().Name)
}

func TestBoot_DifferentPlatformUserIsNotReused(t *testing.T) {
	h := newHarness(t, 0)
	h.sdk.platformLogin("id-8", bridge.Profile{PlatformUserID: "U8"})
	require.NoError(t, h.store.Set(tokenstore.KeySessionToken, "T5"))
	require.NoError(t, h.store.Set(tokenstore.KeyLineUserID, "U5"))
	require.NoError(t, tokenstore.WriteJSON(h.store, tokenstore.KeySessionUser, exchange.User{UID: "u5"}))
	h.exchange.session = &exchange.LineSession{SessionToken: "T8", User: exchange.User{UID: "u8"}}

	h.bootAndWait(t)

	assert.Equal(t, session.OutcomeExchanged, h.session.Outcome())
	assert.Equal(t, int32(1), h.exchange.calls.Load())
}

// --- Degraded paths ---

func TestBoot_CorruptSnapshotSelfHeals(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.store.Set(tokenstore.KeyAuthUser, "{broken"))
	require.NoError(t, h.store.Set(tokenstore.KeyAuthCompletedAt, "2026-01-01T00:00:00Z"))

	h.bootAndWait(t)

	assert.Nil(t, h.session.User())
	assert.Equal(t, session.OutcomeLoggedOut, h.session.Outcome())
	_, ok := h.store.Get(tokenstore.KeyAuthUser)
	assert.False(t, ok)
	_, ok = h.store.Get(tokenstore.KeyAuthCompletedAt)
	assert.False(t, ok)
	assert.NoError(t, h.session.LastError(), "corrupt cache is not an error")
}

func TestBoot_ProfileUnavailableTreatedAsLoggedOut(t *testing.T) {
	h := newHarness(t, 0)
	h.sdk.loggedIn = true
	h.sdk.idToken = "id-1"

	h.bootAndWait(t)

	assert.Equal(t, session.OutcomeLoggedOut, h.session.Outcome())
	assert.Equal(t, int32(0), h.exchange.calls.Load())
}

func TestBoot_BridgeLoadFailureDegrades(t *testing.T) {
	h := newHarness(t, 0)
	h.sdk.loadErr = errors.New("asset unreachable")

	h.bootAndWait(t)

	assert.Nil(t, h.session.User())
	assert.False(t, h.session.IsLoading())
	assert.Equal(t, session.OutcomeLoggedOut, h.session.Outcome())
	assert.NoError(t, h.session.LastError())
}

func TestBoot_TimeoutEndsLoading(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	h.sdk.initGate = make(chan struct{})
	t.Cleanup(func() { close(h.sdk.initGate) })
	h.sdk.platformLogin("id-1", bridge.Profile{PlatformUserID: "U1"})

	h.bootAndWait(t)

	assert.Equal(t, session.OutcomeTimedOut, h.session.Outcome())
	assert.False(t, h.session.IsLoading())
	assert.Nil(t, h.session.User())
}

func TestBoot_ReplacesLiveWatch(t *testing.T) {
	h := newHarness(t, 0)

	h.bootAndWait(t)
	h.bootAndWait(t)

	assert.Equal(t, 1, h.provider.listenerCount())
}

func TestEnsureInitializedOnce_Concurrent(t *testing.T) {
	h := newHarness(t, 0)

	errs := make(chan error, 10)
	for range 10 {
		go func() { errs <- h.session.EnsureInitializedOnce(context.Background()) }()
	}
	for range 10 {
		assert.NoError(t, <-errs)
	}
	assert.Equal(t, int32(1), h.sdk.initCalls.Load())
}
