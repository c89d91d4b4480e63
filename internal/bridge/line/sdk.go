// Package line implements the identity bridge SDK on top of LINE Login
// (OAuth2 authorization code flow with OpenID Connect).
package line

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/neeiz/neeiz/internal/bridge"
	"github.com/neeiz/neeiz/internal/tokenstore"
)

const (
	DefaultDiscoveryURL = "https://access.line.me/.well-known/openid-configuration"
	DefaultProfileURL   = "https://api.line.me/v2/profile"
	DefaultRevokeURL    = "https://api.line.me/oauth2/v2.1/revoke"
)

var (
	// ErrNotLoaded is returned by Init before the discovery document is loaded.
	ErrNotLoaded = errors.New("line: discovery document not loaded")
	// ErrStateMismatch is returned when a login callback does not match the
	// pending login.
	ErrStateMismatch = errors.New("line: oauth state mismatch")
	// ErrNotLoggedIn is returned when no LINE access token is stored.
	ErrNotLoggedIn = errors.New("line: not logged in")
)

// Opener hands the authorization URL to the user agent.
type Opener func(authURL string) error

// Config holds LINE Login channel settings.
type Config struct {
	ChannelSecret string
	DiscoveryURL  string
	ProfileURL    string
	RevokeURL     string
	Scopes        []string
}

type discovery struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

type storedToken struct {
	AccessToken string    `json:"accessToken"`
	IDToken     string    `json:"idToken"`
	Expiry      time.Time `json:"expiry"`
}

type pendingLogin struct {
	State       string `json:"state"`
	RedirectURI string `json:"redirectUri"`
}

// SDK drives LINE Login. Tokens live in the token store so a login survives
// restarts of the shell.
type SDK struct {
	cfg        Config
	store      tokenstore.Store
	httpClient *http.Client
	open       Opener
	logger     *slog.Logger

	mu        sync.RWMutex
	discovery *discovery
	oauth     *oauth2.Config
}

// NewSDK creates a LINE SDK. httpClient defaults to http.DefaultClient.
func NewSDK(cfg Config, store tokenstore.Store, httpClient *http.Client, open Opener, logger *slog.Logger) *SDK {
	if cfg.DiscoveryURL == "" {
		cfg.DiscoveryURL = DefaultDiscoveryURL
	}
	if cfg.ProfileURL == "" {
		cfg.ProfileURL = DefaultProfileURL
	}
	if cfg.RevokeURL == "" {
		cfg.RevokeURL = DefaultRevokeURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "profile"}
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SDK{
		cfg:        cfg,
		store:      store,
		httpClient: httpClient,
		open:       open,
		logger:     logger,
	}
}

var _ bridge.SDK = (*SDK)(nil)

// Load fetches the OpenID discovery document.
func (s *SDK) Load(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.DiscoveryURL, nil)
	if err != nil {
		return fmt.Errorf("building discovery request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching discovery document: unexpected status %d", resp.StatusCode)
	}

	var d discovery
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return fmt.Errorf("decoding discovery document: %w", err)
	}
	if d.AuthorizationEndpoint == "" || d.TokenEndpoint == "" {
		return errors.New("discovery document is missing endpoints")
	}

	s.mu.Lock()
	s.discovery = &d
	s.mu.Unlock()
	return nil
}

// Init configures the OAuth2 client for the channel identified by appID.
func (s *SDK) Init(_ context.Context, appID string) error {
	if strings.TrimSpace(appID) == "" {
		return errors.New("channel id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discovery == nil {
		return ErrNotLoaded
	}
	s.oauth = &oauth2.Config{
		ClientID:     appID,
		ClientSecret: s.cfg.ChannelSecret,
		Scopes:       s.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   s.discovery.AuthorizationEndpoint,
			TokenURL:  s.discovery.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return nil
}

func (s *SDK) token() (*storedToken, bool) {
	var tok storedToken
	if tokenstore.ReadJSON(s.store, tokenstore.KeyLineSDKToken, &tok) != tokenstore.Hit {
		return nil, false
	}
	if tok.AccessToken == "" {
		return nil, false
	}
	return &tok, true
}

// IsLoggedIn reports whether an unexpired access token is stored.
func (s *SDK) IsLoggedIn() bool {
	tok, ok := s.token()
	if !ok {
		return false
	}
	return tok.Expiry.IsZero() || time.Now().Before(tok.Expiry)
}

// IDToken returns the stored LINE ID token.
func (s *SDK) IDToken() string {
	tok, ok := s.token()
	if !ok {
		return ""
	}
	return tok.IDToken
}

func (s *SDK) config(redirectURI string) (*oauth2.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.oauth == nil {
		return nil, bridge.ErrNotReady
	}
	cfg := *s.oauth
	cfg.RedirectURL = redirectURI
	return &cfg, nil
}

// Profile calls the LINE profile API with the stored access token.
func (s *SDK) Profile(ctx context.Context) (*bridge.Profile, error) {
	tok, ok := s.token()
	if !ok {
		return nil, ErrNotLoggedIn
	}
	cfg, err := s.config("")
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	client := cfg.Client(ctx, &oauth2.Token{AccessToken: tok.AccessToken, Expiry: tok.Expiry})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.ProfileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building profile request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching profile: unexpected status %d", resp.StatusCode)
	}

	var p bridge.Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}
	return &p, nil
}

// Login records a pending login and opens the authorization URL.
func (s *SDK) Login(redirectURI string) error {
	cfg, err := s.config(redirectURI)
	if err != nil {
		return err
	}

	pending := pendingLogin{State: uuid.NewString(), RedirectURI: redirectURI}
	if err := tokenstore.WriteJSON(s.store, tokenstore.KeyLineOAuthState, pending); err != nil {
		return fmt.Errorf("saving login state: %w", err)
	}

	authURL := cfg.AuthCodeURL(pending.State, oauth2.SetAuthURLParam("nonce", uuid.NewString()))
	if s.open == nil {
		return fmt.Errorf("no opener configured for %s", authURL)
	}
	return s.open(authURL)
}

// CompleteLogin finishes a login started by Login using the callback's code
// and state.
func (s *SDK) CompleteLogin(ctx context.Context, code, state string) error {
	var pending pendingLogin
	if tokenstore.ReadJSON(s.store, tokenstore.KeyLineOAuthState, &pending) != tokenstore.Hit || pending.State != state {
		return ErrStateMismatch
	}

	cfg, err := s.config(pending.RedirectURI)
	if err != nil {
		return err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	stored := storedToken{AccessToken: tok.AccessToken, IDToken: idToken, Expiry: tok.Expiry}
	if err := tokenstore.WriteJSON(s.store, tokenstore.KeyLineSDKToken, stored); err != nil {
		return fmt.Errorf("saving line token: %w", err)
	}
	_ = s.store.Remove(tokenstore.KeyLineOAuthState)
	return nil
}

// Logout revokes the access token and forgets it. The token is dropped even
// when revocation fails.
func (s *SDK) Logout() error {
	tok, ok := s.token()
	if err := s.store.Remove(tokenstore.KeyLineSDKToken); err != nil {
		s.logger.Warn("failed to drop line token", "error", err)
	}
	if !ok {
		return nil
	}

	s.mu.RLock()
	clientID := ""
	if s.oauth != nil {
		clientID = s.oauth.ClientID
	}
	s.mu.RUnlock()

	form := url.Values{
		"access_token":  {tok.AccessToken},
		"client_id":     {clientID},
		"client_secret": {s.cfg.ChannelSecret},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoking line token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoking line token: unexpected status %d", resp.StatusCode)
	}
	return nil
}
