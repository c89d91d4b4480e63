// Package idp is the client side of the managed identity provider: it redeems
// backend session tokens for a live session and streams auth-state changes.
package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/neeiz/neeiz/internal/api/response"
	"github.com/neeiz/neeiz/internal/tokenstore"
)

// ErrSignInRejected is returned when the provider refuses a session token.
var ErrSignInRejected = errors.New("idp: session token rejected")

// User holds the provider's claims for the signed-in user.
type User struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	PhotoURL    string `json:"photoUrl,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Provider is the identity provider surface the session core consumes.
type Provider interface {
	SignInWithCustomToken(ctx context.Context, token string) (*User, error)
	// OnAuthStateChanged calls fn with the current user, then on every change.
	// A nil user means signed out.
	OnAuthStateChanged(fn func(*User)) (unsubscribe func())
	SignOut(ctx context.Context) error
	CurrentUser() *User
}

type storedSession struct {
	User      User      `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Client is a Provider backed by the auth backend's session endpoint. The live
// session is kept in the token store and restored on start.
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      tokenstore.Store
	logger     *slog.Logger

	mu        sync.Mutex
	session   *storedSession
	timer     *time.Timer
	listeners map[int]*listener
	nextID    int
}

var _ Provider = (*Client)(nil)

// NewClient creates a Client and restores any unexpired session from store.
func NewClient(baseURL string, httpClient *http.Client, store tokenstore.Store, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		store:      store,
		logger:     logger,
		listeners:  make(map[int]*listener),
	}

	var s storedSession
	switch tokenstore.ReadJSON(store, tokenstore.KeyIDPSession, &s) {
	case tokenstore.Hit:
		if s.User.UID != "" && time.Now().Before(s.ExpiresAt) {
			c.session = &s
			c.armLocked()
		} else if err := store.Remove(tokenstore.KeyIDPSession); err != nil {
			logger.Warn("failed to drop expired identity provider session", "error", err)
		}
	case tokenstore.Corrupt:
		logger.Warn("discarded corrupt identity provider session")
	}
	return c
}

type redeemResponse struct {
	UID         string    `json:"uid"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	PictureURL  string    `json:"pictureUrl"`
	Role        string    `json:"role"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// SignInWithCustomToken redeems token and makes its user current.
func (c *Client) SignInWithCustomToken(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrSignInRejected)
	}

	payload, err := json.Marshal(map[string]string{"sessionToken": token})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/session", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("redeeming session token: %w", err)
	}
	defer resp.Body.Close()

	var env struct {
		Data  *redeemResponse `json:"data"`
		Error *response.Error `json:"error"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)

	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && env.Error != nil {
			msg = env.Error.Message
		}
		return nil, fmt.Errorf("%w: %d %s", ErrSignInRejected, resp.StatusCode, msg)
	}
	if decodeErr != nil || env.Data == nil {
		return nil, fmt.Errorf("decoding session response: %v", decodeErr)
	}

	s := &storedSession{
		User: User{
			UID:         env.Data.UID,
			DisplayName: env.Data.DisplayName,
			Email:       env.Data.Email,
			PhotoURL:    env.Data.PictureURL,
			Role:        env.Data.Role,
		},
		Token:     token,
		ExpiresAt: env.Data.ExpiresAt,
	}

	c.mu.Lock()
	c.session = s
	if err := tokenstore.WriteJSON(c.store, tokenstore.KeyIDPSession, s); err != nil {
		c.logger.Warn("failed to persist identity provider session", "error", err)
	}
	c.armLocked()
	c.notifyLocked()
	c.mu.Unlock()

	u := s.User
	return &u, nil
}

// SignOut ends the live session.
func (c *Client) SignOut(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	err := c.store.Remove(tokenstore.KeyIDPSession)
	if c.session != nil {
		c.session = nil
		c.notifyLocked()
	}
	if err != nil {
		return fmt.Errorf("removing session: %w", err)
	}
	return nil
}

// CurrentUser returns the signed-in user, or nil.
func (c *Client) CurrentUser() *User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked()
}

func (c *Client) currentLocked() *User {
	if c.session == nil {
		return nil
	}
	u := c.session.User
	return &u
}

// OnAuthStateChanged registers fn. Each listener is called on its own
// goroutine, never concurrently with itself; when changes arrive faster than
// fn returns only the latest state is delivered.
func (c *Client) OnAuthStateChanged(fn func(*User)) func() {
	l := newListener(fn)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	l.offer(c.currentLocked())
	c.mu.Unlock()

	go l.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
			close(l.stop)
		})
	}
}

// Close stops the expiry timer and every listener.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	for id, l := range c.listeners {
		delete(c.listeners, id)
		close(l.stop)
	}
}

func (c *Client) notifyLocked() {
	u := c.currentLocked()
	for _, l := range c.listeners {
		l.offer(u)
	}
}

func (c *Client) armLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.session == nil || c.session.ExpiresAt.IsZero() {
		return
	}
	s := c.session
	c.timer = time.AfterFunc(time.Until(s.ExpiresAt), func() { c.expire(s) })
}

func (c *Client) expire(s *storedSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s {
		return
	}
	c.logger.Info("identity provider session expired", "uid", s.User.UID)
	c.session = nil
	c.timer = nil
	if err := c.store.Remove(tokenstore.KeyIDPSession); err != nil {
		c.logger.Warn("failed to drop expired identity provider session", "error", err)
	}
	c.notifyLocked()
}

type listener struct {
	fn   func(*User)
	wake chan struct{}
	stop chan struct{}

	mu      sync.Mutex
	pending *User
	has     bool
}

func newListener(fn func(*User)) *listener {
	return &listener{
		fn:   fn,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

func (l *listener) offer(u *User) {
	l.mu.Lock()
	l.pending = u
	l.has = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *listener) run() {
	for {
		select {
		case <-l.stop:
			return
		case <-l.wake:
		}

		l.mu.Lock()
		u, has := l.pending, l.has
		l.pending, l.has = nil, false
		l.mu.Unlock()

		if has {
			l.fn(u)
		}
	}
}
