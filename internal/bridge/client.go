package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Profile is the platform user's public profile.
type Profile struct {
	PlatformUserID string `json:"userId"`
	DisplayName    string `json:"displayName"`
	PictureURL     string `json:"pictureUrl,omitempty"`
	StatusMessage  string `json:"statusMessage,omitempty"`
}

// SDK is the embedded-browser identity SDK surface the bridge drives.
type SDK interface {
	Load(ctx context.Context) error
	Init(ctx context.Context, appID string) error
	IsLoggedIn() bool
	IDToken() string
	Profile(ctx context.Context) (*Profile, error)
	Login(redirectURI string) error
	Logout() error
}

// State is the bridge lifecycle position.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "unloaded"
	}
}

type initAttempt struct {
	done chan struct{}
	err  error
}

// Client is the single point of contact with the identity SDK. Loading and
// initialization each run at most once per process; concurrent callers share
// the in-flight attempt.
type Client struct {
	sdk    SDK
	logger *slog.Logger
	loads  singleflight.Group

	mu           sync.Mutex
	loaded       bool
	loading      bool
	initialized  bool
	initializing bool
	inflight     *initAttempt
	epoch        uint64
}

// NewClient wraps sdk.
func NewClient(sdk SDK, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{sdk: sdk, logger: logger}
}

// EnsureLoaded loads the SDK asset once. A failed load can be retried.
func (c *Client) EnsureLoaded(ctx context.Context) error {
	c.mu.Lock()
	if c.loaded {
		c.mu.Unlock()
		return nil
	}
	c.loading = true
	c.mu.Unlock()

	ch := c.loads.DoChan("load", func() (any, error) {
		err := c.sdk.Load(context.WithoutCancel(ctx))

		c.mu.Lock()
		c.loading = false
		if err == nil {
			c.loaded = true
		}
		c.mu.Unlock()
		return nil, err
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return &SdkLoadError{Err: res.Err}
		}
		return nil
	}
}

// Initialize loads and initializes the SDK for appID. It returns immediately
// when already initialized and waits for an initialization already in
// progress instead of starting another one.
func (c *Client) Initialize(ctx context.Context, appID string) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	if c.initializing {
		attempt := c.inflight
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-attempt.done:
			return attempt.err
		}
	}

	attempt := &initAttempt{done: make(chan struct{})}
	c.inflight = attempt
	c.initializing = true
	epoch := c.epoch
	c.mu.Unlock()

	err := c.EnsureLoaded(ctx)
	if err == nil {
		if initErr := c.sdk.Init(ctx, appID); initErr != nil {
			err = &InitError{AppID: appID, Err: initErr}
		}
	}

	c.mu.Lock()
	c.initializing = false
	c.inflight = nil
	if err == nil && epoch == c.epoch {
		c.initialized = true
	}
	attempt.err = err
	close(attempt.done)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("identity bridge initialization failed", "appId", appID, "error", err)
		return err
	}
	c.logger.Debug("identity bridge initialized", "appId", appID)
	return nil
}

// Reset clears the initialization flags so the next Initialize runs again.
// An initialization in flight when Reset is called does not mark the bridge
// initialized.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = false
	c.epoch++
}

// State reports where the bridge is in its lifecycle.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.initialized:
		return StateReady
	case c.initializing && c.loaded:
		return StateInitializing
	case c.loaded:
		return StateLoaded
	case c.loading || c.initializing:
		return StateLoading
	default:
		return StateUnloaded
	}
}

func (c *Client) ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// IsLoggedIn reports whether the platform has an active login. It is false
// until Initialize has completed.
func (c *Client) IsLoggedIn() bool {
	if !c.ready() {
		return false
	}
	return c.sdk.IsLoggedIn()
}

// IDToken returns the current platform ID token, or "" when there is none.
func (c *Client) IDToken() string {
	if !c.ready() {
		return ""
	}
	return c.sdk.IDToken()
}

// Profile fetches the platform profile.
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	if !c.ready() {
		return nil, ErrNotReady
	}
	p, err := c.sdk.Profile(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProfileUnavailable, err)
	}
	if p == nil {
		return nil, ErrProfileUnavailable
	}
	return p, nil
}

// Login hands control to the platform's redirect-based login. The
// application resumes at redirectURI.
func (c *Client) Login(redirectURI string) error {
	if !c.ready() {
		return ErrNotReady
	}
	return c.sdk.Login(redirectURI)
}

// Logout asks the platform to end its session. Failures are logged only; the
// platform session may already be gone.
func (c *Client) Logout() {
	if !c.ready() {
		return
	}
	if err := c.sdk.Logout(); err != nil {
		c.logger.Debug("identity bridge logout failed", "error", err)
	}
}
