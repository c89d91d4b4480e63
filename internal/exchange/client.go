package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/neeiz/neeiz/internal/api/response"
	"github.com/neeiz/neeiz/internal/bridge"
)

// Machine-readable error codes sent by the auth backend.
const (
	CodeInvalidJSON   = "INVALID_JSON"
	CodeValidation    = "VALIDATION_ERROR"
	CodeEmailExists   = "EMAIL_EXISTS"
	CodeWeakPassword  = "WEAK_PASSWORD"
	CodeForbiddenRole = "FORBIDDEN_ROLE"
)

// Role is the marketplace side an account belongs to.
type Role string

const (
	RoleSeeker   Role = "seeker"
	RoleEmployer Role = "employer"
)

// User is the backend's normalized user record.
type User struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	PictureURL  string `json:"pictureUrl,omitempty"`
}

// LineSession is the result of a successful identity exchange.
type LineSession struct {
	SessionToken string `json:"sessionToken"`
	User         User   `json:"user"`
}

// Registration is the result of a successful registration.
type Registration struct {
	UID          string `json:"uid"`
	SessionToken string `json:"sessionToken"`
}

// Login is the result of a successful password login.
type Login struct {
	UID          string `json:"uid"`
	SessionToken string `json:"sessionToken"`
	Role         Role   `json:"role"`
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *response.Error `json:"error"`
}

// Client talks to the auth backend. It performs no caching and no retries.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for the backend at baseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// ExchangeLineIdentity trades a platform ID token (and optional profile) for a
// backend session token and user record.
func (c *Client) ExchangeLineIdentity(ctx context.Context, idToken string, profile *bridge.Profile) (*LineSession, error) {
	body := struct {
		IDToken string          `json:"idToken"`
		Profile *bridge.Profile `json:"profile,omitempty"`
	}{IDToken: idToken, Profile: profile}

	var out LineSession
	status, apiErr, err := c.post(ctx, "/auth/line", body, &out)
	if err != nil {
		return nil, err
	}
	if apiErr != nil {
		return nil, &AuthExchangeError{Status: status, Code: apiErr.Code, Message: apiErr.Message}
	}
	return &out, nil
}

// RegisterWithPassword creates a password account with the given role.
func (c *Client) RegisterWithPassword(ctx context.Context, email, password, name string, role Role) (*Registration, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
		"name":     name,
		"role":     string(role),
	}

	var out Registration
	status, apiErr, err := c.post(ctx, "/auth/register", body, &out)
	if err != nil {
		return nil, err
	}
	if apiErr != nil {
		return nil, &RegistrationError{
			Kind:    registrationKind(apiErr.Code),
			Status:  status,
			Code:    apiErr.Code,
			Message: apiErr.Message,
		}
	}
	return &out, nil
}

// LoginWithPassword signs in with any role.
func (c *Client) LoginWithPassword(ctx context.Context, email, password string) (*Login, error) {
	return c.login(ctx, "/auth/login", "", email, password)
}

// LoginForPortal signs in through a role-scoped portal. An account of another
// role gets a *ForbiddenRoleError.
func (c *Client) LoginForPortal(ctx context.Context, portal Role, email, password string) (*Login, error) {
	return c.login(ctx, "/auth/"+string(portal)+"/login", portal, email, password)
}

func (c *Client) login(ctx context.Context, path string, portal Role, email, password string) (*Login, error) {
	body := map[string]string{"email": email}
	if password != "" {
		body["password"] = password
	}

	var out Login
	status, apiErr, err := c.post(ctx, path, body, &out)
	if err != nil {
		return nil, err
	}
	if apiErr != nil {
		if status == http.StatusForbidden && apiErr.Code == CodeForbiddenRole && portal != "" {
			return nil, &ForbiddenRoleError{Portal: portal, Message: apiErr.Message}
		}
		return nil, &LoginError{Status: status, Code: apiErr.Code, Message: apiErr.Message}
	}
	return &out, nil
}

// post sends body as JSON and decodes the envelope. A non-2xx response is
// reported through apiErr; err is reserved for transport and decoding faults.
func (c *Client) post(ctx context.Context, path string, body, out any) (status int, apiErr *response.Error, err error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	var env envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr != nil || env.Error == nil {
			return resp.StatusCode, &response.Error{
				Code:    "HTTP_" + fmt.Sprint(resp.StatusCode),
				Message: http.StatusText(resp.StatusCode),
			}, nil
		}
		return resp.StatusCode, env.Error, nil
	}

	if decodeErr != nil {
		return resp.StatusCode, nil, fmt.Errorf("decoding %s response: %w", path, decodeErr)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("decoding %s data: %w", path, err)
	}
	return resp.StatusCode, nil, nil
}
