// Package lineverify checks LINE Login ID tokens presented to the backend.
package lineverify

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the iss claim of every LINE ID token.
const Issuer = "https://access.line.me"

var (
	// ErrInvalidIDToken is returned when the ID token fails verification.
	ErrInvalidIDToken = errors.New("invalid LINE ID token")
	// ErrProfileMismatch is returned when the supplied profile belongs to a
	// different LINE user than the ID token.
	ErrProfileMismatch = errors.New("LINE profile does not match ID token")
	// ErrMissingIdentity is returned when no LINE user id can be established.
	ErrMissingIdentity = errors.New("LINE user id is required")
	// ErrNotConfigured is returned when verification is required but the
	// channel credentials are missing.
	ErrNotConfigured = errors.New("LINE channel is not configured")
)

// Profile is the client-supplied LINE profile.
type Profile struct {
	UserID        string `json:"userId"`
	DisplayName   string `json:"displayName"`
	PictureURL    string `json:"pictureUrl,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

// Identity is the verified LINE user.
type Identity struct {
	UserID      string
	DisplayName string
	PictureURL  string
	Email       string
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	Name    string `json:"name"`
	Picture string `json:"picture"`
	Email   string `json:"email"`
}

// Verifier validates ID tokens for one LINE channel.
type Verifier struct {
	channelID     string
	channelSecret []byte
	skipVerify    bool
	now           func() time.Time
}

// NewVerifier creates a Verifier. With skipVerify the token is not checked
// and the profile's user id is trusted; use it only in development.
func NewVerifier(channelID, channelSecret string, skipVerify bool) *Verifier {
	return &Verifier{
		channelID:     channelID,
		channelSecret: []byte(channelSecret),
		skipVerify:    skipVerify,
		now:           time.Now,
	}
}

// Verify establishes the LINE identity behind idToken. Profile fields fill
// in what the token does not carry.
func (v *Verifier) Verify(idToken string, profile *Profile) (*Identity, error) {
	if v.skipVerify {
		if profile == nil || profile.UserID == "" {
			return nil, ErrMissingIdentity
		}
		return &Identity{
			UserID:      profile.UserID,
			DisplayName: profile.DisplayName,
			PictureURL:  profile.PictureURL,
		}, nil
	}

	if v.channelID == "" || len(v.channelSecret) == 0 {
		return nil, ErrNotConfigured
	}

	var claims idTokenClaims
	_, err := jwt.ParseWithClaims(idToken, &claims, func(t *jwt.Token) (any, error) {
		return v.channelSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(v.channelID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}
	if claims.Subject == "" {
		return nil, ErrMissingIdentity
	}

	id := &Identity{
		UserID:      claims.Subject,
		DisplayName: claims.Name,
		PictureURL:  claims.Picture,
		Email:       claims.Email,
	}
	if profile != nil {
		if profile.UserID != "" && profile.UserID != claims.Subject {
			return nil, ErrProfileMismatch
		}
		if profile.DisplayName != "" {
			id.DisplayName = profile.DisplayName
		}
		if profile.PictureURL != "" {
			id.PictureURL = profile.PictureURL
		}
	}
	return id, nil
}
