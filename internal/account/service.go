package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/neeiz/neeiz/internal/lineverify"
	"github.com/neeiz/neeiz/internal/token"
)

const (
	minPasswordLength = 6
	lineFallbackName  = "LINE User"
)

var (
	// ErrWeakPassword is returned for passwords shorter than six characters.
	ErrWeakPassword = errors.New("password must be at least 6 characters")
	// ErrInvalidCredentials is returned when the email or password is wrong.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrForbiddenRole is returned when an account signs in to the other
	// role's portal.
	ErrForbiddenRole = errors.New("forbidden: access is denied")
	// ErrInvalidSession is returned when a session token cannot be redeemed.
	ErrInvalidSession = errors.New("invalid session token")
)

// PictureMirror copies an external profile picture into owned storage.
type PictureMirror interface {
	Mirror(ctx context.Context, uid, pictureURL string) (string, error)
}

// Verifier checks LINE ID tokens.
type Verifier interface {
	Verify(idToken string, profile *lineverify.Profile) (*lineverify.Identity, error)
}

// RegisterInput holds the fields for password registration.
type RegisterInput struct {
	Email    string
	Password string
	Name     string
	Role     Role
}

// Service provides account and session operations.
type Service struct {
	repo       Repository
	issuer     *token.Issuer
	verifier   Verifier
	mirror     PictureMirror
	bcryptCost int
	logger     *slog.Logger
}

// NewService creates a new account Service. mirror may be nil, in which case
// LINE pictures are stored by their original URL.
func NewService(repo Repository, issuer *token.Issuer, verifier Verifier, mirror PictureMirror, bcryptCost int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		issuer:     issuer,
		verifier:   verifier,
		mirror:     mirror,
		bcryptCost: bcryptCost,
		logger:     logger,
	}
}

// Register creates a password account and signs it in.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	if len(in.Password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	hashStr := string(hash)

	role := in.Role
	if role == "" {
		role = RoleSeeker
	}

	a := &Account{
		Email:        normalizeEmail(in.Email),
		Name:         strings.TrimSpace(in.Name),
		PasswordHash: &hashStr,
		Role:         role,
		Provider:     ProviderPassword,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, err
	}

	s.logger.Info("account registered", "uid", a.ID, "role", a.Role)
	return s.issue(a)
}

// Login signs in a password account by email.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	a, err := s.authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return s.issue(a)
}

// LoginForPortal is Login restricted to accounts holding the portal's role.
// The role is checked only after the credentials are.
func (s *Service) LoginForPortal(ctx context.Context, portal Role, email, password string) (*Session, error) {
	a, err := s.authenticate(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if a.Role != portal {
		s.logger.Warn("portal login with wrong role", "uid", a.ID, "role", a.Role, "portal", portal)
		return nil, ErrForbiddenRole
	}
	return s.issue(a)
}

// SignInWithLine verifies a LINE identity and creates or refreshes its
// account. New LINE accounts are seekers with the synthetic email
// <lineUserId>@line.com.
func (s *Service) SignInWithLine(ctx context.Context, idToken string, profile *lineverify.Profile) (*Session, error) {
	id, err := s.verifier.Verify(idToken, profile)
	if err != nil {
		return nil, err
	}

	name := id.DisplayName
	if name == "" {
		name = lineFallbackName
	}
	lineUserID := id.UserID

	a := &Account{
		Email:      lineUserID + "@line.com",
		Name:       name,
		Picture:    id.PictureURL,
		Role:       RoleSeeker,
		Provider:   ProviderLine,
		LineUserID: &lineUserID,
	}
	if err := s.repo.UpsertLine(ctx, a); err != nil {
		return nil, err
	}

	if id.PictureURL != "" && s.mirror != nil {
		s.mirrorPicture(ctx, a, id.PictureURL)
	}

	s.logger.Info("line sign-in", "uid", a.ID, "line_user_id", lineUserID)
	return s.issue(a)
}

// Redeem resolves a session token to its account.
func (s *Service) Redeem(ctx context.Context, raw string) (*Account, time.Time, error) {
	claims, err := s.issuer.Validate(raw)
	if err != nil {
		return nil, time.Time{}, ErrInvalidSession
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, time.Time{}, ErrInvalidSession
	}

	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, time.Time{}, ErrInvalidSession
		}
		return nil, time.Time{}, fmt.Errorf("loading session account: %w", err)
	}

	return a, claims.ExpiresAt.Time, nil
}

func (s *Service) authenticate(ctx context.Context, email, password string) (*Account, error) {
	a, err := s.repo.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("finding account: %w", err)
	}

	if a.PasswordHash == nil || password == "" {
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(*a.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	return a, nil
}

// mirrorPicture is best-effort: on failure the original URL stays.
func (s *Service) mirrorPicture(ctx context.Context, a *Account, pictureURL string) {
	stored, err := s.mirror.Mirror(ctx, a.ID.String(), pictureURL)
	if err != nil {
		s.logger.Warn("failed to mirror profile picture", "uid", a.ID, "error", err)
		return
	}
	if err := s.repo.UpdatePicture(ctx, a.ID, stored); err != nil {
		s.logger.Warn("failed to store mirrored picture", "uid", a.ID, "error", err)
		return
	}
	a.Picture = stored
}

func (s *Service) issue(a *Account) (*Session, error) {
	sub := token.Subject{
		UserID:   a.ID.String(),
		Role:     string(a.Role),
		Provider: a.Provider,
	}
	if a.LineUserID != nil {
		sub.LineUserID = *a.LineUserID
	}

	raw, expiresAt, err := s.issuer.Issue(sub)
	if err != nil {
		return nil, fmt.Errorf("issuing session token: %w", err)
	}

	return &Session{Account: a, Token: raw, ExpiresAt: expiresAt}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
