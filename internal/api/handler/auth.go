package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/neeiz/neeiz/internal/account"
	"github.com/neeiz/neeiz/internal/api/middleware"
	"github.com/neeiz/neeiz/internal/api/response"
	"github.com/neeiz/neeiz/internal/api/validation"
	"github.com/neeiz/neeiz/internal/lineverify"
)

const forbiddenRoleMessage = "Forbidden: Access is denied"

// AuthService is the account behaviour the auth endpoints need.
type AuthService interface {
	Register(ctx context.Context, in account.RegisterInput) (*account.Session, error)
	Login(ctx context.Context, email, password string) (*account.Session, error)
	LoginForPortal(ctx context.Context, portal account.Role, email, password string) (*account.Session, error)
	SignInWithLine(ctx context.Context, idToken string, profile *lineverify.Profile) (*account.Session, error)
	Redeem(ctx context.Context, raw string) (*account.Account, time.Time, error)
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type lineRequest struct {
	IDToken string              `json:"idToken"`
	Profile *lineverify.Profile `json:"profile"`
}

type sessionRequest struct {
	SessionToken string `json:"sessionToken"`
}

type registerResponse struct {
	UID          string `json:"uid"`
	SessionToken string `json:"sessionToken"`
}

type loginResponse struct {
	UID          string `json:"uid"`
	SessionToken string `json:"sessionToken"`
	Role         string `json:"role"`
}

type lineUserResponse struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	PictureURL  string `json:"pictureUrl,omitempty"`
}

type lineResponse struct {
	SessionToken string           `json:"sessionToken"`
	User         lineUserResponse `json:"user"`
}

type accountResponse struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	PictureURL  string `json:"pictureUrl"`
	Role        string `json:"role"`
	Provider    string `json:"provider"`
}

type sessionResponse struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	PictureURL  string `json:"pictureUrl"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expiresAt"`
}

// AuthHandler handles the /auth endpoints.
type AuthHandler struct {
	service AuthService
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(service AuthService) *AuthHandler {
	return &AuthHandler{service: service}
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	var req registerRequest
	if !decodeJSON(w, r, &req, requestID) {
		return
	}

	fieldErrors := validation.ValidateRegisterRequest(validation.RegisterRequest{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Role:     req.Role,
	})
	if len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}

	s, err := h.service.Register(r.Context(), account.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Role:     account.Role(req.Role),
	})
	if err != nil {
		switch {
		case errors.Is(err, account.ErrWeakPassword):
			response.Err(w, http.StatusBadRequest, "WEAK_PASSWORD", "Password must be at least 6 characters", requestID)
		case errors.Is(err, account.ErrEmailExists):
			response.Err(w, http.StatusConflict, "EMAIL_EXISTS", "Email is already registered", requestID)
		default:
			slog.Error("failed to register account", "error", err, "requestId", requestID)
			response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to register", requestID)
		}
		return
	}

	response.NoStore(w)
	response.Success(w, http.StatusCreated, registerResponse{
		UID:          s.Account.ID.String(),
		SessionToken: s.Token,
	}, requestID)
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	h.login(w, r, "")
}

// EmployerLogin handles POST /auth/employer/login.
func (h *AuthHandler) EmployerLogin(w http.ResponseWriter, r *http.Request) {
	h.login(w, r, account.RoleEmployer)
}

// SeekerLogin handles POST /auth/seeker/login.
func (h *AuthHandler) SeekerLogin(w http.ResponseWriter, r *http.Request) {
	h.login(w, r, account.RoleSeeker)
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request, portal account.Role) {
	requestID := middleware.GetRequestID(r.Context())

	var req loginRequest
	if !decodeJSON(w, r, &req, requestID) {
		return
	}

	if fieldErrors := validation.ValidateLoginRequest(req.Email); len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}

	var (
		s   *account.Session
		err error
	)
	if portal == "" {
		s, err = h.service.Login(r.Context(), req.Email, req.Password)
	} else {
		s, err = h.service.LoginForPortal(r.Context(), portal, req.Email, req.Password)
	}
	if err != nil {
		switch {
		case errors.Is(err, account.ErrInvalidCredentials):
			response.Err(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", requestID)
		case errors.Is(err, account.ErrForbiddenRole):
			response.Err(w, http.StatusForbidden, "FORBIDDEN_ROLE", forbiddenRoleMessage, requestID)
		default:
			slog.Error("failed to log in", "error", err, "portal", portal, "requestId", requestID)
			response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to log in", requestID)
		}
		return
	}

	response.NoStore(w)
	response.Success(w, http.StatusOK, loginResponse{
		UID:          s.Account.ID.String(),
		SessionToken: s.Token,
		Role:         string(s.Account.Role),
	}, requestID)
}

// Line handles POST /auth/line.
func (h *AuthHandler) Line(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	var req lineRequest
	if !decodeJSON(w, r, &req, requestID) {
		return
	}

	lr := validation.LineRequest{IDToken: req.IDToken, HasProfile: req.Profile != nil}
	if req.Profile != nil {
		lr.ProfileUserID = req.Profile.UserID
	}
	if fieldErrors := validation.ValidateLineRequest(lr); len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}

	s, err := h.service.SignInWithLine(r.Context(), strings.TrimSpace(req.IDToken), req.Profile)
	if err != nil {
		switch {
		case errors.Is(err, lineverify.ErrInvalidIDToken),
			errors.Is(err, lineverify.ErrProfileMismatch),
			errors.Is(err, lineverify.ErrMissingIdentity):
			slog.Warn("rejected LINE identity", "error", err, "requestId", requestID)
			response.Err(w, http.StatusUnauthorized, "INVALID_ID_TOKEN", "LINE identity could not be verified", requestID)
		case errors.Is(err, lineverify.ErrNotConfigured):
			slog.Error("LINE sign-in is not configured", "requestId", requestID)
			response.Err(w, http.StatusServiceUnavailable, "LINE_NOT_CONFIGURED", "LINE sign-in is unavailable", requestID)
		default:
			slog.Error("failed to sign in with LINE", "error", err, "requestId", requestID)
			response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "LINE authentication failed", requestID)
		}
		return
	}

	response.NoStore(w)
	response.Success(w, http.StatusOK, lineResponse{
		SessionToken: s.Token,
		User: lineUserResponse{
			UID:         s.Account.ID.String(),
			DisplayName: s.Account.Name,
			Email:       s.Account.Email,
			PictureURL:  s.Account.Picture,
		},
	}, requestID)
}

// Session handles POST /auth/session.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	var req sessionRequest
	if !decodeJSON(w, r, &req, requestID) {
		return
	}

	if fieldErrors := validation.ValidateSessionRequest(req.SessionToken); len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}

	a, expiresAt, err := h.service.Redeem(r.Context(), req.SessionToken)
	if err != nil {
		if errors.Is(err, account.ErrInvalidSession) {
			response.Err(w, http.StatusUnauthorized, "INVALID_TOKEN", "Session token is invalid or expired", requestID)
			return
		}
		slog.Error("failed to redeem session", "error", err, "requestId", requestID)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to redeem session", requestID)
		return
	}

	response.NoStore(w)
	response.Success(w, http.StatusOK, sessionResponse{
		UID:         a.ID.String(),
		DisplayName: a.Name,
		Email:       a.Email,
		PictureURL:  a.Picture,
		Role:        string(a.Role),
		ExpiresAt:   expiresAt.UTC().Format(time.RFC3339),
	}, requestID)
}

// Me handles GET /auth/me for a bearer session resolved by middleware.Auth.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	a := middleware.GetAccount(r.Context())
	if a == nil {
		response.Err(w, http.StatusUnauthorized, "UNAUTHORIZED", "Session token is required", requestID)
		return
	}

	response.NoStore(w)
	response.Success(w, http.StatusOK, accountResponse{
		UID:         a.ID.String(),
		DisplayName: a.Name,
		Email:       a.Email,
		PictureURL:  a.Picture,
		Role:        string(a.Role),
		Provider:    a.Provider,
	}, requestID)
}

// decodeJSON reads a bounded JSON body into dst, answering INVALID_JSON on
// failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, requestID string) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be valid JSON", requestID)
		return false
	}
	return true
}
