package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/neeiz/neeiz/internal/account"
	"github.com/neeiz/neeiz/internal/api/response"
)

const accountKey contextKey = "account"

// SessionRedeemer resolves a session token to its account.
type SessionRedeemer interface {
	Redeem(ctx context.Context, raw string) (*account.Account, time.Time, error)
}

// Auth is middleware that resolves the "Authorization: Bearer" session token
// to an account. Missing or invalid tokens return 401.
func Auth(redeemer SessionRedeemer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := GetRequestID(r.Context())

			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				response.Err(w, http.StatusUnauthorized, "UNAUTHORIZED", "Session token is required", requestID)
				return
			}

			a, _, err := redeemer.Redeem(r.Context(), strings.TrimSpace(raw))
			if err != nil {
				if errors.Is(err, account.ErrInvalidSession) {
					response.Err(w, http.StatusUnauthorized, "INVALID_TOKEN", "Session token is invalid or expired", requestID)
					return
				}
				response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Authentication failed", requestID)
				return
			}

			ctx := context.WithValue(r.Context(), accountKey, a)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAccount retrieves the authenticated account from the request context.
func GetAccount(ctx context.Context) *account.Account {
	if a, ok := ctx.Value(accountKey).(*account.Account); ok {
		return a
	}
	return nil
}
