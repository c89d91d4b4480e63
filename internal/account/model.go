package account

import (
	"time"

	"github.com/google/uuid"
)

// Role scopes which portal an account may use.
type Role string

const (
	RoleSeeker   Role = "seeker"
	RoleEmployer Role = "employer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleSeeker || r == RoleEmployer
}

// Sign-in providers recorded on an account.
const (
	ProviderPassword = "password"
	ProviderLine     = "line"
)

// Account represents a row in the users table.
type Account struct {
	ID           uuid.UUID
	Email        string
	Name         string
	Picture      string
	PasswordHash *string // nil for LINE accounts
	Role         Role
	Provider     string
	LineUserID   *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session is a freshly issued backend session for an account.
type Session struct {
	Account   *Account
	Token     string
	ExpiresAt time.Time
}
