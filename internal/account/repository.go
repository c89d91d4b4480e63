package account

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an account record is not found.
var ErrNotFound = errors.New("account not found")

// ErrEmailExists is returned when the email is already registered.
var ErrEmailExists = errors.New("email already registered")

// Repository provides operations on the users table.
type Repository interface {
	Create(ctx context.Context, a *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	// UpsertLine creates the account for a LINE user or refreshes its name
	// and picture. ID, Role and timestamps are filled from the stored row.
	UpsertLine(ctx context.Context, a *Account) error
	UpdatePicture(ctx context.Context, id uuid.UUID, picture string) error
}
