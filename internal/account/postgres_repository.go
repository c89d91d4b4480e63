package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// DBTX is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock pools.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements Repository on Postgres.
type PostgresRepository struct {
	db DBTX
}

// NewRepository creates a new Repository backed by the given connection.
func NewRepository(db DBTX) Repository {
	return &PostgresRepository{db: db}
}

const selectColumns = `id, email, name, picture, password_hash, role, provider,
		       line_user_id, created_at, updated_at`

// Create inserts a new account record.
func (r *PostgresRepository) Create(ctx context.Context, a *Account) error {
	query := `
		INSERT INTO users (email, name, picture, password_hash, role, provider, line_user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		a.Email,
		a.Name,
		a.Picture,
		a.PasswordHash,
		a.Role,
		a.Provider,
		a.LineUserID,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrEmailExists
		}
		return fmt.Errorf("inserting account: %w", err)
	}

	return nil
}

// GetByID retrieves a single account by its UUID.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	query := `SELECT ` + selectColumns + ` FROM users WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetByEmail retrieves a single account by its email address.
func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*Account, error) {
	query := `SELECT ` + selectColumns + ` FROM users WHERE email = $1`
	return r.getOne(ctx, query, email)
}

// UpsertLine inserts or refreshes the account keyed by line_user_id. An empty
// picture never overwrites a stored one.
func (r *PostgresRepository) UpsertLine(ctx context.Context, a *Account) error {
	query := `
		INSERT INTO users (email, name, picture, role, provider, line_user_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (line_user_id) DO UPDATE
		SET name = EXCLUDED.name,
		    picture = CASE WHEN EXCLUDED.picture <> '' THEN EXCLUDED.picture ELSE users.picture END,
		    updated_at = NOW()
		RETURNING id, email, picture, role, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		a.Email,
		a.Name,
		a.Picture,
		a.Role,
		a.Provider,
		a.LineUserID,
	).Scan(&a.ID, &a.Email, &a.Picture, &a.Role, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrEmailExists
		}
		return fmt.Errorf("upserting line account: %w", err)
	}

	return nil
}

// UpdatePicture replaces the stored picture URL.
func (r *PostgresRepository) UpdatePicture(ctx context.Context, id uuid.UUID, picture string) error {
	query := `UPDATE users SET picture = $2, updated_at = NOW() WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, picture)
	if err != nil {
		return fmt.Errorf("updating picture: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, arg any) (*Account, error) {
	var a Account
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&a.ID, &a.Email, &a.Name, &a.Picture, &a.PasswordHash,
		&a.Role, &a.Provider, &a.LineUserID,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying account: %w", err)
	}

	return &a, nil
}
