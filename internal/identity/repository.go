package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no account matches the lookup.
	ErrNotFound = errors.New("account not found")
	// ErrEmailTaken is returned when registering an email already in use.
	ErrEmailTaken = errors.New("email already registered")
	// ErrPhoneTaken is returned by SetPhone when another account owns the number.
	ErrPhoneTaken = errors.New("phone already linked to another account")
)

const uniqueViolation = "23505"

// Repository persists accounts.
type Repository interface {
	Create(ctx context.Context, account Account) error
	FindByEmail(ctx context.Context, email string) (Account, error)
	FindByID(ctx context.Context, id string) (Account, error)
	SetPhone(ctx context.Context, id, phone string) error
	TouchSignIn(ctx context.Context, id string, at time.Time) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed account repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the accounts table when missing. The partial unique
// index on phone is what makes a number linkable to one account only.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS accounts (
            id            UUID PRIMARY KEY,
            email         TEXT NOT NULL UNIQUE,
            display_name  TEXT NOT NULL DEFAULT '',
            password_hash BYTEA NOT NULL,
            phone         TEXT,
            created_at    TIMESTAMPTZ NOT NULL,
            last_sign_in  TIMESTAMPTZ
        );
        CREATE UNIQUE INDEX IF NOT EXISTS accounts_phone_key ON accounts (phone) WHERE phone IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("create accounts: %w", err)
	}
	return nil
}

// Create inserts a new account.
func (r *PostgresRepository) Create(ctx context.Context, account Account) error {
	id, err := uuid.Parse(account.ID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO accounts (id, email, display_name, password_hash, created_at)
        VALUES ($1, $2, $3, $4, $5)`, id, account.Email, account.DisplayName, account.PasswordHash, account.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

// FindByEmail fetches an account by email.
func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (Account, error) {
	return r.findOne(ctx, `WHERE email = $1`, email)
}

// FindByID fetches an account by id.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (Account, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Account{}, ErrNotFound
	}
	return r.findOne(ctx, `WHERE id = $1`, parsed)
}

func (r *PostgresRepository) findOne(ctx context.Context, where string, arg any) (Account, error) {
	row := r.db.QueryRow(ctx, `SELECT id, email, display_name, password_hash, COALESCE(phone, ''), created_at, last_sign_in
        FROM accounts `+where, arg)
	var (
		id         uuid.UUID
		account    Account
		lastSignIn *time.Time
	)
	if err := row.Scan(&id, &account.Email, &account.DisplayName, &account.PasswordHash, &account.Phone, &account.CreatedAt, &lastSignIn); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, err
	}
	account.ID = id.String()
	account.CreatedAt = account.CreatedAt.UTC()
	if lastSignIn != nil {
		account.LastSignIn = lastSignIn.UTC()
	}
	return account, nil
}

// SetPhone links phone to the account.
func (r *PostgresRepository) SetPhone(ctx context.Context, id, phone string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := r.db.Exec(ctx, `UPDATE accounts SET phone = $1 WHERE id = $2`, phone, parsed)
	if isUniqueViolation(err) {
		return ErrPhoneTaken
	}
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchSignIn records the latest successful sign-in.
func (r *PostgresRepository) TouchSignIn(ctx context.Context, id string, at time.Time) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	_, err = r.db.Exec(ctx, `UPDATE accounts SET last_sign_in = $1 WHERE id = $2`, at.UTC(), parsed)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
