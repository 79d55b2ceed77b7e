package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation is the SQLSTATE Postgres reports for a unique constraint.
const uniqueViolation = "23505"

// PostgresAccountStore expects the schema from internal/migrations to be in
// place; it does not create tables itself.
type PostgresAccountStore struct {
	db *sql.DB
}

func NewPostgresAccountStore(db *sql.DB) (*PostgresAccountStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &PostgresAccountStore{db: db}, nil
}

const accountColumns = `id, username, credential_hash, display_name, session_token, created_at, updated_at`

func (s *PostgresAccountStore) Create(ctx context.Context, account Account) error {
	const q = `
INSERT INTO accounts (id, username, credential_hash, display_name, session_token, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, q,
		account.ID,
		account.Username,
		account.CredentialHash,
		account.DisplayName,
		nullableToken(account.SessionToken),
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		if isPQUniqueViolation(err, "accounts_username_key") {
			return ErrUsernameTaken
		}
		if isPQUniqueViolation(err, "accounts_session_token_key") {
			return ErrTokenCollision
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *PostgresAccountStore) FindByUsername(ctx context.Context, username string) (Account, error) {
	if username == "" {
		return Account{}, ErrAccountNotFound
	}
	const q = `SELECT ` + accountColumns + ` FROM accounts WHERE username = $1`
	return s.queryOne(ctx, q, username)
}

func (s *PostgresAccountStore) FindByToken(ctx context.Context, token string) (Account, error) {
	if token == "" {
		return Account{}, ErrAccountNotFound
	}
	const q = `SELECT ` + accountColumns + ` FROM accounts WHERE session_token = $1`
	return s.queryOne(ctx, q, token)
}

func (s *PostgresAccountStore) queryOne(ctx context.Context, q string, args ...any) (Account, error) {
	var a Account
	var token sql.NullString
	err := s.db.QueryRowContext(ctx, q, args...).Scan(
		&a.ID, &a.Username, &a.CredentialHash, &a.DisplayName, &token, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("query account: %w", err)
	}
	a.SessionToken = token.String
	return a, nil
}

// SaveProfile updates the supplied columns in one statement so concurrent
// updates of different fields do not overwrite each other.
func (s *PostgresAccountStore) SaveProfile(ctx context.Context, id string, ch ProfileChanges) (Account, error) {
	const q = `
UPDATE accounts
SET credential_hash = COALESCE($2, credential_hash),
	display_name = COALESCE($3, display_name),
	updated_at = $4
WHERE id = $1
RETURNING ` + accountColumns
	a, err := s.queryOne(ctx, q, id, nullableField(ch.CredentialHash), nullableField(ch.DisplayName), ch.UpdatedAt)
	if err != nil && !errors.Is(err, ErrAccountNotFound) {
		return Account{}, fmt.Errorf("update account: %w", err)
	}
	return a, err
}

func (s *PostgresAccountStore) SetSessionToken(ctx context.Context, id, token string, at time.Time) error {
	const q = `UPDATE accounts SET session_token = $2, updated_at = $3 WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, id, nullableToken(token), at)
	if err != nil {
		if isPQUniqueViolation(err, "") {
			return ErrTokenCollision
		}
		return fmt.Errorf("update session token: %w", err)
	}
	return expectOneRow(res)
}

// isPQUniqueViolation matches any unique violation when constraint is empty.
func isPQUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

func nullableToken(token string) sql.NullString {
	return sql.NullString{String: token, Valid: token != ""}
}

func nullableField(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}
