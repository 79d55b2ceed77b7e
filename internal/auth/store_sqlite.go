package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

type SQLiteAccountStore struct {
	db *sqlx.DB
}

// accountRow mirrors the accounts table; session_token is NULL when the
// account has no session.
type accountRow struct {
	ID             string         `db:"id"`
	Username       string         `db:"username"`
	CredentialHash string         `db:"credential_hash"`
	DisplayName    string         `db:"display_name"`
	SessionToken   sql.NullString `db:"session_token"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r accountRow) account() Account {
	return Account{
		ID:             r.ID,
		Username:       r.Username,
		CredentialHash: r.CredentialHash,
		DisplayName:    r.DisplayName,
		SessionToken:   r.SessionToken.String,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

func NewSQLiteAccountStore(db *sql.DB) (*SQLiteAccountStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &SQLiteAccountStore{db: sqlx.NewDb(db, "sqlite3")}, nil
}

func (s *SQLiteAccountStore) Create(ctx context.Context, account Account) error {
	const q = `
INSERT INTO accounts (id, username, credential_hash, display_name, session_token, created_at, updated_at)
VALUES (:id, :username, :credential_hash, :display_name, :session_token, :created_at, :updated_at)`
	row := accountRow{
		ID:             account.ID,
		Username:       account.Username,
		CredentialHash: account.CredentialHash,
		DisplayName:    account.DisplayName,
		SessionToken:   nullableToken(account.SessionToken),
		CreatedAt:      account.CreatedAt.UTC(),
		UpdatedAt:      account.UpdatedAt.UTC(),
	}
	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		if isSQLiteUniqueViolation(err, "accounts.username") {
			return ErrUsernameTaken
		}
		if isSQLiteUniqueViolation(err, "accounts.session_token") {
			return ErrTokenCollision
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *SQLiteAccountStore) FindByUsername(ctx context.Context, username string) (Account, error) {
	if username == "" {
		return Account{}, ErrAccountNotFound
	}
	return s.getOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username = ?`, username)
}

func (s *SQLiteAccountStore) FindByToken(ctx context.Context, token string) (Account, error) {
	if token == "" {
		return Account{}, ErrAccountNotFound
	}
	return s.getOne(ctx, `SELECT `+accountColumns+` FROM accounts WHERE session_token = ?`, token)
}

func (s *SQLiteAccountStore) getOne(ctx context.Context, q string, args ...any) (Account, error) {
	var row accountRow
	if err := s.db.GetContext(ctx, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("query account: %w", err)
	}
	return row.account(), nil
}

func (s *SQLiteAccountStore) SaveProfile(ctx context.Context, id string, ch ProfileChanges) (Account, error) {
	const q = `
UPDATE accounts
SET credential_hash = COALESCE(?, credential_hash),
	display_name = COALESCE(?, display_name),
	updated_at = ?
WHERE id = ?
RETURNING ` + accountColumns
	a, err := s.getOne(ctx, q, nullableField(ch.CredentialHash), nullableField(ch.DisplayName), ch.UpdatedAt.UTC(), id)
	if err != nil && !errors.Is(err, ErrAccountNotFound) {
		return Account{}, fmt.Errorf("update account: %w", err)
	}
	return a, err
}

func (s *SQLiteAccountStore) SetSessionToken(ctx context.Context, id, token string, at time.Time) error {
	const q = `UPDATE accounts SET session_token = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, nullableToken(token), at.UTC(), id)
	if err != nil {
		if isSQLiteUniqueViolation(err, "") {
			return ErrTokenCollision
		}
		return fmt.Errorf("update session token: %w", err)
	}
	return expectOneRow(res)
}

// SQLite names the offending column in the message, e.g.
// "UNIQUE constraint failed: accounts.username".
func isSQLiteUniqueViolation(err error, column string) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique {
		return false
	}
	return column == "" || strings.Contains(sqliteErr.Error(), column)
}
