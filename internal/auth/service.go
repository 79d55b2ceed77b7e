package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/oops"
)

const maxTokenAttempts = 3

// dummyPassword is hashed once at construction. Logins for unknown usernames
// verify against that hash so both failure paths do the same work.
const dummyPassword = "not-a-real-password"

type Service struct {
	accounts AccountStore
	hasher   PasswordHasher
	log      *slog.Logger
	nowFunc  func() time.Time

	dummyHash string
}

type ServiceConfig struct {
	Hasher PasswordHasher
	Logger *slog.Logger
}

func NewService(accounts AccountStore, cfg ServiceConfig) (*Service, error) {
	if accounts == nil {
		return nil, fmt.Errorf("account store is required")
	}
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = NewArgon2idHasher()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dummyHash, err := hasher.Hash(dummyPassword)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}

	return &Service{
		accounts:  accounts,
		hasher:    hasher,
		log:       logger,
		nowFunc:   time.Now,
		dummyHash: dummyHash,
	}, nil
}

// HashPassword exposes the configured hasher for seeding and tests.
func (s *Service) HashPassword(password string) (string, error) {
	return s.hasher.Hash(password)
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (Account, error) {
	if err := validateRegister(in); err != nil {
		return Account{}, err
	}

	if _, err := s.accounts.FindByUsername(ctx, in.Username); err == nil {
		return Account{}, ErrUsernameTaken
	} else if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, storeFault("find account by username", err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return Account{}, oops.Code("AUTH_REGISTER_FAILED").With("operation", "hash password").Wrap(err)
	}

	now := s.nowFunc().UTC()
	account := Account{
		ID:             uuid.NewString(),
		Username:       in.Username,
		CredentialHash: hash,
		DisplayName:    in.DisplayName,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			return Account{}, ErrUsernameTaken
		}
		return Account{}, storeFault("create account", err)
	}

	s.log.InfoContext(ctx, "account registered", "account_id", account.ID)
	return account, nil
}

// Login verifies the credentials and issues a fresh session token, replacing
// whatever token the account held before.
func (s *Service) Login(ctx context.Context, username, password string) (Account, string, error) {
	if err := validateLogin(username, password); err != nil {
		return Account{}, "", err
	}

	account, lookupErr := s.accounts.FindByUsername(ctx, username)
	found := lookupErr == nil
	if lookupErr != nil && !errors.Is(lookupErr, ErrAccountNotFound) {
		return Account{}, "", storeFault("find account by username", lookupErr)
	}

	target := s.dummyHash
	if found {
		target = account.CredentialHash
	}
	valid, err := s.hasher.Verify(password, target)
	if err != nil {
		if !found {
			return Account{}, "", ErrInvalidCredentials
		}
		return Account{}, "", oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "verify password").
			With("account_id", account.ID).
			Wrap(err)
	}
	if !found || !valid {
		s.log.InfoContext(ctx, "login rejected")
		return Account{}, "", ErrInvalidCredentials
	}

	token, err := s.issueToken(ctx, account.ID)
	if err != nil {
		return Account{}, "", err
	}
	account.SessionToken = token
	account.UpdatedAt = s.nowFunc().UTC()

	s.log.InfoContext(ctx, "login succeeded", "account_id", account.ID)
	return account, token, nil
}

func (s *Service) issueToken(ctx context.Context, accountID string) (string, error) {
	for attempt := 1; ; attempt++ {
		token, err := generateToken(sessionTokenBytes)
		if err != nil {
			return "", oops.Code("AUTH_LOGIN_FAILED").With("operation", "generate session token").Wrap(err)
		}
		err = s.accounts.SetSessionToken(ctx, accountID, token, s.nowFunc().UTC())
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrTokenCollision) || attempt >= maxTokenAttempts {
			return "", storeFault("store session token", err)
		}
		s.log.WarnContext(ctx, "session token collision, regenerating", "attempt", attempt)
	}
}

// Authorize resolves a bearer token to the account that currently owns it.
func (s *Service) Authorize(ctx context.Context, token string) (Account, error) {
	if token == "" {
		return Account{}, ErrUnauthorized
	}
	account, err := s.accounts.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Account{}, ErrUnauthorized
		}
		return Account{}, storeFault("find account by token", err)
	}
	return account, nil
}

// UpdateProfile applies the supplied fields. The session token is left alone,
// so the caller's current token keeps working after a password change.
func (s *Service) UpdateProfile(ctx context.Context, account Account, upd ProfileUpdate) (Account, error) {
	if err := validateProfileUpdate(upd); err != nil {
		return Account{}, err
	}

	var ch ProfileChanges
	if upd.DisplayName != nil && *upd.DisplayName != "" {
		ch.DisplayName = upd.DisplayName
	}
	if upd.Password != nil && *upd.Password != "" {
		hash, err := s.hasher.Hash(*upd.Password)
		if err != nil {
			return Account{}, oops.Code("AUTH_UPDATE_FAILED").With("operation", "hash password").Wrap(err)
		}
		ch.CredentialHash = &hash
	}
	if ch.DisplayName == nil && ch.CredentialHash == nil {
		return account, nil
	}

	// Only the supplied columns are written; account may be a stale snapshot.
	ch.UpdatedAt = s.nowFunc().UTC()
	account, err := s.accounts.SaveProfile(ctx, account.ID, ch)
	if err != nil {
		return Account{}, storeFault("save account", err)
	}

	s.log.InfoContext(ctx, "profile updated", "account_id", account.ID)
	return account, nil
}

func (s *Service) Logout(ctx context.Context, account Account) error {
	if err := s.accounts.SetSessionToken(ctx, account.ID, "", s.nowFunc().UTC()); err != nil {
		return storeFault("clear session token", err)
	}
	s.log.InfoContext(ctx, "logged out", "account_id", account.ID)
	return nil
}

// EnsureAccount registers the account unless the username already exists.
// It reports whether a new account was created.
func (s *Service) EnsureAccount(ctx context.Context, in RegisterInput) (bool, error) {
	_, err := s.Register(ctx, in)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrUsernameTaken) {
		return false, nil
	}
	return false, err
}

func validateRegister(in RegisterInput) error {
	ve := &ValidationError{}
	required(ve, "username", in.Username)
	required(ve, "password", in.Password)
	required(ve, "name", in.DisplayName)
	maxLength(ve, "name", in.DisplayName, maxDisplayNameLength)
	return ve.errOrNil()
}

func validateLogin(username, password string) error {
	ve := &ValidationError{}
	required(ve, "username", username)
	required(ve, "password", password)
	return ve.errOrNil()
}

func validateProfileUpdate(upd ProfileUpdate) error {
	ve := &ValidationError{}
	if upd.DisplayName != nil {
		maxLength(ve, "name", *upd.DisplayName, maxDisplayNameLength)
	}
	return ve.errOrNil()
}

func required(ve *ValidationError, field, value string) {
	if value == "" {
		ve.add(field, fmt.Sprintf("The %s field is required.", field))
	}
}

func maxLength(ve *ValidationError, field, value string, limit int) {
	if utf8.RuneCountInString(value) > limit {
		ve.add(field, fmt.Sprintf("The %s field must not be greater than %d characters.", field, limit))
	}
}

func storeFault(operation string, err error) error {
	return oops.Code("AUTH_STORE_FAILED").With("operation", operation).Wrap(err)
}
