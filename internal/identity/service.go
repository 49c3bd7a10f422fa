package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/vera-market/vera/internal/apperror"
	"github.com/vera-market/vera/internal/profile"
)

const minPasswordLength = 8

var (
	// ErrInvalidCredentials covers both unknown email and wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrInvalidEmail is returned for malformed addresses.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrWeakPassword is returned for passwords below the minimum length.
	ErrWeakPassword = fmt.Errorf("password must be at least %d characters", minPasswordLength)
)

// Service is the identity provider: account lifecycle and phone credential
// linking.
type Service struct {
	repo     Repository
	profiles profile.Writer
	logger   *slog.Logger
	now      func() time.Time
	cost     int
}

// NewService creates a new identity service. Profiles receives the
// first-sign-in merge.
func NewService(repo Repository, profiles profile.Writer, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		profiles: profiles,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		cost:     bcrypt.DefaultCost,
	}
}

// WithHashCost overrides the bcrypt cost; tests use bcrypt.MinCost.
func (s *Service) WithHashCost(cost int) *Service {
	s.cost = cost
	return s
}

// Register creates an account and its profile document with verifiedLevel 0.
// When the profile merge fails the account still exists and an error is
// returned; the next SignIn writes the missing document.
func (s *Service) Register(ctx context.Context, creds Credentials) (Account, error) {
	email, err := normalizeEmail(creds.Email)
	if err != nil {
		return Account{}, err
	}
	if len(creds.Password) < minPasswordLength {
		return Account{}, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), s.cost)
	if err != nil {
		return Account{}, err
	}

	displayName := strings.TrimSpace(creds.DisplayName)
	if displayName == "" {
		displayName = "Anonymous"
	}
	now := s.now()
	account := Account{
		ID:           uuid.New().String(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: hash,
		CreatedAt:    now,
		LastSignIn:   now,
	}
	if err := s.repo.Create(ctx, account); err != nil {
		return Account{}, err
	}

	err = s.profiles.Merge(ctx, account.ID, profile.Patch{
		DisplayName:   profile.String(account.DisplayName),
		Email:         profile.String(account.Email),
		VerifiedLevel: profile.Int(0),
	})
	if err != nil {
		s.logger.Error("identity.register profile missing", slog.String("uid", account.ID), slog.Any("error", err))
		return Account{}, fmt.Errorf("create profile: %w", err)
	}

	s.logger.Info("identity.register completed", slog.String("uid", account.ID))
	return account, nil
}

// SignIn verifies credentials and refreshes the profile's display metadata.
// Verification fields are never part of this merge.
func (s *Service) SignIn(ctx context.Context, creds Credentials) (Account, error) {
	email, err := normalizeEmail(creds.Email)
	if err != nil {
		return Account{}, ErrInvalidCredentials
	}
	account, err := s.repo.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return Account{}, ErrInvalidCredentials
	}
	if err != nil {
		return Account{}, err
	}
	if err := bcrypt.CompareHashAndPassword(account.PasswordHash, []byte(creds.Password)); err != nil {
		return Account{}, ErrInvalidCredentials
	}

	account.LastSignIn = s.now()
	if err := s.repo.TouchSignIn(ctx, account.ID, account.LastSignIn); err != nil {
		s.logger.Warn("record sign-in failed", slog.String("uid", account.ID), slog.Any("error", err))
	}
	if err := s.profiles.Merge(ctx, account.ID, profile.Patch{Email: profile.String(account.Email)}); err != nil {
		return Account{}, fmt.Errorf("refresh profile: %w", err)
	}
	return account, nil
}

// Account returns the account for uid.
func (s *Service) Account(ctx context.Context, uid string) (Account, error) {
	return s.repo.FindByID(ctx, uid)
}

// LinkPhone attaches a confirmed phone credential to an already signed-in
// account. Relinking the same number is a no-op.
func (s *Service) LinkPhone(ctx context.Context, uid, phone string) error {
	account, err := s.repo.FindByID(ctx, uid)
	if errors.Is(err, ErrNotFound) {
		return apperror.ErrUnauthenticated
	}
	if err != nil {
		return fmt.Errorf("%w: %v", apperror.ErrProvider, err)
	}
	switch {
	case account.Phone == phone:
		return nil
	case account.Phone != "":
		return apperror.ErrAlreadyVerified
	}

	err = s.repo.SetPhone(ctx, uid, phone)
	switch {
	case errors.Is(err, ErrPhoneTaken):
		return apperror.ErrAlreadyLinked
	case err != nil:
		return fmt.Errorf("%w: %v", apperror.ErrProvider, err)
	}
	s.logger.Info("identity.phone linked", slog.String("uid", uid))
	return nil
}

func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(addr.Address), nil
}
