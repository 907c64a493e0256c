package auth

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/keystone-erp/keystone-erp/internal/shared"
)

// Service authenticates users against stored bcrypt hashes.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Authenticate verifies the email and password pair. It returns
// shared.ErrInvalidCredentials for unknown emails, disabled accounts
// and wrong passwords alike, so callers cannot distinguish them.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	u, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, err
	}
	if !u.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return u, nil
}

// RegisterSession records a server-side session row mirroring the
// redis session, used for audit and forced logout.
func (s *Service) RegisterSession(ctx context.Context, sessionID string, userID int64, ttl time.Duration, ip, ua string) error {
	return s.repo.CreateSession(ctx, sessionID, userID, time.Now().Add(ttl), ip, ua)
}

func (s *Service) RemoveSession(ctx context.Context, sessionID string) error {
	return s.repo.DeleteSession(ctx, sessionID)
}
