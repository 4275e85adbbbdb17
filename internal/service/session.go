// Package service contains the application services behind the HTTP API:
// sessions, and the image pipeline (upload, metadata, edits, history, export).
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/retoucher/internal/errs"
	"github.com/and161185/retoucher/internal/model"
)

// SessionService issues and verifies session tokens.
type SessionService interface {
	// Create starts a new session and returns its signed token.
	Create(ctx context.Context) (model.Session, error)
	// Verify checks a token and returns the session id it names.
	Verify(token string) (string, error)
}

type SessionServiceImpl struct {
	signKey []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewSessionService constructs SessionService; ttl defaults to 24h.
func NewSessionService(signKey []byte, ttl time.Duration) *SessionServiceImpl {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionServiceImpl{signKey: signKey, ttl: ttl, now: time.Now}
}

// Create issues an HS256 JWT whose subject is a fresh session id.
func (s *SessionServiceImpl) Create(_ context.Context) (model.Session, error) {
	if len(s.signKey) == 0 {
		return model.Session{}, errors.New("session: empty signing key")
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.Session{}, err
	}
	now := s.now()
	exp := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   id.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
	if err != nil {
		return model.Session{}, err
	}
	return model.Session{ID: id.String(), Token: signed, ExpiresAt: exp}, nil
}

// Verify accepts only HS256 tokens signed with our key, within their
// validity window (30s leeway), whose subject is a session UUID.
func (s *SessionServiceImpl) Verify(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: empty token", errs.ErrUnauthorized)
	}
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signKey, nil
	},
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}
	id, err := uuid.FromString(claims.Subject)
	if err != nil {
		return "", fmt.Errorf("%w: bad subject", errs.ErrUnauthorized)
	}
	return id.String(), nil
}
