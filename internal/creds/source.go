package creds

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallsteps/notify/internal/storage"
	apperrors "github.com/smallsteps/notify/pkg/errors"
	"github.com/smallsteps/notify/pkg/logger"
)

// Credentials is the signed session material the core consumes. The core
// never issues, refreshes or validates tokens; it only reads them.
type Credentials struct {
	UserID    string
	Token     string
	APIBase   string
	ExpiresAt time.Time
}

// Source loads persisted credentials written by the host application's login
// flow. It is the only reader of the ClientState row.
type Source struct {
	store *storage.Store
	now   func() time.Time
	log   *zap.Logger
}

// NewSource constructs a Source over the local store.
func NewSource(store *storage.Store) *Source {
	return &Source{
		store: store,
		now:   time.Now,
		log:   logger.WithModule("creds"),
	}
}

// Load returns the persisted credentials. The user id is taken from the
// stored row when present and otherwise extracted from the token's claims
// without signature verification; verification belongs to the backend.
func (s *Source) Load(ctx context.Context) (Credentials, error) {
	row, err := s.store.ClientState(ctx)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Credentials{}, apperrors.ErrNoCredentials
		}
		return Credentials{}, err
	}

	token := strings.TrimSpace(row.Token)
	if token == "" {
		return Credentials{}, apperrors.ErrNoCredentials
	}

	creds := Credentials{
		UserID:  strings.TrimSpace(row.UserID),
		Token:   token,
		APIBase: strings.TrimSpace(row.APIBase),
	}

	claims := s.parseClaims(token)
	if claims != nil {
		if creds.UserID == "" {
			creds.UserID = claims.subject
		}
		creds.ExpiresAt = claims.expiresAt
	}

	if creds.UserID == "" {
		return Credentials{}, apperrors.ErrNoCredentials
	}
	if !creds.ExpiresAt.IsZero() && creds.ExpiresAt.Before(s.now()) {
		return Credentials{}, apperrors.ErrCredentialsExpired
	}

	return creds, nil
}

type tokenClaims struct {
	subject   string
	expiresAt time.Time
}

// parseClaims extracts claims without validating the signature. Tokens that
// are not JWTs are tolerated: the row's user id then has to carry the
// identity on its own.
func (s *Source) parseClaims(token string) *tokenClaims {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		s.log.Debug("token is not a parseable JWT; relying on stored user id", zap.Error(err))
		return nil
	}

	claims := &tokenClaims{}
	if subject, err := parsed.Claims.GetSubject(); err == nil {
		claims.subject = subject
	}
	if expiry, err := parsed.Claims.GetExpirationTime(); err == nil && expiry != nil {
		claims.expiresAt = expiry.Time
	}
	return claims
}
