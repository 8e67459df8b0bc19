package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/permitdesk/staffsec/internal/staff"
)

const defaultIssuer = "staffsec"

// Claims carries the account's token version; a token whose version differs
// from the account's current one is rejected.
type Claims struct {
	Role                  string `json:"role"`
	TokenVersion          int64  `json:"tv"`
	MustChangeCredentials bool   `json:"mcc,omitempty"`
	MustSetupMFA          bool   `json:"msm,omitempty"`
	jwt.RegisteredClaims
}

// Sessions issues and validates HS256 session tokens.
type Sessions struct {
	store  staff.Store
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// SessionOption customises Sessions.
type SessionOption func(*Sessions)

// WithIssuer overrides the token issuer.
func WithIssuer(issuer string) SessionOption {
	return func(s *Sessions) {
		if strings.TrimSpace(issuer) != "" {
			s.issuer = issuer
		}
	}
}

// WithTTL sets the lifetime of issued tokens.
func WithTTL(ttl time.Duration) SessionOption {
	return func(s *Sessions) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the clock used for issuing and validating.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Sessions) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSessions constructs Sessions signing with secret.
func NewSessions(store staff.Store, secret []byte, opts ...SessionOption) (*Sessions, error) {
	if len(strings.TrimSpace(string(secret))) == 0 {
		return nil, ErrMissingSecret
	}
	s := &Sessions{
		store:  store,
		secret: secret,
		issuer: defaultIssuer,
		ttl:    12 * time.Hour,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue signs a token for acc at its current token version.
func (s *Sessions) Issue(acc staff.Account) (string, time.Time, error) {
	if strings.TrimSpace(acc.ID) == "" {
		return "", time.Time{}, errors.New("auth: account id is required")
	}
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := Claims{
		Role:                  string(acc.Role),
		TokenVersion:          acc.TokenVersion,
		MustChangeCredentials: acc.MustChangeCredentials,
		MustSetupMFA:          acc.MustSetupMFA,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   acc.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse verifies the signature and standard claims of token.
func (s *Sessions) Parse(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate validates token against the account's current state. Tokens
// of inactive accounts or with a stale token version are rejected.
func (s *Sessions) Authenticate(ctx context.Context, token string) (Principal, error) {
	claims, err := s.Parse(token)
	if err != nil {
		return Principal{}, err
	}
	var acc staff.Account
	err = s.store.WithTx(ctx, func(ctx context.Context, tx staff.Tx) error {
		var err error
		acc, err = tx.Accounts().Get(ctx, claims.Subject)
		return err
	})
	if errors.Is(err, staff.ErrNotFound) {
		return Principal{}, ErrUnauthorized
	}
	if err != nil {
		return Principal{}, err
	}
	if !acc.IsActive || acc.TokenVersion != claims.TokenVersion {
		return Principal{}, ErrUnauthorized
	}
	return Principal{
		AccountID:             acc.ID,
		Username:              acc.Username,
		Role:                  acc.Role,
		Office:                acc.Office,
		TokenVersion:          acc.TokenVersion,
		MustChangeCredentials: acc.MustChangeCredentials,
		MustSetupMFA:          acc.MustSetupMFA,
	}, nil
}
