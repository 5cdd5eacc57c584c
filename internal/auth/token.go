package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultAccessTTL = 15 * time.Minute

// TokenIssuer mints and verifies access tokens. The cryptography is an
// external capability of the session manager; the core only consumes it.
type TokenIssuer interface {
	IssueAccessToken(ctx context.Context, user *User, permissions []string) (token string, expiresAt time.Time, err error)
	ParseAndValidate(token string) (*Claims, error)
}

// Claims are the JWT claims carried by an access token.
type Claims struct {
	TenantID    string   `json:"tenant_id,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// JWTIssuer implements TokenIssuer with HS256. The secret is injected at
// construction; nothing is read from process-wide state.
type JWTIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// JWTOption configures JWTIssuer.
type JWTOption func(*JWTIssuer)

// WithAccessTTL overrides the access token lifetime.
func WithAccessTTL(ttl time.Duration) JWTOption {
	return func(j *JWTIssuer) {
		if ttl > 0 {
			j.ttl = ttl
		}
	}
}

// WithClock overrides the time source, useful in tests.
func WithClock(fn func() time.Time) JWTOption {
	return func(j *JWTIssuer) {
		if fn != nil {
			j.now = fn
		}
	}
}

// NewJWTIssuer constructs a JWTIssuer.
func NewJWTIssuer(secret, issuer string, opts ...JWTOption) (*JWTIssuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: token secret is required")
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, errors.New("auth: token issuer is required")
	}
	j := &JWTIssuer{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    defaultAccessTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// AccessTTL returns the configured access token lifetime.
func (j *JWTIssuer) AccessTTL() time.Duration { return j.ttl }

// IssueAccessToken signs an HS256 token for the user with a permissions claim.
func (j *JWTIssuer) IssueAccessToken(_ context.Context, user *User, permissions []string) (string, time.Time, error) {
	if user == nil || user.ID == "" {
		return "", time.Time{}, errors.New("auth: user is required")
	}
	now := j.now().UTC()
	exp := now.Add(j.ttl)
	claims := Claims{
		TenantID:    user.TenantID,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// ParseAndValidate verifies the token signature and required claims.
func (j *JWTIssuer) ParseAndValidate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return j.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return j.now().UTC() }))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := j.validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (j *JWTIssuer) validateClaims(claims *Claims) error {
	if claims.Issuer != j.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := j.now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}
