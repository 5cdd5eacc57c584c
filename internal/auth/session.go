package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"idplane.org/internal/audit"
	"idplane.org/internal/ids"
)

const defaultRefreshTTL = 7 * 24 * time.Hour

// SessionManager issues, tracks and revokes authentication sessions.
// Credential verification and token cryptography are external collaborators;
// this component owns the session record, refresh rotation and the audit
// entries for login and logout.
type SessionManager struct {
	store      Store
	verifier   CredentialVerifier
	issuer     TokenIssuer
	engine     *Engine
	refreshTTL time.Duration
	now        func() time.Time
}

// SessionOption configures SessionManager.
type SessionOption func(*SessionManager)

// WithRefreshTTL overrides the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.refreshTTL = ttl
		}
	}
}

// WithSessionClock overrides the time source, useful in tests.
func WithSessionClock(fn func() time.Time) SessionOption {
	return func(m *SessionManager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(store Store, verifier CredentialVerifier, issuer TokenIssuer, engine *Engine, opts ...SessionOption) (*SessionManager, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if verifier == nil {
		return nil, errors.New("auth: credential verifier is required")
	}
	if issuer == nil {
		return nil, errors.New("auth: token issuer is required")
	}
	if engine == nil {
		return nil, errors.New("auth: engine is required")
	}
	m := &SessionManager{
		store:      store,
		verifier:   verifier,
		issuer:     issuer,
		engine:     engine,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// LoginInput carries the credentials presented at login.
type LoginInput struct {
	Email    string
	Password string
	MFACode  string
}

// LoginResult is returned on successful login. RefreshToken is the only time
// the plaintext refresh token is surfaced.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	SessionID    string
	User         *User
}

// Login verifies credentials and creates a session. Unknown email, wrong
// password and non-active accounts all fail with ErrInvalidCredentials so the
// response never distinguishes them. When the account has MFA enabled and no
// code was supplied the login fails with ErrMFARequired before any session
// state is written. The session row, the user's last-login stamp and the
// USER_LOGIN audit entry commit in one transaction.
func (m *SessionManager) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" || in.Password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := m.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if user.Status != UserActive {
		return nil, ErrInvalidCredentials
	}
	if err := m.verifier.Verify(user.PasswordHash, in.Password); err != nil {
		return nil, ErrInvalidCredentials
	}
	if user.MFAEnabled && strings.TrimSpace(in.MFACode) == "" {
		return nil, ErrMFARequired
	}

	perms, err := m.engine.EffectivePermissions(ctx, user.ID, nil)
	if err != nil {
		return nil, err
	}
	accessToken, expiresAt, err := m.issuer.IssueAccessToken(ctx, user, sortedKeys(perms))
	if err != nil {
		return nil, err
	}
	refreshToken, refreshHash, err := newRefreshToken()
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	meta := audit.RequestMetaFromContext(ctx)
	session := &Session{
		ID:                    ids.New(),
		Token:                 uuid.NewString(),
		UserID:                user.ID,
		CreatedAt:             now,
		LastSeenAt:            now,
		IPAddress:             meta.IP,
		UserAgent:             meta.UserAgent,
		RefreshTokenHash:      refreshHash,
		RefreshTokenExpiresAt: now.Add(m.refreshTTL),
	}
	err = m.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Sessions().Create(ctx, session); err != nil {
			return err
		}
		user.LastLoginAt = &now
		if err := tx.Users().Update(ctx, user); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, audit.NewEntry(ctx, "USER_LOGIN", "User", user.ID, nil, user.ID))
	})
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(time.Until(expiresAt).Seconds()),
		SessionID:    session.Token,
		User:         user,
	}, nil
}

// Logout revokes the session identified by its opaque token. It is
// idempotent: an unknown or already-revoked session is a silent no-op and
// RevokedAt, once set, is never altered.
func (m *SessionManager) Logout(ctx context.Context, sessionToken string) error {
	sessionToken = strings.TrimSpace(sessionToken)
	if sessionToken == "" {
		return nil
	}
	session, err := m.store.Sessions().FindByToken(ctx, sessionToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if session.Revoked() {
		return nil
	}
	now := m.now().UTC()
	session.RevokedAt = &now
	return m.store.WithTx(ctx, func(tx Store) error {
		if err := tx.Sessions().Update(ctx, session); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, audit.NewEntry(ctx, "USER_LOGOUT", "Session", session.Token, nil, session.UserID))
	})
}

// RefreshResult is returned from a successful refresh rotation.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	SessionID    string
}

// Refresh rotates the refresh token. A revoked session's refresh token is
// never honored again, and an expired refresh token fails closed; both
// surface as ErrInvalidToken without revealing which check failed.
func (m *SessionManager) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, ErrInvalidToken
	}
	session, err := m.store.Sessions().FindByRefreshTokenHash(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	now := m.now().UTC()
	if session.Revoked() || now.After(session.RefreshTokenExpiresAt) {
		return nil, ErrInvalidToken
	}
	user, err := m.store.Users().Find(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if user.Status != UserActive {
		return nil, ErrInvalidToken
	}

	perms, err := m.engine.EffectivePermissions(ctx, user.ID, nil)
	if err != nil {
		return nil, err
	}
	accessToken, expiresAt, err := m.issuer.IssueAccessToken(ctx, user, sortedKeys(perms))
	if err != nil {
		return nil, err
	}
	newToken, newHash, err := newRefreshToken()
	if err != nil {
		return nil, err
	}
	session.RefreshTokenHash = newHash
	session.RefreshTokenExpiresAt = now.Add(m.refreshTTL)
	session.LastSeenAt = now
	if err := m.store.Sessions().Update(ctx, session); err != nil {
		return nil, err
	}

	return &RefreshResult{
		AccessToken:  accessToken,
		RefreshToken: newToken,
		ExpiresIn:    int64(time.Until(expiresAt).Seconds()),
		SessionID:    session.Token,
	}, nil
}

// Touch stamps the session's last activity time.
func (m *SessionManager) Touch(ctx context.Context, sessionToken string) error {
	session, err := m.store.Sessions().FindByToken(ctx, sessionToken)
	if err != nil {
		return err
	}
	session.LastSeenAt = m.now().UTC()
	return m.store.Sessions().Update(ctx, session)
}

// ListForUser returns all sessions on record for the user, revoked included.
func (m *SessionManager) ListForUser(ctx context.Context, userID string) ([]*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return m.store.Sessions().ListByUser(ctx, userID)
}

// RevokeAllForUser revokes every active session of the user, e.g. after a
// ban or password reset.
func (m *SessionManager) RevokeAllForUser(ctx context.Context, actorID, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	n, err := m.store.Sessions().RevokeAllForUser(ctx, userID, m.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		err = m.store.Audit().Append(ctx, audit.NewEntry(ctx, "SESSIONS_REVOKED", "User", userID, map[string]any{
			"count": n,
		}, actorID))
	}
	return n, err
}

// PurgeExpired physically deletes sessions whose refresh tokens expired
// before the retention cutoff. This is the only path that deletes sessions.
func (m *SessionManager) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("%w: retention must be positive", ErrInvalidInput)
	}
	return m.store.Sessions().DeleteExpired(ctx, m.now().UTC().Add(-retention))
}

func newRefreshToken() (token, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token = base64.RawURLEncoding.EncodeToString(raw)
	return token, hashRefreshToken(token), nil
}

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
