package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/pulselabs/pulse/common"
	"github.com/pulselabs/pulse/db"
)

// MaxSessionsPerUser caps the active refresh tokens per account. The
// cap, together with expiry cleanup, bounds the linear scan the
// random-salt hashing forces on token lookup.
const MaxSessionsPerUser = 5

// UserStore is the slice of user persistence the auth flows need.
type UserStore interface {
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	Get(ctx context.Context, id int64) (*db.User, error)
}

// SessionStore persists refresh tokens.
type SessionStore interface {
	Save(ctx context.Context, token *db.RefreshToken) error
	// Active returns all non-revoked, non-expired, non-deleted tokens.
	Active(ctx context.Context) ([]db.RefreshToken, error)
	// ActiveForUser is Active restricted to one owner.
	ActiveForUser(ctx context.Context, userID int64) ([]db.RefreshToken, error)
	Revoke(ctx context.Context, id int64) error
}

// Result is what a successful login or refresh hands back.
type Result struct {
	User         *db.User  `json:"user"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Service implements the login / refresh / logout flows.
type Service struct {
	tokens     *TokenService
	users      UserStore
	sessions   SessionStore
	refreshTTL time.Duration
	now        func() time.Time
}

// NewService wires the auth flows together. nowFn is injectable for
// tests; pass nil for the wall clock.
func NewService(tokens *TokenService, users UserStore, sessions SessionStore, refreshTTL time.Duration, nowFn func() time.Time) *Service {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Service{tokens: tokens, users: users, sessions: sessions, refreshTTL: refreshTTL, now: nowFn}
}

// Login verifies credentials and issues a token pair. The new refresh
// token is persisted hashed, tagged with the caller's device
// fingerprint and source IP.
func (s *Service) Login(ctx context.Context, email, password, fingerprint, ip string) (*Result, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}
	if err := ValidatePassword(password, user.PasswordHash); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.issue(ctx, user, fingerprint, ip)
}

// Refresh exchanges a valid refresh token for a fresh pair, revoking
// the presented token (rotation). Lookup is a linear bcrypt comparison
// over the active set; the set is bounded by expiry and the per-user
// session cap.
func (s *Service) Refresh(ctx context.Context, plaintext, fingerprint, ip string) (*Result, error) {
	match, err := s.findActive(ctx, plaintext)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, ErrInvalidToken
	}

	user, err := s.users.Get(ctx, match.UserID)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidToken
	}

	if err := s.sessions.Revoke(ctx, match.ID); err != nil {
		return nil, fmt.Errorf("revoke rotated token: %w", err)
	}
	return s.issue(ctx, user, fingerprint, ip)
}

// Logout revokes the presented refresh token.
func (s *Service) Logout(ctx context.Context, plaintext string) error {
	match, err := s.findActive(ctx, plaintext)
	if err != nil {
		return err
	}
	if match == nil {
		return ErrInvalidToken
	}
	return s.sessions.Revoke(ctx, match.ID)
}

func (s *Service) findActive(ctx context.Context, plaintext string) (*db.RefreshToken, error) {
	if plaintext == "" {
		return nil, ErrInvalidToken
	}
	active, err := s.sessions.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}
	now := s.now()
	for i := range active {
		t := &active[i]
		if !t.Valid(now) {
			continue
		}
		if VerifyRefreshToken(plaintext, t.TokenHash) {
			return t, nil
		}
	}
	return nil, nil
}

func (s *Service) issue(ctx context.Context, user *db.User, fingerprint, ip string) (*Result, error) {
	access, err := s.tokens.GenerateAccessToken(user)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := NewRefreshToken()
	if err != nil {
		return nil, err
	}
	hash, err := HashRefreshToken(refresh)
	if err != nil {
		return nil, err
	}

	row := &db.RefreshToken{
		UserID:            user.ID,
		TokenHash:         hash,
		ExpiresAt:         s.now().Add(s.refreshTTL),
		DeviceFingerprint: fingerprint,
		IPAddress:         ip,
	}
	if err := s.sessions.Save(ctx, row); err != nil {
		return nil, fmt.Errorf("save refresh token: %w", err)
	}

	// The cap is hygiene, not correctness; a failure must not block the
	// login.
	if err := s.enforceSessionCap(ctx, user.ID); err != nil {
		common.Logger.WithError(err).Warn("failed to enforce session cap")
	}

	return &Result{
		User:         user,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    s.now().Add(s.tokens.AccessTTL()),
	}, nil
}

// enforceSessionCap revokes the oldest sessions beyond the per-user
// limit.
func (s *Service) enforceSessionCap(ctx context.Context, userID int64) error {
	active, err := s.sessions.ActiveForUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(active) <= MaxSessionsPerUser {
		return nil
	}
	// ActiveForUser returns newest first; everything past the cap goes.
	for _, t := range active[MaxSessionsPerUser:] {
		if err := s.sessions.Revoke(ctx, t.ID); err != nil {
			return err
		}
	}
	return nil
}
