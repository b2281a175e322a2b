// Package identity implements login, logout and bearer session verification.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/diycloud/usermgmt/internal/apperr"
	"github.com/diycloud/usermgmt/internal/auth"
	"github.com/diycloud/usermgmt/internal/db/bunx"
	"github.com/diycloud/usermgmt/internal/db/models"
	"github.com/diycloud/usermgmt/internal/repository"
	"github.com/diycloud/usermgmt/internal/services/audit"
)

// errInvalidCredentials is the single error returned for every login failure.
var errInvalidCredentials = fmt.Errorf("%w: invalid username or password", apperr.ErrAuthentication)

var errInvalidToken = fmt.Errorf("%w: invalid or expired token", apperr.ErrAuthentication)

// LoginResult is returned to the client after a successful login.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	AccountID string
	Username  string
	Role      models.Role
}

// Origin describes where a login request came from.
type Origin struct {
	IPAddress string
	UserAgent string
}

// Service issues, verifies and revokes sessions.
type Service struct {
	store      repository.Store
	audit      *audit.Service
	clock      clock.Clock
	ttl        time.Duration
	logger     zerolog.Logger
	hashParams auth.Argon2Params
}

// NewService constructs a new Service instance.
func NewService(store repository.Store, auditLog *audit.Service) *Service {
	return &Service{
		store:      store,
		audit:      auditLog,
		clock:      clock.New(),
		ttl:        auth.DefaultSessionTTL,
		logger:     zerolog.Nop(),
		hashParams: auth.DefaultArgon2Params,
	}
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithTTL sets the session lifetime.
func (s *Service) WithTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(logger zerolog.Logger) *Service {
	s.logger = logger
	return s
}

// WithPasswordParams sets the argon2id cost stored hashes are upgraded to on login.
func (s *Service) WithPasswordParams(p auth.Argon2Params) *Service {
	s.hashParams = p
	return s
}

// Login verifies credentials and issues a new session. Unknown accounts,
// inactive accounts and wrong passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, username, password string, origin Origin) (*LoginResult, error) {
	if username == "" || password == "" {
		return nil, apperr.Validation("username and password required")
	}

	repos := s.store.Repositories()
	account, err := repos.Accounts.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			auth.BurnPasswordCheck(password)
			return nil, errInvalidCredentials
		}
		return nil, fmt.Errorf("login: %w", err)
	}

	ok, err := auth.VerifyPassword(password, account.PasswordHash)
	if err != nil {
		s.logger.Warn().Err(err).Str("account_id", account.ID).Msg("stored password hash unreadable")
		return nil, errInvalidCredentials
	}
	if !ok || !account.IsActive {
		return nil, errInvalidCredentials
	}

	token, tokenHash, err := auth.GenerateBearerToken()
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	now := s.clock.Now().UTC()
	session := &models.Session{
		ID:        bunx.NewUUIDv7(),
		AccountID: account.ID,
		TokenHash: tokenHash,
		IPAddress: origin.IPAddress,
		UserAgent: origin.UserAgent,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}

	err = s.store.RunInTx(ctx, func(ctx context.Context, tx repository.Repositories) error {
		if err := tx.Sessions.Create(ctx, session); err != nil {
			return err
		}
		if err := tx.Accounts.TouchLastLogin(ctx, account.ID, now); err != nil {
			return err
		}
		return tx.Audit.Append(ctx, s.audit.Entry(account.ID, audit.ActionLogin, origin.IPAddress))
	})
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	if auth.NeedsRehash(account.PasswordHash, s.hashParams) {
		s.rehash(ctx, account.ID, password)
	}

	return &LoginResult{
		Token:     token,
		ExpiresAt: session.ExpiresAt,
		AccountID: account.ID,
		Username:  account.Username,
		Role:      account.Role,
	}, nil
}

// rehash upgrades a stored hash to the current parameters. Failures are
// logged only; the old hash keeps working.
func (s *Service) rehash(ctx context.Context, accountID, password string) {
	hash, err := auth.HashPasswordWithParams(password, s.hashParams)
	if err == nil {
		err = s.store.Repositories().Accounts.SetPasswordHash(ctx, accountID, hash)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("account_id", accountID).Msg("failed to upgrade password hash")
		return
	}
	s.logger.Debug().Str("account_id", accountID).Msg("password hash upgraded")
}

// Verify resolves a bearer token to its principal. The session must exist,
// be strictly before its expiry, and belong to an active account.
func (s *Service) Verify(ctx context.Context, token string) (auth.Principal, error) {
	if token == "" {
		return auth.Principal{}, errInvalidToken
	}

	session, err := s.store.Repositories().Sessions.GetByTokenHash(ctx, auth.HashBearerToken(token))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return auth.Principal{}, errInvalidToken
		}
		return auth.Principal{}, fmt.Errorf("verify session: %w", err)
	}

	if !session.ActiveAt(s.clock.Now()) || session.Account == nil || !session.Account.IsActive {
		return auth.Principal{}, errInvalidToken
	}

	return auth.Principal{
		AccountID: session.Account.ID,
		Username:  session.Account.Username,
		Role:      session.Account.Role,
		SessionID: session.ID,
	}, nil
}

// Logout revokes the session for token. Unknown, expired or already revoked
// tokens succeed silently.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	repos := s.store.Repositories()
	hash := auth.HashBearerToken(token)

	session, err := repos.Sessions.GetByTokenHash(ctx, hash)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("logout: %w", err)
	}

	if err := repos.Sessions.DeleteByTokenHash(ctx, hash); err != nil {
		return fmt.Errorf("logout: %w", err)
	}

	if session != nil {
		s.audit.Record(ctx, session.AccountID, audit.ActionLogout, "")
	}
	return nil
}

// PurgeExpired deletes sessions that can no longer verify.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.store.Repositories().Sessions.DeleteExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	if n > 0 {
		s.logger.Info().Int64("count", n).Msg("purged expired sessions")
	}
	return n, nil
}
