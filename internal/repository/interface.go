package repository

import (
	"context"
	"time"

	"github.com/diycloud/usermgmt/internal/db/models"
)

// AccountRepository persists account identities (the credential store).
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id string) (*models.Account, error)
	// GetByIDForUpdate is GetByID that also locks the row inside a transaction.
	GetByIDForUpdate(ctx context.Context, id string) (*models.Account, error)
	GetByUsername(ctx context.Context, username string) (*models.Account, error)
	List(ctx context.Context) ([]models.Account, error)
	// UpdateColumns writes only the named columns of account.
	UpdateColumns(ctx context.Context, account *models.Account, columns ...string) error
	SetPasswordHash(ctx context.Context, id, passwordHash string) error
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// QuotaRepository persists per-account resource allocations (the quota ledger).
type QuotaRepository interface {
	Create(ctx context.Context, quota *models.Quota) error
	GetByAccountID(ctx context.Context, accountID string) (*models.Quota, error)
	GetByAccountIDForUpdate(ctx context.Context, accountID string) (*models.Quota, error)
	ListByAccountIDs(ctx context.Context, accountIDs []string) ([]models.Quota, error)
	// UpdateColumns writes only the named columns of quota.
	UpdateColumns(ctx context.Context, quota *models.Quota, columns ...string) error
	// SetEnforcement records an enforcement outcome only while updated_at
	// still equals version, and reports whether it did.
	SetEnforcement(ctx context.Context, accountID string, version time.Time, status models.EnforcementStatus, detail string) (bool, error)
	ListPending(ctx context.Context) ([]models.Quota, error)
	DeleteByAccountID(ctx context.Context, accountID string) error
}

// SessionRepository persists bearer sessions keyed by token hash.
type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	// GetByTokenHash loads the session together with its account.
	GetByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error)
	DeleteByTokenHash(ctx context.Context, tokenHash string) error
	DeleteByAccountID(ctx context.Context, accountID string) error
	// DeleteExpired removes sessions with expires_at <= now and returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// AuditFilter selects a page of audit entries, newest first.
type AuditFilter struct {
	AccountID string
	Limit     int
	Offset    int
}

// AuditRepository persists the append-only audit log.
type AuditRepository interface {
	Append(ctx context.Context, entry *models.AuditEntry) error
	List(ctx context.Context, filter AuditFilter) ([]models.AuditEntry, error)
	DeleteByAccountID(ctx context.Context, accountID string) error
}

// Repositories groups repositories bound to the same connection or transaction.
type Repositories struct {
	Accounts AccountRepository
	Quotas   QuotaRepository
	Sessions SessionRepository
	Audit    AuditRepository
}

// Store hands out repositories and runs closures inside a transaction.
type Store interface {
	Repositories() Repositories
	RunInTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}
