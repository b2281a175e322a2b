package repository

import (
	"context"
	"time"

	"github.com/diycloud/usermgmt/internal/db/models"
	"github.com/uptrace/bun"
)

// BunAccountRepository implements AccountRepository using Bun ORM
type BunAccountRepository struct {
	db bun.IDB
}

// NewBunAccountRepository creates a new Bun-based account repository.
// db may be a *bun.DB or a bun.Tx.
func NewBunAccountRepository(db bun.IDB) *BunAccountRepository {
	return &BunAccountRepository{db: db}
}

// Create inserts a new account. A taken username yields apperr.ErrConflict
// from the unique constraint.
func (r *BunAccountRepository) Create(ctx context.Context, account *models.Account) error {
	_, err := r.db.NewInsert().
		Model(account).
		Exec(ctx)
	if err != nil {
		return mapError(err, "create account", "account")
	}
	return nil
}

// GetByID retrieves an account by its ID
func (r *BunAccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	account := new(models.Account)
	err := r.db.NewSelect().
		Model(account).
		Where("a.id = ?", id).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err, "get account", "account")
	}
	return account, nil
}

// GetByIDForUpdate loads the account and, on PostgreSQL, holds a row lock on
// it until the surrounding transaction ends.
func (r *BunAccountRepository) GetByIDForUpdate(ctx context.Context, id string) (*models.Account, error) {
	account := new(models.Account)
	q := r.db.NewSelect().
		Model(account).
		Where("a.id = ?", id)
	if err := forUpdate(r.db, q).Scan(ctx); err != nil {
		return nil, mapError(err, "get account", "account")
	}
	return account, nil
}

// GetByUsername retrieves an account by its username
func (r *BunAccountRepository) GetByUsername(ctx context.Context, username string) (*models.Account, error) {
	account := new(models.Account)
	err := r.db.NewSelect().
		Model(account).
		Where("a.username = ?", username).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err, "get account by username", "account")
	}
	return account, nil
}

// List returns every account ordered by creation time
func (r *BunAccountRepository) List(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	err := r.db.NewSelect().
		Model(&accounts).
		Order("a.created_at ASC", "a.username ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapError(err, "list accounts", "account")
	}
	return accounts, nil
}

// UpdateColumns writes the named columns only. Callers pass column names from
// a fixed allow-list, never from request input.
func (r *BunAccountRepository) UpdateColumns(ctx context.Context, account *models.Account, columns ...string) error {
	if len(columns) == 0 {
		return nil
	}
	res, err := r.db.NewUpdate().
		Model(account).
		Column(columns...).
		WherePK().
		Exec(ctx)
	if err != nil {
		return mapError(err, "update account", "account")
	}
	return requireAffected(res, "update account", "account")
}

// SetPasswordHash replaces the stored password hash
func (r *BunAccountRepository) SetPasswordHash(ctx context.Context, id, passwordHash string) error {
	res, err := r.db.NewUpdate().
		Model((*models.Account)(nil)).
		Set("password_hash = ?", passwordHash).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return mapError(err, "set password", "account")
	}
	return requireAffected(res, "set password", "account")
}

// TouchLastLogin records a successful login
func (r *BunAccountRepository) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.NewUpdate().
		Model((*models.Account)(nil)).
		Set("last_login = ?", at).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return mapError(err, "update last login", "account")
	}
	return requireAffected(res, "update last login", "account")
}

// Delete removes the account row; dependent rows go with it via ON DELETE CASCADE
func (r *BunAccountRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.NewDelete().
		Model((*models.Account)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return mapError(err, "delete account", "account")
	}
	return requireAffected(res, "delete account", "account")
}
