package repository

import (
	"context"
	"time"

	"github.com/diycloud/usermgmt/internal/db/models"
	"github.com/uptrace/bun"
)

// BunQuotaRepository implements QuotaRepository using Bun ORM
type BunQuotaRepository struct {
	db bun.IDB
}

// NewBunQuotaRepository creates a new Bun-based quota repository
func NewBunQuotaRepository(db bun.IDB) *BunQuotaRepository {
	return &BunQuotaRepository{db: db}
}

func (r *BunQuotaRepository) Create(ctx context.Context, quota *models.Quota) error {
	_, err := r.db.NewInsert().
		Model(quota).
		Exec(ctx)
	if err != nil {
		return mapError(err, "create quota", "quota")
	}
	return nil
}

func (r *BunQuotaRepository) GetByAccountID(ctx context.Context, accountID string) (*models.Quota, error) {
	quota := new(models.Quota)
	err := r.db.NewSelect().
		Model(quota).
		Where("q.account_id = ?", accountID).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err, "get quota", "quota")
	}
	return quota, nil
}

func (r *BunQuotaRepository) ListByAccountIDs(ctx context.Context, accountIDs []string) ([]models.Quota, error) {
	var quotas []models.Quota
	if len(accountIDs) == 0 {
		return quotas, nil
	}
	err := r.db.NewSelect().
		Model(&quotas).
		Where("q.account_id IN (?)", bun.In(accountIDs)).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err, "list quotas", "quota")
	}
	return quotas, nil
}

// UpdateColumns writes the named columns only, plus updated_at.
func (r *BunQuotaRepository) UpdateColumns(ctx context.Context, quota *models.Quota, columns ...string) error {
	if len(columns) == 0 {
		return nil
	}
	cols := append(append([]string(nil), columns...), "updated_at")
	res, err := r.db.NewUpdate().
		Model(quota).
		Column(cols...).
		WherePK().
		Exec(ctx)
	if err != nil {
		return mapError(err, "update quota", "quota")
	}
	return requireAffected(res, "update quota", "quota")
}

// GetByAccountIDForUpdate loads the quota and, on PostgreSQL, holds a row
// lock on it until the surrounding transaction ends.
func (r *BunQuotaRepository) GetByAccountIDForUpdate(ctx context.Context, accountID string) (*models.Quota, error) {
	quota := new(models.Quota)
	q := r.db.NewSelect().
		Model(quota).
		Where("q.account_id = ?", accountID)
	if err := forUpdate(r.db, q).Scan(ctx); err != nil {
		return nil, mapError(err, "get quota", "quota")
	}
	return quota, nil
}

// SetEnforcement records the outcome of enforcing the quota version stamped
// with updated_at == version. It reports false, and writes nothing, when the
// row has been changed since.
func (r *BunQuotaRepository) SetEnforcement(ctx context.Context, accountID string, version time.Time, status models.EnforcementStatus, detail string) (bool, error) {
	res, err := r.db.NewUpdate().
		Model((*models.Quota)(nil)).
		Set("enforcement_status = ?", status).
		Set("enforcement_detail = ?", detail).
		Where("account_id = ?", accountID).
		Where("updated_at = ?", version.UTC()).
		Exec(ctx)
	if err != nil {
		return false, mapError(err, "set enforcement status", "quota")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapError(err, "set enforcement status", "quota")
	}
	return n > 0, nil
}

// ListPending returns quotas whose last enforcement attempt has not succeeded
func (r *BunQuotaRepository) ListPending(ctx context.Context) ([]models.Quota, error) {
	var quotas []models.Quota
	err := r.db.NewSelect().
		Model(&quotas).
		Where("q.enforcement_status = ?", models.EnforcementPending).
		Order("q.updated_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapError(err, "list pending quotas", "quota")
	}
	return quotas, nil
}

func (r *BunQuotaRepository) DeleteByAccountID(ctx context.Context, accountID string) error {
	_, err := r.db.NewDelete().
		Model((*models.Quota)(nil)).
		Where("account_id = ?", accountID).
		Exec(ctx)
	if err != nil {
		return mapError(err, "delete quota", "quota")
	}
	return nil
}
