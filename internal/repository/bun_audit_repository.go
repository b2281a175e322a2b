package repository

import (
	"context"
	"fmt"

	"github.com/diycloud/usermgmt/internal/db/models"
	"github.com/uptrace/bun"
)

// BunAuditRepository implements AuditRepository using Bun ORM
type BunAuditRepository struct {
	db bun.IDB
}

// NewBunAuditRepository creates a new Bun-based audit repository
func NewBunAuditRepository(db bun.IDB) *BunAuditRepository {
	return &BunAuditRepository{db: db}
}

// Append adds an entry; entries are never updated afterwards
func (r *BunAuditRepository) Append(ctx context.Context, entry *models.AuditEntry) error {
	_, err := r.db.NewInsert().
		Model(entry).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// List returns a page of entries joined with the account username, newest first
func (r *BunAuditRepository) List(ctx context.Context, filter AuditFilter) ([]models.AuditEntry, error) {
	entries := make([]models.AuditEntry, 0)
	q := r.db.NewSelect().
		Model(&entries).
		ColumnExpr("al.*").
		ColumnExpr("a.username AS username").
		Join("JOIN accounts AS a ON a.id = al.account_id")

	if filter.AccountID != "" {
		q = q.Where("al.account_id = ?", filter.AccountID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	err := q.OrderExpr("al.created_at DESC, al.id DESC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}

// DeleteByAccountID removes an account's entries as part of account deletion
func (r *BunAuditRepository) DeleteByAccountID(ctx context.Context, accountID string) error {
	_, err := r.db.NewDelete().
		Model((*models.AuditEntry)(nil)).
		Where("account_id = ?", accountID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete audit entries: %w", err)
	}
	return nil
}
