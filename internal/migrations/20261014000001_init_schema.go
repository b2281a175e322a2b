package migrations

import (
	"context"
	"fmt"

	"github.com/diycloud/usermgmt/internal/db/models"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(up_20261014000001, down_20261014000001)
}

// up_20261014000001 creates accounts, quotas, sessions and audit_log.
// Child tables reference accounts with ON DELETE CASCADE.
func up_20261014000001(ctx context.Context, db *bun.DB) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewCreateTable().
			Model((*models.Account)(nil)).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to create accounts table: %w", err)
		}

		if _, err := tx.NewCreateTable().
			Model((*models.Quota)(nil)).
			IfNotExists().
			ForeignKey(`(account_id) REFERENCES accounts(id) ON DELETE CASCADE`).
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to create quotas table: %w", err)
		}

		if _, err := tx.NewCreateTable().
			Model((*models.Session)(nil)).
			IfNotExists().
			ForeignKey(`(account_id) REFERENCES accounts(id) ON DELETE CASCADE`).
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to create sessions table: %w", err)
		}

		if _, err := tx.NewCreateTable().
			Model((*models.AuditEntry)(nil)).
			IfNotExists().
			ForeignKey(`(account_id) REFERENCES accounts(id) ON DELETE CASCADE`).
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to create audit_log table: %w", err)
		}

		indexes := []string{
			`CREATE INDEX IF NOT EXISTS idx_sessions_account_id ON sessions(account_id)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,
			`CREATE INDEX IF NOT EXISTS idx_quotas_enforcement_status ON quotas(enforcement_status)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_log_account_id ON audit_log(account_id)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_log_created_at ON audit_log(created_at)`,
		}
		for _, stmt := range indexes {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create index: %w", err)
			}
		}
		return nil
	})
}

func down_20261014000001(ctx context.Context, db *bun.DB) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, model := range []any{
			(*models.AuditEntry)(nil),
			(*models.Session)(nil),
			(*models.Quota)(nil),
			(*models.Account)(nil),
		} {
			if _, err := tx.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
				return fmt.Errorf("failed to drop table: %w", err)
			}
		}
		return nil
	})
}
