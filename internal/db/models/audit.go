package models

import (
	"time"

	"github.com/uptrace/bun"
)

// AuditEntry is an append-only record of an account-affecting action.
type AuditEntry struct {
	bun.BaseModel `bun:"table:audit_log,alias:al"`

	ID        int64     `bun:"id,pk,autoincrement"`
	AccountID string    `bun:"account_id,notnull"`
	Action    string    `bun:"action,notnull"`
	Detail    string    `bun:"detail,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`

	// Username is filled from a join on accounts when listing.
	Username string `bun:"username,scanonly"`
}
