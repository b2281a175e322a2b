package repository

import (
	"context"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// BunStore implements Store on top of a *bun.DB.
type BunStore struct {
	db *bun.DB
}

// NewBunStore creates a store backed by db.
func NewBunStore(db *bun.DB) *BunStore {
	return &BunStore{db: db}
}

// DB exposes the underlying handle for health checks and migrations.
func (s *BunStore) DB() *bun.DB {
	return s.db
}

// Repositories returns repositories bound to the connection pool.
func (s *BunStore) Repositories() Repositories {
	return reposFor(s.db)
}

// RunInTx runs fn with repositories bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
// fn must not use repositories obtained outside the closure.
func (s *BunStore) RunInTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, reposFor(tx))
	})
}

func reposFor(db bun.IDB) Repositories {
	return Repositories{
		Accounts: NewBunAccountRepository(db),
		Quotas:   NewBunQuotaRepository(db),
		Sessions: NewBunSessionRepository(db),
		Audit:    NewBunAuditRepository(db),
	}
}

// forUpdate adds a row lock to q where the dialect has one. SQLite has no
// FOR UPDATE; its single writer connection serializes transactions instead.
func forUpdate(db bun.IDB, q *bun.SelectQuery) *bun.SelectQuery {
	if db.Dialect().Name() == dialect.PG {
		return q.For("UPDATE")
	}
	return q
}
