// Package sqlitetest opens migrated in-memory SQLite stores for tests.
package sqlitetest

import (
	"context"
	"testing"

	"github.com/diycloud/usermgmt/internal/db/bunx"
	"github.com/diycloud/usermgmt/internal/migrations"
	"github.com/diycloud/usermgmt/internal/repository"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

// NewDB returns a migrated in-memory database closed at test cleanup.
func NewDB(t testing.TB) *bun.DB {
	t.Helper()

	db, err := bunx.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bunx.Close(db) })

	_, err = migrations.Apply(context.Background(), db)
	require.NoError(t, err)
	return db
}

// NewStore returns a BunStore over NewDB.
func NewStore(t testing.TB) *repository.BunStore {
	t.Helper()
	return repository.NewBunStore(NewDB(t))
}
