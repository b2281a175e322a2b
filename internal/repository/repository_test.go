package repository_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/diycloud/usermgmt/internal/apperr"
	"github.com/diycloud/usermgmt/internal/db/bunx"
	"github.com/diycloud/usermgmt/internal/db/models"
	"github.com/diycloud/usermgmt/internal/repository"
	"github.com/diycloud/usermgmt/internal/repository/sqlitetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

func newAccount(username string) *models.Account {
	return &models.Account{
		ID:           bunx.NewUUIDv7(),
		Username:     username,
		PasswordHash: "$argon2id$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA",
		Email:        username + "@example.com",
		Role:         models.RoleUser,
		IsActive:     true,
		CreatedAt:    baseTime,
	}
}

func newQuota(accountID string) *models.Quota {
	return &models.Quota{
		AccountID:         accountID,
		CPULimit:          1.0,
		MemLimit:          "2G",
		DiskQuota:         "5G",
		EnforcementStatus: models.EnforcementApplied,
		UpdatedAt:         baseTime,
	}
}

func seed(t *testing.T, store *repository.BunStore, username string) *models.Account {
	t.Helper()
	account := newAccount(username)
	repos := store.Repositories()
	require.NoError(t, repos.Accounts.Create(context.Background(), account))
	require.NoError(t, repos.Quotas.Create(context.Background(), newQuota(account.ID)))
	return account
}

func TestBunAccountRepository_CreateAndGet(t *testing.T) {
	store := sqlitetest.NewStore(t)
	repos := store.Repositories()
	ctx := context.Background()

	account := seed(t, store, "alice")

	t.Run("get by id", func(t *testing.T) {
		got, err := repos.Accounts.GetByID(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Username)
		assert.Equal(t, models.RoleUser, got.Role)
		assert.True(t, got.IsActive)
		assert.Nil(t, got.LastLogin)
	})

	t.Run("get by username", func(t *testing.T) {
		got, err := repos.Accounts.GetByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, account.ID, got.ID)
	})

	t.Run("missing account", func(t *testing.T) {
		_, err := repos.Accounts.GetByID(ctx, bunx.NewUUIDv7())
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("inactive account round trips", func(t *testing.T) {
		inactive := newAccount("carol")
		inactive.IsActive = false
		require.NoError(t, repos.Accounts.Create(ctx, inactive))

		got, err := repos.Accounts.GetByID(ctx, inactive.ID)
		require.NoError(t, err)
		assert.False(t, got.IsActive)
	})
}

func TestBunAccountRepository_DuplicateUsername(t *testing.T) {
	store := sqlitetest.NewStore(t)
	ctx := context.Background()
	seed(t, store, "alice")

	err := store.Repositories().Accounts.Create(ctx, newAccount("alice"))
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestBunAccountRepository_ConcurrentDuplicateUsername(t *testing.T) {
	store := sqlitetest.NewStore(t)
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.RunInTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
				account := newAccount("dave")
				if err := repos.Accounts.Create(ctx, account); err != nil {
					return err
				}
				return repos.Quotas.Create(ctx, newQuota(account.ID))
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrConflict)
	}
	assert.Equal(t, 1, succeeded)

	accounts, err := store.Repositories().Accounts.List(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestBunAccountRepository_UpdateColumnsOnlyTouchesNamedColumns(t *testing.T) {
	store := sqlitetest.NewStore(t)
	repos := store.Repositories()
	ctx := context.Background()
	account := seed(t, store, "alice")

	changed := *account
	changed.Email = "new@example.com"
	changed.Role = models.RoleAdmin
	require.NoError(t, repos.Accounts.UpdateColumns(ctx, &changed, "email"))

	got, err := repos.Accounts.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", got.Email)
	assert.Equal(t, models.RoleUser, got.Role)
}

func TestBunAccountRepository_PasswordAndLastLogin(t *testing.T) {
	store := sqlitetest.NewStore(t)
	repos := store.Repositories()
	ctx := context.Background()
	account := seed(t, store, "alice")

	require.NoError(t, repos.Accounts.SetPasswordHash(ctx, account.ID, "new-hash"))
	require.NoError(t, repos.Accounts.TouchLastLogin(ctx, account.ID, baseTime.Add(time.Hour)))

	got, err := repos.Accounts.GetByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-hash", got.PasswordHash)
	require.NotNil(t, got.LastLogin)
	assert.True(t, got.LastLogin.Equal(baseTime.Add(time.Hour)))

	err = repos.Accounts.SetPasswordHash(ctx, bunx.NewUUIDv7(), "x")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestBunAccountRepository_DeleteCascades(t *testing.T) {
	store := sqlitetest.NewStore(t)
	repos := store.Repositories()
	ctx := context.Background()
	account := seed(t, store, "alice")
	other := seed(t, store, "bob")

	require.NoError(t, repos.Sessions.Create(ctx, &models.Session{
		ID: bunx.NewUUIDv7(), AccountID: account.ID, TokenHash: "hash-a",
		ExpiresAt: baseTime.Add(time.Hour), CreatedAt: baseTime,
	}))
	require.NoError(t, repos.Audit.Append(ctx, &models.AuditEntry{
		AccountID: account.ID, Action: "login", CreatedAt: baseTime,
	}))
	require.NoError(t, repos.Audit.Append(ctx, &models.AuditEntry{
		AccountID: other.ID, Action: "login", CreatedAt: baseTime,
	}))

	require.NoError(t, repos.Accounts.Delete(ctx, account.ID))

	_, err := repos.Quotas.GetByAccountID(ctx, account.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = repos.Sessions.GetByTokenHash(ctx, "hash-a")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	entries, err := repos.Audit.List(ctx, repository.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bob", entries[0].Username)

	assert.ErrorIs(t, repos.Accounts.Delete(ctx, account.ID), apperr.ErrNotFound)
}

func TestBunQuotaRepository(t *testing.T) {
	store := sqlitetest.NewStore(t)
	repos := store.Repositories()
	ctx := context.Background()
	alice := seed(t, store, "alice")
	bob := seed(t, store, "bob")

	t.Run("one quota per account", func(t *testing.T) {
		err := repos.Quotas.Create(ctx, newQuota(alice.ID))
		assert.ErrorIs(t, err, apperr.ErrConflict)
	})

	t.Run("update named columns", func(t *testing.T) {
		q, err := repos.Quotas.GetByAccountID(ctx, alice.ID)
		require.NoError(t, err)
		q.MemLimit = "4G"
		q.CPULimit = 8
		q.UpdatedAt = baseTime.Add(time.Minute)
		require.NoError(t, repos.Quotas.UpdateColumns(ctx, q, "mem_limit"))

		got, err := repos.Quotas.GetByAccountID(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, "4G", got.MemLimit)
		assert.Equal(t, 1.0, got.CPULimit)
	})

	t.Run("pending enforcement", func(t *testing.T) {
		ok, err := repos.Quotas.SetEnforcement(ctx, bob.ID, baseTime, models.EnforcementPending, "apply_limits.sh: exit 1")
		require.NoError(t, err)
		require.True(t, ok)

		pending, err := repos.Quotas.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, bob.ID, pending[0].AccountID)
		assert.Equal(t, "apply_limits.sh: exit 1", pending[0].EnforcementDetail)
	})

	t.Run("enforcement of a superseded version is not recorded", func(t *testing.T) {
		q, err := repos.Quotas.GetByAccountID(ctx, bob.ID)
		require.NoError(t, err)
		enforced := q.UpdatedAt

		q.MemLimit = "8G"
		q.UpdatedAt = enforced.Add(time.Second)
		require.NoError(t, repos.Quotas.UpdateColumns(ctx, q, "mem_limit"))

		ok, err := repos.Quotas.SetEnforcement(ctx, bob.ID, enforced, models.EnforcementApplied, "")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := repos.Quotas.GetByAccountID(ctx, bob.ID)
		require.NoError(t, err)
		assert.Equal(t, models.EnforcementPending, got.EnforcementStatus)
		assert.True(t, got.UpdatedAt.Equal(q.UpdatedAt))

		ok, err = repos.Quotas.SetEnforcement(ctx, bob.ID, q.UpdatedAt, models.EnforcementApplied, "")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("read for update inside a transaction", func(t *testing.T) {
		err := store.RunInTx(ctx, func(ctx context.Context, tx repository.Repositories) error {
			a, err := tx.Accounts.GetByIDForUpdate(ctx, alice.ID)
			if err != nil {
				return err
			}
			assert.Equal(t, "alice", a.Username)
			q, err := tx.Quotas.GetByAccountIDForUpdate(ctx, alice.ID)
			if err != nil {
				return err
			}
			assert.Equal(t, "4G", q.MemLimit)
			return nil
		})
		require.NoError(t, err)

		_, err = repos.Quotas.GetByAccountIDForUpdate(ctx, bunx.NewUUIDv7())
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("list by account ids", func(t *testing.T) {
		quotas, err := repos.Quotas.ListByAccountIDs(ctx, []string{alice.ID, bob.ID})
		require.NoError(t, err)
		assert.Len(t, quotas, 2)

		none, err := repos.Quotas.ListByAccountIDs(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestBunSessionRepository(t *testing.T) {
	store := sqlitetest.NewStore(t)
	repos := store.Repositories()
	ctx := context.Background()
	alice := seed(t, store, "alice")

	for i, ttl := range []time.Duration{-time.Hour, time.Hour, 2 * time.Hour} {
		require.NoError(t, repos.Sessions.Create(ctx, &models.Session{
			ID:        bunx.NewUUIDv7(),
			AccountID: alice.ID,
			TokenHash: fmt.Sprintf("hash-%d", i),
			IPAddress: "10.0.0.1",
			ExpiresAt: baseTime.Add(ttl),
			CreatedAt: baseTime,
		}))
	}

	t.Run("lookup joins account", func(t *testing.T) {
		s, err := repos.Sessions.GetByTokenHash(ctx, "hash-1")
		require.NoError(t, err)
		require.NotNil(t, s.Account)
		assert.Equal(t, "alice", s.Account.Username)
		assert.True(t, s.ExpiresAt.Equal(baseTime.Add(time.Hour)))
	})

	t.Run("duplicate token hash", func(t *testing.T) {
		err := repos.Sessions.Create(ctx, &models.Session{
			ID: bunx.NewUUIDv7(), AccountID: alice.ID, TokenHash: "hash-1",
			ExpiresAt: baseTime, CreatedAt: baseTime,
		})
		assert.ErrorIs(t, err, apperr.ErrConflict)
	})

	t.Run("delete expired", func(t *testing.T) {
		n, err := repos.Sessions.DeleteExpired(ctx, baseTime)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = repos.Sessions.GetByTokenHash(ctx, "hash-0")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		_, err = repos.Sessions.GetByTokenHash(ctx, "hash-2")
		assert.NoError(t, err)
	})

	t.Run("delete by token hash is idempotent", func(t *testing.T) {
		require.NoError(t, repos.Sessions.DeleteByTokenHash(ctx, "hash-1"))
		require.NoError(t, repos.Sessions.DeleteByTokenHash(ctx, "hash-1"))
		_, err := repos.Sessions.GetByTokenHash(ctx, "hash-1")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})
}

func TestBunAuditRepository_ListOrderingAndPaging(t *testing.T) {
	store := sqlitetest.NewStore(t)
	repos := store.Repositories()
	ctx := context.Background()
	alice := seed(t, store, "alice")
	bob := seed(t, store, "bob")

	for i := 0; i < 5; i++ {
		owner := alice
		if i%2 == 1 {
			owner = bob
		}
		require.NoError(t, repos.Audit.Append(ctx, &models.AuditEntry{
			AccountID: owner.ID,
			Action:    fmt.Sprintf("action-%d", i),
			CreatedAt: baseTime.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := repos.Audit.List(ctx, repository.AuditFilter{Limit: 100})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "action-4", all[0].Action)
	assert.Equal(t, "action-0", all[4].Action)

	page, err := repos.Audit.List(ctx, repository.AuditFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "action-3", page[0].Action)
	assert.Equal(t, "bob", page[0].Username)

	onlyBob, err := repos.Audit.List(ctx, repository.AuditFilter{AccountID: bob.ID, Limit: 100})
	require.NoError(t, err)
	assert.Len(t, onlyBob, 2)
}

func TestBunStore_RunInTxRollsBack(t *testing.T) {
	store := sqlitetest.NewStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.RunInTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		if err := repos.Accounts.Create(ctx, newAccount("erin")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.Repositories().Accounts.GetByUsername(ctx, "erin")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
