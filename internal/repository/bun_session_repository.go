package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/diycloud/usermgmt/internal/db/models"
	"github.com/uptrace/bun"
)

// BunSessionRepository implements SessionRepository using Bun ORM
type BunSessionRepository struct {
	db bun.IDB
}

// NewBunSessionRepository creates a new Bun-based session repository
func NewBunSessionRepository(db bun.IDB) *BunSessionRepository {
	return &BunSessionRepository{db: db}
}

// Create inserts a new session
func (r *BunSessionRepository) Create(ctx context.Context, session *models.Session) error {
	_, err := r.db.NewInsert().
		Model(session).
		Exec(ctx)
	if err != nil {
		return mapError(err, "create session", "session")
	}
	return nil
}

// GetByTokenHash retrieves a session and its account in a single query.
// This is the primary lookup method for authentication.
func (r *BunSessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*models.Session, error) {
	session := new(models.Session)
	err := r.db.NewSelect().
		Model(session).
		Relation("Account").
		Where("s.token_hash = ?", tokenHash).
		Scan(ctx)
	if err != nil {
		return nil, mapError(err, "get session by token", "session")
	}
	return session, nil
}

// DeleteByTokenHash revokes a session. Missing sessions are not an error.
func (r *BunSessionRepository) DeleteByTokenHash(ctx context.Context, tokenHash string) error {
	_, err := r.db.NewDelete().
		Model((*models.Session)(nil)).
		Where("token_hash = ?", tokenHash).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteByAccountID revokes every session of an account
func (r *BunSessionRepository) DeleteByAccountID(ctx context.Context, accountID string) error {
	_, err := r.db.NewDelete().
		Model((*models.Session)(nil)).
		Where("account_id = ?", accountID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete account sessions: %w", err)
	}
	return nil
}

// DeleteExpired removes sessions that are no longer valid at now
func (r *BunSessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.NewDelete().
		Model((*models.Session)(nil)).
		Where("expires_at <= ?", now.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return n, nil
}
