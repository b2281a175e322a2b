// Package audit records and lists account-affecting actions.
package audit

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/diycloud/usermgmt/internal/apperr"
	"github.com/diycloud/usermgmt/internal/db/models"
	"github.com/diycloud/usermgmt/internal/repository"
)

// Actions written to the audit log.
const (
	ActionLogin          = "login"
	ActionLogout         = "logout"
	ActionAccountCreate  = "account.create"
	ActionAccountUpdate  = "account.update"
	ActionAccountDelete  = "account.delete"
	ActionPasswordChange = "password.change"
	ActionQuotaApplied   = "quota.applied"
	ActionQuotaPending   = "quota.pending"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Service appends to and pages through the audit log.
type Service struct {
	store  repository.Store
	clock  clock.Clock
	logger zerolog.Logger
}

// NewService constructs a new Service instance.
func NewService(store repository.Store) *Service {
	return &Service{store: store, clock: clock.New(), logger: zerolog.Nop()}
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithLogger sets the logger used for entries that could not be written.
func (s *Service) WithLogger(logger zerolog.Logger) *Service {
	s.logger = logger
	return s
}

// Entry builds an entry stamped with the current time, for callers that append
// inside their own transaction.
func (s *Service) Entry(accountID, action, detail string) *models.AuditEntry {
	return &models.AuditEntry{
		AccountID: accountID,
		Action:    action,
		Detail:    detail,
		CreatedAt: s.clock.Now().UTC(),
	}
}

// Record appends an entry outside any transaction. A failed append is logged
// and does not fail the caller's operation.
func (s *Service) Record(ctx context.Context, accountID, action, detail string) {
	if err := s.store.Repositories().Audit.Append(ctx, s.Entry(accountID, action, detail)); err != nil {
		s.logger.Error().Err(err).
			Str("account_id", accountID).
			Str("action", action).
			Msg("audit append failed")
	}
}

// List returns a page of entries, newest first. limit 0 means DefaultLimit.
func (s *Service) List(ctx context.Context, accountID string, limit, offset int) ([]models.AuditEntry, error) {
	if limit < 0 || offset < 0 {
		return nil, apperr.Validation("limit and offset must not be negative")
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	entries, err := s.store.Repositories().Audit.List(ctx, repository.AuditFilter{
		AccountID: accountID,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	return entries, nil
}
