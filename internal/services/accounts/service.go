// Package accounts owns the account and quota lifecycle and keeps the host in
// step with the quota ledger.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/diycloud/usermgmt/internal/apperr"
	"github.com/diycloud/usermgmt/internal/auth"
	"github.com/diycloud/usermgmt/internal/db/bunx"
	"github.com/diycloud/usermgmt/internal/db/models"
	"github.com/diycloud/usermgmt/internal/enforcement"
	"github.com/diycloud/usermgmt/internal/quota"
	"github.com/diycloud/usermgmt/internal/repository"
	"github.com/diycloud/usermgmt/internal/services/audit"
	"github.com/diycloud/usermgmt/internal/telemetry"
)

// DefaultRootUsername is the protected administrator account.
const DefaultRootUsername = "admin"

// Service orchestrates account persistence, quota enforcement and auditing.
// Every method taking a Principal authorizes it before touching state.
type Service struct {
	store        repository.Store
	provisioner  enforcement.Provisioner
	gate         *auth.Gate
	audit        *audit.Service
	clock        clock.Clock
	logger       zerolog.Logger
	metrics      *telemetry.ExternalMetrics
	hashParams   auth.Argon2Params
	rootUsername string

	// enforceMu serializes host enforcement per account so the last quota
	// version committed is also the last one applied.
	enforceMu [32]sync.Mutex
}

// NewService constructs a new Service instance.
func NewService(store repository.Store, provisioner enforcement.Provisioner, gate *auth.Gate, auditLog *audit.Service) *Service {
	return &Service{
		store:        store,
		provisioner:  provisioner,
		gate:         gate,
		audit:        auditLog,
		clock:        clock.New(),
		logger:       zerolog.Nop(),
		hashParams:   auth.DefaultArgon2Params,
		rootUsername: DefaultRootUsername,
	}
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(c clock.Clock) *Service {
	s.clock = c
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(logger zerolog.Logger) *Service {
	s.logger = logger
	return s
}

// WithMetrics records enforcement outcomes (optional dependency).
func (s *Service) WithMetrics(m *telemetry.ExternalMetrics) *Service {
	s.metrics = m
	return s
}

// WithPasswordParams sets the argon2id cost used for new password hashes.
func (s *Service) WithPasswordParams(p auth.Argon2Params) *Service {
	s.hashParams = p
	return s
}

// WithRootUsername names the account that can never be deleted or demoted.
func (s *Service) WithRootUsername(username string) *Service {
	if username != "" {
		s.rootUsername = username
	}
	return s
}

// List returns every account with its quota. Admin only.
func (s *Service) List(ctx context.Context, p auth.Principal) ([]Detail, error) {
	if err := s.gate.Authorize(p, auth.AccountList, ""); err != nil {
		return nil, err
	}

	repos := s.store.Repositories()
	accounts, err := repos.Accounts.List(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(accounts))
	for i := range accounts {
		ids[i] = accounts[i].ID
	}
	quotas, err := repos.Quotas.ListByAccountIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byAccount := make(map[string]*models.Quota, len(quotas))
	for i := range quotas {
		byAccount[quotas[i].AccountID] = &quotas[i]
	}

	out := make([]Detail, len(accounts))
	for i := range accounts {
		out[i] = Detail{Account: accounts[i], Quota: byAccount[accounts[i].ID]}
	}
	return out, nil
}

// Get returns one account with its quota. Owner or admin.
func (s *Service) Get(ctx context.Context, p auth.Principal, id string) (*Detail, error) {
	if err := s.gate.Authorize(p, auth.AccountRead, id); err != nil {
		return nil, err
	}
	return s.load(ctx, s.store.Repositories(), id)
}

// GetQuota returns the quota of one account in stored and normalized form. Owner or admin.
func (s *Service) GetQuota(ctx context.Context, p auth.Principal, id string) (*QuotaView, error) {
	if err := s.gate.Authorize(p, auth.QuotaRead, id); err != nil {
		return nil, err
	}
	q, err := s.store.Repositories().Quotas.GetByAccountID(ctx, id)
	if err != nil {
		return nil, err
	}
	limits, err := quota.Normalize(q.CPULimit, q.MemLimit, q.DiskQuota, q.GPUAccess)
	if err != nil {
		return nil, fmt.Errorf("stored quota for %s is invalid: %v", id, err)
	}
	return &QuotaView{Quota: *q, Limits: limits}, nil
}

// Create registers an account and its quota, then provisions it on the host.
// If provisioning fails the rows are removed again and the host diagnostic is
// returned as an *apperr.ExternalError. Admin only.
func (s *Service) Create(ctx context.Context, p auth.Principal, in CreateInput) (*Detail, error) {
	if err := s.gate.Authorize(p, auth.AccountCreate, ""); err != nil {
		return nil, err
	}
	detail, err := s.create(ctx, in, true)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, detail.Account.ID, audit.ActionAccountCreate, "created by "+p.Username)
	return detail, nil
}

// Bootstrap creates the root administrator outside any session. With
// provision false the host account is assumed to exist already.
func (s *Service) Bootstrap(ctx context.Context, password, email string, provision bool) (*Detail, error) {
	detail, err := s.create(ctx, CreateInput{
		Username: s.rootUsername,
		Password: password,
		Email:    email,
		Role:     models.RoleAdmin,
	}, provision)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, detail.Account.ID, audit.ActionAccountCreate, "bootstrap")
	return detail, nil
}

func (s *Service) create(ctx context.Context, in CreateInput, provision bool) (*Detail, error) {
	if in.Role == "" {
		in.Role = models.RoleUser
	}
	if err := validateUsername(in.Username); err != nil {
		return nil, err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}
	if err := validateEmail(in.Email); err != nil {
		return nil, err
	}
	if err := validateRole(in.Role); err != nil {
		return nil, err
	}

	q := &models.Quota{
		CPULimit:          valueOr(in.CPULimit, quota.DefaultCPULimit),
		MemLimit:          valueOr(in.MemLimit, quota.DefaultMemLimit),
		DiskQuota:         valueOr(in.DiskQuota, quota.DefaultDiskQuota),
		GPUAccess:         valueOr(in.GPUAccess, quota.DefaultGPUAccess),
		EnforcementStatus: models.EnforcementPending,
	}
	limits, err := quota.Normalize(q.CPULimit, q.MemLimit, q.DiskQuota, q.GPUAccess)
	if err != nil {
		return nil, err
	}

	hash, err := auth.HashPasswordWithParams(in.Password, s.hashParams)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	now := s.clock.Now().UTC().Truncate(time.Microsecond)
	account := &models.Account{
		ID:           bunx.NewUUIDv7(),
		Username:     in.Username,
		PasswordHash: hash,
		Email:        in.Email,
		Role:         in.Role,
		IsActive:     valueOr(in.IsActive, true),
		CreatedAt:    now,
	}
	q.AccountID = account.ID
	q.UpdatedAt = now

	err = s.store.RunInTx(ctx, func(ctx context.Context, tx repository.Repositories) error {
		if err := tx.Accounts.Create(ctx, account); err != nil {
			return err
		}
		return tx.Quotas.Create(ctx, q)
	})
	if err != nil {
		return nil, err
	}

	mu := s.enforceLock(account.ID)
	mu.Lock()
	defer mu.Unlock()

	if provision {
		err = s.provisioner.ProvisionAccount(ctx, enforcement.Account{
			Username: account.Username,
			Password: in.Password,
			Email:    account.Email,
			Role:     string(account.Role),
			Limits:   limits,
		})
		s.metrics.Record(ctx, "provision_account", err)
		if err != nil {
			s.compensateCreate(account)
			return nil, toExternal("provision account", err)
		}
	}

	recorded, err := s.store.Repositories().Quotas.SetEnforcement(ctx, account.ID, q.UpdatedAt, models.EnforcementApplied, "")
	if err != nil {
		return nil, err
	}
	if recorded {
		q.EnforcementStatus = models.EnforcementApplied
	} else {
		s.logger.Debug().Str("account_id", account.ID).Msg("quota changed while provisioning; left to the newer update")
	}

	s.logger.Info().Str("account_id", account.ID).Str("username", account.Username).Msg("account created")
	return &Detail{Account: *account, Quota: q}, nil
}

// compensateCreate removes the rows of an account whose provisioning failed.
// It runs detached from the request so a cancelled client cannot leave them behind.
func (s *Service) compensateCreate(account *models.Account) {
	ctx := context.Background()
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx repository.Repositories) error {
		if err := tx.Quotas.DeleteByAccountID(ctx, account.ID); err != nil {
			return err
		}
		return tx.Accounts.Delete(ctx, account.ID)
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("account_id", account.ID).
			Str("username", account.Username).
			Msg("failed to remove account rows after provisioning failure")
	}
}

// Update applies in to account id. Owners may change email, active state and
// password; role and quota fields need the admin role. The rows are read,
// changed and written in one transaction, locked on PostgreSQL. Quota changes
// are committed first and then enforced from the committed row. A failed
// enforcement leaves the quota stored with status pending and is returned as
// an *apperr.ExternalError together with the result.
func (s *Service) Update(ctx context.Context, p auth.Principal, id string, in UpdateInput) (*UpdateResult, error) {
	if err := s.gate.Authorize(p, auth.AccountUpdate, id); err != nil {
		return nil, err
	}
	if in.privileged() {
		if err := s.gate.Authorize(p, auth.AccountUpdatePrivileged, id); err != nil {
			return nil, apperr.Forbidden("role and quota fields can only be updated by an admin")
		}
	}

	if in.Email != nil {
		if err := validateEmail(*in.Email); err != nil {
			return nil, err
		}
	}
	if in.Role != nil {
		if err := validateRole(*in.Role); err != nil {
			return nil, err
		}
	}
	var newHash string
	if in.Password != nil {
		if err := validatePassword(*in.Password); err != nil {
			return nil, err
		}
		var err error
		if newHash, err = auth.HashPasswordWithParams(*in.Password, s.hashParams); err != nil {
			return nil, fmt.Errorf("update account: %w", err)
		}
	}

	var (
		account      models.Account
		q            *models.Quota
		quotaChanged bool
	)
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx repository.Repositories) error {
		current, err := tx.Accounts.GetByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		cq, err := tx.Quotas.GetByAccountIDForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return fmt.Errorf("update account: quota %w", apperr.ErrNotFound)
			}
			return err
		}
		account, q = *current, cq

		accountCols, quotaCols, err := s.applyUpdate(&account, q, in)
		if err != nil {
			return err
		}
		quotaChanged = len(quotaCols) > 0
		changed := append(append([]string(nil), accountCols...), quotaCols...)

		if err := tx.Accounts.UpdateColumns(ctx, &account, accountCols...); err != nil {
			return err
		}
		if newHash != "" {
			if err := tx.Accounts.SetPasswordHash(ctx, account.ID, newHash); err != nil {
				return err
			}
			account.PasswordHash = newHash
			if err := tx.Audit.Append(ctx, s.audit.Entry(account.ID, audit.ActionPasswordChange, "by "+p.Username)); err != nil {
				return err
			}
		}
		if quotaChanged {
			q.EnforcementStatus = models.EnforcementPending
			q.EnforcementDetail = ""
			q.UpdatedAt = nextVersion(q.UpdatedAt, s.clock.Now())
			if err := tx.Quotas.UpdateColumns(ctx, q, append(quotaCols, "enforcement_status", "enforcement_detail")...); err != nil {
				return err
			}
		}
		if len(changed) > 0 {
			detail := fmt.Sprintf("fields %s by %s", strings.Join(changed, ","), p.Username)
			return tx.Audit.Append(ctx, s.audit.Entry(account.ID, audit.ActionAccountUpdate, detail))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &UpdateResult{
		Detail:            Detail{Account: account, Quota: q},
		QuotaChanged:      quotaChanged,
		EnforcementStatus: q.EnforcementStatus,
	}
	if !quotaChanged {
		return result, nil
	}

	status, err := s.enforce(ctx, account, q)
	result.EnforcementStatus = status
	if err != nil {
		result.Diagnostic = apperr.DiagnosticOf(err)
		return result, err
	}
	return result, nil
}

// applyUpdate copies the fields set in in onto account and q and returns the
// changed column names. The quota is validated as a whole.
func (s *Service) applyUpdate(account *models.Account, q *models.Quota, in UpdateInput) (accountCols, quotaCols []string, err error) {
	isRoot := account.Username == s.rootUsername

	if in.Email != nil {
		account.Email = *in.Email
		accountCols = append(accountCols, "email")
	}
	if in.IsActive != nil {
		if isRoot && !*in.IsActive {
			return nil, nil, apperr.Forbidden("the root account cannot be deactivated")
		}
		account.IsActive = *in.IsActive
		accountCols = append(accountCols, "is_active")
	}
	if in.Role != nil {
		if isRoot && *in.Role != models.RoleAdmin {
			return nil, nil, apperr.Forbidden("the root account must keep the admin role")
		}
		account.Role = *in.Role
		accountCols = append(accountCols, "role")
	}

	if in.CPULimit != nil {
		q.CPULimit = *in.CPULimit
		quotaCols = append(quotaCols, "cpu_limit")
	}
	if in.MemLimit != nil {
		q.MemLimit = *in.MemLimit
		quotaCols = append(quotaCols, "mem_limit")
	}
	if in.DiskQuota != nil {
		q.DiskQuota = *in.DiskQuota
		quotaCols = append(quotaCols, "disk_quota")
	}
	if in.GPUAccess != nil {
		q.GPUAccess = *in.GPUAccess
		quotaCols = append(quotaCols, "gpu_access")
	}
	if len(quotaCols) > 0 {
		if _, err := quota.Normalize(q.CPULimit, q.MemLimit, q.DiskQuota, q.GPUAccess); err != nil {
			return nil, nil, err
		}
	}
	return accountCols, quotaCols, nil
}

// enforce applies the quota version q to the host and records the outcome on
// the quota row. It works from the row as committed: a version that has been
// replaced by a newer update is not applied, and an outcome for it is not
// recorded, so the row stays pending until the newer version is enforced.
// The returned status is the one the row holds for this version.
func (s *Service) enforce(ctx context.Context, account models.Account, q *models.Quota) (models.EnforcementStatus, error) {
	mu := s.enforceLock(account.ID)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.store.Repositories().Quotas.GetByAccountID(ctx, account.ID)
	if err != nil {
		return models.EnforcementPending, err
	}
	if !current.UpdatedAt.Equal(q.UpdatedAt) {
		s.superseded(account, q)
		return models.EnforcementPending, nil
	}
	limits, err := quota.Normalize(current.CPULimit, current.MemLimit, current.DiskQuota, current.GPUAccess)
	if err != nil {
		return models.EnforcementPending, fmt.Errorf("stored quota for %s is invalid: %w", account.ID, err)
	}
	*q = *current

	applyErr := s.provisioner.ApplyQuota(ctx, account.Username, limits)
	s.metrics.Record(ctx, "apply_quota", applyErr)

	status, detail, action := models.EnforcementApplied, "", audit.ActionQuotaApplied
	if applyErr != nil {
		status, detail, action = models.EnforcementPending, apperr.DiagnosticOf(applyErr), audit.ActionQuotaPending
		s.logger.Warn().Err(applyErr).
			Str("account_id", account.ID).
			Str("username", account.Username).
			Msg("quota stored but not enforced; left pending")
	}

	// Record the outcome even if the request was cancelled meanwhile.
	recordCtx := context.WithoutCancel(ctx)
	recorded, err := s.store.Repositories().Quotas.SetEnforcement(recordCtx, account.ID, q.UpdatedAt, status, detail)
	switch {
	case err != nil:
		s.logger.Error().Err(err).Str("account_id", account.ID).Msg("failed to record enforcement status")
	case !recorded:
		s.superseded(account, q)
		status, detail = models.EnforcementPending, ""
	default:
		s.audit.Record(recordCtx, account.ID, action, detail)
	}

	q.EnforcementStatus = status
	q.EnforcementDetail = detail

	if applyErr != nil {
		return status, toExternal("apply quota", applyErr)
	}
	return status, nil
}

func (s *Service) superseded(account models.Account, q *models.Quota) {
	s.logger.Info().
		Str("account_id", account.ID).
		Str("username", account.Username).
		Time("version", q.UpdatedAt).
		Msg("quota replaced by a newer update; leaving enforcement to it")
}

func (s *Service) enforceLock(accountID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(accountID))
	return &s.enforceMu[h.Sum32()%uint32(len(s.enforceMu))]
}

// nextVersion stamps a quota change. Versions are stored at microsecond
// precision and always move forward, even when the clock does not.
func nextVersion(prev, now time.Time) time.Time {
	v := now.UTC().Truncate(time.Microsecond)
	if !v.After(prev) {
		v = prev.UTC().Add(time.Microsecond)
	}
	return v
}

// Delete removes account id from the host and then from the store. The root
// account and the caller's own account are refused. Admin only.
func (s *Service) Delete(ctx context.Context, p auth.Principal, id string) error {
	if err := s.gate.Authorize(p, auth.AccountDelete, id); err != nil {
		return err
	}

	account, err := s.store.Repositories().Accounts.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if account.Username == s.rootUsername {
		return apperr.Forbidden("cannot delete the root account %q", s.rootUsername)
	}
	if account.ID == p.AccountID {
		return apperr.Forbidden("cannot delete your own account")
	}

	err = s.provisioner.RemoveAccount(ctx, account.Username, true)
	s.metrics.Record(ctx, "remove_account", err)
	if err != nil {
		return toExternal("remove account", err)
	}

	// The host account is gone; finish the row removal even if the client left.
	ctx = context.WithoutCancel(ctx)
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx repository.Repositories) error {
		if err := tx.Quotas.DeleteByAccountID(ctx, account.ID); err != nil {
			return err
		}
		if err := tx.Sessions.DeleteByAccountID(ctx, account.ID); err != nil {
			return err
		}
		if err := tx.Audit.DeleteByAccountID(ctx, account.ID); err != nil {
			return err
		}
		if err := tx.Accounts.Delete(ctx, account.ID); err != nil {
			return err
		}
		detail := fmt.Sprintf("deleted account %s (%s)", account.Username, account.ID)
		return tx.Audit.Append(ctx, s.audit.Entry(p.AccountID, audit.ActionAccountDelete, detail))
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("account_id", account.ID).
			Str("username", account.Username).
			Msg("host account removed but rows could not be deleted")
		return fmt.Errorf("delete account: %w", err)
	}

	s.logger.Info().Str("account_id", account.ID).Str("username", account.Username).Msg("account deleted")
	return nil
}

// ReconcilePending re-applies every quota left pending by a failed enforcement.
func (s *Service) ReconcilePending(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	repos := s.store.Repositories()
	pending, err := repos.Quotas.ListPending(ctx)
	if err != nil {
		return report, fmt.Errorf("reconcile quotas: %w", err)
	}

	for i := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		q := &pending[i]
		account, err := repos.Accounts.GetByID(ctx, q.AccountID)
		if err != nil {
			report.Failed++
			continue
		}
		status, err := s.enforce(ctx, *account, q)
		if err != nil {
			report.Failed++
			if !errors.Is(err, apperr.ErrExternalEnforcement) {
				s.logger.Error().Err(err).Str("account_id", q.AccountID).Msg("pending quota could not be enforced")
			}
			continue
		}
		if status == models.EnforcementApplied {
			report.Applied++
		}
	}

	s.metrics.RecordPending(ctx, report.Failed)
	if report.Applied+report.Failed > 0 {
		s.logger.Info().Int("applied", report.Applied).Int("failed", report.Failed).Msg("reconciled pending quotas")
	}
	return report, nil
}

func (s *Service) load(ctx context.Context, repos repository.Repositories, id string) (*Detail, error) {
	account, err := repos.Accounts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	q, err := repos.Quotas.GetByAccountID(ctx, id)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	return &Detail{Account: *account, Quota: q}, nil
}

// toExternal makes sure err is classified as an external enforcement failure.
func toExternal(op string, err error) error {
	if errors.Is(err, apperr.ErrExternalEnforcement) {
		return err
	}
	return apperr.External(op, err, err.Error())
}

func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
