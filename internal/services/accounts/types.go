package accounts

import (
	"github.com/diycloud/usermgmt/internal/db/models"
	"github.com/diycloud/usermgmt/internal/quota"
)

// CreateInput describes a new account. Nil quota fields take the defaults.
type CreateInput struct {
	Username  string
	Password  string
	Email     string
	Role      models.Role
	IsActive  *bool
	CPULimit  *float64
	MemLimit  *string
	DiskQuota *string
	GPUAccess *bool
}

// UpdateInput carries the fields a caller wants to change; nil means unchanged.
// Role and the quota fields are privileged.
type UpdateInput struct {
	Email    *string
	IsActive *bool
	Password *string

	Role      *models.Role
	CPULimit  *float64
	MemLimit  *string
	DiskQuota *string
	GPUAccess *bool
}

func (in UpdateInput) privileged() bool {
	return in.Role != nil || in.quotaChanged()
}

func (in UpdateInput) quotaChanged() bool {
	return in.CPULimit != nil || in.MemLimit != nil || in.DiskQuota != nil || in.GPUAccess != nil
}

// Detail is an account with its quota.
type Detail struct {
	Account models.Account
	Quota   *models.Quota
}

// QuotaView is a quota with normalized megabyte values.
type QuotaView struct {
	Quota  models.Quota
	Limits quota.Limits
}

// UpdateResult reports the outcome of an update. When enforcement of a quota
// change failed, EnforcementStatus is pending and Diagnostic holds the reason.
type UpdateResult struct {
	Detail            Detail
	QuotaChanged      bool
	EnforcementStatus models.EnforcementStatus
	Diagnostic        string
}

// ReconcileReport summarizes one pass over pending quotas.
type ReconcileReport struct {
	Applied int
	Failed  int
}
