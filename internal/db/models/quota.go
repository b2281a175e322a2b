package models

import (
	"time"

	"github.com/uptrace/bun"
)

// EnforcementStatus tracks whether the host currently reflects the stored quota.
type EnforcementStatus string

const (
	// EnforcementApplied means the last provisioning or apply call succeeded.
	EnforcementApplied EnforcementStatus = "applied"
	// EnforcementPending means the row changed but the host has not confirmed it yet.
	EnforcementPending EnforcementStatus = "pending"
)

// Quota is the resource entitlement of exactly one account.
// MemLimit and DiskQuota keep the operator's quantity string ("2G", "512M").
type Quota struct {
	bun.BaseModel `bun:"table:quotas,alias:q"`

	AccountID         string            `bun:"account_id,pk"`
	CPULimit          float64           `bun:"cpu_limit,notnull"`
	MemLimit          string            `bun:"mem_limit,notnull"`
	DiskQuota         string            `bun:"disk_quota,notnull"`
	GPUAccess         bool              `bun:"gpu_access,notnull"`
	EnforcementStatus EnforcementStatus `bun:"enforcement_status,notnull"`
	EnforcementDetail string            `bun:"enforcement_detail,notnull"`
	UpdatedAt         time.Time         `bun:"updated_at,notnull"`
}
