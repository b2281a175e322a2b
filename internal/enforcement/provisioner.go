// Package enforcement bridges the quota ledger to the host: account
// provisioning, limit application and account removal.
package enforcement

import (
	"context"

	"github.com/diycloud/usermgmt/internal/quota"
)

// Account is what the host needs to create an operating-system user.
type Account struct {
	Username string
	Password string
	Email    string
	Role     string
	Limits   quota.Limits
}

// Provisioner is the external enforcement capability. Failures are returned
// as *apperr.ExternalError carrying the tool's diagnostic output.
type Provisioner interface {
	ProvisionAccount(ctx context.Context, account Account) error
	ApplyQuota(ctx context.Context, username string, limits quota.Limits) error
	RemoveAccount(ctx context.Context, username string, force bool) error
}
