package auth

import (
	_ "embed"
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/diycloud/usermgmt/internal/apperr"
)

//go:embed model.conf
var casbinModelContent string

// Gate decides whether a principal may perform an action on a target account.
// Policies are static and loaded once, so a Gate is safe for concurrent use.
type Gate struct {
	enforcer *casbin.SyncedEnforcer
}

// NewGate creates a gate with the embedded model and the built-in role policies.
func NewGate() (*Gate, error) {
	m, err := model.NewModelFromString(casbinModelContent)
	if err != nil {
		return nil, fmt.Errorf("parse casbin model: %w", err)
	}

	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}

	if _, err := enforcer.AddPolicies(defaultPolicies); err != nil {
		return nil, fmt.Errorf("load casbin policies: %w", err)
	}

	return &Gate{enforcer: enforcer}, nil
}

// Authorize returns nil when p may perform action on target, an
// apperr.ErrAuthorization otherwise. target is an account id, or empty for
// actions that do not address a single account.
func (g *Gate) Authorize(p Principal, action, target string) error {
	ok, err := g.enforcer.Enforce(string(p.Role), p.AccountID, target, action)
	if err != nil {
		return fmt.Errorf("evaluate policy: %w", err)
	}
	if !ok {
		return apperr.Forbidden("%s not permitted", action)
	}
	return nil
}
