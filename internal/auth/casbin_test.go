package auth

import (
	"testing"

	"github.com/diycloud/usermgmt/internal/apperr"
	"github.com/diycloud/usermgmt/internal/db/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_Authorize(t *testing.T) {
	gate, err := NewGate()
	require.NoError(t, err)

	admin := Principal{AccountID: "a-1", Username: "admin", Role: models.RoleAdmin}
	bob := Principal{AccountID: "b-1", Username: "bob", Role: models.RoleUser}

	tests := []struct {
		name      string
		principal Principal
		action    string
		target    string
		allowed   bool
	}{
		{"admin lists accounts", admin, AccountList, "", true},
		{"admin reads other account", admin, AccountRead, "b-1", true},
		{"admin deletes account", admin, AccountDelete, "b-1", true},
		{"admin reads system", admin, SystemRead, "", true},
		{"user reads own account", bob, AccountRead, "b-1", true},
		{"user reads own quota", bob, QuotaRead, "b-1", true},
		{"user reads own usage", bob, UsageRead, "b-1", true},
		{"user updates own account", bob, AccountUpdate, "b-1", true},
		{"user reads other account", bob, AccountRead, "a-1", false},
		{"user reads other usage", bob, UsageRead, "a-1", false},
		{"user lists accounts", bob, AccountList, "", false},
		{"user creates account", bob, AccountCreate, "", false},
		{"user deletes own account", bob, AccountDelete, "b-1", false},
		{"user privileged update of self", bob, AccountUpdatePrivileged, "b-1", false},
		{"user reads audit", bob, AuditRead, "", false},
		{"user self action with empty target", bob, AccountRead, "", false},
		{"unknown role", Principal{AccountID: "x", Role: "guest"}, AccountRead, "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gate.Authorize(tt.principal, tt.action, tt.target)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, apperr.ErrAuthorization)
			}
		})
	}
}
