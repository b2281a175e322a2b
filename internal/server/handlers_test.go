package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diycloud/usermgmt/internal/apperr"
	"github.com/diycloud/usermgmt/internal/auth"
	"github.com/diycloud/usermgmt/internal/db/models"
	"github.com/diycloud/usermgmt/internal/quota"
	"github.com/diycloud/usermgmt/internal/services/accounts"
	"github.com/diycloud/usermgmt/internal/services/identity"
	"github.com/diycloud/usermgmt/internal/services/resources"
	"github.com/diycloud/usermgmt/internal/usage"
)

var (
	adminPrincipal = auth.Principal{AccountID: "admin-id", Username: "admin", Role: models.RoleAdmin}
	alicePrincipal = auth.Principal{AccountID: "alice-id", Username: "alice", Role: models.RoleUser}
)

// mockIdentityService maps the tokens "admin-token" and "alice-token" to principals.
type mockIdentityService struct {
	loginFunc  func(ctx context.Context, username, password string, origin identity.Origin) (*identity.LoginResult, error)
	logoutFunc func(ctx context.Context, token string) error
}

func (m *mockIdentityService) Login(ctx context.Context, username, password string, origin identity.Origin) (*identity.LoginResult, error) {
	if m.loginFunc != nil {
		return m.loginFunc(ctx, username, password, origin)
	}
	return nil, errors.New("not implemented")
}

func (m *mockIdentityService) Logout(ctx context.Context, token string) error {
	if m.logoutFunc != nil {
		return m.logoutFunc(ctx, token)
	}
	return errors.New("not implemented")
}

func (m *mockIdentityService) Verify(_ context.Context, token string) (auth.Principal, error) {
	switch token {
	case "admin-token":
		return adminPrincipal, nil
	case "alice-token":
		return alicePrincipal, nil
	}
	return auth.Principal{}, apperr.ErrAuthentication
}

type mockAccountService struct {
	listFunc     func(ctx context.Context, p auth.Principal) ([]accounts.Detail, error)
	getFunc      func(ctx context.Context, p auth.Principal, id string) (*accounts.Detail, error)
	getQuotaFunc func(ctx context.Context, p auth.Principal, id string) (*accounts.QuotaView, error)
	createFunc   func(ctx context.Context, p auth.Principal, in accounts.CreateInput) (*accounts.Detail, error)
	updateFunc   func(ctx context.Context, p auth.Principal, id string, in accounts.UpdateInput) (*accounts.UpdateResult, error)
	deleteFunc   func(ctx context.Context, p auth.Principal, id string) error
}

func (m *mockAccountService) List(ctx context.Context, p auth.Principal) ([]accounts.Detail, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, p)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAccountService) Get(ctx context.Context, p auth.Principal, id string) (*accounts.Detail, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, p, id)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAccountService) GetQuota(ctx context.Context, p auth.Principal, id string) (*accounts.QuotaView, error) {
	if m.getQuotaFunc != nil {
		return m.getQuotaFunc(ctx, p, id)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAccountService) Create(ctx context.Context, p auth.Principal, in accounts.CreateInput) (*accounts.Detail, error) {
	if m.createFunc != nil {
		return m.createFunc(ctx, p, in)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAccountService) Update(ctx context.Context, p auth.Principal, id string, in accounts.UpdateInput) (*accounts.UpdateResult, error) {
	if m.updateFunc != nil {
		return m.updateFunc(ctx, p, id, in)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAccountService) Delete(ctx context.Context, p auth.Principal, id string) error {
	if m.deleteFunc != nil {
		return m.deleteFunc(ctx, p, id)
	}
	return errors.New("not implemented")
}

type mockResourceService struct {
	usageFunc  func(ctx context.Context, p auth.Principal, id string) (*resources.Snapshot, error)
	systemFunc func(ctx context.Context, p auth.Principal) (*resources.System, error)
}

func (m *mockResourceService) Usage(ctx context.Context, p auth.Principal, id string) (*resources.Snapshot, error) {
	if m.usageFunc != nil {
		return m.usageFunc(ctx, p, id)
	}
	return nil, errors.New("not implemented")
}

func (m *mockResourceService) System(ctx context.Context, p auth.Principal) (*resources.System, error) {
	if m.systemFunc != nil {
		return m.systemFunc(ctx, p)
	}
	return nil, errors.New("not implemented")
}

type mockAuditService struct {
	listFunc func(ctx context.Context, accountID string, limit, offset int) ([]models.AuditEntry, error)
}

func (m *mockAuditService) List(ctx context.Context, accountID string, limit, offset int) ([]models.AuditEntry, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, accountID, limit, offset)
	}
	return nil, errors.New("not implemented")
}

type testServer struct {
	identity  *mockIdentityService
	accounts  *mockAccountService
	resources *mockResourceService
	audit     *mockAuditService
	handler   http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gate, err := auth.NewGate()
	require.NoError(t, err)

	ts := &testServer{
		identity:  &mockIdentityService{},
		accounts:  &mockAccountService{},
		resources: &mockResourceService{},
		audit:     &mockAuditService{},
	}
	ts.handler = NewRouter(RouterOptions{
		Identity:  ts.identity,
		Accounts:  ts.accounts,
		Resources: ts.resources,
		Audit:     ts.audit,
		Gate:      gate,
		Logger:    zerolog.Nop(),
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func aliceDetail() accounts.Detail {
	return accounts.Detail{
		Account: models.Account{
			ID:           "alice-id",
			Username:     "alice",
			PasswordHash: "$argon2id$secret",
			Role:         models.RoleUser,
			IsActive:     true,
			CreatedAt:    time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC),
		},
		Quota: &models.Quota{
			AccountID:         "alice-id",
			CPULimit:          1,
			MemLimit:          "2G",
			DiskQuota:         "5G",
			EnforcementStatus: models.EnforcementApplied,
		},
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestLogin(t *testing.T) {
	expires := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name           string
		body           string
		loginFunc      func(ctx context.Context, username, password string, origin identity.Origin) (*identity.LoginResult, error)
		expectedStatus int
	}{
		{
			name: "success",
			body: `{"username":"alice","password":"password123"}`,
			loginFunc: func(_ context.Context, username, password string, origin identity.Origin) (*identity.LoginResult, error) {
				return &identity.LoginResult{Token: "tok", ExpiresAt: expires, AccountID: "alice-id", Username: username, Role: models.RoleUser}, nil
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "missing password",
			body:           `{"username":"alice"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "malformed body",
			body:           `{"username":`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "bad credentials",
			body: `{"username":"alice","password":"wrong-password"}`,
			loginFunc: func(context.Context, string, string, identity.Origin) (*identity.LoginResult, error) {
				return nil, apperr.ErrAuthentication
			},
			expectedStatus: http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.identity.loginFunc = tt.loginFunc
			w := ts.do(t, http.MethodPost, "/api/auth/login", "", tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
			if tt.expectedStatus == http.StatusOK {
				resp := decodeBody[loginResponse](t, w)
				assert.Equal(t, "tok", resp.Token)
				assert.Equal(t, "alice-id", resp.UserID)
				assert.True(t, expires.Equal(resp.ExpiresAt))
			}
		})
	}
}

func TestLogout(t *testing.T) {
	ts := newTestServer(t)
	var revoked string
	ts.identity.logoutFunc = func(_ context.Context, token string) error {
		revoked = token
		return nil
	}

	w := ts.do(t, http.MethodPost, "/api/auth/logout", "expired-token", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "expired-token", revoked)

	w = ts.do(t, http.MethodPost, "/api/auth/logout", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	revoked = ""
	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer ")
	w = httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, revoked)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/users", "/api/users/alice-id", "/api/resources/alice-id", "/api/system/resources", "/api/logs"} {
		w := ts.do(t, http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)

		w = ts.do(t, http.MethodGet, path, "forged", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestGetAccountHidesPasswordHash(t *testing.T) {
	ts := newTestServer(t)
	ts.accounts.getFunc = func(_ context.Context, p auth.Principal, id string) (*accounts.Detail, error) {
		assert.Equal(t, alicePrincipal, p)
		assert.Equal(t, "alice-id", id)
		d := aliceDetail()
		return &d, nil
	}

	w := ts.do(t, http.MethodGet, "/api/users/alice-id", "alice-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "argon2id")
	resp := decodeBody[accountResponse](t, w)
	assert.Equal(t, "alice", resp.Username)
	require.NotNil(t, resp.Resources)
	assert.Equal(t, "2G", resp.Resources.MemLimit)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedError  string
	}{
		{"validation", apperr.Validation("bad username"), http.StatusBadRequest, "bad username"},
		{"forbidden", apperr.Forbidden("account:read not permitted"), http.StatusForbidden, "not permitted"},
		{"not found", fmt.Errorf("get account: %w", apperr.ErrNotFound), http.StatusNotFound, "not found"},
		{"conflict", apperr.ErrConflict, http.StatusConflict, "already exists"},
		{"external", apperr.External("remove account", errors.New("exit status 8"), "userdel: user busy"), http.StatusBadGateway, "remove account failed"},
		{"internal", errors.New("database is locked: secret dsn"), http.StatusInternalServerError, internalErrorMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.accounts.deleteFunc = func(context.Context, auth.Principal, string) error { return tt.err }

			w := ts.do(t, http.MethodDelete, "/api/users/bob-id", "admin-token", "")
			assert.Equal(t, tt.expectedStatus, w.Code)
			resp := decodeBody[errorResponse](t, w)
			assert.Contains(t, resp.Error, tt.expectedError)
			if tt.name == "external" {
				assert.Equal(t, "userdel: user busy", resp.Details)
			}
			if tt.name == "internal" {
				assert.NotContains(t, w.Body.String(), "secret dsn")
			}
		})
	}
}

func TestCreateAccount(t *testing.T) {
	ts := newTestServer(t)
	var got accounts.CreateInput
	ts.accounts.createFunc = func(_ context.Context, p auth.Principal, in accounts.CreateInput) (*accounts.Detail, error) {
		assert.Equal(t, adminPrincipal, p)
		got = in
		d := aliceDetail()
		return &d, nil
	}

	w := ts.do(t, http.MethodPost, "/api/users", "admin-token",
		`{"username":"alice","password":"password123","email":"alice@example.com","cpu_limit":2,"gpu_access":true}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "alice", got.Username)
	require.NotNil(t, got.CPULimit)
	assert.Equal(t, 2.0, *got.CPULimit)
	assert.Nil(t, got.MemLimit)
	require.NotNil(t, got.GPUAccess)
	assert.True(t, *got.GPUAccess)

	resp := decodeBody[createAccountResponse](t, w)
	assert.Equal(t, "alice-id", resp.UserID)
}

func TestUpdateAccountRejectsUnknownFields(t *testing.T) {
	ts := newTestServer(t)
	ts.accounts.updateFunc = func(context.Context, auth.Principal, string, accounts.UpdateInput) (*accounts.UpdateResult, error) {
		t.Fatal("service must not be called")
		return nil, nil
	}

	w := ts.do(t, http.MethodPut, "/api/users/alice-id", "alice-token", `{"username":"root"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateAccountEnforcementPending(t *testing.T) {
	ts := newTestServer(t)
	ts.accounts.updateFunc = func(_ context.Context, _ auth.Principal, _ string, in accounts.UpdateInput) (*accounts.UpdateResult, error) {
		require.NotNil(t, in.CPULimit)
		d := aliceDetail()
		d.Quota.CPULimit = *in.CPULimit
		d.Quota.EnforcementStatus = models.EnforcementPending
		return &accounts.UpdateResult{
			Detail:            d,
			QuotaChanged:      true,
			EnforcementStatus: models.EnforcementPending,
			Diagnostic:        "setquota: not supported",
		}, apperr.External("apply quota", errors.New("exit status 2"), "setquota: not supported")
	}

	w := ts.do(t, http.MethodPut, "/api/users/alice-id", "admin-token", `{"cpu_limit":4}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decodeBody[updateAccountResponse](t, w)
	assert.Equal(t, models.EnforcementPending, resp.EnforcementStatus)
	assert.Equal(t, "setquota: not supported", resp.Details)
	assert.Equal(t, 4.0, resp.Account.Resources.CPULimit)
}

func TestUpdateAccountApplied(t *testing.T) {
	ts := newTestServer(t)
	ts.accounts.updateFunc = func(context.Context, auth.Principal, string, accounts.UpdateInput) (*accounts.UpdateResult, error) {
		return &accounts.UpdateResult{Detail: aliceDetail(), QuotaChanged: true, EnforcementStatus: models.EnforcementApplied}, nil
	}

	w := ts.do(t, http.MethodPut, "/api/users/alice-id", "admin-token", `{"mem_limit":"4G"}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[updateAccountResponse](t, w)
	assert.Equal(t, models.EnforcementApplied, resp.EnforcementStatus)
}

func TestGetQuota(t *testing.T) {
	ts := newTestServer(t)
	ts.accounts.getQuotaFunc = func(context.Context, auth.Principal, string) (*accounts.QuotaView, error) {
		d := aliceDetail()
		return &accounts.QuotaView{Quota: *d.Quota, Limits: quota.Limits{CPUCores: 1, MemMB: 2048, DiskMB: 5120}}, nil
	}

	w := ts.do(t, http.MethodGet, "/api/resources/alice-id", "alice-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[quotaResponse](t, w)
	assert.Equal(t, int64(2048), resp.MemLimitMB)
	assert.Equal(t, int64(5120), resp.DiskQuotaMB)
}

func TestGetUsage(t *testing.T) {
	ts := newTestServer(t)
	ts.resources.usageFunc = func(context.Context, auth.Principal, string) (*resources.Snapshot, error) {
		return &resources.Snapshot{AccountID: "alice-id", CPUPercent: 12.5, MemMB: 64, DiskMB: 300, Accelerators: []resources.AcceleratorUsage{}}, nil
	}

	w := ts.do(t, http.MethodGet, "/api/resources/alice-id/usage", "alice-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"alice-id","cpu_usage":12.5,"mem_usage":64,"disk_usage":300,"gpu_usage":[]}`, w.Body.String())
}

func TestGetSystemResources(t *testing.T) {
	ts := newTestServer(t)
	ts.resources.systemFunc = func(context.Context, auth.Principal) (*resources.System, error) {
		return &resources.System{
			SystemInventory: usage.SystemInventory{Cores: 8, MemTotalMB: 32000, DiskTotalMB: 100, DiskUsedMB: 40, DiskAvailMB: 60},
			Accelerators:    resources.AcceleratorSummary{Devices: []usage.AcceleratorDevice{}},
		}, nil
	}

	w := ts.do(t, http.MethodGet, "/api/system/resources", "admin-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[systemResponse](t, w)
	assert.Equal(t, 8, resp.CPU.Cores)
	assert.False(t, resp.GPU.Available)
	assert.NotNil(t, resp.GPU.Info)
}

func TestGetAuditLog(t *testing.T) {
	ts := newTestServer(t)
	var gotAccount string
	var gotLimit, gotOffset int
	ts.audit.listFunc = func(_ context.Context, accountID string, limit, offset int) ([]models.AuditEntry, error) {
		gotAccount, gotLimit, gotOffset = accountID, limit, offset
		return []models.AuditEntry{{ID: 7, AccountID: "alice-id", Username: "alice", Action: "login"}}, nil
	}

	w := ts.do(t, http.MethodGet, "/api/logs?limit=10&offset=20&account_id=alice-id", "admin-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice-id", gotAccount)
	assert.Equal(t, 10, gotLimit)
	assert.Equal(t, 20, gotOffset)
	resp := decodeBody[[]auditEntryResponse](t, w)
	require.Len(t, resp, 1)
	assert.Equal(t, "alice", resp[0].Username)

	w = ts.do(t, http.MethodGet, "/api/logs?limit=ten", "admin-token", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/logs", "alice-token", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "audit:read"))
}
