package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/diycloud/usermgmt/internal/apperr"
	"github.com/diycloud/usermgmt/internal/auth"
	"github.com/diycloud/usermgmt/internal/db/models"
	"github.com/diycloud/usermgmt/internal/middleware"
	"github.com/diycloud/usermgmt/internal/services/accounts"
	"github.com/diycloud/usermgmt/internal/services/identity"
	"github.com/diycloud/usermgmt/internal/services/resources"
)

// IdentityService defines the session operations needed by the auth handlers.
type IdentityService interface {
	Login(ctx context.Context, username, password string, origin identity.Origin) (*identity.LoginResult, error)
	Logout(ctx context.Context, token string) error
	Verify(ctx context.Context, token string) (auth.Principal, error)
}

// AccountService defines the account and quota operations needed by the handlers.
type AccountService interface {
	List(ctx context.Context, p auth.Principal) ([]accounts.Detail, error)
	Get(ctx context.Context, p auth.Principal, id string) (*accounts.Detail, error)
	GetQuota(ctx context.Context, p auth.Principal, id string) (*accounts.QuotaView, error)
	Create(ctx context.Context, p auth.Principal, in accounts.CreateInput) (*accounts.Detail, error)
	Update(ctx context.Context, p auth.Principal, id string, in accounts.UpdateInput) (*accounts.UpdateResult, error)
	Delete(ctx context.Context, p auth.Principal, id string) error
}

// ResourceService defines the usage queries needed by the handlers.
type ResourceService interface {
	Usage(ctx context.Context, p auth.Principal, id string) (*resources.Snapshot, error)
	System(ctx context.Context, p auth.Principal) (*resources.System, error)
}

// AuditService defines the audit log query needed by the handlers.
type AuditService interface {
	List(ctx context.Context, accountID string, limit, offset int) ([]models.AuditEntry, error)
}

// Authorizer decides role-scoped actions. *auth.Gate implements it.
type Authorizer interface {
	Authorize(p auth.Principal, action, target string) error
}

// Handlers wires the JSON API endpoints to the services.
type Handlers struct {
	identity  IdentityService
	accounts  AccountService
	resources ResourceService
	audit     AuditService
	gate      Authorizer
	errs      errorWriter
}

var errNoPrincipal = fmt.Errorf("%w: authentication required", apperr.ErrAuthentication)

func principal(r *http.Request) (auth.Principal, error) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok || p.AccountID == "" {
		return auth.Principal{}, errNoPrincipal
	}
	return p, nil
}

// Health handles GET /api/health
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Login handles POST /api/auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errs.write(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		h.errs.write(w, r, apperr.Validation("username and password required"))
		return
	}

	res, err := h.identity.Login(r.Context(), req.Username, req.Password, identity.Origin{
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.errs.write(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt,
		UserID:    res.AccountID,
		Username:  res.Username,
		Role:      res.Role,
	})
}

// Logout handles POST /api/auth/logout. The token must be present but need not
// be valid; revoking an expired or unknown token succeeds.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.BearerToken(r)
	if !ok {
		h.errs.write(w, r, fmt.Errorf("%w: missing bearer token", apperr.ErrAuthentication))
		return
	}
	if err := h.identity.Logout(r.Context(), token); err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Logged out successfully"})
}

// ListAccounts handles GET /api/users
func (h *Handlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	list, err := h.accounts.List(r.Context(), p)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	out := make([]accountResponse, len(list))
	for i := range list {
		out[i] = toAccountResponse(list[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateAccount handles POST /api/users
func (h *Handlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	var req createAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errs.write(w, r, err)
		return
	}

	d, err := h.accounts.Create(r.Context(), p, req.input())
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createAccountResponse{
		Message: "User created successfully",
		UserID:  d.Account.ID,
		Account: toAccountResponse(*d),
	})
}

// GetAccount handles GET /api/users/{id}
func (h *Handlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	d, err := h.accounts.Get(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(*d))
}

// UpdateAccount handles PUT /api/users/{id}. A stored quota change the host has
// not confirmed yet answers 202 Accepted with enforcement_status "pending".
func (h *Handlers) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	var req updateAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.errs.write(w, r, err)
		return
	}

	res, err := h.accounts.Update(r.Context(), p, chi.URLParam(r, "id"), req.input())
	if err != nil {
		if res != nil && errors.Is(err, apperr.ErrExternalEnforcement) {
			writeJSON(w, http.StatusAccepted, updateAccountResponse{
				Message:           "User updated; quota enforcement pending",
				EnforcementStatus: res.EnforcementStatus,
				Details:           res.Diagnostic,
				Account:           toAccountResponse(res.Detail),
			})
			return
		}
		h.errs.write(w, r, err)
		return
	}

	out := updateAccountResponse{
		Message: "User updated successfully",
		Account: toAccountResponse(res.Detail),
	}
	if res.QuotaChanged {
		out.EnforcementStatus = res.EnforcementStatus
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteAccount handles DELETE /api/users/{id}
func (h *Handlers) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	if err := h.accounts.Delete(r.Context(), p, chi.URLParam(r, "id")); err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "User deleted successfully"})
}

// GetQuota handles GET /api/resources/{id}
func (h *Handlers) GetQuota(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	view, err := h.accounts.GetQuota(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuotaViewResponse(view))
}

// GetUsage handles GET /api/resources/{id}/usage
func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	snap, err := h.resources.Usage(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUsageResponse(snap))
}

// GetSystemResources handles GET /api/system/resources
func (h *Handlers) GetSystemResources(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	sys, err := h.resources.System(r.Context(), p)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSystemResponse(sys))
}

// GetAuditLog handles GET /api/logs?limit=&offset=&account_id=
func (h *Handlers) GetAuditLog(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	if err := h.gate.Authorize(p, auth.AuditRead, ""); err != nil {
		h.errs.write(w, r, err)
		return
	}

	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	accountID := q.Get("account_id")
	if accountID == "" {
		accountID = q.Get("user_id")
	}

	entries, err := h.audit.List(r.Context(), accountID, limit, offset)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditResponse(entries))
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("invalid integer %q", raw)
	}
	return n, nil
}
