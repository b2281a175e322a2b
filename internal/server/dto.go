package server

import (
	"time"

	"github.com/diycloud/usermgmt/internal/db/models"
	"github.com/diycloud/usermgmt/internal/services/accounts"
	"github.com/diycloud/usermgmt/internal/services/resources"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	UserID    string      `json:"user_id"`
	Username  string      `json:"username"`
	Role      models.Role `json:"role"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type createAccountRequest struct {
	Username  string      `json:"username"`
	Password  string      `json:"password"`
	Email     string      `json:"email"`
	Role      models.Role `json:"role"`
	IsActive  *bool       `json:"is_active"`
	CPULimit  *float64    `json:"cpu_limit"`
	MemLimit  *string     `json:"mem_limit"`
	DiskQuota *string     `json:"disk_quota"`
	GPUAccess *bool       `json:"gpu_access"`
}

func (req createAccountRequest) input() accounts.CreateInput {
	return accounts.CreateInput{
		Username:  req.Username,
		Password:  req.Password,
		Email:     req.Email,
		Role:      req.Role,
		IsActive:  req.IsActive,
		CPULimit:  req.CPULimit,
		MemLimit:  req.MemLimit,
		DiskQuota: req.DiskQuota,
		GPUAccess: req.GPUAccess,
	}
}

type updateAccountRequest struct {
	Email     *string      `json:"email"`
	IsActive  *bool        `json:"is_active"`
	Password  *string      `json:"password"`
	Role      *models.Role `json:"role"`
	CPULimit  *float64     `json:"cpu_limit"`
	MemLimit  *string      `json:"mem_limit"`
	DiskQuota *string      `json:"disk_quota"`
	GPUAccess *bool        `json:"gpu_access"`
}

func (req updateAccountRequest) input() accounts.UpdateInput {
	return accounts.UpdateInput{
		Email:     req.Email,
		IsActive:  req.IsActive,
		Password:  req.Password,
		Role:      req.Role,
		CPULimit:  req.CPULimit,
		MemLimit:  req.MemLimit,
		DiskQuota: req.DiskQuota,
		GPUAccess: req.GPUAccess,
	}
}

type quotaResponse struct {
	UserID            string                   `json:"user_id"`
	CPULimit          float64                  `json:"cpu_limit"`
	MemLimit          string                   `json:"mem_limit"`
	DiskQuota         string                   `json:"disk_quota"`
	GPUAccess         bool                     `json:"gpu_access"`
	EnforcementStatus models.EnforcementStatus `json:"enforcement_status"`
	EnforcementDetail string                   `json:"enforcement_detail,omitempty"`
	UpdatedAt         time.Time                `json:"updated_at"`
	MemLimitMB        int64                    `json:"mem_limit_mb,omitempty"`
	DiskQuotaMB       int64                    `json:"disk_quota_mb,omitempty"`
}

func toQuotaResponse(q *models.Quota) *quotaResponse {
	if q == nil {
		return nil
	}
	return &quotaResponse{
		UserID:            q.AccountID,
		CPULimit:          q.CPULimit,
		MemLimit:          q.MemLimit,
		DiskQuota:         q.DiskQuota,
		GPUAccess:         q.GPUAccess,
		EnforcementStatus: q.EnforcementStatus,
		EnforcementDetail: q.EnforcementDetail,
		UpdatedAt:         q.UpdatedAt,
	}
}

func toQuotaViewResponse(v *accounts.QuotaView) *quotaResponse {
	out := toQuotaResponse(&v.Quota)
	out.MemLimitMB = v.Limits.MemMB
	out.DiskQuotaMB = v.Limits.DiskMB
	return out
}

// accountResponse never carries the password hash.
type accountResponse struct {
	ID        string         `json:"id"`
	Username  string         `json:"username"`
	Email     string         `json:"email"`
	Role      models.Role    `json:"role"`
	IsActive  bool           `json:"is_active"`
	CreatedAt time.Time      `json:"created_at"`
	LastLogin *time.Time     `json:"last_login"`
	Resources *quotaResponse `json:"resources,omitempty"`
}

func toAccountResponse(d accounts.Detail) accountResponse {
	a := d.Account
	return accountResponse{
		ID:        a.ID,
		Username:  a.Username,
		Email:     a.Email,
		Role:      a.Role,
		IsActive:  a.IsActive,
		CreatedAt: a.CreatedAt,
		LastLogin: a.LastLogin,
		Resources: toQuotaResponse(d.Quota),
	}
}

type createAccountResponse struct {
	Message string          `json:"message"`
	UserID  string          `json:"user_id"`
	Account accountResponse `json:"account"`
}

type updateAccountResponse struct {
	Message           string                   `json:"message"`
	EnforcementStatus models.EnforcementStatus `json:"enforcement_status,omitempty"`
	Details           string                   `json:"details,omitempty"`
	Account           accountResponse          `json:"account"`
}

type acceleratorUsageResponse struct {
	PID    int32 `json:"pid"`
	Memory int64 `json:"memory"`
}

type usageResponse struct {
	UserID    string                     `json:"user_id"`
	CPUUsage  float64                    `json:"cpu_usage"`
	MemUsage  float64                    `json:"mem_usage"`
	DiskUsage int64                      `json:"disk_usage"`
	GPUUsage  []acceleratorUsageResponse `json:"gpu_usage"`
}

func toUsageResponse(s *resources.Snapshot) usageResponse {
	out := usageResponse{
		UserID:    s.AccountID,
		CPUUsage:  s.CPUPercent,
		MemUsage:  s.MemMB,
		DiskUsage: s.DiskMB,
		GPUUsage:  make([]acceleratorUsageResponse, 0, len(s.Accelerators)),
	}
	for _, a := range s.Accelerators {
		out.GPUUsage = append(out.GPUUsage, acceleratorUsageResponse{PID: a.PID, Memory: a.MemoryMB})
	}
	return out
}

type gpuDeviceResponse struct {
	Name        string `json:"name"`
	MemoryTotal int64  `json:"memory_total"`
	MemoryUsed  int64  `json:"memory_used"`
}

type systemResponse struct {
	CPU struct {
		Cores int `json:"cores"`
	} `json:"cpu"`
	Memory struct {
		TotalMB int64 `json:"total_mb"`
	} `json:"memory"`
	Disk struct {
		TotalMB     int64 `json:"total_mb"`
		UsedMB      int64 `json:"used_mb"`
		AvailableMB int64 `json:"available_mb"`
	} `json:"disk"`
	GPU struct {
		Available bool                `json:"available"`
		Info      []gpuDeviceResponse `json:"info"`
	} `json:"gpu"`
}

func toSystemResponse(s *resources.System) systemResponse {
	var out systemResponse
	out.CPU.Cores = s.Cores
	out.Memory.TotalMB = s.MemTotalMB
	out.Disk.TotalMB = s.DiskTotalMB
	out.Disk.UsedMB = s.DiskUsedMB
	out.Disk.AvailableMB = s.DiskAvailMB
	out.GPU.Available = s.Accelerators.Available
	out.GPU.Info = make([]gpuDeviceResponse, 0, len(s.Accelerators.Devices))
	for _, d := range s.Accelerators.Devices {
		out.GPU.Info = append(out.GPU.Info, gpuDeviceResponse{Name: d.Name, MemoryTotal: d.TotalMB, MemoryUsed: d.UsedMB})
	}
	return out
}

type auditEntryResponse struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

func toAuditResponse(entries []models.AuditEntry) []auditEntryResponse {
	out := make([]auditEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = auditEntryResponse{
			ID:        e.ID,
			UserID:    e.AccountID,
			Username:  e.Username,
			Action:    e.Action,
			Details:   e.Detail,
			Timestamp: e.CreatedAt,
		}
	}
	return out
}
