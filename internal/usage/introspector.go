// Package usage defines the host introspection capabilities consumed by the
// usage aggregator and a host-backed implementation.
package usage

import (
	"context"
	"errors"
)

// ErrPathNotFound reports that a measured path does not exist on the host.
var ErrPathNotFound = errors.New("path not found")

// Process is one operating-system process owned by an account.
type Process struct {
	PID        int32
	CPUPercent float64
	ResidentMB float64
}

// AcceleratorProcess is a compute process reported by accelerator telemetry.
type AcceleratorProcess struct {
	PID      int32
	MemoryMB int64
}

// AcceleratorDevice is one accelerator in the host inventory.
type AcceleratorDevice struct {
	Name    string
	TotalMB int64
	UsedMB  int64
}

// SystemInventory is the host-wide capacity picture.
type SystemInventory struct {
	Cores       int
	MemTotalMB  int64
	DiskTotalMB int64
	DiskUsedMB  int64
	DiskAvailMB int64
}

// Introspector is the set of external introspection capabilities. The two
// accelerator methods are optional: callers treat their errors as absence.
type Introspector interface {
	ListProcesses(ctx context.Context, owner string) ([]Process, error)
	DiskUsage(ctx context.Context, path string) (int64, error)
	AcceleratorProcesses(ctx context.Context) ([]AcceleratorProcess, error)
	AcceleratorInventory(ctx context.Context) ([]AcceleratorDevice, error)
	SystemInventory(ctx context.Context) (SystemInventory, error)
}
