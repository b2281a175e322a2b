package usage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/diycloud/usermgmt/internal/apperr"
	"github.com/diycloud/usermgmt/internal/extcall"
)

const bytesPerMB = 1024 * 1024

// HostIntrospector reads the local host through gopsutil, du and nvidia-smi.
type HostIntrospector struct {
	limiter     *extcall.Limiter
	runner      extcall.Runner
	storageRoot string
	nvidiaSMI   string
}

// NewHostIntrospector creates an introspector. storageRoot is the shared
// storage mount reported in the system inventory.
func NewHostIntrospector(limiter *extcall.Limiter, runner extcall.Runner, storageRoot string) *HostIntrospector {
	return &HostIntrospector{
		limiter:     limiter,
		runner:      runner,
		storageRoot: storageRoot,
		nvidiaSMI:   "nvidia-smi",
	}
}

// ListProcesses returns every process whose effective user is owner. Processes
// that exit mid-scan are skipped.
func (h *HostIntrospector) ListProcesses(ctx context.Context, owner string) ([]Process, error) {
	var out []Process
	err := h.limiter.Do(ctx, func(ctx context.Context) error {
		procs, err := process.ProcessesWithContext(ctx)
		if err != nil {
			return err
		}
		for _, p := range procs {
			if err := ctx.Err(); err != nil {
				return err
			}
			name, err := p.UsernameWithContext(ctx)
			if err != nil || name != owner {
				continue
			}
			cpuPct, err := p.CPUPercentWithContext(ctx)
			if err != nil {
				continue
			}
			memInfo, err := p.MemoryInfoWithContext(ctx)
			if err != nil {
				continue
			}
			out = append(out, Process{
				PID:        p.Pid,
				CPUPercent: cpuPct,
				ResidentMB: float64(memInfo.RSS) / bytesPerMB,
			})
		}
		return nil
	})
	if err != nil {
		return nil, apperr.External("list processes", err, "")
	}
	return out, nil
}

// DiskUsage returns the recursive size of path in megabytes (du -sm). A path
// that does not exist yields ErrPathNotFound.
func (h *HostIntrospector) DiskUsage(ctx context.Context, path string) (int64, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("disk usage %s: %w", path, ErrPathNotFound)
	}
	res, err := h.runner.Run(ctx, "du", "-sm", path)
	if err != nil {
		// The directory can vanish between the stat and du.
		if strings.Contains(res.Stderr, "No such file or directory") {
			return 0, fmt.Errorf("disk usage %s: %w", path, ErrPathNotFound)
		}
		return 0, apperr.External("disk usage", err, res.Diagnostic(err))
	}
	return parseDU(res.Stdout)
}

// AcceleratorProcesses lists compute processes known to nvidia-smi.
func (h *HostIntrospector) AcceleratorProcesses(ctx context.Context) ([]AcceleratorProcess, error) {
	res, err := h.runner.Run(ctx, h.nvidiaSMI,
		"--query-compute-apps=pid,used_memory", "--format=csv,noheader,nounits")
	if err != nil {
		return nil, apperr.External("accelerator processes", err, res.Diagnostic(err))
	}
	return parseComputeApps(res.Stdout)
}

// AcceleratorInventory lists accelerator devices known to nvidia-smi.
func (h *HostIntrospector) AcceleratorInventory(ctx context.Context) ([]AcceleratorDevice, error) {
	res, err := h.runner.Run(ctx, h.nvidiaSMI,
		"--query-gpu=name,memory.total,memory.used", "--format=csv,noheader,nounits")
	if err != nil {
		return nil, apperr.External("accelerator inventory", err, res.Diagnostic(err))
	}
	return parseGPUInventory(res.Stdout)
}

// SystemInventory reports logical cores, total memory and storage-root capacity.
func (h *HostIntrospector) SystemInventory(ctx context.Context) (SystemInventory, error) {
	var inv SystemInventory
	err := h.limiter.Do(ctx, func(ctx context.Context) error {
		cores, err := cpu.CountsWithContext(ctx, true)
		if err != nil {
			return fmt.Errorf("count cpus: %w", err)
		}
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return fmt.Errorf("read memory: %w", err)
		}
		du, err := disk.UsageWithContext(ctx, h.storageRoot)
		if err != nil {
			return fmt.Errorf("read disk usage of %s: %w", h.storageRoot, err)
		}
		inv = SystemInventory{
			Cores:       cores,
			MemTotalMB:  int64(vm.Total / bytesPerMB),
			DiskTotalMB: int64(du.Total / bytesPerMB),
			DiskUsedMB:  int64(du.Used / bytesPerMB),
			DiskAvailMB: int64(du.Free / bytesPerMB),
		}
		return nil
	})
	if err != nil {
		return SystemInventory{}, apperr.External("system inventory", err, "")
	}
	return inv, nil
}

// parseDU reads the first field of "1234\t/home/alice".
func parseDU(out string) (int64, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, apperr.External("disk usage", fmt.Errorf("empty du output"), "")
	}
	mb, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, apperr.External("disk usage", fmt.Errorf("parse du output: %w", err), out)
	}
	return mb, nil
}
