// Package quota holds quota defaults and the strict quantity grammar used for
// memory and disk limits.
package quota

import (
	"math"
	"regexp"
	"strconv"

	"github.com/diycloud/usermgmt/internal/apperr"
)

// Defaults applied when a create request omits quota fields.
const (
	DefaultCPULimit  = 1.0
	DefaultMemLimit  = "2G"
	DefaultDiskQuota = "5G"
	DefaultGPUAccess = false
)

// MaxCPULimit bounds cpu_limit to something a single host can express.
const MaxCPULimit = 1024.0

var quantityPattern = regexp.MustCompile(`^([0-9]{1,9})([GM])$`)

// ParseQuantity converts "<integer>G" or "<integer>M" to megabytes. G is 1024
// megabytes. Any other shape is a validation error.
func ParseQuantity(s string) (int64, error) {
	m := quantityPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, apperr.Validation("invalid quantity %q: want <integer>G or <integer>M", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, apperr.Validation("invalid quantity %q: %v", s, err)
	}
	if m[2] == "G" {
		return n * 1024, nil
	}
	return n, nil
}

// ValidateCPU checks a cpu_limit in cores.
func ValidateCPU(cores float64) error {
	if math.IsNaN(cores) || math.IsInf(cores, 0) || cores <= 0 || cores > MaxCPULimit {
		return apperr.Validation("cpu_limit must be in (0, %g], got %g", MaxCPULimit, cores)
	}
	return nil
}

// Limits is a quota normalized for the enforcement layer.
type Limits struct {
	CPUCores  float64
	MemMB     int64
	DiskMB    int64
	GPUAccess bool
}

// Normalize validates the stored representation and converts it to Limits.
func Normalize(cpu float64, mem, disk string, gpu bool) (Limits, error) {
	if err := ValidateCPU(cpu); err != nil {
		return Limits{}, err
	}
	memMB, err := ParseQuantity(mem)
	if err != nil {
		return Limits{}, err
	}
	diskMB, err := ParseQuantity(disk)
	if err != nil {
		return Limits{}, err
	}
	return Limits{CPUCores: cpu, MemMB: memMB, DiskMB: diskMB, GPUAccess: gpu}, nil
}
