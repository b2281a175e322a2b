package quota

import (
	"math"
	"testing"

	"github.com/diycloud/usermgmt/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuantity(t *testing.T) {
	valid := map[string]int64{
		"2G":   2048,
		"512M": 512,
		"0M":   0,
		"5G":   5120,
		"1M":   1,
	}
	for in, want := range valid {
		got, err := ParseQuantity(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"2X", "", "G", "2", "2g", "2GB", " 2G", "2G ", "-2G", "1.5G", "2M2G", "abcG", "9999999999G"} {
		_, err := ParseQuantity(in)
		assert.ErrorIs(t, err, apperr.ErrValidation, "%q", in)
	}
}

func TestValidateCPU(t *testing.T) {
	assert.NoError(t, ValidateCPU(0.5))
	assert.NoError(t, ValidateCPU(1))
	for _, bad := range []float64{0, -1, math.NaN(), math.Inf(1), MaxCPULimit + 1} {
		assert.ErrorIs(t, ValidateCPU(bad), apperr.ErrValidation)
	}
}

func TestNormalize_Defaults(t *testing.T) {
	limits, err := Normalize(DefaultCPULimit, DefaultMemLimit, DefaultDiskQuota, DefaultGPUAccess)
	require.NoError(t, err)
	assert.Equal(t, Limits{CPUCores: 1.0, MemMB: 2048, DiskMB: 5120}, limits)
}

func TestNormalize_RejectsBadDisk(t *testing.T) {
	_, err := Normalize(2, "4G", "10T", false)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
