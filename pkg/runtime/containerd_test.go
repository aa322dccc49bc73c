package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCpuQuota(t *testing.T) {
	cases := []struct {
		name        string
		cpuSeconds  int
		wantQuota   int64
		wantPeriod  uint64
	}{
		{"one core budget", 300, 100000, 100000},
		{"below floor clamps to 0.1 core", 1, 10000, 100000},
		{"above ceiling clamps to 4 cores", 10000, 400000, 100000},
		{"half core", 150, 50000, 100000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			quota, period := cpuQuota(tc.cpuSeconds)
			assert.Equal(t, tc.wantQuota, quota)
			assert.Equal(t, tc.wantPeriod, period)
		})
	}
}

func TestNormalizeCaps(t *testing.T) {
	got := normalizeCaps([]string{"chown", "CAP_DAC_OVERRIDE", " setuid ", "", "chown"})
	assert.Equal(t, []string{"CAP_CHOWN", "CAP_DAC_OVERRIDE", "CAP_SETUID"}, got)
}

func TestNormalizeCaps_Empty(t *testing.T) {
	assert.Nil(t, normalizeCaps(nil))
}
