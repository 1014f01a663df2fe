package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediamill/internal/logging"
	"mediamill/internal/resource"
	"mediamill/internal/taskerr"
)

type fakeStats struct {
	sample resource.Sample
	limits resource.Limits
}

func (f *fakeStats) Latest() resource.Sample { return f.sample }
func (f *fakeStats) Limits() resource.Limits { return f.limits }

type fixedCounter int

func (f fixedCounter) CountActive() int { return int(f) }

func healthyStats() *fakeStats {
	return &fakeStats{
		sample: resource.Sample{CPUPct: 10, MemPct: 20, DiskPct: 30, FreeDiskBytes: 50 << 30},
		limits: resource.DefaultLimits(),
	}
}

func TestAdmitWhenHealthy(t *testing.T) {
	c := NewController(healthyStats(), fixedCounter(0), logging.Nop())
	assert.NoError(t, c.Check())
}

func TestRejectAtConcurrencyLimit(t *testing.T) {
	stats := healthyStats()
	c := NewController(stats, fixedCounter(stats.limits.MaxConcurrentTasks), logging.Nop())

	err := c.Check()
	require.Error(t, err)
	assert.True(t, taskerr.IsKind(err, taskerr.KindResourceLimit))
	assert.Contains(t, err.Error(), "concurrent tasks")
}

func TestRejectOnCPU(t *testing.T) {
	stats := healthyStats()
	stats.limits.MaxCPUPct = 50
	stats.sample.CPUPct = 60
	c := NewController(stats, fixedCounter(0), logging.Nop())

	err := c.Check()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cpu")
}

func TestRejectOnMemory(t *testing.T) {
	stats := healthyStats()
	stats.sample.MemPct = 99
	c := NewController(stats, fixedCounter(0), logging.Nop())

	err := c.Check()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory")
}

func TestRejectOnFreeDisk(t *testing.T) {
	stats := healthyStats()
	stats.sample.FreeDiskBytes = 1 << 20
	c := NewController(stats, fixedCounter(0), logging.Nop())

	err := c.Check()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "free disk")
}
